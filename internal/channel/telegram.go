// Package channel holds the two platform adapters. Each adapter normalizes
// inbound platform events into domain.InboundMessage values, delivered
// sequentially through a Handler, and implements domain.Sender for outbound
// calls.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"tqsync/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Handler receives one normalized inbound event. Adapters call it from a
// single goroutine, so delivery is sequential per platform.
type Handler func(ctx context.Context, m domain.InboundMessage)

const (
	telegramMaxMsgLen      = 4000
	telegramPollTimeout    = 30
	telegramMaxSendRetries = 3
	telegramMaxCaptionLen  = 1024
)

// Telegram bridges one group chat through the Bot API: a long-poll update
// loop on the inbound side, domain.Sender on the outbound side.
type Telegram struct {
	chatID    int64
	parseMode string

	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	ChatID    int64  // the relayed group chat
	ParseMode string // empty = plain text
	Logger    *slog.Logger
}

// NewTelegram authenticates against the Bot API. The connection is needed
// up front: the sender half is handed to the engine and the retry queue
// before the update loop starts.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)
	return &Telegram{
		chatID:    cfg.ChatID,
		parseMode: cfg.ParseMode,
		bot:       bot,
		logger:    cfg.Logger,
	}, nil
}

func (t *Telegram) Platform() domain.Platform { return domain.PlatformTelegram }

// Run polls for updates until ctx is cancelled. Updates from chats other
// than the configured one are ignored. The Bot API emits no deletion
// updates, so this adapter never produces KindDelete events.
func (t *Telegram) Run(ctx context.Context, handler Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started", "chat_id", t.chatID)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram adapter stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if m, ok := t.normalize(update); ok {
				handler(ctx, m)
			}
		}
	}
}

// normalize converts one update into an InboundMessage. Edited messages,
// join/leave service messages and unsupported attachment types are skipped.
func (t *Telegram) normalize(update tgbotapi.Update) (domain.InboundMessage, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return domain.InboundMessage{}, false
	}
	if msg.Chat.ID != t.chatID {
		t.logger.Debug("ignoring update from foreign chat", "chat_id", msg.Chat.ID)
		return domain.InboundMessage{}, false
	}

	m := domain.InboundMessage{
		Platform:   domain.PlatformTelegram,
		NativeID:   strconv.Itoa(msg.MessageID),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: displayName(msg.From),
		Timestamp:  time.Unix(int64(msg.Date), 0),
	}

	if msg.ReplyToMessage != nil {
		m.IsReply = true
		if msg.ReplyToMessage.From != nil {
			m.RepliedName = displayName(msg.ReplyToMessage.From)
		}
		m.RepliedText = msg.ReplyToMessage.Text
		if m.RepliedText == "" {
			m.RepliedText = msg.ReplyToMessage.Caption
		}
	}

	if kind, fileID, ok := attachment(msg); ok {
		m.Kind = domain.KindMedia
		m.MediaKind = kind
		m.Caption = msg.Caption
		if url, err := t.bot.GetFileDirectURL(fileID); err == nil {
			m.MediaURL = url
		} else {
			// Engine relays the caption text when the URL is missing.
			t.logger.Warn("telegram file url lookup failed", "kind", kind, "err", err)
		}
		return m, true
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return domain.InboundMessage{}, false
	}

	if origin := forwardOrigin(msg); origin != "" {
		m.Kind = domain.KindForward
		m.Forward = []domain.ForwardItem{{SenderName: origin, Text: text}}
		return m, true
	}

	m.Kind = domain.KindText
	m.Text = text
	return m, true
}

// attachment picks the relayable attachment, largest photo size first.
func attachment(msg *tgbotapi.Message) (domain.MediaKind, string, bool) {
	switch {
	case len(msg.Photo) > 0:
		return domain.MediaPhoto, msg.Photo[len(msg.Photo)-1].FileID, true
	case msg.Voice != nil:
		return domain.MediaVoice, msg.Voice.FileID, true
	case msg.Video != nil:
		return domain.MediaVideo, msg.Video.FileID, true
	case msg.Document != nil:
		return domain.MediaDocument, msg.Document.FileID, true
	}
	return "", "", false
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// forwardOrigin names where a forwarded message came from, or "" when the
// message is not a forward. Hidden users only carry ForwardSenderName.
func forwardOrigin(msg *tgbotapi.Message) string {
	switch {
	case msg.ForwardFrom != nil:
		return displayName(msg.ForwardFrom)
	case msg.ForwardSenderName != "":
		return msg.ForwardSenderName
	case msg.ForwardFromChat != nil:
		return msg.ForwardFromChat.Title
	}
	return ""
}

// SendText delivers text to the bridged chat, chunking at the Telegram
// message size limit on newline boundaries. The first chunk carries the
// reply reference and its id is the one reported back for identity mapping.
func (t *Telegram) SendText(ctx context.Context, text, replyTo string) (string, error) {
	replyID := 0
	if replyTo != "" {
		if id, err := strconv.Atoi(replyTo); err == nil {
			replyID = id
		}
	}

	firstID := ""
	for len(text) > 0 {
		var chunk string
		chunk, text = splitChunk(text)

		id, err := t.sendChunk(ctx, chunk, replyID)
		if err != nil {
			return "", err
		}
		if firstID == "" {
			firstID = id
		}
		replyID = 0
	}
	return firstID, nil
}

// splitChunk cuts the next message-sized piece off text. It prefers the last
// newline inside the limit, unless that would leave the chunk mostly empty,
// and never splits a UTF-8 sequence on a hard cut.
func splitChunk(text string) (chunk, rest string) {
	if len(text) <= telegramMaxMsgLen {
		return text, ""
	}
	if cutAt := strings.LastIndex(text[:telegramMaxMsgLen], "\n"); cutAt >= telegramMaxMsgLen/2 {
		return text[:cutAt], text[cutAt+1:]
	}
	cutAt := telegramMaxMsgLen
	for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
		cutAt--
	}
	if cutAt == 0 {
		cutAt = telegramMaxMsgLen
	}
	return text[:cutAt], text[cutAt:]
}

// sendChunk sends a single message with retry and rate limit handling.
// Strategy: try the configured parse mode first, fall back to plain text on
// a parse error, back off on 429 and other transient errors.
func (t *Telegram) sendChunk(ctx context.Context, text string, replyID int) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", &domain.SendError{Platform: domain.PlatformTelegram, Err: err}
		}

		msg := tgbotapi.NewMessage(t.chatID, text)
		if replyID != 0 {
			msg.ReplyToMessageID = replyID
		}
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}
		// On subsequent attempts: plain text, the parse mode may be malformed.

		sent, err := t.bot.Send(msg)
		if err == nil {
			return strconv.Itoa(sent.MessageID), nil
		}
		lastErr = err
		errStr := err.Error()

		if isPermanentTelegram(errStr) {
			return "", &domain.SendError{Platform: domain.PlatformTelegram, Permanent: true, Err: err}
		}

		// Rate limited (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			if err := sleepCtx(ctx, retryAfter); err != nil {
				return "", &domain.SendError{Platform: domain.PlatformTelegram, Err: err}
			}
			continue
		}

		// Parse error on the first attempt: retry as plain text right away.
		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				return "", &domain.SendError{Platform: domain.PlatformTelegram, Err: err}
			}
		}
	}

	return "", &domain.SendError{Platform: domain.PlatformTelegram, Err: lastErr}
}

// SendMedia uploads a local file to the bridged chat.
func (t *Telegram) SendMedia(ctx context.Context, localPath string, kind domain.MediaKind, caption string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.SendError{Platform: domain.PlatformTelegram, Err: err}
	}
	if r := []rune(caption); len(r) > telegramMaxCaptionLen {
		caption = string(r[:telegramMaxCaptionLen])
	}

	file := tgbotapi.FilePath(localPath)
	var c tgbotapi.Chattable
	switch kind {
	case domain.MediaPhoto:
		m := tgbotapi.NewPhoto(t.chatID, file)
		m.Caption = caption
		c = m
	case domain.MediaVoice:
		m := tgbotapi.NewVoice(t.chatID, file)
		m.Caption = caption
		c = m
	case domain.MediaVideo:
		m := tgbotapi.NewVideo(t.chatID, file)
		m.Caption = caption
		c = m
	default:
		m := tgbotapi.NewDocument(t.chatID, file)
		m.Caption = caption
		c = m
	}

	sent, err := t.bot.Send(c)
	if err != nil {
		return "", &domain.SendError{
			Platform:  domain.PlatformTelegram,
			Permanent: isPermanentTelegram(err.Error()),
			Err:       err,
		}
	}
	return strconv.Itoa(sent.MessageID), nil
}

// DeleteMessage removes a previously relayed message. Bots can only delete
// recent messages, so a too-old id fails permanently and the engine falls
// back to a textual notice.
func (t *Telegram) DeleteMessage(ctx context.Context, nativeID string) error {
	id, err := strconv.Atoi(nativeID)
	if err != nil {
		return &domain.SendError{Platform: domain.PlatformTelegram, Permanent: true, Err: fmt.Errorf("bad message id %q: %w", nativeID, err)}
	}
	if err := ctx.Err(); err != nil {
		return &domain.SendError{Platform: domain.PlatformTelegram, Err: err}
	}

	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(t.chatID, id)); err != nil {
		errStr := err.Error()
		permanent := isPermanentTelegram(errStr) ||
			strings.Contains(errStr, "message to delete not found") ||
			strings.Contains(errStr, "message can't be deleted")
		return &domain.SendError{Platform: domain.PlatformTelegram, Permanent: permanent, Err: err}
	}
	return nil
}

// isPermanentTelegram reports whether a Bot API error cannot be cured by
// retrying: the bot lost access to the chat or the request itself is bad.
func isPermanentTelegram(errStr string) bool {
	for _, marker := range []string{
		"bot was blocked",
		"bot was kicked",
		"chat not found",
		"user is deactivated",
		"not enough rights",
		"wrong file identifier",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
