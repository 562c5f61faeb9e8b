// Package relay contains the synchronization engine that moves messages
// between the two platforms: dedup and cooldown control, command
// interception, delete propagation, and outbound sends with durable retry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tqsync/internal/binding"
	"tqsync/internal/dedup"
	"tqsync/internal/domain"
	"tqsync/internal/format"
	"tqsync/internal/idmap"
	"tqsync/internal/media"
	"tqsync/internal/metrics"
	"tqsync/internal/retry"
)

// Config wires the engine's collaborators. Telegram, QQ, Formatter, Guard,
// IDMap, Bindings, Retry, and Logger are required; Fetcher is nil when media
// relay is disabled.
type Config struct {
	Telegram domain.Sender
	QQ       domain.Sender

	Formatter *format.Formatter
	Guard     *dedup.Guard
	IDMap     *idmap.Map
	Bindings  *binding.Registry
	Retry     *retry.Queue
	Fetcher   *media.Fetcher

	FilterPrefix     string
	FilterKeywords   []string
	MaxMessageLength int           // default 4096
	SendTimeout      time.Duration // default 30s

	Logger *slog.Logger
}

// Engine consumes normalized inbound events and produces outbound sends.
// HandleInbound is safe for concurrent use: each adapter delivers its own
// feed sequentially, but the two feeds arrive in parallel.
type Engine struct {
	telegram domain.Sender
	qq       domain.Sender

	formatter *format.Formatter
	guard     *dedup.Guard
	idmap     *idmap.Map
	bindings  *binding.Registry
	retry     *retry.Queue
	fetcher   *media.Fetcher

	filterPrefix string
	maxLen       int
	sendTimeout  time.Duration

	mu       sync.RWMutex
	keywords []string

	logger *slog.Logger
}

// NewEngine validates the collaborator set and constructs the engine. A
// missing required collaborator is a configuration failure: the process must
// not start half-wired.
func NewEngine(cfg Config) (*Engine, error) {
	checks := []struct {
		name string
		ok   bool
	}{
		{"telegram sender", cfg.Telegram != nil},
		{"qq sender", cfg.QQ != nil},
		{"formatter", cfg.Formatter != nil},
		{"dedup guard", cfg.Guard != nil},
		{"identity map", cfg.IDMap != nil},
		{"binding registry", cfg.Bindings != nil},
		{"retry queue", cfg.Retry != nil},
		{"logger", cfg.Logger != nil},
	}
	var missing []string
	for _, c := range checks {
		if !c.ok {
			missing = append(missing, c.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("engine missing collaborators: %s", strings.Join(missing, ", "))
	}
	if cfg.FilterPrefix == "" {
		cfg.FilterPrefix = "!"
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4096
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Engine{
		telegram:     cfg.Telegram,
		qq:           cfg.QQ,
		formatter:    cfg.Formatter,
		guard:        cfg.Guard,
		idmap:        cfg.IDMap,
		bindings:     cfg.Bindings,
		retry:        cfg.Retry,
		fetcher:      cfg.Fetcher,
		filterPrefix: cfg.FilterPrefix,
		maxLen:       cfg.MaxMessageLength,
		sendTimeout:  cfg.SendTimeout,
		keywords:     append([]string(nil), cfg.FilterKeywords...),
		logger:       cfg.Logger,
	}, nil
}

// HandleInbound runs one event through the relay pipeline. Failures degrade
// to "message not relayed"; nothing here panics the feed loops.
func (e *Engine) HandleInbound(ctx context.Context, m domain.InboundMessage) {
	countReceived(m.Platform)

	if m.Kind == domain.KindDelete {
		e.propagateDelete(ctx, m)
		return
	}

	dest := m.Platform.Other()
	if e.guard.ShouldDrop(m.Platform, m.NativeID) {
		metrics.Deduplicated.Inc()
		e.logger.Debug("duplicate dropped", "platform", m.Platform, "id", m.NativeID)
		return
	}
	if !e.guard.AllowedToSend(dest) {
		metrics.Deduplicated.Inc()
		e.logger.Debug("destination in cooldown, dropped", "destination", dest, "id", m.NativeID)
		return
	}

	if e.isCommand(m) {
		metrics.PrefixFiltered.Inc()
		e.handleCommand(ctx, m)
		return
	}
	if e.contentFiltered(m) {
		metrics.Filtered.Inc()
		return
	}

	e.relayMessage(ctx, m, dest)
}

// relayMessage formats, sends, and on failure hands the payload to the retry
// queue. No synchronous retry happens here.
func (e *Engine) relayMessage(ctx context.Context, m domain.InboundMessage, dest domain.Platform) {
	payload := e.buildPayload(ctx, m, dest)

	sctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	start := time.Now()
	nativeID, err := Deliver(sctx, e.sender(dest), payload)
	cancel()
	metrics.SendLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if domain.IsPermanentSend(err) {
			e.logger.Error("send failed permanently, message dropped",
				"destination", dest, "source_id", m.NativeID, "err", err)
			return
		}
		if qerr := e.retry.Enqueue(ctx, payload, err.Error()); qerr != nil {
			e.logger.Error("send failed and could not be queued, message lost",
				"destination", dest, "source_id", m.NativeID, "err", qerr)
		}
		return
	}

	if payload.MediaPath != "" && e.fetcher != nil {
		e.fetcher.Remove(payload.MediaPath)
	}
	e.idmap.Record(m.Platform, m.NativeID, dest, nativeID)
	e.guard.MarkSent(dest)
	e.bindings.Touch(ctx, m.Platform, m.SenderID)
	countSent(dest)
	e.logger.Debug("relayed", "from", m.Platform, "to", dest, "source_id", m.NativeID, "target_id", nativeID)
}

// propagateDelete applies a source-platform deletion to the mapped message
// on the destination. When no mapping exists or the targeted delete fails,
// it degrades to a textual notice, best effort.
func (e *Engine) propagateDelete(ctx context.Context, m domain.InboundMessage) {
	dest := m.Platform.Other()

	err := e.deleteMapped(ctx, m, dest)
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrNoMapping) {
		e.logger.Debug("no mapping for deleted message", "platform", m.Platform, "id", m.NativeID)
	} else {
		e.logger.Warn("targeted delete failed, falling back to notice",
			"destination", dest, "source_id", m.NativeID, "err", err)
	}

	sctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	if _, err := e.sender(dest).SendText(sctx, e.formatter.DeleteNotice(m.Platform), ""); err != nil {
		e.logger.Warn("delete notice failed", "destination", dest, "err", err)
	}
}

// deleteMapped removes the destination copy of a deleted source message.
// Returns ErrNoMapping when the source message was never relayed or its
// mapping already expired.
func (e *Engine) deleteMapped(ctx context.Context, m domain.InboundMessage, dest domain.Platform) error {
	targetID, ok := e.idmap.LookupTarget(m.Platform, m.NativeID, dest)
	if !ok {
		return domain.ErrNoMapping
	}

	sctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	if err := e.sender(dest).DeleteMessage(sctx, targetID); err != nil {
		return fmt.Errorf("delete %s: %w", targetID, err)
	}
	e.idmap.Remove(m.Platform, m.NativeID)
	metrics.DeletesPropagated.Inc()
	e.logger.Info("delete propagated", "from", m.Platform, "source_id", m.NativeID, "target_id", targetID)
	return nil
}

// buildPayload renders m for the destination. Media messages are downloaded
// for native re-upload; any media failure degrades to the formatted caption
// line.
func (e *Engine) buildPayload(ctx context.Context, m domain.InboundMessage, dest domain.Platform) domain.OutboundPayload {
	text := e.formatter.Message(m)

	if m.Kind == domain.KindMedia && e.fetcher != nil && m.MediaURL != "" {
		local, err := e.fetcher.Fetch(ctx, m.MediaURL)
		if err != nil {
			e.logger.Warn("media download failed, relaying caption only",
				"platform", m.Platform, "id", m.NativeID, "err", err)
		} else {
			return domain.OutboundPayload{
				Platform:  dest,
				Kind:      domain.KindMedia,
				MediaPath: local,
				MediaKind: m.MediaKind,
				Caption:   text,
			}
		}
	}
	return domain.OutboundPayload{Platform: dest, Kind: domain.KindText, Text: text}
}

// Deliver dispatches one payload through a sender. The retry queue uses the
// same entry point so replayed sends behave exactly like direct ones.
func Deliver(ctx context.Context, s domain.Sender, p domain.OutboundPayload) (string, error) {
	if p.Kind == domain.KindMedia && p.MediaPath != "" {
		return s.SendMedia(ctx, p.MediaPath, p.MediaKind, p.Caption)
	}
	return s.SendText(ctx, p.Text, p.ReplyTo)
}

func (e *Engine) sender(p domain.Platform) domain.Sender {
	if p == domain.PlatformTelegram {
		return e.telegram
	}
	return e.qq
}

// isCommand reports whether m carries the filter prefix. QQ keyboards often
// produce the full-width bang, so that spelling of the default prefix is
// accepted too.
func (e *Engine) isCommand(m domain.InboundMessage) bool {
	if m.Kind != domain.KindText {
		return false
	}
	if strings.HasPrefix(m.Text, e.filterPrefix) {
		return true
	}
	return e.filterPrefix == "!" && strings.HasPrefix(m.Text, "！")
}

// contentFiltered applies the keyword filter and the length guard. Media and
// forward bundles carry no user-typed text and are exempt.
func (e *Engine) contentFiltered(m domain.InboundMessage) bool {
	if m.Kind != domain.KindText {
		return false
	}
	if m.Text == "" {
		return true
	}
	if utf8.RuneCountInString(m.Text) > e.maxLen {
		e.logger.Warn("message over length limit, dropped",
			"platform", m.Platform, "id", m.NativeID, "len", utf8.RuneCountInString(m.Text))
		return true
	}
	if word, ok := e.matchKeyword(m.Text); ok {
		e.logger.Info("message dropped by keyword filter",
			"platform", m.Platform, "id", m.NativeID, "keyword", word)
		return true
	}
	return false
}

func (e *Engine) matchKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, k := range e.keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return k, true
		}
	}
	return "", false
}

func (e *Engine) addKeyword(word string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range e.keywords {
		if strings.EqualFold(k, word) {
			return false
		}
	}
	e.keywords = append(e.keywords, word)
	return true
}

func (e *Engine) removeKeyword(word string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, k := range e.keywords {
		if strings.EqualFold(k, word) {
			e.keywords = append(e.keywords[:i], e.keywords[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) keywordList() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.keywords...)
}

func countReceived(p domain.Platform) {
	if p == domain.PlatformTelegram {
		metrics.TelegramReceived.Inc()
	} else {
		metrics.QQReceived.Inc()
	}
}

func countSent(p domain.Platform) {
	if p == domain.PlatformTelegram {
		metrics.TelegramSent.Inc()
	} else {
		metrics.QQSent.Inc()
	}
}
