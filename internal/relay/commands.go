package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tqsync/internal/domain"
	"tqsync/internal/metrics"
)

// handleCommand parses and answers a prefixed command. Responses go to the
// originating platform only and are never relayed.
func (e *Engine) handleCommand(ctx context.Context, m domain.InboundMessage) {
	text := strings.TrimPrefix(m.Text, e.filterPrefix)
	if e.filterPrefix == "!" {
		text = strings.TrimPrefix(text, "！")
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		e.reply(ctx, m, "empty command, try "+e.filterPrefix+"help")
		return
	}

	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	var resp string
	switch cmd {
	case "ping":
		resp = "pong!"
	case "status":
		resp = e.statusText(ctx)
	case "stats":
		resp = e.statsText(ctx)
	case "help":
		resp = e.helpText()
	case "filter":
		resp = e.filterCommand(args)
	case "bind":
		resp = e.bindCommand(ctx, m, args)
	case "unbind":
		resp = e.unbindCommand(ctx, m)
	default:
		resp = fmt.Sprintf("unknown command %q, try %shelp", cmd, e.filterPrefix)
	}

	metrics.CommandsProcessed.Inc()
	e.logger.Info("command handled", "platform", m.Platform, "command", cmd)
	e.reply(ctx, m, resp)
}

// reply answers on the originating platform, quoting the invoking message.
func (e *Engine) reply(ctx context.Context, m domain.InboundMessage, text string) {
	sctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	if _, err := e.sender(m.Platform).SendText(sctx, text, m.NativeID); err != nil {
		e.logger.Warn("command reply failed", "platform", m.Platform, "err", err)
	}
}

func (e *Engine) statusText(ctx context.Context) string {
	depth, err := e.retry.Depth(ctx)
	if err != nil {
		e.logger.Warn("cannot read retry depth", "err", err)
		depth = -1
	}
	uptime := metrics.Collector.Uptime().Round(time.Second)
	if depth > 0 {
		return fmt.Sprintf("relay running, uptime %s, %d sends waiting for retry", uptime, depth)
	}
	return fmt.Sprintf("relay running, uptime %s", uptime)
}

func (e *Engine) statsText(ctx context.Context) string {
	depth, err := e.retry.Depth(ctx)
	if err != nil {
		depth = -1
	}
	var b strings.Builder
	b.WriteString("relay stats:\n")
	fmt.Fprintf(&b, "telegram received: %d\n", metrics.TelegramReceived.Value())
	fmt.Fprintf(&b, "qq received: %d\n", metrics.QQReceived.Value())
	fmt.Fprintf(&b, "telegram sent: %d\n", metrics.TelegramSent.Value())
	fmt.Fprintf(&b, "qq sent: %d\n", metrics.QQSent.Value())
	fmt.Fprintf(&b, "deduplicated: %d\n", metrics.Deduplicated.Value())
	fmt.Fprintf(&b, "filtered: %d\n", metrics.Filtered.Value())
	fmt.Fprintf(&b, "commands: %d\n", metrics.CommandsProcessed.Value())
	fmt.Fprintf(&b, "identity mappings: %d\n", e.idmap.Len())
	fmt.Fprintf(&b, "retry queue depth: %d", depth)
	return b.String()
}

func (e *Engine) helpText() string {
	p := e.filterPrefix
	return strings.Join([]string{
		"available commands:",
		p + "ping - check the relay is alive",
		p + "status - uptime and retry backlog",
		p + "stats - relay counters",
		p + "filter list|add <word>|remove <word> - manage the keyword filter",
		p + "bind - get a verification code to link your account",
		p + "bind <code> - redeem a code from the other platform",
		p + "unbind - remove your account link",
		p + "help - this message",
	}, "\n")
}

func (e *Engine) filterCommand(args []string) string {
	usage := "usage: " + e.filterPrefix + "filter list|add <word>|remove <word>"
	if len(args) == 0 {
		return usage
	}
	switch strings.ToLower(args[0]) {
	case "list":
		words := e.keywordList()
		if len(words) == 0 {
			return "no filter keywords set"
		}
		return "filter keywords: " + strings.Join(words, ", ")
	case "add":
		if len(args) < 2 {
			return usage
		}
		if !e.addKeyword(args[1]) {
			return fmt.Sprintf("keyword already present: %s", args[1])
		}
		return fmt.Sprintf("keyword added: %s", args[1])
	case "remove":
		if len(args) < 2 {
			return usage
		}
		if !e.removeKeyword(args[1]) {
			return fmt.Sprintf("keyword not found: %s", args[1])
		}
		return fmt.Sprintf("keyword removed: %s", args[1])
	default:
		return usage
	}
}

func (e *Engine) bindCommand(ctx context.Context, m domain.InboundMessage, args []string) string {
	switch len(args) {
	case 0:
		code, err := e.bindings.Initiate(ctx, m.Platform, m.SenderID)
		if err != nil {
			return e.bindErrorText(err)
		}
		ttl := e.bindings.CodeTTL().Round(time.Minute)
		return fmt.Sprintf("your verification code: %s\nsend %sbind %s from your account on the other platform within %s",
			code, e.filterPrefix, code, ttl)
	case 1:
		b, err := e.bindings.Complete(ctx, m.Platform, m.SenderID, args[0])
		if err != nil {
			return e.bindErrorText(err)
		}
		e.logger.Info("accounts bound", "telegram_user_id", b.TelegramUserID, "qq_user_id", b.QQUserID)
		return "accounts linked"
	default:
		return fmt.Sprintf("usage: %sbind or %sbind <code>", e.filterPrefix, e.filterPrefix)
	}
}

func (e *Engine) unbindCommand(ctx context.Context, m domain.InboundMessage) string {
	err := e.bindings.Unbind(ctx, m.Platform, m.SenderID)
	switch {
	case errors.Is(err, domain.ErrNotBound):
		return "no account link found"
	case err != nil:
		e.logger.Error("unbind failed", "platform", m.Platform, "user_id", m.SenderID, "err", err)
		return "unbind failed, try again later"
	}
	return "account link removed"
}

// bindErrorText maps binding failures onto short user-facing replies.
// Anything outside the known set is an internal failure: logged, generic
// reply.
func (e *Engine) bindErrorText(err error) string {
	p := e.filterPrefix
	switch {
	case errors.Is(err, domain.ErrAlreadyBound):
		return "this account is already linked, use " + p + "unbind first"
	case errors.Is(err, domain.ErrInvalidCode):
		return "unknown verification code"
	case errors.Is(err, domain.ErrTicketExpired):
		return "verification code expired, start again with " + p + "bind"
	case errors.Is(err, domain.ErrTooManyAttempts):
		return "too many attempts, start again with " + p + "bind"
	case errors.Is(err, domain.ErrSamePlatform):
		return "redeem the code from your account on the other platform"
	default:
		e.logger.Error("binding command failed", "err", err)
		return "binding failed, try again later"
	}
}
