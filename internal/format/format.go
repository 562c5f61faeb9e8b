// Package format renders normalized inbound messages as text for the
// opposite platform. Everything here is pure: the same message and options
// always produce the same string.
package format

import (
	"fmt"
	"strings"

	"tqsync/internal/domain"
)

const (
	maxNameRunes     = 32
	snippetRunes     = 30
	maxForwardItems  = 20
	forwardItemRunes = 200
)

// nameStripSet breaks Telegram markup and QQ CQ codes when left in display
// names. Underscores stay: they are common in handles.
const nameStripSet = "*[]()~`>#+-=|{}.!"

// Options tunes the rendered output.
type Options struct {
	ReplyFormat bool // render reply context when the source message is a reply
}

// Formatter is the formatting collaborator consumed by the relay engine.
type Formatter struct {
	replyFormat bool
}

// New creates a Formatter.
func New(opts Options) *Formatter {
	return &Formatter{replyFormat: opts.ReplyFormat}
}

// Message renders m for delivery on the opposite platform.
func (f *Formatter) Message(m domain.InboundMessage) string {
	switch m.Kind {
	case domain.KindMedia:
		return f.media(m)
	case domain.KindForward:
		return f.forward(m)
	default:
		return f.text(m)
	}
}

// DeleteNotice is the fallback text when a cross-platform delete cannot be
// applied to the mapped message directly.
func (f *Formatter) DeleteNotice(source domain.Platform) string {
	return fmt.Sprintf("(a message was deleted on %s)", platformName(source))
}

func (f *Formatter) text(m domain.InboundMessage) string {
	sender := CleanName(m.SenderName)
	if m.IsReply && f.replyFormat {
		replied := CleanName(m.RepliedName)
		if snippet := Snippet(m.RepliedText, snippetRunes); snippet != "" {
			return fmt.Sprintf("[%s -> %s: %q] %s", sender, replied, snippet, m.Text)
		}
		return fmt.Sprintf("[%s -> %s] %s", sender, replied, m.Text)
	}
	return fmt.Sprintf("%s %s: %s", tag(m.Platform), sender, m.Text)
}

func (f *Formatter) media(m domain.InboundMessage) string {
	sender := CleanName(m.SenderName)
	noun := mediaNoun(m.MediaKind)
	if m.Caption != "" {
		return fmt.Sprintf("%s %s sent %s: %s", tag(m.Platform), sender, noun, m.Caption)
	}
	return fmt.Sprintf("%s %s sent %s", tag(m.Platform), sender, noun)
}

func (f *Formatter) forward(m domain.InboundMessage) string {
	sender := CleanName(m.SenderName)
	items := m.Forward

	switch len(items) {
	case 0:
		return fmt.Sprintf("%s %s forwarded a message", tag(m.Platform), sender)
	case 1:
		return fmt.Sprintf("%s %s forwarded from %s: %s",
			tag(m.Platform), sender, CleanName(items[0].SenderName), Snippet(items[0].Text, forwardItemRunes))
	}

	total := len(items)
	shown := total
	if shown > maxForwardItems {
		shown = maxForwardItems
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s forwarded %d messages:", tag(m.Platform), sender, total)
	for i := 0; i < shown; i++ {
		fmt.Fprintf(&b, "\n%d. %s: %s", i+1, CleanName(items[i].SenderName), Snippet(items[i].Text, forwardItemRunes))
	}
	if total > shown {
		fmt.Fprintf(&b, "\n... and %d more", total-shown)
	}
	return b.String()
}

// CleanName strips markup-hostile characters from a display name, collapses
// whitespace, and caps the length.
func CleanName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(nameStripSet, r) {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := strings.Join(strings.Fields(b.String()), " ")
	if cleaned == "" {
		return "Unknown"
	}
	return truncateRunes(cleaned, maxNameRunes)
}

// Snippet collapses whitespace and truncates to max runes for inline quoting.
func Snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}

func mediaNoun(kind domain.MediaKind) string {
	switch kind {
	case domain.MediaPhoto:
		return "a photo"
	case domain.MediaVoice:
		return "a voice message"
	case domain.MediaVideo:
		return "a video"
	default:
		return "a file"
	}
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func tag(p domain.Platform) string {
	if p == domain.PlatformTelegram {
		return "[TG]"
	}
	return "[QQ]"
}

func platformName(p domain.Platform) string {
	if p == domain.PlatformTelegram {
		return "Telegram"
	}
	return "QQ"
}
