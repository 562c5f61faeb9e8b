package channel

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"tqsync/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func testTelegram() *Telegram {
	return &Telegram{chatID: 77, logger: testLogger()}
}

func tgUpdate(msg *tgbotapi.Message) tgbotapi.Update {
	return tgbotapi.Update{Message: msg}
}

func TestTelegramNormalize_Text(t *testing.T) {
	adapter := testTelegram()
	m, ok := adapter.normalize(tgUpdate(&tgbotapi.Message{
		MessageID: 5,
		From:      &tgbotapi.User{ID: 42, FirstName: "Alice", LastName: "Liddell"},
		Chat:      &tgbotapi.Chat{ID: 77},
		Date:      1700000000,
		Text:      "  hello  ",
	}))
	if !ok {
		t.Fatal("expected message to normalize")
	}
	if m.Kind != domain.KindText {
		t.Fatalf("kind = %s", m.Kind)
	}
	if m.NativeID != "5" || m.SenderID != "42" {
		t.Fatalf("ids = %s/%s", m.NativeID, m.SenderID)
	}
	if m.SenderName != "Alice Liddell" {
		t.Fatalf("sender name = %q", m.SenderName)
	}
	if m.Text != "hello" {
		t.Fatalf("text = %q", m.Text)
	}
	if !m.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp = %v", m.Timestamp)
	}
}

func TestTelegramNormalize_ForeignChatDropped(t *testing.T) {
	adapter := testTelegram()
	_, ok := adapter.normalize(tgUpdate(&tgbotapi.Message{
		MessageID: 6,
		From:      &tgbotapi.User{ID: 42, FirstName: "Alice"},
		Chat:      &tgbotapi.Chat{ID: 12345},
		Text:      "hi",
	}))
	if ok {
		t.Fatal("message from another chat must be dropped")
	}
}

func TestTelegramNormalize_ServiceMessageDropped(t *testing.T) {
	adapter := testTelegram()
	// Join/leave notices carry no text.
	_, ok := adapter.normalize(tgUpdate(&tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 42, FirstName: "Alice"},
		Chat:      &tgbotapi.Chat{ID: 77},
	}))
	if ok {
		t.Fatal("empty message must be dropped")
	}
}

func TestTelegramNormalize_Reply(t *testing.T) {
	adapter := testTelegram()
	m, ok := adapter.normalize(tgUpdate(&tgbotapi.Message{
		MessageID: 8,
		From:      &tgbotapi.User{ID: 42, FirstName: "Alice"},
		Chat:      &tgbotapi.Chat{ID: 77},
		Text:      "agreed",
		ReplyToMessage: &tgbotapi.Message{
			From:    &tgbotapi.User{ID: 43, FirstName: "Bob"},
			Caption: "look at this",
		},
	}))
	if !ok {
		t.Fatal("expected message to normalize")
	}
	if !m.IsReply || m.RepliedName != "Bob" {
		t.Fatalf("reply fields = %v/%q", m.IsReply, m.RepliedName)
	}
	// Media replies carry their text in the caption.
	if m.RepliedText != "look at this" {
		t.Fatalf("replied text = %q", m.RepliedText)
	}
}

func TestTelegramNormalize_Forward(t *testing.T) {
	adapter := testTelegram()
	m, ok := adapter.normalize(tgUpdate(&tgbotapi.Message{
		MessageID:   9,
		From:        &tgbotapi.User{ID: 42, FirstName: "Alice"},
		Chat:        &tgbotapi.Chat{ID: 77},
		Text:        "original words",
		ForwardFrom: &tgbotapi.User{ID: 99, FirstName: "Carol"},
	}))
	if !ok {
		t.Fatal("expected message to normalize")
	}
	if m.Kind != domain.KindForward {
		t.Fatalf("kind = %s", m.Kind)
	}
	if len(m.Forward) != 1 || m.Forward[0].SenderName != "Carol" || m.Forward[0].Text != "original words" {
		t.Fatalf("forward = %+v", m.Forward)
	}
}

func TestForwardOrigin(t *testing.T) {
	cases := []struct {
		name string
		msg  *tgbotapi.Message
		want string
	}{
		{"user", &tgbotapi.Message{ForwardFrom: &tgbotapi.User{FirstName: "Carol"}}, "Carol"},
		{"hidden user", &tgbotapi.Message{ForwardSenderName: "Hidden"}, "Hidden"},
		{"channel", &tgbotapi.Message{ForwardFromChat: &tgbotapi.Chat{Title: "News"}}, "News"},
		{"not a forward", &tgbotapi.Message{}, ""},
	}
	for _, tc := range cases {
		if got := forwardOrigin(tc.msg); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestAttachment_PicksLargestPhoto(t *testing.T) {
	kind, fileID, ok := attachment(&tgbotapi.Message{
		Photo: []tgbotapi.PhotoSize{{FileID: "thumb"}, {FileID: "medium"}, {FileID: "full"}},
	})
	if !ok || kind != domain.MediaPhoto || fileID != "full" {
		t.Fatalf("got %s/%s/%v", kind, fileID, ok)
	}
}

func TestAttachment_Kinds(t *testing.T) {
	if kind, _, _ := attachment(&tgbotapi.Message{Voice: &tgbotapi.Voice{FileID: "v"}}); kind != domain.MediaVoice {
		t.Fatalf("voice kind = %s", kind)
	}
	if kind, _, _ := attachment(&tgbotapi.Message{Video: &tgbotapi.Video{FileID: "v"}}); kind != domain.MediaVideo {
		t.Fatalf("video kind = %s", kind)
	}
	if kind, _, _ := attachment(&tgbotapi.Message{Document: &tgbotapi.Document{FileID: "d"}}); kind != domain.MediaDocument {
		t.Fatalf("document kind = %s", kind)
	}
	if _, _, ok := attachment(&tgbotapi.Message{}); ok {
		t.Fatal("plain message must have no attachment")
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName(&tgbotapi.User{FirstName: "Alice", LastName: "Liddell"}); got != "Alice Liddell" {
		t.Fatalf("got %q", got)
	}
	if got := displayName(&tgbotapi.User{FirstName: "Alice"}); got != "Alice" {
		t.Fatalf("got %q", got)
	}
	if got := displayName(&tgbotapi.User{UserName: "alice_l"}); got != "alice_l" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitChunk_ShortText(t *testing.T) {
	chunk, rest := splitChunk("hello")
	if chunk != "hello" || rest != "" {
		t.Fatalf("got %q / %q", chunk, rest)
	}
}

func TestSplitChunk_NewlineBoundary(t *testing.T) {
	text := strings.Repeat("a", 3990) + "\n" + strings.Repeat("b", 100)
	chunk, rest := splitChunk(text)
	if len(chunk) != 3990 || strings.ContainsRune(chunk, 'b') {
		t.Fatalf("chunk len %d", len(chunk))
	}
	// The separator itself is dropped.
	if rest != strings.Repeat("b", 100) {
		t.Fatalf("rest len %d", len(rest))
	}
}

func TestSplitChunk_EarlyNewlineHardCut(t *testing.T) {
	// A newline in the first half would leave the chunk mostly empty.
	text := "x\n" + strings.Repeat("y", 4500)
	chunk, rest := splitChunk(text)
	if len(chunk) != telegramMaxMsgLen {
		t.Fatalf("chunk len %d", len(chunk))
	}
	if chunk+rest != text {
		t.Fatal("hard cut must not lose bytes")
	}
}

func TestSplitChunk_NeverSplitsRunes(t *testing.T) {
	text := strings.Repeat("消", 1500) // 4500 bytes, no newlines
	chunk, rest := splitChunk(text)
	if !utf8.ValidString(chunk) || !utf8.ValidString(rest) {
		t.Fatal("cut produced invalid UTF-8")
	}
	if chunk+rest != text {
		t.Fatal("cut must not lose bytes")
	}
}

func TestIsPermanentTelegram(t *testing.T) {
	permanent := []string{
		"Forbidden: bot was blocked by the user",
		"Forbidden: bot was kicked from the supergroup chat",
		"Bad Request: chat not found",
		"Forbidden: user is deactivated",
		"Bad Request: not enough rights to send text messages",
		"Bad Request: wrong file identifier/HTTP URL specified",
	}
	for _, s := range permanent {
		if !isPermanentTelegram(s) {
			t.Errorf("%q should be permanent", s)
		}
	}
	transient := []string{
		"Too Many Requests: retry after 5",
		"Bad Gateway",
		"context deadline exceeded",
	}
	for _, s := range transient {
		if isPermanentTelegram(s) {
			t.Errorf("%q should be retryable", s)
		}
	}
}
