package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tqsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- retry queue ---

func TestRetry_EnqueueAndDue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.EnqueueRetry(ctx, []byte(`{"platform":"qq"}`), "network error", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Error("expected a nonzero row id")
	}

	items, err := s.DueRetries(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 due item, got %d", len(items))
	}
	if string(items[0].Payload) != `{"platform":"qq"}` {
		t.Errorf("payload mismatch: %s", items[0].Payload)
	}
	if items[0].Reason != "network error" {
		t.Errorf("reason mismatch: %q", items[0].Reason)
	}
	if items[0].Attempts != 0 {
		t.Errorf("new item should have 0 attempts, got %d", items[0].Attempts)
	}
}

func TestRetry_FutureItemsNotDue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueRetry(ctx, []byte("x"), "", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	items, err := s.DueRetries(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("future item should not be due, got %d", len(items))
	}
}

func TestRetry_DueOrderOldestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	late, _ := s.EnqueueRetry(ctx, []byte("late"), "", base.Add(30*time.Second))
	early, _ := s.EnqueueRetry(ctx, []byte("early"), "", base)

	items, err := s.DueRetries(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != early || items[1].ID != late {
		t.Errorf("expected oldest first, got ids %d, %d", items[0].ID, items[1].ID)
	}
}

func TestRetry_DueLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.EnqueueRetry(ctx, []byte("x"), "", time.Now().Add(-time.Second))
	}
	items, err := s.DueRetries(ctx, time.Now(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Errorf("expected batch of 3, got %d", len(items))
	}
}

func TestRetry_RescheduleAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueRetry(ctx, []byte("x"), "", time.Now())
	if err := s.RescheduleRetry(ctx, id, 2, time.Now().Add(time.Hour), "still failing"); err != nil {
		t.Fatal(err)
	}

	items, _ := s.DueRetries(ctx, time.Now(), 10)
	if len(items) != 0 {
		t.Fatal("rescheduled item should not be due yet")
	}

	items, _ = s.DueRetries(ctx, time.Now().Add(2*time.Hour), 10)
	if len(items) != 1 || items[0].Attempts != 2 || items[0].LastError != "still failing" {
		t.Fatalf("reschedule not persisted: %+v", items)
	}

	if err := s.DeleteRetry(ctx, id); err != nil {
		t.Fatal(err)
	}
	depth, err := s.RetryDepth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("expected empty queue, depth=%d", depth)
	}
}

func TestRetry_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	ctx := context.Background()

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueRetry(ctx, []byte("persisted"), "boom", time.Now()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	items, err := s2.DueRetries(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || string(items[0].Payload) != "persisted" {
		t.Fatalf("item lost across reopen: %+v", items)
	}
}

// --- bindings ---

func TestBinding_InsertAndFindBothSides(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertBinding(ctx, "tg1", "qq1"); err != nil {
		t.Fatal(err)
	}

	b, err := s.FindBinding(ctx, domain.PlatformTelegram, "tg1")
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.QQUserID != "qq1" {
		t.Fatalf("telegram-side lookup: %+v", b)
	}

	b, err = s.FindBinding(ctx, domain.PlatformQQ, "qq1")
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.TelegramUserID != "tg1" {
		t.Fatalf("qq-side lookup: %+v", b)
	}
}

func TestBinding_FindUnbound(t *testing.T) {
	s := testStore(t)

	b, err := s.FindBinding(context.Background(), domain.PlatformTelegram, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Errorf("unbound user should return nil, got %+v", b)
	}
}

func TestBinding_UniqueConstraint(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertBinding(ctx, "tg1", "qq1"); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertBinding(ctx, "tg1", "qq2"); err == nil {
		t.Error("reusing a telegram id should violate the unique constraint")
	}
	if err := s.InsertBinding(ctx, "tg2", "qq1"); err == nil {
		t.Error("reusing a qq id should violate the unique constraint")
	}
}

func TestIsConstraintViolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertBinding(ctx, "tg1", "qq1"); err != nil {
		t.Fatal(err)
	}
	dup := s.InsertBinding(ctx, "tg1", "qq2")
	if !IsConstraintViolation(dup) {
		t.Errorf("duplicate insert not classified as constraint violation: %v", dup)
	}

	if IsConstraintViolation(nil) {
		t.Error("nil classified as constraint violation")
	}
	if IsConstraintViolation(errors.New("disk I/O error")) {
		t.Error("I/O error classified as constraint violation")
	}
}

func TestBinding_Delete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.InsertBinding(ctx, "tg1", "qq1")
	if err := s.DeleteBinding(ctx, domain.PlatformQQ, "qq1"); err != nil {
		t.Fatal(err)
	}

	b, _ := s.FindBinding(ctx, domain.PlatformTelegram, "tg1")
	if b != nil {
		t.Error("binding should be gone after delete from either side")
	}

	// Idempotent.
	if err := s.DeleteBinding(ctx, domain.PlatformQQ, "qq1"); err != nil {
		t.Errorf("double delete should be a no-op: %v", err)
	}
}

func TestBinding_Touch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.InsertBinding(ctx, "tg1", "qq1")
	if err := s.TouchBinding(ctx, domain.PlatformTelegram, "tg1"); err != nil {
		t.Fatal(err)
	}

	b, _ := s.FindBinding(ctx, domain.PlatformTelegram, "tg1")
	if b.LastActiveAt == nil {
		t.Error("last_active_at should be set after touch")
	}
}

// --- verification tickets ---

func TestTicket_PutGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tk := Ticket{
		Code:      "X7K2PQ4M",
		Platform:  domain.PlatformTelegram,
		UserID:    "tg1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.PutTicket(ctx, tk); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTicket(ctx, "X7K2PQ4M")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UserID != "tg1" || got.Platform != domain.PlatformTelegram {
		t.Fatalf("ticket mismatch: %+v", got)
	}

	got, err = s.GetTicketForUser(ctx, domain.PlatformTelegram, "tg1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Code != "X7K2PQ4M" {
		t.Fatalf("user lookup mismatch: %+v", got)
	}
}

func TestTicket_PutReplacesUsersPriorTicket(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	exp := time.Now().Add(10 * time.Minute)
	s.PutTicket(ctx, Ticket{Code: "AAAA2222", Platform: domain.PlatformQQ, UserID: "u1", ExpiresAt: exp})
	s.PutTicket(ctx, Ticket{Code: "BBBB3333", Platform: domain.PlatformQQ, UserID: "u1", ExpiresAt: exp})

	old, _ := s.GetTicket(ctx, "AAAA2222")
	if old != nil {
		t.Error("prior ticket should have been replaced")
	}
	cur, _ := s.GetTicketForUser(ctx, domain.PlatformQQ, "u1")
	if cur == nil || cur.Code != "BBBB3333" {
		t.Fatalf("expected the fresh ticket, got %+v", cur)
	}
}

func TestTicket_AttemptsAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.PutTicket(ctx, Ticket{Code: "CCCC4444", Platform: domain.PlatformTelegram, UserID: "u2", ExpiresAt: time.Now().Add(time.Minute)})

	if err := s.UpdateTicketAttempts(ctx, "CCCC4444", 2); err != nil {
		t.Fatal(err)
	}
	tk, _ := s.GetTicket(ctx, "CCCC4444")
	if tk.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", tk.Attempts)
	}

	if err := s.DeleteTicket(ctx, "CCCC4444"); err != nil {
		t.Fatal(err)
	}
	tk, _ = s.GetTicket(ctx, "CCCC4444")
	if tk != nil {
		t.Error("ticket should be gone after delete")
	}
}

func TestTicket_Sweep(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.PutTicket(ctx, Ticket{Code: "OLD11111", Platform: domain.PlatformQQ, UserID: "u1", ExpiresAt: time.Now().Add(-time.Minute)})
	s.PutTicket(ctx, Ticket{Code: "NEW22222", Platform: domain.PlatformQQ, UserID: "u2", ExpiresAt: time.Now().Add(time.Minute)})

	removed, err := s.SweepTickets(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("expected 1 swept ticket, got %d", removed)
	}

	if tk, _ := s.GetTicket(ctx, "NEW22222"); tk == nil {
		t.Error("live ticket should survive the sweep")
	}
}
