package retry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tqsync/internal/domain"
	"tqsync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// scriptedSender consumes errs in order; an empty script means every send
// succeeds.
type scriptedSender struct {
	mu    sync.Mutex
	calls []domain.OutboundPayload
	errs  []error
}

func (f *scriptedSender) send(ctx context.Context, p domain.OutboundPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *scriptedSender) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testQueue(t *testing.T, sender *scriptedSender) (*Queue, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	q := NewQueue(Config{
		MaxRetries: 5,
		BaseDelay:  5 * time.Second,
		MaxDelay:   5 * time.Minute,
		Store:      s,
		Send:       sender.send,
		Logger:     testLogger(),
	})
	return q, s
}

// dueNow reads queue items regardless of their scheduled time.
func dueNow(t *testing.T, s *store.Store) []store.RetryItem {
	t.Helper()
	items, err := s.DueRetries(context.Background(), time.Now().Add(24*time.Hour), 50)
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func payload(text string) domain.OutboundPayload {
	return domain.OutboundPayload{Platform: domain.PlatformQQ, Kind: domain.KindText, Text: text}
}

func TestEnqueue_PersistedAndDueImmediately(t *testing.T) {
	sender := &scriptedSender{}
	q, s := testQueue(t, sender)
	ctx := context.Background()

	if err := q.Enqueue(ctx, payload("hello"), "connection refused"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	items, err := s.DueRetries(ctx, time.Now(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("due items = %d, want 1", len(items))
	}
	if items[0].Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", items[0].Attempts)
	}
	if items[0].Reason != "connection refused" {
		t.Fatalf("reason = %q", items[0].Reason)
	}
}

func TestDrain_DeliversAndRemoves(t *testing.T) {
	sender := &scriptedSender{}
	q, s := testQueue(t, sender)
	ctx := context.Background()

	if err := q.Enqueue(ctx, payload("hello"), "timeout"); err != nil {
		t.Fatal(err)
	}
	q.drain(ctx)

	if len(sender.calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.calls))
	}
	if sender.calls[0].Text != "hello" {
		t.Fatalf("payload text = %q", sender.calls[0].Text)
	}
	if left := dueNow(t, s); len(left) != 0 {
		t.Fatalf("items after success = %d, want 0", len(left))
	}
}

func TestDrain_OldestFirst(t *testing.T) {
	sender := &scriptedSender{}
	q, _ := testQueue(t, sender)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		if err := q.Enqueue(ctx, payload(text), "timeout"); err != nil {
			t.Fatal(err)
		}
	}
	q.drain(ctx)

	if len(sender.calls) != 3 {
		t.Fatalf("sends = %d, want 3", len(sender.calls))
	}
	for i, want := range []string{"first", "second", "third"} {
		if sender.calls[i].Text != want {
			t.Fatalf("send %d = %q, want %q", i, sender.calls[i].Text, want)
		}
	}
}

func TestProcess_TransientFailureReschedules(t *testing.T) {
	sender := &scriptedSender{errs: []error{errors.New("网络 timeout")}}
	q, s := testQueue(t, sender)
	ctx := context.Background()

	if err := q.Enqueue(ctx, payload("hello"), "timeout"); err != nil {
		t.Fatal(err)
	}
	q.drain(ctx)

	items := dueNow(t, s)
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1 rescheduled", len(items))
	}
	if items[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", items[0].Attempts)
	}
	if items[0].LastError == "" {
		t.Fatal("last error not recorded")
	}

	// Rescheduled into the future: not due right now.
	now, err := s.DueRetries(ctx, time.Now(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(now) != 0 {
		t.Fatalf("item due immediately after transient failure, next = %v", items[0].NextAttemptAt)
	}
	wantMin := time.Now().Add(q.backoff(1) - time.Second)
	if items[0].NextAttemptAt.Before(wantMin) {
		t.Fatalf("next attempt %v earlier than backoff window %v", items[0].NextAttemptAt, wantMin)
	}
}

func TestProcess_ExhaustsAfterMaxRetries(t *testing.T) {
	sender := &scriptedSender{errs: []error{
		errors.New("e1"), errors.New("e2"), errors.New("e3"), errors.New("e4"), errors.New("e5"),
	}}
	q, s := testQueue(t, sender)
	ctx := context.Background()

	if err := q.Enqueue(ctx, payload("doomed"), "timeout"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < q.maxRetries; i++ {
		items := dueNow(t, s)
		if len(items) != 1 {
			t.Fatalf("round %d: items = %d, want 1", i, len(items))
		}
		if items[0].Attempts != i {
			t.Fatalf("round %d: attempts = %d, want %d", i, items[0].Attempts, i)
		}
		q.process(ctx, items[0])
	}

	if len(sender.calls) != q.maxRetries {
		t.Fatalf("sends = %d, want %d", len(sender.calls), q.maxRetries)
	}
	if left := dueNow(t, s); len(left) != 0 {
		t.Fatalf("item survived attempt cap: %+v", left)
	}
}

func TestProcess_SucceedsOnFinalAttempt(t *testing.T) {
	sender := &scriptedSender{errs: []error{
		errors.New("e1"), errors.New("e2"), errors.New("e3"), errors.New("e4"),
	}}
	q, s := testQueue(t, sender)
	ctx := context.Background()

	if err := q.Enqueue(ctx, payload("persistent"), "timeout"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		items := dueNow(t, s)
		if len(items) == 0 {
			break
		}
		q.process(ctx, items[0])
	}

	if len(sender.calls) != 5 {
		t.Fatalf("sends = %d, want 5", len(sender.calls))
	}
	if left := dueNow(t, s); len(left) != 0 {
		t.Fatalf("item not removed after late success: %+v", left)
	}
}

func TestProcess_PermanentFailureDropsImmediately(t *testing.T) {
	sender := &scriptedSender{errs: []error{
		&domain.SendError{Platform: domain.PlatformQQ, Permanent: true, Err: errors.New("bot removed from group")},
	}}
	q, s := testQueue(t, sender)
	ctx := context.Background()

	if err := q.Enqueue(ctx, payload("hello"), "timeout"); err != nil {
		t.Fatal(err)
	}
	q.drain(ctx)

	if len(sender.calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.calls))
	}
	if left := dueNow(t, s); len(left) != 0 {
		t.Fatalf("permanent failure left item queued: %+v", left)
	}
}

func TestProcess_UnreadablePayloadDropped(t *testing.T) {
	sender := &scriptedSender{}
	q, s := testQueue(t, sender)
	ctx := context.Background()

	if _, err := s.EnqueueRetry(ctx, []byte("{not json"), "corrupt", time.Now()); err != nil {
		t.Fatal(err)
	}
	q.drain(ctx)

	if len(sender.calls) != 0 {
		t.Fatal("unreadable payload reached the sender")
	}
	if left := dueNow(t, s); len(left) != 0 {
		t.Fatalf("unreadable item survived: %+v", left)
	}
}

func TestBackoff(t *testing.T) {
	q := NewQueue(Config{BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute})

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{6, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, c := range cases {
		if got := q.backoff(c.attempt); got != c.want {
			t.Errorf("backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDepth(t *testing.T) {
	sender := &scriptedSender{}
	q, _ := testQueue(t, sender)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, payload("x"), "timeout"); err != nil {
			t.Fatal(err)
		}
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 3 {
		t.Fatalf("depth = %d, want 3", depth)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	sender := &scriptedSender{}
	q, _ := testQueue(t, sender)
	q.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Start(ctx)
		close(done)
	}()

	if err := q.Enqueue(ctx, payload("hello"), "timeout"); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for sender.sent() == 0 {
		select {
		case <-deadline:
			t.Fatal("poll loop never delivered the item")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
