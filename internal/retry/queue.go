// Package retry replays failed outbound sends until they succeed or exhaust
// their attempt budget. Items live in sqlite so a crash between enqueue and
// delivery loses nothing.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tqsync/internal/domain"
	"tqsync/internal/metrics"
	"tqsync/internal/store"
)

// SendFunc delivers one payload to its destination platform.
type SendFunc func(ctx context.Context, payload domain.OutboundPayload) error

// Config configures the retry queue.
type Config struct {
	MaxRetries   int           // default 5
	BaseDelay    time.Duration // default 5s
	MaxDelay     time.Duration // default 5m
	PollInterval time.Duration // default 5s
	SendTimeout  time.Duration // default 30s
	BatchSize    int           // default 50
	Store        *store.Store
	Send         SendFunc
	Logger       *slog.Logger
}

// Queue drains due retry items on a fixed poll interval. Sends run
// sequentially; Enqueue may be called concurrently from the relay paths.
type Queue struct {
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	pollInterval time.Duration
	sendTimeout  time.Duration
	batchSize    int
	store        *store.Store
	send         SendFunc
	logger       *slog.Logger
}

// NewQueue creates a Queue.
func NewQueue(cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Queue{
		maxRetries:   cfg.MaxRetries,
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		pollInterval: cfg.PollInterval,
		sendTimeout:  cfg.SendTimeout,
		batchSize:    cfg.BatchSize,
		store:        cfg.Store,
		send:         cfg.Send,
		logger:       cfg.Logger,
	}
}

// Enqueue persists a failed send for later replay. The item is on disk
// before Enqueue returns, due immediately on the next scan.
func (q *Queue) Enqueue(ctx context.Context, payload domain.OutboundPayload, reason string) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal retry payload: %w", err)
	}
	id, err := q.store.EnqueueRetry(ctx, blob, reason, time.Now())
	if err != nil {
		return fmt.Errorf("persist retry item: %w", err)
	}
	metrics.RetryEnqueued.Inc()
	q.logger.Info("send queued for retry", "id", id, "platform", payload.Platform, "reason", reason)
	return nil
}

// Depth returns the number of items waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.RetryDepth(ctx)
}

// Start polls for due items until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

// drain processes one batch of due items, oldest first.
func (q *Queue) drain(ctx context.Context) {
	items, err := q.store.DueRetries(ctx, time.Now(), q.batchSize)
	if err != nil {
		q.logger.Warn("cannot read retry queue", "err", err)
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		q.process(ctx, item)
	}
	if depth, err := q.store.RetryDepth(ctx); err == nil {
		metrics.RetryQueueDepth.Set(int64(depth))
	}
}

func (q *Queue) process(ctx context.Context, item store.RetryItem) {
	var payload domain.OutboundPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		q.logger.Error("dropping unreadable retry item", "id", item.ID, "err", err)
		q.remove(ctx, item.ID)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	err := q.send(sctx, payload)
	cancel()

	if err == nil {
		q.remove(ctx, item.ID)
		markSent(payload.Platform)
		q.logger.Info("retry delivered", "id", item.ID, "platform", payload.Platform, "attempt", item.Attempts+1)
		return
	}
	if domain.IsPermanentSend(err) {
		q.remove(ctx, item.ID)
		q.logger.Warn("retry dropped on permanent failure", "id", item.ID, "platform", payload.Platform, "err", err)
		return
	}

	attempts := item.Attempts + 1
	if attempts >= q.maxRetries {
		q.remove(ctx, item.ID)
		metrics.RetryExhausted.Inc()
		q.logger.Error("retry exhausted, message lost",
			"id", item.ID, "platform", payload.Platform, "attempts", attempts, "reason", item.Reason, "err", err)
		return
	}

	next := time.Now().Add(q.backoff(attempts))
	if err := q.store.RescheduleRetry(ctx, item.ID, attempts, next, err.Error()); err != nil {
		q.logger.Warn("cannot reschedule retry item", "id", item.ID, "err", err)
	}
}

func (q *Queue) remove(ctx context.Context, id int64) {
	if err := q.store.DeleteRetry(ctx, id); err != nil {
		q.logger.Warn("cannot delete retry item", "id", id, "err", err)
	}
}

func markSent(p domain.Platform) {
	if p == domain.PlatformTelegram {
		metrics.TelegramSent.Inc()
	} else {
		metrics.QQSent.Inc()
	}
}

// backoff returns min(maxDelay, baseDelay * 2^attempt).
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return q.maxDelay
	}
	d := q.baseDelay << uint(attempt)
	if d <= 0 || d > q.maxDelay {
		return q.maxDelay
	}
	return d
}
