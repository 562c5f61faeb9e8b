// Package binding links a Telegram user to a QQ user through a one-time
// verification code: one side initiates and receives a code, the other side
// redeems it within the ticket window.
package binding

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"tqsync/internal/domain"
	"tqsync/internal/store"
)

// codeAlphabet avoids glyphs that read ambiguously in chat (0/O, 1/I/L).
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

// Config configures the binding registry.
type Config struct {
	CodeTTL       time.Duration // default 10m
	MaxAttempts   int           // default 3
	SweepInterval time.Duration // default 1m
	Store         *store.Store
	Logger        *slog.Logger
}

// Registry owns the verification-ticket state machine and the persisted
// bindings. The mutex serializes initiate/complete transitions so concurrent
// redemptions of one code cannot both succeed.
type Registry struct {
	codeTTL       time.Duration
	maxAttempts   int
	sweepInterval time.Duration
	store         *store.Store
	logger        *slog.Logger

	mu sync.Mutex
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Registry{
		codeTTL:       cfg.CodeTTL,
		maxAttempts:   cfg.MaxAttempts,
		sweepInterval: cfg.SweepInterval,
		store:         cfg.Store,
		logger:        cfg.Logger,
	}
}

// CodeTTL returns how long issued verification codes stay valid.
func (r *Registry) CodeTTL() time.Duration { return r.codeTTL }

// Initiate starts a binding flow for (platform, userID) and returns the
// verification code the counterpart must redeem. Any prior live ticket held
// by the user is invalidated.
func (r *Registry) Initiate(ctx context.Context, platform domain.Platform, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.store.FindBinding(ctx, platform, userID)
	if err != nil {
		return "", fmt.Errorf("check binding: %w", err)
	}
	if b != nil {
		return "", domain.ErrAlreadyBound
	}

	code, err := r.freshCode(ctx)
	if err != nil {
		return "", err
	}

	ticket := store.Ticket{
		Code:      code,
		Platform:  platform,
		UserID:    userID,
		ExpiresAt: time.Now().Add(r.codeTTL),
	}
	if err := r.store.PutTicket(ctx, ticket); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}

	r.logger.Info("binding initiated", "platform", platform, "user_id", userID)
	return code, nil
}

// Complete redeems a verification code on behalf of (platform, userID) and
// creates the binding. Both parties are re-checked for an existing binding
// here: initiation-time checks alone leave a window where two users bind
// concurrently.
func (r *Registry) Complete(ctx context.Context, platform domain.Platform, userID, code string) (*store.Binding, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	r.mu.Lock()
	defer r.mu.Unlock()

	ticket, err := r.store.GetTicket(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if ticket == nil {
		return nil, domain.ErrInvalidCode
	}

	if time.Now().After(ticket.ExpiresAt) {
		r.discardTicket(ctx, code)
		return nil, domain.ErrTicketExpired
	}

	if ticket.Attempts >= r.maxAttempts {
		r.discardTicket(ctx, code)
		return nil, domain.ErrTooManyAttempts
	}
	if err := r.store.UpdateTicketAttempts(ctx, code, ticket.Attempts+1); err != nil {
		r.logger.Warn("cannot bump ticket attempts", "code", code, "err", err)
	}

	if ticket.Platform == platform {
		return nil, domain.ErrSamePlatform
	}

	for _, party := range []struct {
		platform domain.Platform
		userID   string
	}{
		{ticket.Platform, ticket.UserID},
		{platform, userID},
	} {
		b, err := r.store.FindBinding(ctx, party.platform, party.userID)
		if err != nil {
			return nil, fmt.Errorf("check binding: %w", err)
		}
		if b != nil {
			return nil, domain.ErrAlreadyBound
		}
	}

	telegramID, qqID := ticket.UserID, userID
	if ticket.Platform == domain.PlatformQQ {
		telegramID, qqID = userID, ticket.UserID
	}
	if err := r.store.InsertBinding(ctx, telegramID, qqID); err != nil {
		// The UNIQUE constraints catch a race the check above missed. Any
		// other failure is a storage problem, not a bound user.
		if store.IsConstraintViolation(err) {
			return nil, domain.ErrAlreadyBound
		}
		return nil, err
	}
	r.discardTicket(ctx, code)

	r.logger.Info("binding completed", "telegram_user_id", telegramID, "qq_user_id", qqID)
	return &store.Binding{TelegramUserID: telegramID, QQUserID: qqID, BoundAt: time.Now()}, nil
}

// Lookup returns the counterpart user id bound to (platform, userID).
// Storage failures degrade to absent.
func (r *Registry) Lookup(ctx context.Context, platform domain.Platform, userID string) (string, bool) {
	b, err := r.store.FindBinding(ctx, platform, userID)
	if err != nil {
		r.logger.Warn("binding lookup failed", "platform", platform, "user_id", userID, "err", err)
		return "", false
	}
	if b == nil {
		return "", false
	}
	if platform == domain.PlatformTelegram {
		return b.QQUserID, true
	}
	return b.TelegramUserID, true
}

// Unbind removes the binding containing (platform, userID). Unbinding an
// unbound user returns ErrNotBound.
func (r *Registry) Unbind(ctx context.Context, platform domain.Platform, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.store.FindBinding(ctx, platform, userID)
	if err != nil {
		return fmt.Errorf("check binding: %w", err)
	}
	if b == nil {
		return domain.ErrNotBound
	}
	if err := r.store.DeleteBinding(ctx, platform, userID); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	r.logger.Info("binding removed", "platform", platform, "user_id", userID)
	return nil
}

// Touch stamps activity on the binding containing (platform, userID), if
// any. Best effort: relaying never depends on the bookkeeping write.
func (r *Registry) Touch(ctx context.Context, platform domain.Platform, userID string) {
	if err := r.store.TouchBinding(ctx, platform, userID); err != nil {
		r.logger.Warn("cannot touch binding", "platform", platform, "user_id", userID, "err", err)
	}
}

// Start sweeps expired tickets until ctx is cancelled. Tickets cannot rely
// on lookup-driven eviction: an expired row would otherwise keep blocking
// the unique (platform, user) slot until someone retried the exact code.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.store.SweepTickets(ctx, time.Now())
			if err != nil {
				r.logger.Warn("ticket sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				r.logger.Debug("ticket sweep", "expired", removed)
			}
		}
	}
}

func (r *Registry) discardTicket(ctx context.Context, code string) {
	if err := r.store.DeleteTicket(ctx, code); err != nil {
		r.logger.Warn("cannot delete ticket", "code", code, "err", err)
	}
}

// freshCode generates a code that matches no live ticket.
func (r *Registry) freshCode(ctx context.Context) (string, error) {
	for tries := 0; tries < 5; tries++ {
		code := generateCode(codeLength)
		existing, err := r.store.GetTicket(ctx, code)
		if err != nil {
			return "", fmt.Errorf("collision check: %w", err)
		}
		if existing == nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique verification code")
}

// generateCode returns a cryptographically random code over codeAlphabet.
func generateCode(length int) string {
	max := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			code[i] = codeAlphabet[0]
			continue
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code)
}
