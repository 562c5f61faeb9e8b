// Package store is the sqlite persistence layer shared by the retry queue
// and the binding registry. It holds the rows and the constraints; the state
// machines live in the owning packages.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tqsync/internal/domain"

	_ "modernc.org/sqlite"
)

// Store wraps the relay database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the relay database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: sqlite is the sole writer here.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS retry_queue (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		payload         TEXT NOT NULL,
		reason          TEXT,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME NOT NULL,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_error      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_queue(next_attempt_at);

	CREATE TABLE IF NOT EXISTS user_bindings (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_user_id TEXT NOT NULL UNIQUE,
		qq_user_id       TEXT NOT NULL UNIQUE,
		bound_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active_at   DATETIME
	);

	CREATE TABLE IF NOT EXISTS verification_tickets (
		code       TEXT PRIMARY KEY,
		platform   TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		expires_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_user ON verification_tickets(platform, user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- retry queue rows ---

// RetryItem is one persisted outbound send awaiting replay.
type RetryItem struct {
	ID            int64
	Payload       []byte
	Reason        string
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	LastError     string
}

// EnqueueRetry persists a new retry item and returns its id. The row is on
// disk before this returns.
func (s *Store) EnqueueRetry(ctx context.Context, payload []byte, reason string, nextAttemptAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_queue (payload, reason, attempts, next_attempt_at, created_at)
		 VALUES (?, ?, 0, ?, ?)`,
		string(payload), reason, nextAttemptAt, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue retry: %w", err)
	}
	return res.LastInsertId()
}

// DueRetries returns up to limit items with next_attempt_at <= now, oldest
// first.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]RetryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, reason, attempts, next_attempt_at, created_at, last_error
		 FROM retry_queue WHERE next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []RetryItem
	for rows.Next() {
		var it RetryItem
		var payload string
		var reason, lastError sql.NullString
		if err := rows.Scan(&it.ID, &payload, &reason, &it.Attempts,
			&it.NextAttemptAt, &it.CreatedAt, &lastError); err != nil {
			return nil, err
		}
		it.Payload = []byte(payload)
		it.Reason = reason.String
		it.LastError = lastError.String
		items = append(items, it)
	}
	return items, rows.Err()
}

// RescheduleRetry updates an item after a failed attempt.
func (s *Store) RescheduleRetry(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE retry_queue SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempts, nextAttemptAt, lastError, id,
	)
	return err
}

// DeleteRetry removes an item on success or cap exhaustion.
func (s *Store) DeleteRetry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE id = ?`, id)
	return err
}

// RetryDepth returns the number of queued items.
func (s *Store) RetryDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_queue`).Scan(&n)
	return n, err
}

// --- binding rows ---

// Binding pairs a Telegram user with a QQ user.
type Binding struct {
	TelegramUserID string
	QQUserID       string
	BoundAt        time.Time
	LastActiveAt   *time.Time
}

// userColumn maps a platform to its binding column.
func userColumn(p domain.Platform) string {
	if p == domain.PlatformTelegram {
		return "telegram_user_id"
	}
	return "qq_user_id"
}

// InsertBinding persists a new binding. The UNIQUE constraints reject a user
// id that is already part of another binding.
func (s *Store) InsertBinding(ctx context.Context, telegramUserID, qqUserID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_bindings (telegram_user_id, qq_user_id, bound_at)
		 VALUES (?, ?, ?)`,
		telegramUserID, qqUserID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

// IsConstraintViolation reports whether err is a sqlite constraint failure
// (UNIQUE, CHECK) as opposed to an I/O or connection problem. The driver
// exposes no typed error, so this matches its message.
func IsConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// FindBinding looks up the binding containing (platform, userID). Returns
// nil when the user is unbound.
func (s *Store) FindBinding(ctx context.Context, platform domain.Platform, userID string) (*Binding, error) {
	var b Binding
	var lastActive sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT telegram_user_id, qq_user_id, bound_at, last_active_at
		 FROM user_bindings WHERE `+userColumn(platform)+` = ?`,
		userID,
	).Scan(&b.TelegramUserID, &b.QQUserID, &b.BoundAt, &lastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastActive.Valid {
		b.LastActiveAt = &lastActive.Time
	}
	return &b, nil
}

// DeleteBinding removes the binding containing (platform, userID), if any.
func (s *Store) DeleteBinding(ctx context.Context, platform domain.Platform, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_bindings WHERE `+userColumn(platform)+` = ?`, userID)
	return err
}

// TouchBinding stamps last_active_at for the binding containing the user.
func (s *Store) TouchBinding(ctx context.Context, platform domain.Platform, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_bindings SET last_active_at = ? WHERE `+userColumn(platform)+` = ?`,
		time.Now(), userID)
	return err
}

// --- verification ticket rows ---

// Ticket is a pending verification code.
type Ticket struct {
	Code      string
	Platform  domain.Platform
	UserID    string
	Attempts  int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// PutTicket inserts a ticket, replacing any prior ticket held by the same
// user (one live ticket per user).
func (s *Store) PutTicket(ctx context.Context, t Ticket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM verification_tickets WHERE platform = ? AND user_id = ?`,
		string(t.Platform), t.UserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO verification_tickets (code, platform, user_id, attempts, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Code, string(t.Platform), t.UserID, t.Attempts, t.ExpiresAt, t.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTicket fetches a ticket by code. Returns nil when absent.
func (s *Store) GetTicket(ctx context.Context, code string) (*Ticket, error) {
	return s.scanTicket(s.db.QueryRowContext(ctx,
		`SELECT code, platform, user_id, attempts, expires_at, created_at
		 FROM verification_tickets WHERE code = ?`, code))
}

// GetTicketForUser fetches the live ticket issued to (platform, userID).
// Returns nil when absent.
func (s *Store) GetTicketForUser(ctx context.Context, platform domain.Platform, userID string) (*Ticket, error) {
	return s.scanTicket(s.db.QueryRowContext(ctx,
		`SELECT code, platform, user_id, attempts, expires_at, created_at
		 FROM verification_tickets WHERE platform = ? AND user_id = ?`,
		string(platform), userID))
}

func (s *Store) scanTicket(row *sql.Row) (*Ticket, error) {
	var t Ticket
	var platform string
	err := row.Scan(&t.Code, &platform, &t.UserID, &t.Attempts, &t.ExpiresAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Platform = domain.Platform(platform)
	return &t, nil
}

// UpdateTicketAttempts stores a new attempt count for the ticket.
func (s *Store) UpdateTicketAttempts(ctx context.Context, code string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE verification_tickets SET attempts = ? WHERE code = ?`, attempts, code)
	return err
}

// DeleteTicket removes a ticket by code, if present.
func (s *Store) DeleteTicket(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM verification_tickets WHERE code = ?`, code)
	return err
}

// SweepTickets deletes every ticket past its expiry and returns how many
// were removed.
func (s *Store) SweepTickets(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM verification_tickets WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
