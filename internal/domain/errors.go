package domain

import (
	"errors"
	"fmt"
)

// Binding flow failures. Surfaced to the user as short replies, never retried.
var (
	ErrAlreadyBound    = errors.New("user already bound")
	ErrInvalidCode     = errors.New("invalid verification code")
	ErrTicketExpired   = errors.New("verification code expired")
	ErrTooManyAttempts = errors.New("too many verification attempts")
	ErrSamePlatform    = errors.New("code must be redeemed on the other platform")
	ErrNotBound        = errors.New("user not bound")
)

// ErrNoMapping reports a delete event whose source message was never relayed,
// or whose mapping already expired.
var ErrNoMapping = errors.New("no identity mapping")

// SendError wraps a platform send failure. Permanent failures are logged and
// dropped; everything else is eligible for the retry queue.
type SendError struct {
	Platform  Platform
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("%s send failed permanently: %v", e.Platform, e.Err)
	}
	return fmt.Sprintf("%s send failed: %v", e.Platform, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanentSend reports whether err is a send failure that must not be
// retried.
func IsPermanentSend(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}
