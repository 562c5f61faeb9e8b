// Package dedup keeps the relay from processing the same platform message
// twice and from flooding a destination with back-to-back sends.
package dedup

import (
	"sync"
	"time"

	"tqsync/internal/domain"
	"tqsync/internal/expiry"
)

// Guard combines a short-TTL duplicate cache with a per-destination
// minimum-interval gate. Purely in-memory; it never errors.
type Guard struct {
	seen     *expiry.Map
	cooldown time.Duration

	mu       sync.Mutex
	lastSend map[domain.Platform]time.Time
}

// NewGuard creates a Guard. dedupTTL bounds how long a message id counts as
// already seen, cooldown is the minimum interval between sends to one
// destination.
func NewGuard(dedupTTL, cooldown time.Duration) *Guard {
	return &Guard{
		seen:     expiry.New(dedupTTL),
		cooldown: cooldown,
		lastSend: make(map[domain.Platform]time.Time),
	}
}

// ShouldDrop records (platform, nativeID) and reports whether it was already
// seen within the dedup window. Expired entries are purged on each call.
func (g *Guard) ShouldDrop(platform domain.Platform, nativeID string) bool {
	g.seen.Sweep()
	key := string(platform) + ":" + nativeID
	return !g.seen.PutIfAbsent(key, struct{}{})
}

// AllowedToSend reports whether destination is out of cooldown. When it is,
// the last-send timestamp is advanced in the same step so concurrent callers
// cannot both pass the gate.
func (g *Guard) AllowedToSend(destination domain.Platform) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if last, ok := g.lastSend[destination]; ok && now.Sub(last) < g.cooldown {
		return false
	}
	g.lastSend[destination] = now
	return true
}

// MarkSent stamps destination after a confirmed delivery, so the cooldown
// window is measured from the completed send rather than its start.
func (g *Guard) MarkSent(destination domain.Platform) {
	g.mu.Lock()
	g.lastSend[destination] = time.Now()
	g.mu.Unlock()
}
