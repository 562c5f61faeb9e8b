// Package idmap tracks which message on one platform mirrors which message
// on the other, so deletes can be propagated. Entries live for a fixed TTL
// (bounded by the platforms' own recall/delete windows) and are evicted on
// lookup or by a periodic sweep.
package idmap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tqsync/internal/domain"
	"tqsync/internal/expiry"
)

type mapping struct {
	platform domain.Platform
	id       string
}

// Config configures the identity map.
type Config struct {
	TTL           time.Duration // default 48h
	SweepInterval time.Duration // default 1h
	Logger        *slog.Logger
}

// Map is the bidirectional (platform, native id) mapping. The outer mutex
// keeps forward and reverse entries consistent; TTL mechanics live in the
// underlying expiring map.
type Map struct {
	mu            sync.Mutex
	entries       *expiry.Map
	sweepInterval time.Duration
	logger        *slog.Logger
}

// New creates an identity map.
func New(cfg Config) *Map {
	if cfg.TTL <= 0 {
		cfg.TTL = 48 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Map{
		entries:       expiry.New(cfg.TTL),
		sweepInterval: cfg.SweepInterval,
		logger:        cfg.Logger,
	}
}

func key(p domain.Platform, id string) string {
	return string(p) + ":" + id
}

// Record stores sourceID ↔ targetID, overwriting any prior mapping for
// either key. The reverse entry of an overwritten mapping is removed so no
// orphan can match a later lookup.
func (m *Map) Record(sourcePlatform domain.Platform, sourceID string, targetPlatform domain.Platform, targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	srcKey := key(sourcePlatform, sourceID)
	tgtKey := key(targetPlatform, targetID)

	m.dropCounterpart(srcKey)
	m.dropCounterpart(tgtKey)

	m.entries.Put(srcKey, mapping{platform: targetPlatform, id: targetID})
	m.entries.Put(tgtKey, mapping{platform: sourcePlatform, id: sourceID})
}

// dropCounterpart removes the entry the given key currently points at.
// Caller holds m.mu.
func (m *Map) dropCounterpart(k string) {
	if v, ok := m.entries.Get(k); ok {
		old := v.(mapping)
		m.entries.Delete(key(old.platform, old.id))
	}
}

// LookupTarget resolves the counterpart of (sourcePlatform, sourceID).
// Absent when there is no live mapping or when the mapping does not point at
// expectedTarget; a stale match is evicted as a side effect.
func (m *Map) LookupTarget(sourcePlatform domain.Platform, sourceID string, expectedTarget domain.Platform) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.entries.Get(key(sourcePlatform, sourceID))
	if !ok {
		return "", false
	}
	mp := v.(mapping)
	if mp.platform != expectedTarget {
		return "", false
	}
	return mp.id, true
}

// Remove deletes the mapping for (platform, id) in both directions. Missing
// entries are ignored.
func (m *Map) Remove(platform domain.Platform, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(platform, id)
	m.dropCounterpart(k)
	m.entries.Delete(k)
}

// Sweep evicts all stale entries and returns how many were removed.
func (m *Map) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Sweep()
}

// Len returns the number of stored entries (two per live mapping).
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// Start runs the periodic sweep until ctx is cancelled. Bounds memory when
// lookups are rare.
func (m *Map) Start(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				m.logger.Debug("identity map sweep", "evicted", removed)
			}
		}
	}
}
