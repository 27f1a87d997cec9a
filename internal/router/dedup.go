package router

import (
	"context"
	"sync"
	"time"

	"github.com/ceedaragents/cyrus/internal/store"
)

// dedupWindow tracks recently seen envelopes by (transportKind, envelopeId).
// The in-memory map answers fast; the store journal survives restarts.
type dedupWindow struct {
	window time.Duration
	store  *store.Store
	now    func() time.Time

	mu   sync.Mutex
	seen map[dedupKey]time.Time
}

type dedupKey struct {
	transportKind string
	envelopeID    string
}

func newDedupWindow(window time.Duration, st *store.Store) *dedupWindow {
	return &dedupWindow{
		window: window,
		store:  st,
		now:    time.Now,
		seen:   make(map[dedupKey]time.Time),
	}
}

// Fresh reports whether this envelope has not been seen inside the window,
// and records it.
func (d *dedupWindow) Fresh(ctx context.Context, transportKind, envelopeID string) bool {
	if envelopeID == "" {
		return true
	}
	now := d.now()

	d.mu.Lock()
	d.sweepLocked(now)
	key := dedupKey{transportKind, envelopeID}
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return false
	}
	d.seen[key] = now
	d.mu.Unlock()

	if d.store != nil {
		// Expire journal rows older than the window first so a long-ago
		// envelope id can be reused.
		_, _ = d.store.PruneEnvelopes(ctx, now.Add(-d.window))
		fresh, err := d.store.RecordEnvelope(ctx, transportKind, envelopeID)
		if err == nil && !fresh {
			return false
		}
	}
	return true
}

func (d *dedupWindow) sweepLocked(now time.Time) {
	cutoff := now.Add(-d.window)
	for key, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, key)
		}
	}
}
