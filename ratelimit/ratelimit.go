// Package ratelimit implements a sliding-window request limiter keyed by
// an arbitrary string, used per origin address on the relay surface and
// per API key on the gated endpoints.
package ratelimit

import (
	"sync"
	"time"
)

// Window is a sliding-window limiter: at most limit events per span per
// key. Safe for concurrent use.
type Window struct {
	mu     sync.Mutex
	limit  int
	span   time.Duration
	events map[string][]time.Time
	sweep  time.Time
}

// NewWindow creates a limiter allowing limit events per span.
func NewWindow(limit int, span time.Duration) *Window {
	return &Window{
		limit:  limit,
		span:   span,
		events: make(map[string][]time.Time),
	}
}

// Allow records an event for key if it is under the limit. When denied it
// returns the wait until the oldest event leaves the window.
func (w *Window) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	w.maybeSweep(now)
	cutoff := now.Add(-w.span)
	kept := w.events[key][:0]
	for _, t := range w.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= w.limit {
		w.events[key] = kept
		return false, w.span - now.Sub(kept[0])
	}
	w.events[key] = append(kept, now)
	return true, 0
}

// maybeSweep drops idle keys so the map does not grow with one-shot
// clients. Runs at most once per span. Called with the lock held.
func (w *Window) maybeSweep(now time.Time) {
	if now.Sub(w.sweep) < w.span {
		return
	}
	w.sweep = now
	cutoff := now.Add(-w.span)
	for key, times := range w.events {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(w.events, key)
		}
	}
}
