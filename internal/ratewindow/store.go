package ratewindow

import (
	"context"
	"sync"
	"time"
)

// Store keeps sliding-window request timestamps per rate-limit key. Windows
// slide continuously rather than resetting on bucket boundaries, so a burst
// straddling a boundary cannot double its allowance. Pruning happens lazily
// on every check; a background sweep reclaims keys that went idle so the map
// cannot grow without bound.
//
// The store is process-local and resets on restart. For multi-worker
// deployments the same contract would be backed by a shared cache; within a
// process a single mutex keeps record-and-check atomic per key.
type Store struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	sweepDone chan struct{}
	sweepOnce sync.Once
}

type window struct {
	timestamps []time.Time
	lastAccess time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty sliding-window store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		windows:   make(map[string]*window),
		now:       time.Now,
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordAndCheck appends the current timestamp to the key's window, prunes
// entries older than the window duration, and reports whether the resulting
// count is within limit. Record-then-check is atomic per key: two concurrent
// requests bursting the same key cannot both slip under the limit.
func (s *Store) RecordAndCheck(key string, windowDur time.Duration, limit int) bool {
	now := s.now()
	cutoff := now.Add(-windowDur)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	w.lastAccess = now

	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = append(kept, now)

	return len(w.timestamps) <= limit
}

// Count returns the number of requests currently inside the window for a key.
func (s *Store) Count(key string, windowDur time.Duration) int {
	cutoff := s.now().Add(-windowDur)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return 0
	}
	n := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Reset clears all recorded timestamps for a key. Used by admin tooling.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
}

// ResetAll clears every tracked window. Used by admin tooling.
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]*window)
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// StartSweeper evicts keys that have not been touched for idleTTL, checking
// every interval. Without it a key that stops being accessed would retain
// its stale window forever.
func (s *Store) StartSweeper(ctx context.Context, interval, idleTTL time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.sweepDone:
				return
			case <-ticker.C:
				s.sweep(idleTTL)
			}
		}
	}()
}

// StopSweeper stops the background sweep.
func (s *Store) StopSweeper() {
	s.sweepOnce.Do(func() {
		close(s.sweepDone)
	})
}

func (s *Store) sweep(idleTTL time.Duration) {
	cutoff := s.now().Add(-idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.windows {
		if w.lastAccess.Before(cutoff) {
			delete(s.windows, key)
		}
	}
}
