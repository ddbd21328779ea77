// Package memory implements the counter store with an in-process map.
// Suitable for tests and single-node deployments; requests served by
// different processes need the postgres or redis store.
package memory

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// Store tracks fixed-window counters keyed by (subject, throttle type).
type Store struct {
	mu       sync.Mutex
	counters map[string]*counter
}

func New() *Store {
	return &Store{counters: make(map[string]*counter)}
}

// Increment records one attempt under key and returns the post-increment count
// together with the window expiry. A counter whose window has elapsed restarts
// at one rather than accumulating. The increment and the window check happen
// under one lock so concurrent attempts cannot both observe the pre-limit count.
func (s *Store) Increment(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.counters[key]
	if !ok || now.Sub(c.windowStart) >= c.window {
		c = &counter{count: 0, windowStart: now, window: window}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.windowStart.Add(c.window), nil
}

// Count returns the live attempt count for key, zero once the window elapsed.
func (s *Store) Count(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || time.Since(c.windowStart) >= c.window {
		return 0, nil
	}
	return c.count, nil
}

// Reset clears the counter for a key.
func (s *Store) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}
