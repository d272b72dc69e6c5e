// Package inmem provides an in-memory implementation of store.Store for
// testing and local development. Values live in a map keyed by key, with no
// persistence across process restarts. Expiry is evaluated lazily against the
// store clock on every access.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/stageflow/runtime/workflow/store"
)

type (
	// Store implements store.Store in memory. All operations are thread-safe
	// via sync.Mutex. Values are copied on read and write so callers cannot
	// mutate stored bytes.
	Store struct {
		mu      sync.Mutex
		now     func() time.Time
		entries map[string]entry
	}

	// Option configures a Store.
	Option func(*Store)

	entry struct {
		value     []byte
		expiresAt time.Time
	}
)

var _ store.Store = (*Store)(nil)

// WithClock overrides the clock used to evaluate expiry. Tests use it to
// expire entries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now, entries: make(map[string]entry)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns a copy of the live value stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(e.value), nil
}

// Set stores a copy of value under key.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.newEntry(value, ttl)
	return nil
}

// Update applies fn under the store lock, so it never conflicts.
func (s *Store) Update(_ context.Context, key string, ttl time.Duration, fn store.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return store.ErrNotFound
	}
	next, err := fn(clone(e.value))
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	s.entries[key] = s.newEntry(next, ttl)
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Keys returns the live keys with the given prefix in lexical order.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports the number of entries held, expired or not. It is not part of
// the store.Store interface.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reset clears all stored entries. Useful in tests to ensure isolation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
}

// live returns the entry for key if it exists and has not expired. Expired
// entries are evicted. Callers must hold s.mu.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	return e
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
