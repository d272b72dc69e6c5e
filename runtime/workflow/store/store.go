// Package store defines the key-value contract the workflow repository
// persists sessions through. Implementations must honor per-key TTLs and
// report expired keys exactly like unknown keys.
//
// Available implementations:
//   - runtime/workflow/store/inmem: in-process map for tests and local tooling
//   - features/store/redis: Redis-backed adapter (SET EX, WATCH/MULTI)
//   - features/store/mongo: MongoDB-backed adapter using a TTL index
package store

import (
	"context"
	"errors"
	"time"
)

type (
	// Store is a TTL-capable key-value store. All methods are safe for
	// concurrent use.
	Store interface {
		// Get returns the value stored under key. Returns ErrNotFound when
		// the key does not exist or has expired.
		Get(ctx context.Context, key string) ([]byte, error)
		// Set writes value under key with the given TTL, replacing any
		// existing value. A zero TTL stores the value without expiry.
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		// Update atomically replaces the value stored under key with the
		// result of fn applied to the current value. The write only happens
		// if the value did not change between the read and the write;
		// implementations retry fn on conflict and return ErrConflict once
		// retries are exhausted. Returns ErrNotFound without calling fn when
		// the key is missing. When fn returns a nil slice and a nil error
		// the write is skipped. Errors returned by fn are returned unchanged.
		Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
		// Delete removes key. Deleting a missing key is not an error.
		Delete(ctx context.Context, key string) error
		// Keys lists the live keys starting with prefix. The listing is a
		// best-effort snapshot: keys may expire or appear while it runs.
		Keys(ctx context.Context, prefix string) ([]string, error)
	}

	// UpdateFunc computes the next value from the current one.
	UpdateFunc func(current []byte) ([]byte, error)
)

var (
	// ErrNotFound indicates the key does not exist or has expired.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable indicates the backing store could not be reached.
	// Adapters wrap it together with the driver error.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict indicates an atomic update lost every retry to
	// concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
)

// DefaultUpdateRetries bounds the optimistic retries performed by Update.
const DefaultUpdateRetries = 8
