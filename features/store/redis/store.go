// Package redis implements store.Store on Redis. Values are plain strings
// written with SET and a per-key expiry; Update uses WATCH/MULTI/EXEC so
// concurrent writers to the same key never overwrite each other.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/stageflow/runtime/workflow/store"
)

const (
	clientName = "workflow-redis"
	scanCount  = 100
)

type (
	// Store implements store.Store and health.Pinger on a Redis client.
	Store struct {
		rdb     redis.UniversalClient
		retries int
	}

	// Option configures a Store.
	Option func(*Store)
)

var _ store.Store = (*Store)(nil)

// WithRetries overrides store.DefaultUpdateRetries.
func WithRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retries = n
		}
	}
}

// New returns a Store using rdb. The caller owns rdb and closes it.
func New(rdb redis.UniversalClient, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{rdb: rdb, retries: store.DefaultUpdateRetries}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return clientName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, mapError("get", key, err)
	}
	return val, nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return mapError("set", key, err)
	}
	return nil
}

// Update implements store.Store. The key is watched while fn runs; a write
// by another client aborts the transaction and fn is called again with the
// new value.
func (s *Store) Update(ctx context.Context, key string, ttl time.Duration, fn store.UpdateFunc) error {
	var fnErr error
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}
	for range s.retries {
		fnErr = nil
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return mapError("update", key, err)
		}
	}
	return fmt.Errorf("update %s: %w", key, store.ErrConflict)
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return mapError("delete", key, err)
	}
	return nil
}

// Keys implements store.Store using SCAN. On a cluster client only the
// node serving the scan is listed.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, mapError("scan", prefix, err)
	}
	return keys, nil
}

func mapError(op, key string, err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return fmt.Errorf("%s %s: %w", op, key, store.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s %s: %w: %w", op, key, store.ErrUnavailable, err)
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
