// Package storetest holds the behavior every store.Store implementation must
// share. Adapter tests call Run with a constructor returning an empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/stageflow/runtime/workflow/store"
)

// Run exercises newStore against the store.Store contract. newStore must
// return a store with no keys. Expiry is checked against wall time with
// short TTLs.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GetMissing", testGetMissing},
		{"SetGet", testSetGet},
		{"Overwrite", testOverwrite},
		{"Expiry", testExpiry},
		{"ZeroTTL", testZeroTTL},
		{"UpdateMissing", testUpdateMissing},
		{"UpdateApplies", testUpdateApplies},
		{"UpdateSkip", testUpdateSkip},
		{"UpdateFuncError", testUpdateFuncError},
		{"UpdateConcurrent", testUpdateConcurrent},
		{"Delete", testDelete},
		{"Keys", testKeys},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testSetGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte(`{"a":1}`), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(got))
}

func testOverwrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("one"), time.Minute))
	require.NoError(t, s.Set(ctx, "k", []byte("two"), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "two", string(got))
}

func testExpiry(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 300*time.Millisecond))
	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, "k")
		return errors.Is(err, store.ErrNotFound)
	}, 5*time.Second, 50*time.Millisecond)
	keys, err := s.Keys(ctx, "k")
	require.NoError(t, err)
	require.Empty(t, keys)
	err = s.Update(ctx, "k", time.Minute, func([]byte) ([]byte, error) {
		t.Error("update func called for expired key")
		return nil, nil
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testZeroTTL(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(got))
}

func testUpdateMissing(t *testing.T, s store.Store) {
	called := false
	err := s.Update(context.Background(), "missing", time.Minute, func([]byte) ([]byte, error) {
		called = true
		return []byte("x"), nil
	})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.False(t, called)
}

func testUpdateApplies(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("1"), 300*time.Millisecond))
	require.NoError(t, s.Update(ctx, "k", time.Minute, func(cur []byte) ([]byte, error) {
		require.Equal(t, "1", string(cur))
		return []byte("2"), nil
	}))
	// The TTL passed to Update replaces the original one.
	time.Sleep(600 * time.Millisecond)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "2", string(got))
}

func testUpdateSkip(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("1"), time.Minute))
	require.NoError(t, s.Update(ctx, "k", time.Minute, func([]byte) ([]byte, error) { return nil, nil }))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "1", string(got))
}

func testUpdateFuncError(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("1"), time.Minute))
	boom := errors.New("boom")
	err := s.Update(ctx, "k", time.Minute, func([]byte) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, store.ErrUnavailable)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "1", string(got))
}

func testUpdateConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "counter", []byte("0"), time.Minute))

	const writers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "counter", time.Minute, func(cur []byte) ([]byte, error) {
				n, err := strconv.Atoi(string(cur))
				if err != nil {
					return nil, err
				}
				return []byte(strconv.Itoa(n + 1)), nil
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, store.ErrConflict):
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()
	require.Empty(t, failures)
	require.Positive(t, succeeded)

	got, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(succeeded), string(got), "every successful update is applied exactly once")
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.Delete(ctx, "k"))
}

func testKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("workflow:session:%d", i), []byte("v"), time.Minute))
	}
	require.NoError(t, s.Set(ctx, "other:1", []byte("v"), time.Minute))
	keys, err := s.Keys(ctx, "workflow:session:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"workflow:session:0", "workflow:session:1", "workflow:session:2"}, keys)
}
