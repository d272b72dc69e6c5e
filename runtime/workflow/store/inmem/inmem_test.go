package inmem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/stageflow/runtime/workflow/store"
	"goa.design/stageflow/runtime/workflow/store/storetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGetMissingKey(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetGetCopiesValue(t *testing.T) {
	ctx := context.Background()
	s := New()
	val := []byte("hello")
	require.NoError(t, s.Set(ctx, "k", val, time.Minute))
	val[0] = 'j'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got[0] = 'y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "hello", string(again))
}

func TestExpiryReportsNotFound(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(WithClock(clk.Now))
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))

	clk.Advance(999 * time.Millisecond)
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	clk.Advance(time.Millisecond)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, 0, s.Len())
}

func TestZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := New(WithClock(clk.Now))
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	clk.Advance(24 * 365 * time.Hour)
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := New(WithClock(clk.Now))

	err := s.Update(ctx, "missing", time.Minute, func([]byte) ([]byte, error) {
		t.Fatal("fn must not run for a missing key")
		return nil, nil
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("a"), time.Second))
	require.NoError(t, s.Update(ctx, "k", time.Hour, func(cur []byte) ([]byte, error) {
		return append(cur, 'b'), nil
	}))
	clk.Advance(30 * time.Minute)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "ab", string(got), "update refreshes the TTL")

	boom := errors.New("boom")
	err = s.Update(ctx, "k", time.Hour, func([]byte) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.Update(ctx, "k", time.Hour, func([]byte) ([]byte, error) { return nil, nil }))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "ab", string(got))
}

func TestUpdateSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Set(ctx, "k", []byte{}, time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, "k", time.Minute, func(cur []byte) ([]byte, error) {
				return append(cur, 'x'), nil
			})
		}()
	}
	wg.Wait()
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Len(t, got, 50)
}

func TestKeysAndDelete(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := New(WithClock(clk.Now))
	require.NoError(t, s.Set(ctx, "workflow:session:b", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "workflow:session:a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "workflow:session:c", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "other:x", []byte("1"), time.Minute))
	clk.Advance(2 * time.Second)

	keys, err := s.Keys(ctx, "workflow:session:")
	require.NoError(t, err)
	require.Equal(t, []string{"workflow:session:a", "workflow:session:b"}, keys)

	require.NoError(t, s.Delete(ctx, "workflow:session:a"))
	require.NoError(t, s.Delete(ctx, "workflow:session:a"))
	keys, err = s.Keys(ctx, "workflow:session:")
	require.NoError(t, err)
	require.Equal(t, []string{"workflow:session:b"}, keys)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}
