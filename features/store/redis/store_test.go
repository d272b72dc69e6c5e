package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/stageflow/runtime/workflow"
	"goa.design/stageflow/runtime/workflow/store"
	"goa.design/stageflow/runtime/workflow/store/storetest"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, Redis tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if err := connect(ctx); err != nil {
		fmt.Printf("Redis not reachable, Redis tests will be skipped: %v\n", err)
		skipIntegration = true
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func connect(ctx context.Context) error {
	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return err
	}
	testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	return testRedisClient.Ping(ctx).Err()
}

// getRedis flushes the shared database and returns its client. Skips the
// test when Docker is not available.
func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping Redis test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return testRedisClient
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(getRedis(t))
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newStore(t) })
}

func TestSetAppliesTTL(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Hour))
	ttl, err := s.rdb.TTL(ctx, "k").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, s.Update(ctx, "k", 2*time.Hour, func([]byte) ([]byte, error) { return []byte("w"), nil }))
	ttl, err = s.rdb.TTL(ctx, "k").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Hour)
}

func TestUpdateRetriesOnConcurrentWrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("a"), time.Minute))

	calls := 0
	err := s.Update(ctx, "k", time.Minute, func(cur []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			// A write after WATCH aborts the transaction.
			require.NoError(t, testRedisClient.Set(ctx, "k", "b", time.Minute).Err())
		}
		return append(cur, '!'), nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "b!", string(got))
}

func TestUpdateConflictAfterRetries(t *testing.T) {
	rdb := getRedis(t)
	s, err := New(rdb, WithRetries(2))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("a"), time.Minute))

	err = s.Update(ctx, "k", time.Minute, func([]byte) ([]byte, error) {
		require.NoError(t, rdb.Set(ctx, "k", "interfering", time.Minute).Err())
		return []byte("mine"), nil
	})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestRepositoryOnRedis(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	repo := workflow.NewRepository(s)
	sess, err := repo.CreateSession(ctx, "s1", "r1", nil)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateProgress(ctx, sess.ID, workflow.StagePlan, 25, workflow.StagePlan))

	raw, err := testRedisClient.Get(ctx, workflow.SessionKey(sess.ID)).Bytes()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"progress":25`)

	ttl, err := testRedisClient.TTL(ctx, workflow.SessionKey(sess.ID)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 59*time.Minute)

	got, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusProcessing, got.Status)
}

func TestPing(t *testing.T) {
	s := newStore(t)
	require.Equal(t, "workflow-redis", s.Name())
	require.NoError(t, s.Ping(context.Background()))
}

func TestUnreachableServer(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer func() { _ = rdb.Close() }()
	s, err := New(rdb)
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "k")
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.NotErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Set(context.Background(), "k", []byte("v"), time.Minute), store.ErrUnavailable)
	require.Error(t, s.Ping(context.Background()))
}

func TestMapError(t *testing.T) {
	require.ErrorIs(t, mapError("get", "k", redis.Nil), store.ErrNotFound)
	require.ErrorIs(t, mapError("get", "k", context.Canceled), context.Canceled)
	require.NotErrorIs(t, mapError("get", "k", context.Canceled), store.ErrUnavailable)
	boom := errors.New("boom")
	err := mapError("get", "k", boom)
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.ErrorIs(t, err, boom)
}

func TestEscapeGlob(t *testing.T) {
	require.Equal(t, "workflow:session:", escapeGlob("workflow:session:"))
	require.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
