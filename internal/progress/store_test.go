package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/queue"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, Config{LeaseTTL: time.Minute}, nil), mr
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, "localhost:6379", c.Addr)
	assert.Equal(t, "ingestd", c.KeyPrefix)
	assert.Equal(t, 24*time.Hour, c.TTL)
	assert.Equal(t, 35*time.Minute, c.LeaseTTL)
}

func TestProgress(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	_, ok, err := s.Progress(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, ok)

	s.Report(ctx, "f1", 42)
	pct, ok, err := s.Progress(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, pct)

	v, err := mr.Get("ingestd:progress:f1")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
	assert.Equal(t, 24*time.Hour, mr.TTL("ingestd:progress:f1"))

	s.Report(ctx, "f1", 150)
	pct, _, _ = s.Progress(ctx, "f1")
	assert.Equal(t, 100, pct)
}

func TestReport_FailureIsLogged(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	logger := logging.NewTestLogger()
	s := NewWithClient(client, Config{}, logger.Logger)

	s.Report(context.Background(), "f1", 10)

	logger.AssertLogged(t, zapcore.DebugLevel, "progress write failed")
}

func TestResult(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, ok, err := s.Result(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveResult(ctx, "f1", JobResult{Status: "completed", Chunks: 50}))
	r, ok, err := s.Result(ctx, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "completed", r.Status)
	assert.Equal(t, 50, r.Chunks)
	assert.False(t, r.UpdatedAt.IsZero())

	require.NoError(t, s.Clear(ctx, "f1"))
	_, ok, err = s.Result(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLease(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	first, err := s.AcquireLease(ctx, "f1")
	require.NoError(t, err)

	_, err = s.AcquireLease(ctx, "f1")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	other, err := s.AcquireLease(ctx, "f2")
	require.NoError(t, err, "leases are per file")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Extend(ctx))
	require.NoError(t, first.Release(ctx))

	second, err := s.AcquireLease(ctx, "f1")
	require.NoError(t, err)

	// the released lease must not free a lease taken afterwards
	require.NoError(t, first.Release(ctx))
	assert.True(t, mr.Exists("ingestd:lease:f1"))
	assert.ErrorIs(t, first.Extend(ctx), ErrLeaseHeld)
	require.NoError(t, second.Release(ctx))
}

func TestLease_Expires(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, "f1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = s.AcquireLease(ctx, "f1")
	assert.NoError(t, err)
}

func TestLease_HeldReportsRemaining(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, "f1")
	require.NoError(t, err)
	mr.FastForward(20 * time.Second)

	_, err = s.AcquireLease(ctx, "f1")
	var held *LeaseHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "f1", held.FileID)
	assert.Equal(t, 40*time.Second, held.Remaining)
	assert.Equal(t, 41*time.Second, held.RetryAfter())
}

// A worker that dies holding a lease must not exhaust the job's deliveries
// before the lease expires.
func TestLease_CrashedHolderDoesNotExhaustDeliveries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := Config{}
	cfg.ApplyDefaults()
	s := NewWithClient(client, cfg, nil)
	ctx := context.Background()

	q := queue.DefaultQueues()[queue.Indexing]
	require.Less(t, q.AckWait, cfg.LeaseTTL, "the first redelivery lands inside the stale lease")

	_, err := s.AcquireLease(ctx, "f1")
	require.NoError(t, err)

	// the holder crashes: no ack, no release; redelivery after AckWait
	mr.FastForward(q.AckWait)
	attempts := 0
	for attempt := 2; attempt <= q.MaxDeliver; attempt++ {
		attempts = attempt
		lease, err := s.AcquireLease(ctx, "f1")
		if err == nil {
			require.NoError(t, lease.Release(ctx))
			break
		}
		require.ErrorIs(t, err, ErrLeaseHeld)
		mr.FastForward(queue.RetryDelay(q, err))
	}

	assert.Equal(t, 3, attempts, "the second redelivery finds the lease free")
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, nil)
	assert.Error(t, err)
}
