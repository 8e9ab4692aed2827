package broker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	logx "sector7g/pkg/logx"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	url, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	b, err := NewRedis(RedisConfig{
		URL:          url,
		KeyPrefix:    "test",
		PollInterval: 20 * time.Millisecond,
		KeepResult:   time.Minute,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisContract(t *testing.T) {
	testContract(t, newTestRedis(t))
}

func TestRedisExpiredLeaseIsRedelivered(t *testing.T) {
	b := newTestRedis(t)
	b.cfg.Visibility = 100 * time.Millisecond
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "lease", "echo", nil)
	require.NoError(t, err)

	job, err := b.Dequeue(ctx, "lease", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	// The worker holding the lease "crashes"; the job comes back.
	job, err = b.Dequeue(ctx, "lease", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestRedisLeaseCoversQueueTimeout(t *testing.T) {
	b := newTestRedis(t)
	b.cfg.Visibility = time.Minute
	b.cfg.QueueTimeouts = map[string]time.Duration{"lenny": 120 * time.Second}
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	// Scheduler jobs carry no timeout of their own.
	id, err := b.Enqueue(ctx, "lenny", "system_health_check", nil, WithJobID("sched:health:1"))
	require.NoError(t, err)
	job, err := b.Dequeue(ctx, "lenny", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Past visibility but still inside the queue timeout: still leased.
	now = now.Add(70 * time.Second)
	again, err := b.Dequeue(ctx, "lenny", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, again, "job redelivered while its run could still be going")

	now = now.Add(2 * time.Minute)
	again, err = b.Dequeue(ctx, "lenny", time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestRedisDepth(t *testing.T) {
	b := newTestRedis(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(ctx, "depth", "echo", nil)
		require.NoError(t, err)
	}
	n, err := b.Depth(ctx, "depth")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestRedisUnreachableIsBrokerUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	b, err := NewRedis(RedisConfig{
		URL:            "redis://" + addr + "/0",
		ConnTimeout:    100 * time.Millisecond,
		ConnRetries:    2,
		ConnRetryDelay: 10 * time.Millisecond,
	}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Enqueue(context.Background(), "q", "h", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBrokerUnavailable), "got %v", err)
}

func TestTransient(t *testing.T) {
	assert.False(t, transient(nil))
	assert.False(t, transient(context.Canceled))
	assert.True(t, transient(errors.New("dial tcp: connection refused")))
}
