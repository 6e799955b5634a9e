package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalAdmission(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewLocalAdmission(Policy{RatePerSecond: 2, Burst: 2}).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := a.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := a.Allow(ctx, "alice")
	assert.False(t, ok, "burst exhausted")
	ok, _ = a.Allow(ctx, "bob")
	assert.True(t, ok, "buckets are per caller")

	now = now.Add(500 * time.Millisecond)
	ok, _ = a.Allow(ctx, "alice")
	assert.True(t, ok, "one token refilled")

	now = now.Add(4 * time.Minute)
	assert.Equal(t, 2, a.Prune())
}

// TestRedisAdmission_Integration requires a running Redis and skips otherwise.
func TestRedisAdmission_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	a := NewRedisAdmissionWithClient(client, Policy{RatePerSecond: 1, Burst: 1})
	defer func() { _ = a.Close() }()
	ctx := context.Background()
	if err := a.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	now := time.Now()
	a.clock = func() time.Time { return now }
	caller := "test-admission-" + now.Format("150405.000000")
	require.NoError(t, client.Del(ctx, a.key(caller)).Err())

	ok, err := a.Allow(ctx, caller)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Allow(ctx, caller)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(1100 * time.Millisecond)
	ok, err = a.Allow(ctx, caller)
	require.NoError(t, err)
	assert.True(t, ok)
}
