package events

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/almsync/pkg/types"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStream(t *testing.T, cfg RedisConfig) *RedisStream {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis stream tests")
	}

	cfg.Addr = addr
	cfg.Stream = "almsync:test:" + uuid.NewString()
	cfg.Block = 100 * time.Millisecond
	s, err := NewRedisStream(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.rdb.Del(context.Background(), cfg.Stream).Err()
		_ = s.Close()
	})
	return s
}

func TestRedisStreamDelivers(t *testing.T) {
	s := newTestRedisStream(t, RedisConfig{Group: "g", Consumer: "c1"})

	got := make(chan types.Envelope, 1)
	consume(t, s, 1, func(ctx context.Context, env types.Envelope) Disposition {
		got <- env
		return Ack
	})

	require.NoError(t, s.Publish(context.Background(), types.Envelope{Kind: types.KindRequirement, LocalID: "r1"}))

	select {
	case env := <-got:
		assert.Equal(t, "r1", env.LocalID)
		assert.Equal(t, 1, env.AttemptCount)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestRedisStreamRetriesThenDeadLetters(t *testing.T) {
	dead := make(chan types.Envelope, 1)
	s := newTestRedisStream(t, RedisConfig{
		Group:        "g",
		Consumer:     "c1",
		MaxAttempts:  2,
		OnDeadLetter: func(env types.Envelope) { dead <- env },
	})

	consume(t, s, 1, func(ctx context.Context, env types.Envelope) Disposition {
		return Retry
	})

	require.NoError(t, s.Publish(context.Background(), types.Envelope{Kind: types.KindIssue, LocalID: "i1"}))

	select {
	case env := <-dead:
		assert.Equal(t, 2, env.AttemptCount)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope never dead-lettered")
	}
}

func TestRedisStreamBacksOffBetweenAttempts(t *testing.T) {
	dead := make(chan types.Envelope, 1)
	s := newTestRedisStream(t, RedisConfig{
		Group:        "g",
		Consumer:     "c1",
		MaxAttempts:  3,
		RetryBackoff: 50 * time.Millisecond,
		OnDeadLetter: func(env types.Envelope) { dead <- env },
	})
	assert.Greater(t, s.cfg.ClaimIdle, maxRetryDelay)

	var mu sync.Mutex
	var seen []time.Time
	consume(t, s, 1, func(ctx context.Context, env types.Envelope) Disposition {
		mu.Lock()
		seen = append(seen, time.Now())
		mu.Unlock()
		return Retry
	})

	require.NoError(t, s.Publish(context.Background(), types.Envelope{Kind: types.KindIssue, LocalID: "i1"}))

	select {
	case env := <-dead:
		assert.Equal(t, 3, env.AttemptCount)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope never dead-lettered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.GreaterOrEqual(t, seen[1].Sub(seen[0]), 50*time.Millisecond)
	assert.GreaterOrEqual(t, seen[2].Sub(seen[1]), 100*time.Millisecond)
}

func TestRedisStreamCountsReclaimedDeliveries(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		wantHandled bool
	}{
		{name: "reclaimed entry sees its second attempt", maxAttempts: 3, wantHandled: true},
		{name: "entry past its last attempt is dead-lettered", maxAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dead := make(chan types.Envelope, 1)
			s := newTestRedisStream(t, RedisConfig{
				Group:        "g",
				Consumer:     "c1",
				MaxAttempts:  tt.maxAttempts,
				ClaimIdle:    50 * time.Millisecond,
				OnDeadLetter: func(env types.Envelope) { dead <- env },
			})
			ctx := context.Background()
			require.NoError(t, s.Publish(ctx, types.Envelope{Kind: types.KindIssue, LocalID: "i1"}))

			// a consumer that read the entry and died before answering
			_, err := s.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
				Group:    "g",
				Consumer: "crashed",
				Streams:  []string{s.cfg.Stream, ">"},
				Count:    1,
			}).Result()
			require.NoError(t, err)

			var handled atomic.Int32
			got := make(chan types.Envelope, 1)
			consume(t, s, 1, func(ctx context.Context, env types.Envelope) Disposition {
				handled.Add(1)
				got <- env
				return Ack
			})

			select {
			case env := <-got:
				require.True(t, tt.wantHandled, "handler ran for an overdue entry")
				assert.Equal(t, 2, env.AttemptCount)
			case env := <-dead:
				require.False(t, tt.wantHandled, "entry dead-lettered early")
				assert.Equal(t, 2, env.AttemptCount)
				assert.Zero(t, handled.Load())
			case <-time.After(5 * time.Second):
				t.Fatal("entry never reclaimed")
			}
		})
	}
}

func TestWithDeliveries(t *testing.T) {
	env := types.Envelope{Kind: types.KindIssue, LocalID: "i1", AttemptCount: 3}
	assert.Equal(t, 3, withDeliveries(env, 0).AttemptCount)
	assert.Equal(t, 3, withDeliveries(env, 1).AttemptCount)
	assert.Equal(t, 5, withDeliveries(env, 3).AttemptCount)

	r := &redelivery{maxAttempts: 4}
	assert.False(t, r.overdue(withDeliveries(env, 2)))
	assert.True(t, r.overdue(withDeliveries(env, 3)))
	assert.False(t, (&redelivery{}).overdue(withDeliveries(env, 10)))
}
