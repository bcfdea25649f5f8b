package locker

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smallbiznis/folio/internal/rollout"
)

func TestLockSerializesSameTab(t *testing.T) {
	l := New(zaptest.NewLogger(t), nil, nil, time.Second)
	tabID := snowflake.ID(1)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), tabID)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, l.locks)
}

func TestLockDifferentTabsDoNotBlock(t *testing.T) {
	l := New(zaptest.NewLogger(t), nil, nil, time.Second)

	unlockA, err := l.Lock(context.Background(), snowflake.ID(1))
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, snowflake.ID(2))
	require.NoError(t, err)
	unlockB()
}

func TestLockHonoursContext(t *testing.T) {
	l := New(zaptest.NewLogger(t), nil, nil, time.Second)
	unlock, err := l.Lock(context.Background(), snowflake.ID(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, snowflake.ID(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	assert.Empty(t, l.locks)
}

func TestRedisLockAcrossLockers(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	flags := rollout.NewStaticHolder(rollout.DefaultSnapshot())
	a := New(zaptest.NewLogger(t), NewRedisLock(client), flags, 200*time.Millisecond)
	b := New(zaptest.NewLogger(t), NewRedisLock(client), flags, 200*time.Millisecond)
	tabID := snowflake.ID(time.Now().UnixNano())

	unlock, err := a.Lock(context.Background(), tabID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Lock(ctx, tabID)
	assert.Error(t, err)

	unlock()
	unlockB, err := b.Lock(context.Background(), tabID)
	require.NoError(t, err)
	unlockB()
}
