// Package locker serializes work on a single tab.
//
// Every instance holds an in-process keyed lock. When a Redis client is
// configured and the redis_tab_lock flag is on for the tab, a Redis lease is
// taken as well so replicas serialize with each other. The database row lock
// taken inside the transaction remains the final guard.
package locker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/folio/internal/rollout"
	"go.uber.org/zap"
)

var ErrLockTimeout = errors.New("tab_lock_timeout")

type entry struct {
	sem  chan struct{}
	refs int
}

type TabLocker struct {
	mu    sync.Mutex
	locks map[snowflake.ID]*entry

	remote *RedisLock
	flags  rollout.Source
	ttl    time.Duration
	log    *zap.Logger
}

func New(log *zap.Logger, remote *RedisLock, flags rollout.Source, ttl time.Duration) *TabLocker {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &TabLocker{
		locks:  map[snowflake.ID]*entry{},
		remote: remote,
		flags:  flags,
		ttl:    ttl,
		log:    log.Named("tab.locker"),
	}
}

// Lock blocks until the tab is free or ctx is done. The returned func
// releases the lock and must be called exactly once.
func (l *TabLocker) Lock(ctx context.Context, tabID snowflake.ID) (func(), error) {
	e := l.acquireEntry(tabID)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseEntry(tabID, e, false)
		return nil, ctx.Err()
	}

	token, key, err := l.lockRemote(ctx, tabID)
	if err != nil {
		l.releaseEntry(tabID, e, true)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if token != "" {
				// release even when the caller's ctx is already cancelled
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := l.remote.Release(releaseCtx, key, token); err != nil {
					l.log.Warn("release redis tab lock", zap.String("tab_id", tabID.String()), zap.Error(err))
				}
				cancel()
			}
			l.releaseEntry(tabID, e, true)
		})
	}, nil
}

func (l *TabLocker) acquireEntry(tabID snowflake.ID) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[tabID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[tabID] = e
	}
	e.refs++
	return e
}

func (l *TabLocker) releaseEntry(tabID snowflake.ID, e *entry, held bool) {
	if held {
		<-e.sem
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, tabID)
	}
}

func (l *TabLocker) lockRemote(ctx context.Context, tabID snowflake.ID) (token, key string, err error) {
	if l.remote == nil || l.flags == nil {
		return "", "", nil
	}
	if !rollout.Enabled(l.flags.Snapshot(), rollout.FlagRedisTabLock, tabID.String()) {
		return "", "", nil
	}

	key = "folio:tab-lock:" + tabID.String()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	token, err = backoff.Retry(ctx, func() (string, error) {
		token, ok, err := l.remote.TryLock(ctx, key, l.ttl)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if !ok {
			return "", ErrLockTimeout
		}
		return token, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(l.ttl))
	if err != nil {
		return "", "", err
	}
	return token, key, nil
}
