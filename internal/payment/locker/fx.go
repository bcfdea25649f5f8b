package locker

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/folio/internal/config"
	"github.com/smallbiznis/folio/internal/rollout"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tab.locker",
	fx.Provide(provideRedisLock),
	fx.Provide(func(cfg config.Config, log *zap.Logger, remote *RedisLock, flags rollout.Source) *TabLocker {
		return New(log, remote, flags, cfg.TabLockTTL)
	}),
)

// provideRedisLock returns nil when REDIS_ADDR is unset; the locker then
// relies on the in-process lock and database row locks.
func provideRedisLock(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *RedisLock {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis unreachable, tab locks stay in-process", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewRedisLock(client)
}
