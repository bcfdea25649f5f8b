package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/folio/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(provideLimiter),
)

func provideLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if cfg.RedisAddr == "" {
		log.Warn("rate limiting enabled without REDIS_ADDR, requests are not limited")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewLimiter(NewTokenBucket(client), cfg.RateLimit)
}
