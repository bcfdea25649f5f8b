package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/folio/internal/config"
)

const (
	keyWebhook = "folio:ratelimit:webhook:%s"
	keyOrg     = "folio:ratelimit:org:%s"
)

// Limiter throttles webhook deliveries per processor and API calls per
// organization. A nil *Limiter allows everything.
type Limiter struct {
	bucket Bucket

	webhookRate  float64
	webhookBurst int
	apiRate      float64
	apiBurst     int
}

func NewLimiter(bucket Bucket, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		bucket:       bucket,
		webhookRate:  cfg.WebhookRate,
		webhookBurst: cfg.WebhookBurst,
		apiRate:      cfg.APIRate,
		apiBurst:     cfg.APIBurst,
	}
}

func (l *Limiter) AllowWebhook(ctx context.Context, processor string) (*Result, error) {
	if l == nil {
		return &Result{Allowed: true}, nil
	}
	processor = strings.ToLower(strings.TrimSpace(processor))
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhook, processor), l.webhookRate, l.webhookBurst)
}

func (l *Limiter) AllowOrg(ctx context.Context, orgID string) (*Result, error) {
	if l == nil {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyOrg, orgID), l.apiRate, l.apiBurst)
}
