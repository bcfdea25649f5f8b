package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/folio/internal/observability/logger"
	"github.com/smallbiznis/folio/internal/orgcontext"
	"github.com/smallbiznis/folio/internal/ratelimit"
	"go.uber.org/zap"
)

const HeaderOrg = "X-Org-ID"

// OrgContext resolves the calling organization from the X-Org-ID header.
// Authentication happens in front of this service.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if raw == "" {
			AbortWithError(c, ErrOrgRequired)
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID <= 0 {
			AbortWithError(c, invalidIDError("org_id"))
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), int64(orgID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OrgRateLimit throttles API calls per organization when a limiter is
// configured. A limiter outage lets requests through.
func (s *Server) OrgRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		orgID, ok := orgcontext.OrgIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrOrgRequired)
			return
		}
		res, err := s.limiter.AllowOrg(ctx, orgID.String())
		s.applyRateLimit(c, res, err)
	}
}

// WebhookRateLimit throttles deliveries per processor. Providers retry on
// 429, so a rejected delivery is not lost.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		res, err := s.limiter.AllowWebhook(c.Request.Context(), c.Param("processor"))
		s.applyRateLimit(c, res, err)
	}
}

func (s *Server) applyRateLimit(c *gin.Context, res *ratelimit.Result, err error) {
	if err != nil {
		obslogger.FromContext(c.Request.Context()).Warn("rate limit check failed", zap.Error(err))
		c.Next()
		return
	}
	if res.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	}
	if !res.Allowed {
		seconds := int(math.Ceil(res.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		AbortWithError(c, ErrRateLimited)
		return
	}
	c.Next()
}
