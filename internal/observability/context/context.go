// Package obscontext carries request-scoped correlation values used by logs
// and spans.
package obscontext

import (
	"context"
	"strings"

	"github.com/smallbiznis/folio/internal/orgcontext"
	"github.com/smallbiznis/folio/pkg/telemetry/correlation"
)

type requestIDKey struct{}

type processorKey struct{}

// WithRequestID stores the inbound request id. It doubles as the correlation
// id when none is set yet.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, requestIDKey{}, requestID)
	if correlation.ExtractCorrelationID(ctx) == "" {
		ctx = correlation.ContextWithCorrelationID(ctx, requestID)
	}
	return ctx
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// OrgIDFromContext returns the organization id as a string, or "".
func OrgIDFromContext(ctx context.Context) string {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return ""
	}
	return orgID.String()
}

// MerchantProcessorIDFromContext returns the matched processor configuration
// id as a string, or "".
func MerchantProcessorIDFromContext(ctx context.Context) string {
	id, ok := orgcontext.MerchantProcessorFromContext(ctx)
	if !ok {
		return ""
	}
	return id.String()
}

// WithProcessor tags the context with the payment processor a request
// concerns, such as the target of a webhook delivery.
func WithProcessor(ctx context.Context, processor string) context.Context {
	processor = strings.ToLower(strings.TrimSpace(processor))
	if processor == "" {
		return ctx
	}
	return context.WithValue(ctx, processorKey{}, processor)
}

func ProcessorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(processorKey{}).(string); ok {
		return v
	}
	return ""
}
