// Package orgcontext carries the organization a request acts for. API
// requests name it in a header; webhook deliveries learn it from the
// merchant processor whose secret verified the signature.
package orgcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type orgKey struct{}

type merchantProcessorKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, orgKey{}, snowflake.ID(orgID))
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	orgID, ok := ctx.Value(orgKey{}).(snowflake.ID)
	if !ok || orgID == 0 {
		return 0, false
	}
	return orgID, true
}

// WithMerchantProcessor records the configuration a webhook was matched to
// and makes its organization the active one.
func WithMerchantProcessor(ctx context.Context, orgID, merchantProcessorID snowflake.ID) context.Context {
	ctx = WithOrgID(ctx, int64(orgID))
	return context.WithValue(ctx, merchantProcessorKey{}, merchantProcessorID)
}

func MerchantProcessorFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(merchantProcessorKey{}).(snowflake.ID)
	return id, ok && id != 0
}
