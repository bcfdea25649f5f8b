package orgcontext

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestOrgIDFromContext(t *testing.T) {
	_, ok := OrgIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = OrgIDFromContext(WithOrgID(context.Background(), 0))
	assert.False(t, ok)

	orgID, ok := OrgIDFromContext(WithOrgID(context.Background(), 42))
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(42), orgID)
}

func TestWithMerchantProcessor(t *testing.T) {
	ctx := WithMerchantProcessor(context.Background(), 7, 900)

	orgID, ok := OrgIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(7), orgID)

	mpID, ok := MerchantProcessorFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(900), mpID)

	_, ok = MerchantProcessorFromContext(WithOrgID(context.Background(), 7))
	assert.False(t, ok)
}
