package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsMatchThroughWrapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{name: "validation", err: Validation("amount", "exceeds_balance", "amount exceeds balance due"), kind: ErrValidation},
		{name: "not found", err: NotFound("tab", "42"), kind: ErrNotFound},
		{name: "conflict", err: Conflict("line item is protected", "invoice:1"), kind: ErrConflict},
		{name: "processor", err: &ProcessorError{Processor: "stripe", Op: "create_intent", Outcome: OutcomeFailed}, kind: ErrProcessor},
		{name: "processor configuration", err: ProcessorConfiguration("adyen", "credentials rejected"), kind: ErrProcessorConfiguration},
		{name: "encryption", err: Encryption("key missing", nil), kind: ErrEncryption},
		{name: "currency mismatch", err: CurrencyMismatch("USD", "JPY"), kind: ErrCurrencyMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.kind)
			assert.NotErrorIs(t, wrapped, errUnrelated)
		})
	}
}

var errUnrelated = errors.New("other")

func TestIsUnknownOutcome(t *testing.T) {
	unknown := &ProcessorError{Processor: "stripe", Op: "create_intent", Outcome: OutcomeUnknown, Err: context.DeadlineExceeded}
	failed := &ProcessorError{Processor: "stripe", Op: "create_intent", Outcome: OutcomeFailed, StatusCode: 402}

	assert.True(t, IsUnknownOutcome(fmt.Errorf("wrap: %w", unknown)))
	assert.False(t, IsUnknownOutcome(failed))
	assert.False(t, IsUnknownOutcome(errors.New("plain")))
	assert.ErrorIs(t, unknown, context.DeadlineExceeded)
}

func TestConflictErrorNamesBlockingReferences(t *testing.T) {
	err := Conflict("line item is protected", "invoice:10", "payment:11")

	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, []string{"invoice:10", "payment:11"}, cErr.Blocking)
	assert.Contains(t, err.Error(), "invoice:10, payment:11")
}
