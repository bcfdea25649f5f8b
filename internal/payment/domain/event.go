package domain

import (
	"time"
)

// EventType discriminates the PaymentEvent union.
type EventType string

const (
	EventTypeSucceeded         EventType = "succeeded"
	EventTypeFailed            EventType = "failed"
	EventTypeRefunded          EventType = "refunded"
	EventTypePartiallyRefunded EventType = "partially_refunded"
	EventTypeDisputed          EventType = "disputed"
	EventTypeDisputeWon        EventType = "dispute_won"
	EventTypeDisputeLost       EventType = "dispute_lost"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeSucceeded, EventTypeFailed, EventTypeRefunded, EventTypePartiallyRefunded,
		EventTypeDisputed, EventTypeDisputeWon, EventTypeDisputeLost:
		return true
	default:
		return false
	}
}

func (t EventType) IsRefund() bool {
	return t == EventTypeRefunded || t == EventTypePartiallyRefunded
}

// PaymentEvent is the provider-neutral shape every adapter normalizes into.
// The reconciler only ever reads these fields.
//
// Amount is always in minor units of Currency. Its meaning depends on Type:
// the captured amount for succeeded, the amount refunded by this event for
// refunds, and the contested amount for dispute events.
type PaymentEvent struct {
	Processor string
	EventID   string
	Type      EventType

	// CorrelationID is the payment id placed in the intent metadata.
	CorrelationID     string
	ProviderPaymentID string
	ProviderChargeID  string

	Amount   int64
	Currency string

	// RefundedTotal is set when the provider reports the cumulative refunded
	// amount instead of the increment (Stripe charge.refunded).
	RefundedTotal *int64

	Dispute       *DisputeDetail
	FailureReason string

	OccurredAt time.Time
	RawPayload []byte
}

type DisputeDetail struct {
	ID     string
	Reason string
	Status string
}
