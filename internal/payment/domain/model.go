package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusDisputed          PaymentStatus = "disputed"
)

const (
	DisputeStatusOpen = "open"
	DisputeStatusWon  = "won"
	DisputeStatusLost = "lost"
)

// Payment is one attempt to collect money against a tab through a processor.
type Payment struct {
	ID                  snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrgID               snowflake.ID  `json:"org_id" gorm:"not null;index"`
	TabID               snowflake.ID  `json:"tab_id" gorm:"not null;index"`
	InvoiceID           *snowflake.ID `json:"invoice_id,omitempty"`
	BillingGroupID      *snowflake.ID `json:"billing_group_id,omitempty"`
	MerchantProcessorID snowflake.ID  `json:"merchant_processor_id" gorm:"not null"`
	Processor           string        `json:"processor" gorm:"type:text;not null"`
	ProviderIntentID    string        `json:"provider_intent_id,omitempty" gorm:"type:text"`
	ProviderChargeID    string        `json:"provider_charge_id,omitempty" gorm:"type:text"`
	Amount              int64         `json:"amount" gorm:"not null"`
	Currency            string        `json:"currency" gorm:"type:text;not null"`
	CapturedAmount      int64         `json:"captured_amount" gorm:"not null;default:0"`
	RefundedAmount      int64         `json:"refunded_amount" gorm:"not null;default:0"`
	ChargebackAmount    int64         `json:"chargeback_amount" gorm:"not null;default:0"`
	Status              PaymentStatus `json:"status" gorm:"type:text;not null"`
	Disputed            bool          `json:"disputed" gorm:"not null;default:false"`
	DisputeStatus       string        `json:"dispute_status,omitempty" gorm:"type:text"`
	IdempotencyKey      string        `json:"-" gorm:"type:text;not null"`
	FailureReason       string        `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt           time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt           time.Time     `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// Contribution is the amount this payment currently adds to its tab's paid
// total: what was captured, less refunds and lost chargebacks.
func (p *Payment) Contribution() int64 {
	c := p.CapturedAmount - p.RefundedAmount - p.ChargebackAmount
	if c < 0 {
		return 0
	}
	return c
}

// Refundable is the captured amount still available for refunds.
func (p *Payment) Refundable() int64 {
	return p.Contribution()
}

// Settled reports whether money has moved for this payment.
func (p *Payment) Settled() bool {
	return p.CapturedAmount > 0
}

// SettledStatus derives the status from the amounts once the payment has
// captured funds. An open dispute takes precedence.
func (p *Payment) SettledStatus() PaymentStatus {
	if p.Disputed && p.DisputeStatus == DisputeStatusOpen {
		return PaymentStatusDisputed
	}
	if p.CapturedAmount <= 0 {
		return p.Status
	}
	reversed := p.RefundedAmount + p.ChargebackAmount
	switch {
	case reversed >= p.CapturedAmount:
		return PaymentStatusRefunded
	case reversed > 0:
		return PaymentStatusPartiallyRefunded
	default:
		return PaymentStatusSucceeded
	}
}

type EventOutcome string

const (
	// OutcomeApplied means the event mutated payment and tab state.
	OutcomeApplied EventOutcome = "applied"
	// OutcomeNoop means the event was valid but changed nothing, such as a
	// second capture notice or a failure arriving after success.
	OutcomeNoop      EventOutcome = "noop"
	OutcomeUnmatched EventOutcome = "unmatched"
	OutcomeRejected  EventOutcome = "rejected"
)

// EventRecord is the durable idempotency row for one provider event.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrgID           snowflake.ID   `json:"org_id" gorm:"not null;index"`
	Processor       string         `json:"processor" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	PaymentID       *snowflake.ID  `json:"payment_id,omitempty"`
	TabID           *snowflake.ID  `json:"tab_id,omitempty"`
	Amount          int64          `json:"amount"`
	Currency        string         `json:"currency" gorm:"type:text"`
	Outcome         EventOutcome   `json:"outcome" gorm:"type:text;not null"`
	Detail          string         `json:"detail,omitempty" gorm:"type:text"`
	Payload         datatypes.JSON `json:"-"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	AnomalyReasonUnmatched        = "unmatched_payment"
	AnomalyReasonCurrencyMismatch = "currency_mismatch"
	// AnomalyReasonOverpayment marks a capture that pushed the tab into
	// credit, typically two intents collected against the same balance.
	AnomalyReasonOverpayment = "overpayment"
)

// Anomaly is a verified provider event that could not be applied.
type Anomaly struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrgID             snowflake.ID   `json:"org_id" gorm:"not null;index"`
	Processor         string         `json:"processor" gorm:"type:text;not null"`
	ProviderEventID   string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType         string         `json:"event_type" gorm:"type:text;not null"`
	Reason            string         `json:"reason" gorm:"type:text;not null"`
	CorrelationID     string         `json:"correlation_id,omitempty" gorm:"type:text"`
	ProviderPaymentID string         `json:"provider_payment_id,omitempty" gorm:"type:text"`
	Amount            int64          `json:"amount"`
	Currency          string         `json:"currency" gorm:"type:text"`
	Payload           datatypes.JSON `json:"-"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null"`
}

func (Anomaly) TableName() string { return "payment_anomalies" }
