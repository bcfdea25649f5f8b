package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, processor string, providerEventID string) (*EventRecord, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, event *EventRecord) error

	InsertAnomaly(ctx context.Context, db *gorm.DB, anomaly *Anomaly) error
	ListAnomalies(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]Anomaly, error)

	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	UpdatePayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPayment(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Payment, error)
	FindPaymentForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindPaymentByIdempotencyKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*Payment, error)
	FindPaymentByProviderRef(ctx context.Context, db *gorm.DB, orgID snowflake.ID, processor, intentID, chargeID string) (*Payment, error)
	ListPaymentsByTab(ctx context.Context, db *gorm.DB, orgID, tabID snowflake.ID) ([]Payment, error)
	GroupContribution(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (int64, error)
}

// IngestResult reports how a webhook delivery was handled.
type IngestResult struct {
	Processor string       `json:"processor"`
	EventID   string       `json:"event_id,omitempty"`
	Outcome   EventOutcome `json:"outcome,omitempty"`
	Replayed  bool         `json:"replayed"`
	Ignored   bool         `json:"ignored"`
}

// Service ingests raw provider webhooks.
type Service interface {
	IngestWebhook(ctx context.Context, processor string, payload []byte, headers http.Header) (*IngestResult, error)
}

// ApplyResult is the recorded outcome of one provider event.
type ApplyResult struct {
	EventID   string        `json:"event_id"`
	Outcome   EventOutcome  `json:"outcome"`
	PaymentID *snowflake.ID `json:"payment_id,omitempty"`
	TabID     *snowflake.ID `json:"tab_id,omitempty"`
	Replayed  bool          `json:"replayed"`
}

// Reconciler applies normalized provider events exactly once.
type Reconciler interface {
	ApplyEvent(ctx context.Context, orgID snowflake.ID, event *PaymentEvent) (*ApplyResult, error)
}

type CreateIntentRequest struct {
	TabID          string `json:"tab_id"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	BillingGroupID string `json:"billing_group_id,omitempty"`
	Processor      string `json:"processor"`
	Mode           string `json:"mode,omitempty"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency,omitempty"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type IntentResult struct {
	Payment      Payment `json:"payment"`
	ClientSecret string  `json:"client_secret,omitempty"`
}

type ConfirmIntentRequest struct {
	PaymentID     string `json:"-"`
	PaymentMethod string `json:"payment_method"`
}

type RefundPaymentRequest struct {
	PaymentID string `json:"-"`
	// Amount defaults to everything still refundable.
	Amount int64  `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PaymentService collects money against tabs through configured processors.
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (*IntentResult, error)
	ConfirmPaymentIntent(ctx context.Context, req ConfirmIntentRequest) (*Payment, error)
	Refund(ctx context.Context, req RefundPaymentRequest) (*RefundResult, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListPayments(ctx context.Context, tabID string) ([]Payment, error)
	ListAnomalies(ctx context.Context, limit int) ([]Anomaly, error)
}
