package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Processor is the capability every payment provider integration offers.
// Implementations make network calls only and never touch the database.
type Processor interface {
	Provider() string

	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	ConfirmPaymentIntent(ctx context.Context, req ConfirmRequest) (*Intent, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)

	// ValidateCredentials performs a cheap read-only call. It returns false
	// with a nil error when the provider rejects the credentials.
	ValidateCredentials(ctx context.Context) (bool, error)

	// SignatureHeader names the HTTP header carrying the webhook signature,
	// or "" when the signature travels inside the payload.
	SignatureHeader() string
	// VerifyWebhookSignature compares in constant time.
	VerifyWebhookSignature(payload []byte, signatureHeader string, secret string) bool
	// NormalizeWebhookEvent returns ErrEventIgnored for event kinds that do
	// not affect balances.
	NormalizeWebhookEvent(payload []byte) (*PaymentEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Processor, error)
}

type AdapterConfig struct {
	OrgID               snowflake.ID
	MerchantProcessorID snowflake.ID
	Mode                string
	Credentials         map[string]any
	BaseURL             string
	HTTPClient          *http.Client
	Retry               RetryPolicy
	Now                 func() time.Time
}

type IntentRequest struct {
	Amount         int64
	Currency       string
	Reference      string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type ConfirmRequest struct {
	IntentID       string
	PaymentMethod  string
	Amount         int64
	Currency       string
	Reference      string
	IdempotencyKey string
}

type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Status       string `json:"status"`
	ChargeID     string `json:"charge_id,omitempty"`
}

type RefundRequest struct {
	IntentID       string
	ChargeID       string
	Amount         int64
	Currency       string
	Reference      string
	IdempotencyKey string
}

type RefundResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
