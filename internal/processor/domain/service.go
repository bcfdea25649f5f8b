package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
)

type CreateRequest struct {
	ProcessorType string         `json:"processor_type"`
	Mode          Mode           `json:"mode"`
	Credentials   map[string]any `json:"credentials"`
	WebhookSecret string         `json:"webhook_secret"`
}

type UpdateCredentialsRequest struct {
	Credentials   map[string]any `json:"credentials"`
	WebhookSecret *string        `json:"webhook_secret"`
}

// Summary is the read model; credential values are always masked.
type Summary struct {
	ID              string         `json:"id"`
	ProcessorType   string         `json:"processor_type"`
	Mode            Mode           `json:"mode"`
	IsActive        bool           `json:"is_active"`
	Credentials     map[string]any `json:"credentials"`
	WebhookSecret   string         `json:"webhook_secret,omitempty"`
	LastValidatedAt *time.Time     `json:"last_validated_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type Service interface {
	Providers() []string
	Create(ctx context.Context, req CreateRequest) (*Summary, error)
	List(ctx context.Context) ([]Summary, error)
	Get(ctx context.Context, id string) (*Summary, error)
	UpdateCredentials(ctx context.Context, id string, req UpdateCredentialsRequest) (*Summary, error)
	SetActive(ctx context.Context, id string, active bool) (*Summary, error)
}

// Loaded is a decrypted, ready-to-call processor configuration.
type Loaded struct {
	Config        MerchantProcessor
	Adapter       paymentdomain.Processor
	WebhookSecret string
}

// Loader hands adapters to the payment services.
type Loader interface {
	Load(ctx context.Context, orgID snowflake.ID, processorType string, mode Mode) (*Loaded, error)
	LoadByID(ctx context.Context, orgID, id snowflake.ID) (*Loaded, error)
	// LoadForWebhook returns every configuration of the type, across
	// organizations, so the caller can find the one whose secret verifies.
	// Deactivated configurations are included: refunds and disputes for
	// payments they took keep arriving after deactivation.
	LoadForWebhook(ctx context.Context, processorType string) ([]Loaded, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
)
