package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

func (m Mode) Valid() bool {
	return m == ModeTest || m == ModeLive
}

// MerchantProcessor is one configured integration per organization,
// processor type and mode. Credentials and the webhook secret are vault
// blobs and never leave the service in plaintext.
type MerchantProcessor struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrgID           snowflake.ID   `json:"org_id" gorm:"not null;index"`
	ProcessorType   string         `json:"processor_type" gorm:"type:text;not null"`
	Mode            Mode           `json:"mode" gorm:"type:text;not null"`
	Credentials     datatypes.JSON `json:"-" gorm:"not null"`
	WebhookSecret   datatypes.JSON `json:"-"`
	IsActive        bool           `json:"is_active" gorm:"not null;default:true"`
	LastValidatedAt *time.Time     `json:"last_validated_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"not null"`
}

func (MerchantProcessor) TableName() string { return "merchant_processors" }
