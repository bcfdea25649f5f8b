package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/protection"
)

type CreateTabRequest struct {
	Currency      string `json:"currency"`
	Timezone      string `json:"timezone"`
	TaxRate       string `json:"tax_rate"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
}

type AddLineItemRequest struct {
	// TabID is optional; a tab is opened lazily when it is empty.
	TabID       string         `json:"tab_id"`
	Currency    string         `json:"currency"`
	Timezone    string         `json:"timezone"`
	Description string         `json:"description"`
	Quantity    int64          `json:"quantity"`
	UnitPrice   int64          `json:"unit_price"`
	Category    string         `json:"category"`
	Metadata    map[string]any `json:"metadata"`
}

type UpdateLineItemRequest struct {
	Description *string        `json:"description"`
	Quantity    *int64         `json:"quantity"`
	UnitPrice   *int64         `json:"unit_price"`
	Category    *string        `json:"category"`
	Metadata    map[string]any `json:"metadata"`
	Force       bool           `json:"force"`
}

type TabDetail struct {
	Tab       Tab        `json:"tab"`
	LineItems []LineItem `json:"line_items"`
}

type Service interface {
	CreateTab(ctx context.Context, req CreateTabRequest) (Tab, error)
	GetTab(ctx context.Context, id string) (TabDetail, error)
	VoidTab(ctx context.Context, id string) (Tab, error)
	DeleteTab(ctx context.Context, id string) error

	AddLineItem(ctx context.Context, req AddLineItemRequest) (LineItem, error)
	UpdateLineItem(ctx context.Context, id string, req UpdateLineItemRequest) (LineItem, error)
	DeleteLineItem(ctx context.Context, id string, force bool) error
	LineItemProtection(ctx context.Context, id string) (protection.Result, error)
	// ReassignLineItem runs rule assignment again and reports its failure.
	ReassignLineItem(ctx context.Context, id string) (LineItem, error)
}

// Assigner places a freshly written line item into a billing group.
type Assigner interface {
	AssignLineItem(ctx context.Context, orgID, lineItemID snowflake.ID) error
}

var (
	ErrInvalidOrganization    = errors.New("invalid_organization")
	ErrInvalidID              = errors.New("invalid_id")
	ErrConcurrentModification = errors.New("concurrent_modification")
)
