package domain

import (
	"context"
	"errors"
)

type CreateInvoiceRequest struct {
	TabID          string `json:"tab_id"`
	BillingGroupID string `json:"billing_group_id"`
	PaymentTerms   string `json:"payment_terms"`
	DueInDays      int    `json:"due_in_days"`
}

type InvoiceDetail struct {
	Invoice   Invoice           `json:"invoice"`
	LineItems []InvoiceLineItem `json:"line_items"`
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (InvoiceDetail, error)
	GetByID(ctx context.Context, id string) (InvoiceDetail, error)
	MarkSent(ctx context.Context, id string) (Invoice, error)
	Void(ctx context.Context, id string) (Invoice, error)
}

// Publisher consumes a finalized invoice snapshot, e.g. to render and email
// it. Failures are logged and never roll back the send.
type Publisher interface {
	PublishInvoice(ctx context.Context, detail InvoiceDetail) error
}

var (
	ErrInvalidOrganization    = errors.New("invalid_organization")
	ErrConcurrentModification = errors.New("concurrent_modification")
)
