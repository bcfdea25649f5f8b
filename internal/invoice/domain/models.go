// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusSent    InvoiceStatus = "sent"
	InvoiceStatusPartial InvoiceStatus = "partial"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

// Invoice is a billable snapshot of a tab or one of its billing groups.
type Invoice struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrgID          snowflake.ID  `json:"org_id" gorm:"not null;index"`
	TabID          snowflake.ID  `json:"tab_id" gorm:"not null;index"`
	BillingGroupID *snowflake.ID `json:"billing_group_id,omitempty" gorm:"index"`
	InvoiceNumber  string        `json:"invoice_number" gorm:"type:text;not null"`
	Sequence       int64         `json:"-" gorm:"not null"`
	Currency       string        `json:"currency" gorm:"type:text;not null"`
	SubtotalAmount int64         `json:"subtotal_amount" gorm:"not null"`
	TaxAmount      int64         `json:"tax_amount" gorm:"not null"`
	TotalAmount    int64         `json:"total_amount" gorm:"not null"`
	PaidAmount     int64         `json:"paid_amount" gorm:"not null;default:0"`
	Status         InvoiceStatus `json:"status" gorm:"type:text;not null"`
	PaymentTerms   string        `json:"payment_terms,omitempty" gorm:"type:text"`
	DueAt          *time.Time    `json:"due_at,omitempty"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	Version        int64         `json:"version" gorm:"not null;default:1"`
	CreatedAt      time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time     `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

func (i *Invoice) BalanceDue() int64 {
	if i.Status == InvoiceStatusVoid {
		return 0
	}
	due := i.TotalAmount - i.PaidAmount
	if due < 0 {
		return 0
	}
	return due
}

// ApplyPaymentDelta moves the paid amount, clamped to [0, total], and
// recomputes the status.
func (i *Invoice) ApplyPaymentDelta(delta int64, at time.Time) {
	paid := i.PaidAmount + delta
	if paid < 0 {
		paid = 0
	}
	if paid > i.TotalAmount {
		paid = i.TotalAmount
	}
	i.PaidAmount = paid
	i.RecomputeStatus(at)
}

// RecomputeStatus keeps void sticky and falls back to sent or draft when
// nothing is paid.
func (i *Invoice) RecomputeStatus(at time.Time) {
	if i.Status == InvoiceStatusVoid {
		return
	}
	switch {
	case i.TotalAmount > 0 && i.PaidAmount >= i.TotalAmount:
		i.Status = InvoiceStatusPaid
		if i.PaidAt == nil {
			i.PaidAt = &at
		}
		return
	case i.PaidAmount > 0:
		i.Status = InvoiceStatusPartial
	case i.SentAt != nil:
		i.Status = InvoiceStatusSent
	default:
		i.Status = InvoiceStatusDraft
	}
	i.PaidAt = nil
}

// InvoiceLineItem freezes a line item as it was when the invoice was cut.
type InvoiceLineItem struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID       snowflake.ID `json:"org_id" gorm:"not null;index"`
	InvoiceID   snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	LineItemID  snowflake.ID `json:"line_item_id" gorm:"not null;index"`
	Description string       `json:"description" gorm:"type:text"`
	Quantity    int64        `json:"quantity" gorm:"not null"`
	UnitPrice   int64        `json:"unit_price" gorm:"not null"`
	Amount      int64        `json:"amount" gorm:"not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }
