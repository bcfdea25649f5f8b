package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/folio/internal/money"
	"gorm.io/datatypes"
)

type TabStatus string

const (
	TabStatusOpen    TabStatus = "open"
	TabStatusPartial TabStatus = "partial"
	TabStatusPaid    TabStatus = "paid"
	TabStatusVoid    TabStatus = "void"
)

// Tab is a running bill. Amounts are minor units of Currency.
//
// PaidAmount never exceeds TotalAmount: money received beyond the total is
// held in CreditAmount and flows back into PaidAmount when the total grows.
type Tab struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey"`
	OrgID          snowflake.ID    `json:"org_id" gorm:"not null;index"`
	CustomerName   string          `json:"customer_name,omitempty" gorm:"type:text"`
	CustomerEmail  string          `json:"customer_email,omitempty" gorm:"type:text"`
	Currency       string          `json:"currency" gorm:"type:text;not null"`
	Timezone       string          `json:"timezone" gorm:"type:text;not null"`
	TaxRate        decimal.Decimal `json:"tax_rate" gorm:"type:text;not null"`
	SubtotalAmount int64           `json:"subtotal_amount" gorm:"not null;default:0"`
	TaxAmount      int64           `json:"tax_amount" gorm:"not null;default:0"`
	TotalAmount    int64           `json:"total_amount" gorm:"not null;default:0"`
	PaidAmount     int64           `json:"paid_amount" gorm:"not null;default:0"`
	CreditAmount   int64           `json:"credit_amount" gorm:"not null;default:0"`
	Status         TabStatus       `json:"status" gorm:"type:text;not null"`
	Version        int64           `json:"version" gorm:"not null;default:1"`
	CreatedAt      time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"not null"`
}

func (Tab) TableName() string { return "tabs" }

// BalanceDue is what can still be collected against the tab.
func (t *Tab) BalanceDue() int64 {
	if t.Status == TabStatusVoid {
		return 0
	}
	due := t.TotalAmount - t.PaidAmount
	if due < 0 {
		return 0
	}
	return due
}

// Location resolves the tab's IANA time zone, falling back to UTC.
func (t *Tab) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RecomputeTotals derives subtotal, tax and total from the live line items
// and then re-settles received money against the new total.
func (t *Tab) RecomputeTotals(items []LineItem) error {
	amounts := make([]money.Amount, 0, len(items)+1)
	amounts = append(amounts, money.Zero(t.Currency))
	for _, item := range items {
		total, err := item.Total()
		if err != nil {
			return err
		}
		amounts = append(amounts, money.New(total, t.Currency))
	}
	subtotal, err := money.Sum(amounts...)
	if err != nil {
		return err
	}
	tax, err := money.ApplyTax(subtotal, t.TaxRate)
	if err != nil {
		return err
	}
	total, err := subtotal.Add(tax)
	if err != nil {
		return err
	}

	t.SubtotalAmount = subtotal.Minor
	t.TaxAmount = tax.Minor
	t.TotalAmount = total.Minor
	t.Settle()
	return nil
}

// ApplyPaymentDelta adds (or with a negative delta removes) received money.
// Received money never drops below zero.
func (t *Tab) ApplyPaymentDelta(delta int64) {
	received := t.PaidAmount + t.CreditAmount + delta
	if received < 0 {
		received = 0
	}
	t.PaidAmount = received
	t.CreditAmount = 0
	t.Settle()
}

// Settle splits received money into PaidAmount (capped at the total) and
// CreditAmount, then recomputes the status.
func (t *Tab) Settle() {
	received := t.PaidAmount + t.CreditAmount
	if received < 0 {
		received = 0
	}
	if received > t.TotalAmount {
		t.PaidAmount = t.TotalAmount
		t.CreditAmount = received - t.TotalAmount
	} else {
		t.PaidAmount = received
		t.CreditAmount = 0
	}
	t.RecomputeStatus()
}

// RecomputeStatus derives open, partial or paid. Void is sticky.
func (t *Tab) RecomputeStatus() {
	if t.Status == TabStatusVoid {
		return
	}
	switch {
	case t.PaidAmount <= 0:
		t.Status = TabStatusOpen
	case t.PaidAmount >= t.TotalAmount:
		t.Status = TabStatusPaid
	default:
		t.Status = TabStatusPartial
	}
}

type AssignmentStatus string

const (
	AssignmentUnassigned      AssignmentStatus = "unassigned"
	AssignmentEvaluating      AssignmentStatus = "evaluating"
	AssignmentAssigned        AssignmentStatus = "assigned"
	AssignmentPendingApproval AssignmentStatus = "pending_approval"
	AssignmentRejected        AssignmentStatus = "rejected"
	AssignmentNotified        AssignmentStatus = "notified"
)

type LineItem struct {
	ID               snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID            snowflake.ID      `json:"org_id" gorm:"not null;index"`
	TabID            snowflake.ID      `json:"tab_id" gorm:"not null;index"`
	Description      string            `json:"description" gorm:"type:text;not null"`
	Quantity         int64             `json:"quantity" gorm:"not null"`
	UnitPrice        int64             `json:"unit_price" gorm:"not null"`
	Category         string            `json:"category,omitempty" gorm:"type:text"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty"`
	BillingGroupID   *snowflake.ID     `json:"billing_group_id,omitempty" gorm:"index"`
	AssignmentStatus AssignmentStatus  `json:"assignment_status" gorm:"type:text;not null"`
	MatchedRuleID    *snowflake.ID     `json:"matched_rule_id,omitempty"`
	RejectionReason  string            `json:"rejection_reason,omitempty" gorm:"type:text"`
	CreatedAt        time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time         `json:"updated_at" gorm:"not null"`
}

func (LineItem) TableName() string { return "line_items" }

// Total is quantity × unit price; it is never stored.
func (l LineItem) Total() (int64, error) {
	return money.MulQuantity(l.UnitPrice, l.Quantity)
}

// MetadataStrings flattens metadata to strings for rule matching.
func (l LineItem) MetadataStrings() map[string]string {
	out := make(map[string]string, len(l.Metadata))
	for k, v := range l.Metadata {
		switch cast := v.(type) {
		case string:
			out[k] = cast
		case nil:
			out[k] = ""
		default:
			out[k] = decimalOrString(cast)
		}
	}
	return out
}

func decimalOrString(v any) string {
	switch cast := v.(type) {
	case float64:
		return decimal.NewFromFloat(cast).String()
	case bool:
		if cast {
			return "true"
		}
		return "false"
	case int64:
		return decimal.NewFromInt(cast).String()
	case int:
		return decimal.NewFromInt(int64(cast)).String()
	default:
		return ""
	}
}
