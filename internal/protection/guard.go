// Package protection decides whether a line item may still be edited.
package protection

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ReasonSentInvoice  = "sent_invoice"
	ReasonGroupPayment = "billing_group_payment"
	ReasonSettled      = "settled_payment"
)

// Reason names one reference that makes a line item immutable.
type Reason struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
}

func (r Reason) String() string {
	return r.Kind + ":" + r.Reference
}

type Result struct {
	Protected bool     `json:"protected"`
	Reasons   []Reason `json:"reasons"`
}

// Err returns a ConflictError naming every blocking reference, or nil.
func (r Result) Err() error {
	if !r.Protected {
		return nil
	}
	blocking := make([]string, 0, len(r.Reasons))
	for _, reason := range r.Reasons {
		blocking = append(blocking, reason.String())
	}
	return apperr.Conflict("line item is protected", blocking...)
}

// Invoice states after which an invoice has left the building.
var sentInvoiceStatuses = []string{"sent", "partial", "paid"}

type Guard struct {
	log *zap.Logger
}

func NewGuard(log *zap.Logger) *Guard {
	return &Guard{log: log.Named("protection.guard")}
}

type itemRef struct {
	ID             snowflake.ID
	TabID          snowflake.ID
	BillingGroupID *snowflake.ID
}

// IsProtected reports every reference that blocks mutation of the item. It
// reads through db so callers can evaluate inside their own transaction.
func (g *Guard) IsProtected(ctx context.Context, db *gorm.DB, lineItemID snowflake.ID) (Result, error) {
	var item itemRef
	err := db.WithContext(ctx).Raw(
		`SELECT id, tab_id, billing_group_id
		 FROM line_items
		 WHERE id = ?`,
		lineItemID,
	).Scan(&item).Error
	if err != nil {
		return Result{}, err
	}
	if item.ID == 0 {
		return Result{}, apperr.NotFound("line_item", lineItemID.String())
	}

	reasons := make([]Reason, 0, 2)

	var invoiceIDs []snowflake.ID
	err = db.WithContext(ctx).Raw(
		`SELECT DISTINCT i.id
		 FROM invoice_line_items il
		 JOIN invoices i ON i.id = il.invoice_id
		 WHERE il.line_item_id = ? AND i.status IN ?
		 ORDER BY i.id`,
		lineItemID,
		sentInvoiceStatuses,
	).Scan(&invoiceIDs).Error
	if err != nil {
		return Result{}, err
	}
	for _, id := range invoiceIDs {
		reasons = append(reasons, Reason{Kind: ReasonSentInvoice, Reference: id.String()})
	}

	if item.BillingGroupID != nil {
		var count int64
		err = db.WithContext(ctx).Raw(
			`SELECT COUNT(1)
			 FROM payments
			 WHERE billing_group_id = ? AND captured_amount > 0`,
			*item.BillingGroupID,
		).Scan(&count).Error
		if err != nil {
			return Result{}, err
		}
		if count > 0 {
			reasons = append(reasons, Reason{Kind: ReasonGroupPayment, Reference: item.BillingGroupID.String()})
		}
	}

	// Tab-wide payments cover every item on the tab.
	var paymentIDs []snowflake.ID
	err = db.WithContext(ctx).Raw(
		`SELECT id
		 FROM payments
		 WHERE tab_id = ? AND billing_group_id IS NULL AND invoice_id IS NULL
		   AND captured_amount > 0
		 ORDER BY id`,
		item.TabID,
	).Scan(&paymentIDs).Error
	if err != nil {
		return Result{}, err
	}
	for _, id := range paymentIDs {
		reasons = append(reasons, Reason{Kind: ReasonSettled, Reference: id.String()})
	}

	result := Result{Protected: len(reasons) > 0, Reasons: reasons}
	if result.Protected {
		g.log.Debug("line item protected",
			zap.String("line_item_id", lineItemID.String()),
			zap.String("reasons", joinReasons(reasons)),
		)
	}
	return result, nil
}

func joinReasons(reasons []Reason) string {
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}
