package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/tab/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const tabColumns = `id, org_id, customer_name, customer_email, currency, timezone, tax_rate,
	subtotal_amount, tax_amount, total_amount, paid_amount, credit_amount, status, version,
	created_at, updated_at`

const lineItemColumns = `id, org_id, tab_id, description, quantity, unit_price, category, metadata,
	billing_group_id, assignment_status, matched_rule_id, rejection_reason, created_at, updated_at`

func (r *repo) InsertTab(ctx context.Context, db *gorm.DB, tab *domain.Tab) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO tabs (`+tabColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tab.ID,
		tab.OrgID,
		tab.CustomerName,
		tab.CustomerEmail,
		tab.Currency,
		tab.Timezone,
		tab.TaxRate,
		tab.SubtotalAmount,
		tab.TaxAmount,
		tab.TotalAmount,
		tab.PaidAmount,
		tab.CreditAmount,
		tab.Status,
		tab.Version,
		tab.CreatedAt,
		tab.UpdatedAt,
	).Error
}

func (r *repo) FindTab(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Tab, error) {
	var item domain.Tab
	err := db.WithContext(ctx).Raw(
		`SELECT `+tabColumns+`
		 FROM tabs
		 WHERE org_id = ? AND id = ?
		 LIMIT 1`,
		orgID,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindTabForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Tab, error) {
	var item domain.Tab
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) UpdateTab(ctx context.Context, db *gorm.DB, tab *domain.Tab) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE tabs
		 SET subtotal_amount = ?, tax_amount = ?, total_amount = ?, paid_amount = ?,
			credit_amount = ?, status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		tab.SubtotalAmount,
		tab.TaxAmount,
		tab.TotalAmount,
		tab.PaidAmount,
		tab.CreditAmount,
		tab.Status,
		tab.UpdatedAt,
		tab.ID,
		tab.Version,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	tab.Version++
	return nil
}

// DeleteTab removes the tab with its items, rules and groups.
func (r *repo) DeleteTab(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error {
	for _, stmt := range []string{
		`DELETE FROM line_items WHERE tab_id = ?`,
		`DELETE FROM billing_rules WHERE tab_id = ?`,
		`DELETE FROM billing_groups WHERE tab_id = ?`,
	} {
		if err := db.WithContext(ctx).Exec(stmt, id).Error; err != nil {
			return err
		}
	}
	return db.WithContext(ctx).Exec(
		`DELETE FROM tabs WHERE org_id = ? AND id = ?`, orgID, id,
	).Error
}

func (r *repo) CountPayments(ctx context.Context, db *gorm.DB, tabID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE tab_id = ?`,
		tabID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CountInvoices(ctx context.Context, db *gorm.DB, tabID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM invoices WHERE tab_id = ?`,
		tabID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) InsertLineItem(ctx context.Context, db *gorm.DB, item *domain.LineItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO line_items (`+lineItemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.OrgID,
		item.TabID,
		item.Description,
		item.Quantity,
		item.UnitPrice,
		item.Category,
		item.Metadata,
		item.BillingGroupID,
		item.AssignmentStatus,
		item.MatchedRuleID,
		item.RejectionReason,
		item.CreatedAt,
		item.UpdatedAt,
	).Error
}

func (r *repo) FindLineItem(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.LineItem, error) {
	var item domain.LineItem
	err := db.WithContext(ctx).Raw(
		`SELECT `+lineItemColumns+`
		 FROM line_items
		 WHERE org_id = ? AND id = ?
		 LIMIT 1`,
		orgID,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListLineItems(ctx context.Context, db *gorm.DB, tabID snowflake.ID) ([]domain.LineItem, error) {
	var items []domain.LineItem
	err := db.WithContext(ctx).Raw(
		`SELECT `+lineItemColumns+`
		 FROM line_items
		 WHERE tab_id = ?
		 ORDER BY created_at ASC, id ASC`,
		tabID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateLineItem(ctx context.Context, db *gorm.DB, item *domain.LineItem) error {
	return db.WithContext(ctx).Exec(
		`UPDATE line_items
		 SET description = ?, quantity = ?, unit_price = ?, category = ?, metadata = ?,
			updated_at = ?
		 WHERE id = ?`,
		item.Description,
		item.Quantity,
		item.UnitPrice,
		item.Category,
		item.Metadata,
		item.UpdatedAt,
		item.ID,
	).Error
}

func (r *repo) DeleteLineItem(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM line_items WHERE id = ?`, id).Error
}

func (r *repo) UpdateAssignment(ctx context.Context, db *gorm.DB, item *domain.LineItem) error {
	return db.WithContext(ctx).Exec(
		`UPDATE line_items
		 SET billing_group_id = ?, assignment_status = ?, matched_rule_id = ?,
			rejection_reason = ?, updated_at = ?
		 WHERE id = ?`,
		item.BillingGroupID,
		item.AssignmentStatus,
		item.MatchedRuleID,
		item.RejectionReason,
		item.UpdatedAt,
		item.ID,
	).Error
}

func (r *repo) ReassignGroupItems(ctx context.Context, db *gorm.DB, fromGroupID, toGroupID snowflake.ID) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE line_items
		 SET billing_group_id = ?, assignment_status = ?, matched_rule_id = NULL
		 WHERE billing_group_id = ?`,
		toGroupID,
		domain.AssignmentAssigned,
		fromGroupID,
	)
	return res.RowsAffected, res.Error
}
