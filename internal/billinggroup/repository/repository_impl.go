package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/billinggroup/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const groupColumns = `id, org_id, tab_id, invoice_id, name, group_type, payer_org_id, payer_email,
	credit_limit, deposit_amount, authorization_code, status, is_default, created_at, updated_at`

const ruleColumns = `id, org_id, tab_id, billing_group_id, name, priority, is_active, conditions,
	action, reason, created_at, updated_at`

func (r *repo) InsertGroup(ctx context.Context, db *gorm.DB, group *domain.BillingGroup) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_groups (`+groupColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		group.ID,
		group.OrgID,
		group.TabID,
		group.InvoiceID,
		group.Name,
		group.GroupType,
		group.PayerOrgID,
		group.PayerEmail,
		group.CreditLimit,
		group.DepositAmount,
		group.AuthorizationCode,
		group.Status,
		group.IsDefault,
		group.CreatedAt,
		group.UpdatedAt,
	).Error
}

func (r *repo) FindGroup(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.BillingGroup, error) {
	var item domain.BillingGroup
	err := db.WithContext(ctx).Raw(
		`SELECT `+groupColumns+`
		 FROM billing_groups
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

func (r *repo) FindDefaultGroup(ctx context.Context, db *gorm.DB, tabID snowflake.ID) (*domain.BillingGroup, error) {
	var item domain.BillingGroup
	err := db.WithContext(ctx).Raw(
		`SELECT `+groupColumns+`
		 FROM billing_groups
		 WHERE tab_id = ? AND is_default = TRUE
		 LIMIT 1`,
		tabID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListGroups(ctx context.Context, db *gorm.DB, orgID, tabID snowflake.ID) ([]domain.BillingGroup, error) {
	var items []domain.BillingGroup
	err := db.WithContext(ctx).Raw(
		`SELECT `+groupColumns+`
		 FROM billing_groups
		 WHERE org_id = ? AND tab_id = ?
		 ORDER BY is_default DESC, created_at ASC, id ASC`,
		orgID,
		tabID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) DeleteGroup(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM billing_groups WHERE id = ?`, id).Error
}

func (r *repo) GroupTotals(ctx context.Context, db *gorm.DB, tabID snowflake.ID) ([]domain.GroupTotal, error) {
	var rows []domain.GroupTotal
	err := db.WithContext(ctx).Raw(
		`SELECT billing_group_id, COUNT(1) AS item_count,
			COALESCE(SUM(quantity * unit_price), 0) AS amount
		 FROM line_items
		 WHERE tab_id = ? AND billing_group_id IS NOT NULL
		 GROUP BY billing_group_id`,
		tabID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) CountSettledPayments(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments WHERE billing_group_id = ? AND captured_amount > 0`,
		groupID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CountLiveInvoices(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM invoices WHERE billing_group_id = ? AND status <> 'void'`,
		groupID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) InsertRule(ctx context.Context, db *gorm.DB, rule *domain.BillingRule) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_rules (`+ruleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.OrgID,
		rule.TabID,
		rule.BillingGroupID,
		rule.Name,
		rule.Priority,
		rule.IsActive,
		rule.Conditions,
		rule.Action,
		rule.Reason,
		rule.CreatedAt,
		rule.UpdatedAt,
	).Error
}

func (r *repo) ListRules(ctx context.Context, db *gorm.DB, orgID, tabID snowflake.ID) ([]domain.BillingRule, error) {
	var items []domain.BillingRule
	err := db.WithContext(ctx).Raw(
		`SELECT `+ruleColumns+`
		 FROM billing_rules
		 WHERE org_id = ? AND tab_id = ?
		 ORDER BY priority ASC, created_at ASC, id ASC`,
		orgID,
		tabID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) DeactivateGroupRules(ctx context.Context, db *gorm.DB, groupID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_rules SET is_active = FALSE WHERE billing_group_id = ?`,
		groupID,
	).Error
}
