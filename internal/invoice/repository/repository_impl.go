package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const invoiceColumns = `id, org_id, tab_id, billing_group_id, invoice_number, sequence, currency,
	subtotal_amount, tax_amount, total_amount, paid_amount, status, payment_terms, due_at,
	sent_at, paid_at, version, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.OrgID,
		invoice.TabID,
		invoice.BillingGroupID,
		invoice.InvoiceNumber,
		invoice.Sequence,
		invoice.Currency,
		invoice.SubtotalAmount,
		invoice.TaxAmount,
		invoice.TotalAmount,
		invoice.PaidAmount,
		invoice.Status,
		invoice.PaymentTerms,
		invoice.DueAt,
		invoice.SentAt,
		invoice.PaidAt,
		invoice.Version,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) InsertLine(ctx context.Context, db *gorm.DB, line *domain.InvoiceLineItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_line_items (
			id, org_id, invoice_id, line_item_id, description, quantity, unit_price, amount, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		line.ID,
		line.OrgID,
		line.InvoiceID,
		line.LineItemID,
		line.Description,
		line.Quantity,
		line.UnitPrice,
		line.Amount,
		line.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE org_id = ? AND id = ?
		 LIMIT 1`,
		orgID,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) ListLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.InvoiceLineItem, error) {
	var lines []domain.InvoiceLineItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, invoice_id, line_item_id, description, quantity, unit_price, amount, created_at
		 FROM invoice_line_items
		 WHERE invoice_id = ?
		 ORDER BY id ASC`,
		invoiceID,
	).Scan(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, paid_amount = ?, sent_at = ?, paid_at = ?, version = version + 1,
			updated_at = ?
		 WHERE id = ? AND version = ?`,
		invoice.Status,
		invoice.PaidAmount,
		invoice.SentAt,
		invoice.PaidAt,
		invoice.UpdatedAt,
		invoice.ID,
		invoice.Version,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	invoice.Version++
	return nil
}

func (r *repo) NextSequence(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error) {
	var next int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(sequence), 0) + 1
		 FROM invoices
		 WHERE org_id = ?`,
		orgID,
	).Scan(&next).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (r *repo) CountLiveForGroup(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM invoices WHERE billing_group_id = ? AND status <> ?`,
		groupID,
		domain.InvoiceStatusVoid,
	).Scan(&count).Error
	return count, err
}
