package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const eventColumns = `id, org_id, processor, provider_event_id, event_type, payment_id, tab_id,
	amount, currency, outcome, detail, payload, received_at, processed_at`

const paymentColumns = `id, org_id, tab_id, invoice_id, billing_group_id, merchant_processor_id,
	processor, provider_intent_id, provider_charge_id, amount, currency, captured_amount,
	refunded_amount, chargeback_amount, status, disputed, dispute_status, idempotency_key,
	failure_reason, created_at, updated_at`

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, processor string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM payment_events
		 WHERE processor = ? AND provider_event_id = ?
		 LIMIT 1`,
		processor,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (processor, provider_event_id) DO NOTHING`,
		event.ID,
		event.OrgID,
		event.Processor,
		event.ProviderEventID,
		event.EventType,
		event.PaymentID,
		event.TabID,
		event.Amount,
		event.Currency,
		event.Outcome,
		event.Detail,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, event *domain.EventRecord) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET payment_id = ?, tab_id = ?, outcome = ?, detail = ?, processed_at = ?
		 WHERE id = ?`,
		event.PaymentID,
		event.TabID,
		event.Outcome,
		event.Detail,
		event.ProcessedAt,
		event.ID,
	).Error
}

func (r *repo) InsertAnomaly(ctx context.Context, db *gorm.DB, anomaly *domain.Anomaly) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_anomalies (
			id, org_id, processor, provider_event_id, event_type, reason, correlation_id,
			provider_payment_id, amount, currency, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		anomaly.ID,
		anomaly.OrgID,
		anomaly.Processor,
		anomaly.ProviderEventID,
		anomaly.EventType,
		anomaly.Reason,
		anomaly.CorrelationID,
		anomaly.ProviderPaymentID,
		anomaly.Amount,
		anomaly.Currency,
		anomaly.Payload,
		anomaly.CreatedAt,
	).Error
}

func (r *repo) ListAnomalies(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]domain.Anomaly, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []domain.Anomaly
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, processor, provider_event_id, event_type, reason, correlation_id,
			provider_payment_id, amount, currency, payload, created_at
		 FROM payment_anomalies
		 WHERE org_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		orgID,
		limit,
	).Scan(&items).Error
	return items, err
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, idempotency_key) DO NOTHING`,
		payment.ID,
		payment.OrgID,
		payment.TabID,
		payment.InvoiceID,
		payment.BillingGroupID,
		payment.MerchantProcessorID,
		payment.Processor,
		payment.ProviderIntentID,
		payment.ProviderChargeID,
		payment.Amount,
		payment.Currency,
		payment.CapturedAmount,
		payment.RefundedAmount,
		payment.ChargebackAmount,
		payment.Status,
		payment.Disputed,
		payment.DisputeStatus,
		payment.IdempotencyKey,
		payment.FailureReason,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdatePayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET provider_intent_id = ?, provider_charge_id = ?, captured_amount = ?,
			refunded_amount = ?, chargeback_amount = ?, status = ?, disputed = ?,
			dispute_status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ?`,
		payment.ProviderIntentID,
		payment.ProviderChargeID,
		payment.CapturedAmount,
		payment.RefundedAmount,
		payment.ChargebackAmount,
		payment.Status,
		payment.Disputed,
		payment.DisputeStatus,
		payment.FailureReason,
		payment.UpdatedAt,
		payment.ID,
	).Error
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Payment, error) {
	return r.findPayment(ctx, db, `org_id = ? AND id = ?`, orgID, id)
}

func (r *repo) FindPaymentForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
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

func (r *repo) FindPaymentByIdempotencyKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*domain.Payment, error) {
	return r.findPayment(ctx, db, `org_id = ? AND idempotency_key = ?`, orgID, key)
}

// FindPaymentByProviderRef prefers the intent id over the charge id.
func (r *repo) FindPaymentByProviderRef(ctx context.Context, db *gorm.DB, orgID snowflake.ID, processor, intentID, chargeID string) (*domain.Payment, error) {
	if intentID != "" {
		item, err := r.findPayment(ctx, db,
			`org_id = ? AND processor = ? AND provider_intent_id = ?`, orgID, processor, intentID)
		if err != nil || item != nil {
			return item, err
		}
	}
	if chargeID != "" {
		return r.findPayment(ctx, db,
			`org_id = ? AND processor = ? AND provider_charge_id = ?`, orgID, processor, chargeID)
	}
	return nil, nil
}

func (r *repo) ListPaymentsByTab(ctx context.Context, db *gorm.DB, orgID, tabID snowflake.ID) ([]domain.Payment, error) {
	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE org_id = ? AND tab_id = ?
		 ORDER BY created_at, id`,
		orgID,
		tabID,
	).Scan(&items).Error
	return items, err
}

// GroupContribution sums what the group's payments currently add to the tab.
func (r *repo) GroupContribution(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(
			CASE WHEN captured_amount - refunded_amount - chargeback_amount > 0
				THEN captured_amount - refunded_amount - chargeback_amount
				ELSE 0 END
		 ), 0)
		 FROM payments
		 WHERE billing_group_id = ?`,
		groupID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) findPayment(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE `+where+`
		 LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
