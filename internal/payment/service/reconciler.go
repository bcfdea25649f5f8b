package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/money"
	"github.com/smallbiznis/folio/internal/notification"
	obsmetrics "github.com/smallbiznis/folio/internal/observability/metrics"
	"github.com/smallbiznis/folio/internal/payment/domain"
	"github.com/smallbiznis/folio/internal/rollout"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApplyEvent applies a verified, normalized provider event exactly once.
//
// The (processor, event id) row is written in the same transaction as the
// payment, tab and invoice changes, so a failed apply leaves nothing behind
// and the provider's redelivery is safe.
func (s *Service) ApplyEvent(ctx context.Context, orgID snowflake.ID, event *domain.PaymentEvent) (*domain.ApplyResult, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	start := time.Now()
	result, err := s.applyEvent(ctx, orgID, event)
	m := obsmetrics.Reconcile()
	m.ObserveApply(event.Processor, time.Since(start))
	if err != nil {
		m.IncApplyError(event.Processor, err)
		s.log.Warn("payment event not applied",
			zap.String("processor", event.Processor),
			zap.String("event_id", event.EventID),
			zap.String("event_type", string(event.Type)),
			zap.Bool("retryable", obsmetrics.IsApplyErrorRetryable(err)),
			zap.Error(err),
		)
		return nil, err
	}

	if result.Replayed {
		m.IncReplay(event.Processor)
	} else {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Processor, string(event.Type))
		s.obsMetrics.RecordReconcileOutcome(ctx, event.Processor, string(result.Outcome))
	}
	return result, nil
}

func (s *Service) applyEvent(ctx context.Context, orgID snowflake.ID, event *domain.PaymentEvent) (*domain.ApplyResult, error) {
	stored, err := s.repo.FindEvent(ctx, s.db, event.Processor, event.EventID)
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.ProcessedAt != nil {
		return replayed(stored), nil
	}

	payment, err := s.correlate(ctx, orgID, event)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return s.recordAnomaly(ctx, orgID, event, nil, domain.AnomalyReasonUnmatched, domain.OutcomeUnmatched)
	}
	if event.Currency != "" && event.Currency != payment.Currency {
		return s.recordAnomaly(ctx, orgID, event, payment, domain.AnomalyReasonCurrencyMismatch, domain.OutcomeRejected)
	}

	var (
		result      *domain.ApplyResult
		overpayment int64
	)
	err = s.withTabLock(ctx, payment.TabID, func(tx *gorm.DB, tab *tabdomain.Tab) error {
		record, replay, err := s.claimEvent(ctx, tx, orgID, event)
		if err != nil {
			return err
		}
		if replay != nil {
			result = replay
			return nil
		}

		p, err := s.repo.FindPaymentForUpdate(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		if p == nil {
			return apperr.NotFound("payment", payment.ID.String())
		}

		now := s.clock.Now()
		before := p.Contribution()
		outcome, detail := applyToPayment(p, event)
		if outcome == domain.OutcomeApplied {
			p.UpdatedAt = now
			if err := s.repo.UpdatePayment(ctx, tx, p); err != nil {
				return err
			}
			creditBefore := tab.CreditAmount
			if err := s.settle(ctx, tx, tab, p, p.Contribution()-before, now); err != nil {
				return err
			}
			// Intents do not reserve balance, so concurrent intents can
			// collect more than was due. The excess is kept as credit.
			if tab.CreditAmount > creditBefore {
				overpayment = tab.CreditAmount - creditBefore
				if err := s.insertAnomaly(ctx, tx, orgID, event, domain.AnomalyReasonOverpayment, overpayment, now); err != nil {
					return err
				}
			}
		}

		record.PaymentID = &p.ID
		record.TabID = &p.TabID
		record.Outcome = outcome
		record.Detail = detail
		record.ProcessedAt = &now
		if err := s.repo.MarkEventProcessed(ctx, tx, record); err != nil {
			return err
		}

		result = &domain.ApplyResult{
			EventID:   event.EventID,
			Outcome:   outcome,
			PaymentID: record.PaymentID,
			TabID:     record.TabID,
		}
		s.log.Info("payment event applied",
			zap.String("processor", event.Processor),
			zap.String("event_id", event.EventID),
			zap.String("event_type", string(event.Type)),
			zap.String("payment_id", p.ID.String()),
			zap.String("tab_id", tab.ID.String()),
			zap.String("outcome", string(outcome)),
			zap.Int64("tab_paid_amount", tab.PaidAmount),
			zap.String("tab_status", string(tab.Status)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if overpayment > 0 {
		s.reportAnomaly(ctx, orgID, event, domain.AnomalyReasonOverpayment, overpayment)
	}
	return result, nil
}

// claimEvent inserts the idempotency row. A concurrent or earlier delivery
// that already committed turns this call into a replay.
func (s *Service) claimEvent(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, event *domain.PaymentEvent) (*domain.EventRecord, *domain.ApplyResult, error) {
	record := s.newRecord(orgID, event)
	inserted, err := s.repo.InsertEvent(ctx, tx, record)
	if err != nil {
		return nil, nil, err
	}
	if inserted {
		return record, nil, nil
	}

	stored, err := s.repo.FindEvent(ctx, tx, event.Processor, event.EventID)
	if err != nil {
		return nil, nil, err
	}
	if stored == nil {
		return nil, nil, domain.ErrInvalidEvent
	}
	if stored.ProcessedAt != nil {
		return nil, replayed(stored), nil
	}
	return stored, nil, nil
}

// settle moves the tab and the linked invoice by the change in what the
// payment contributes.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, tab *tabdomain.Tab, p *domain.Payment, delta int64, now time.Time) error {
	if delta == 0 {
		return nil
	}
	tab.ApplyPaymentDelta(delta)
	tab.UpdatedAt = now
	if err := s.tabRepo.UpdateTab(ctx, tx, tab); err != nil {
		return err
	}

	if p.InvoiceID == nil {
		return nil
	}
	inv, err := s.invoiceRepo.FindForUpdate(ctx, tx, *p.InvoiceID)
	if err != nil {
		return err
	}
	if inv == nil {
		s.log.Warn("payment references a missing invoice",
			zap.String("payment_id", p.ID.String()),
			zap.String("invoice_id", p.InvoiceID.String()),
		)
		return nil
	}
	inv.ApplyPaymentDelta(delta, now)
	inv.UpdatedAt = now
	return s.invoiceRepo.UpdateState(ctx, tx, inv)
}

// correlate resolves the event to a payment: the payment id carried in the
// intent metadata first, then the provider's own ids.
func (s *Service) correlate(ctx context.Context, orgID snowflake.ID, event *domain.PaymentEvent) (*domain.Payment, error) {
	if id, err := snowflake.ParseString(strings.TrimSpace(event.CorrelationID)); err == nil && id != 0 {
		payment, err := s.repo.FindPayment(ctx, s.db, orgID, id)
		if err != nil {
			return nil, err
		}
		if payment != nil && payment.Processor == event.Processor {
			return payment, nil
		}
	}
	return s.repo.FindPaymentByProviderRef(ctx, s.db, orgID, event.Processor, event.ProviderPaymentID, event.ProviderChargeID)
}

// recordAnomaly stores an event that cannot touch any balance. The provider
// still gets a success answer; operators get a notification.
func (s *Service) recordAnomaly(
	ctx context.Context,
	orgID snowflake.ID,
	event *domain.PaymentEvent,
	payment *domain.Payment,
	reason string,
	outcome domain.EventOutcome,
) (*domain.ApplyResult, error) {
	now := s.clock.Now()
	var result *domain.ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, replay, err := s.claimEvent(ctx, tx, orgID, event)
		if err != nil {
			return err
		}
		if replay != nil {
			result = replay
			return nil
		}

		if err := s.insertAnomaly(ctx, tx, orgID, event, reason, event.Amount, now); err != nil {
			return err
		}

		record.Outcome = outcome
		record.Detail = reason
		record.ProcessedAt = &now
		if payment != nil {
			record.PaymentID = &payment.ID
			record.TabID = &payment.TabID
		}
		if err := s.repo.MarkEventProcessed(ctx, tx, record); err != nil {
			return err
		}
		result = &domain.ApplyResult{
			EventID:   event.EventID,
			Outcome:   outcome,
			PaymentID: record.PaymentID,
			TabID:     record.TabID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Replayed {
		return result, nil
	}

	s.reportAnomaly(ctx, orgID, event, reason, event.Amount)
	return result, nil
}

func (s *Service) insertAnomaly(
	ctx context.Context,
	tx *gorm.DB,
	orgID snowflake.ID,
	event *domain.PaymentEvent,
	reason string,
	amount int64,
	now time.Time,
) error {
	anomaly := domain.Anomaly{
		ID:                s.genID.Generate(),
		OrgID:             orgID,
		Processor:         event.Processor,
		ProviderEventID:   event.EventID,
		EventType:         string(event.Type),
		Reason:            reason,
		CorrelationID:     event.CorrelationID,
		ProviderPaymentID: event.ProviderPaymentID,
		Amount:            amount,
		Currency:          event.Currency,
		Payload:           payloadJSON(event.RawPayload),
		CreatedAt:         now,
	}
	return s.repo.InsertAnomaly(ctx, tx, &anomaly)
}

// reportAnomaly logs, counts and optionally notifies a recorded anomaly.
func (s *Service) reportAnomaly(ctx context.Context, orgID snowflake.ID, event *domain.PaymentEvent, reason string, amount int64) {
	s.log.Warn("payment anomaly recorded",
		zap.String("processor", event.Processor),
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.Type)),
		zap.String("reason", reason),
		zap.Int64("amount", amount),
		zap.String("correlation_id", event.CorrelationID),
		zap.String("provider_payment_id", event.ProviderPaymentID),
	)
	s.obsMetrics.RecordAnomaly(ctx, event.Processor, reason)
	if rollout.Enabled(s.flags.Snapshot(), rollout.FlagNotifyOnAnomaly, orgID.String()) {
		s.publisher.Publish(ctx, notification.Notification{
			Kind:    notification.KindPaymentAnomaly,
			OrgID:   orgID,
			Subject: "Unreconciled " + event.Processor + " event " + event.EventID,
			Fields: map[string]string{
				"reason":              reason,
				"event_type":          string(event.Type),
				"amount":              money.FormatMajor(amount, event.Currency),
				"currency":            event.Currency,
				"correlation_id":      event.CorrelationID,
				"provider_payment_id": event.ProviderPaymentID,
			},
		})
	}
}

func (s *Service) newRecord(orgID snowflake.ID, event *domain.PaymentEvent) *domain.EventRecord {
	return &domain.EventRecord{
		ID:              s.genID.Generate(),
		OrgID:           orgID,
		Processor:       event.Processor,
		ProviderEventID: event.EventID,
		EventType:       string(event.Type),
		Amount:          event.Amount,
		Currency:        event.Currency,
		Payload:         payloadJSON(event.RawPayload),
		ReceivedAt:      s.clock.Now(),
	}
}

// applyToPayment mutates p for one event. Amounts are capped so that events
// arriving in any order converge on the same state.
func applyToPayment(p *domain.Payment, event *domain.PaymentEvent) (domain.EventOutcome, string) {
	if event.ProviderPaymentID != "" && p.ProviderIntentID == "" {
		p.ProviderIntentID = event.ProviderPaymentID
	}
	if event.ProviderChargeID != "" && p.ProviderChargeID == "" {
		p.ProviderChargeID = event.ProviderChargeID
	}

	switch event.Type {
	case domain.EventTypeSucceeded:
		if p.CapturedAmount > 0 {
			return domain.OutcomeNoop, "already captured"
		}
		amount := event.Amount
		if amount <= 0 {
			amount = p.Amount
		}
		p.CapturedAmount = amount
		p.FailureReason = ""

	case domain.EventTypeFailed:
		if p.Status != domain.PaymentStatusPending {
			return domain.OutcomeNoop, "payment is " + string(p.Status)
		}
		p.Status = domain.PaymentStatusFailed
		p.FailureReason = event.FailureReason
		return domain.OutcomeApplied, ""

	case domain.EventTypeRefunded, domain.EventTypePartiallyRefunded:
		limit := captureBase(p) - p.ChargebackAmount
		var next int64
		if event.RefundedTotal != nil {
			next = max(p.RefundedAmount, min(*event.RefundedTotal, limit))
		} else {
			next = min(p.RefundedAmount+event.Amount, limit)
		}
		if next <= p.RefundedAmount {
			return domain.OutcomeNoop, "nothing left to refund"
		}
		p.RefundedAmount = next

	case domain.EventTypeDisputed:
		if p.Disputed && p.DisputeStatus == domain.DisputeStatusOpen {
			return domain.OutcomeNoop, "dispute already open"
		}
		if p.DisputeStatus == domain.DisputeStatusLost {
			return domain.OutcomeNoop, "dispute already lost"
		}
		p.Disputed = true
		p.DisputeStatus = domain.DisputeStatusOpen

	case domain.EventTypeDisputeWon:
		if p.DisputeStatus == domain.DisputeStatusWon || p.DisputeStatus == domain.DisputeStatusLost {
			return domain.OutcomeNoop, "dispute already " + p.DisputeStatus
		}
		p.Disputed = true
		p.DisputeStatus = domain.DisputeStatusWon

	case domain.EventTypeDisputeLost:
		if p.DisputeStatus == domain.DisputeStatusLost {
			return domain.OutcomeNoop, "dispute already lost"
		}
		remaining := captureBase(p) - p.RefundedAmount - p.ChargebackAmount
		amount := event.Amount
		if amount <= 0 || amount > remaining {
			amount = max(remaining, 0)
		}
		p.Disputed = true
		p.DisputeStatus = domain.DisputeStatusLost
		p.ChargebackAmount += amount

	default:
		return domain.OutcomeNoop, "unsupported event type"
	}

	p.Status = p.SettledStatus()
	return domain.OutcomeApplied, ""
}

// captureBase is the amount refunds and chargebacks are bounded by: the
// captured amount, or the requested amount before capture is known.
func captureBase(p *domain.Payment) int64 {
	if p.CapturedAmount > 0 {
		return p.CapturedAmount
	}
	return p.Amount
}

func validateEvent(event *domain.PaymentEvent) error {
	if event == nil {
		return domain.ErrInvalidEvent
	}
	event.Processor = strings.ToLower(strings.TrimSpace(event.Processor))
	event.EventID = strings.TrimSpace(event.EventID)
	if event.Processor == "" || event.EventID == "" || !event.Type.Valid() {
		return domain.ErrInvalidEvent
	}
	if event.Amount < 0 {
		return domain.ErrInvalidEvent
	}
	if event.Currency != "" {
		currency, err := money.NormalizeCurrency(event.Currency)
		if err != nil {
			return domain.ErrInvalidEvent
		}
		event.Currency = currency
	}
	return nil
}

func replayed(stored *domain.EventRecord) *domain.ApplyResult {
	return &domain.ApplyResult{
		EventID:   stored.ProviderEventID,
		Outcome:   stored.Outcome,
		PaymentID: stored.PaymentID,
		TabID:     stored.TabID,
		Replayed:  true,
	}
}

func payloadJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	// Form and XML bodies are kept as a JSON string.
	quoted, _ := json.Marshal(string(raw))
	return datatypes.JSON(quoted)
}
