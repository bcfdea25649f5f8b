package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/folio/internal/apperr"
	invoicedomain "github.com/smallbiznis/folio/internal/invoice/domain"
	"github.com/smallbiznis/folio/internal/money"
	"github.com/smallbiznis/folio/internal/payment/domain"
	processordomain "github.com/smallbiznis/folio/internal/processor/domain"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// keyNamespace scopes the deterministic idempotency keys sent to providers.
var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://folio.smallbiznis.dev/idempotency"))

// Intent statuses after which the money is known to be captured.
var capturedStatuses = map[string]struct{}{
	"succeeded":                {},
	"settled":                  {},
	"settling":                 {},
	"submitted_for_settlement": {},
}

// CreatePaymentIntent validates the amount against what is still due, records
// a pending payment and only then asks the processor for an intent. No lock is
// held during the provider call.
func (s *Service) CreatePaymentIntent(ctx context.Context, req domain.CreateIntentRequest) (*domain.IntentResult, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	tabID, err := parseID("tab_id", req.TabID)
	if err != nil {
		return nil, err
	}
	invoiceID, err := parseOptionalID("invoice_id", req.InvoiceID)
	if err != nil {
		return nil, err
	}
	groupID, err := parseOptionalID("billing_group_id", req.BillingGroupID)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, apperr.Validation("amount", "must_be_positive", "amount must be greater than zero")
	}
	processorType := strings.ToLower(strings.TrimSpace(req.Processor))
	if processorType == "" {
		return nil, apperr.Validation("processor", "required", "processor is required")
	}
	mode := processordomain.Mode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if mode == "" {
		mode = processordomain.ModeTest
	}
	if !mode.Valid() {
		return nil, apperr.Validation("mode", "invalid", "mode must be test or live")
	}
	currency := ""
	if strings.TrimSpace(req.Currency) != "" {
		if currency, err = money.NormalizeCurrency(req.Currency); err != nil {
			return nil, apperr.Validation("currency", "invalid", err.Error())
		}
	}

	clientKey := strings.TrimSpace(req.IdempotencyKey)
	if clientKey != "" {
		key := intentKey(orgID, tabID, clientKey)
		existing, err := s.repo.FindPaymentByIdempotencyKey(ctx, s.db, orgID, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.resumeIntent(ctx, existing, req.Description)
		}
	}

	loaded, err := s.loader.Load(ctx, orgID, processorType, mode)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	payment := domain.Payment{
		ID:                  s.genID.Generate(),
		OrgID:               orgID,
		TabID:               tabID,
		InvoiceID:           invoiceID,
		BillingGroupID:      groupID,
		MerchantProcessorID: loaded.Config.ID,
		Processor:           processorType,
		Amount:              req.Amount,
		Status:              domain.PaymentStatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	payment.IdempotencyKey = intentKey(orgID, tabID, clientKey)
	if clientKey == "" {
		payment.IdempotencyKey = intentKey(orgID, tabID, payment.ID.String())
	}

	var existing *domain.Payment
	err = s.withTabLock(ctx, tabID, func(tx *gorm.DB, tab *tabdomain.Tab) error {
		if tab.OrgID != orgID {
			return apperr.NotFound("tab", tabID.String())
		}
		if tab.Status == tabdomain.TabStatusVoid {
			return apperr.Conflict("tab is void", "tab:"+tab.ID.String())
		}
		if currency != "" && currency != tab.Currency {
			return apperr.CurrencyMismatch(tab.Currency, currency)
		}
		payment.Currency = tab.Currency

		due, err := s.balanceDue(ctx, tx, tab, &payment)
		if err != nil {
			return err
		}
		if req.Amount > due {
			return apperr.Validation("amount", "exceeds_balance",
				fmt.Sprintf("amount %s exceeds balance due %s",
					money.FormatMajor(req.Amount, tab.Currency),
					money.FormatMajor(due, tab.Currency),
				))
		}

		inserted, err := s.repo.InsertPayment(ctx, tx, &payment)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err = s.repo.FindPaymentByIdempotencyKey(ctx, tx, orgID, payment.IdempotencyKey)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.resumeIntent(ctx, existing, req.Description)
	}

	s.log.Info("payment intent recorded",
		zap.String("payment_id", payment.ID.String()),
		zap.String("tab_id", tabID.String()),
		zap.String("processor", processorType),
		zap.Int64("amount", payment.Amount),
	)
	return s.requestIntent(ctx, loaded, &payment, req.Description)
}

// resumeIntent answers a retried create. A pending payment repeats the
// provider call under the same key, which the provider deduplicates.
func (s *Service) resumeIntent(ctx context.Context, payment *domain.Payment, description string) (*domain.IntentResult, error) {
	if payment.Status != domain.PaymentStatusPending {
		return &domain.IntentResult{Payment: *payment}, nil
	}
	loaded, err := s.loader.LoadByID(ctx, payment.OrgID, payment.MerchantProcessorID)
	if err != nil {
		return nil, err
	}
	return s.requestIntent(ctx, loaded, payment, description)
}

func (s *Service) requestIntent(ctx context.Context, loaded *processordomain.Loaded, payment *domain.Payment, description string) (*domain.IntentResult, error) {
	var intent *domain.Intent
	err := s.call(ctx, payment.Processor, "create_intent", func(ctx context.Context) error {
		var err error
		intent, err = loaded.Adapter.CreatePaymentIntent(ctx, domain.IntentRequest{
			Amount:         payment.Amount,
			Currency:       payment.Currency,
			Reference:      payment.ID.String(),
			Description:    description,
			Metadata:       paymentMetadata(payment),
			IdempotencyKey: payment.IdempotencyKey,
		})
		return err
	})
	if err != nil {
		return nil, s.handleCallError(ctx, payment, "create_intent", err)
	}

	var stored *domain.Payment
	err = s.withPaymentLock(ctx, payment, func(tx *gorm.DB, p *domain.Payment) error {
		changed := false
		if p.ProviderIntentID == "" && intent.ID != "" {
			p.ProviderIntentID = intent.ID
			changed = true
		}
		if p.ProviderChargeID == "" && intent.ChargeID != "" {
			p.ProviderChargeID = intent.ChargeID
			changed = true
		}
		if changed {
			p.UpdatedAt = s.clock.Now()
			if err := s.repo.UpdatePayment(ctx, tx, p); err != nil {
				return err
			}
		}
		stored = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &domain.IntentResult{Payment: *stored, ClientSecret: intent.ClientSecret}, nil
}

// ConfirmPaymentIntent confirms a pending intent with a payment method. A
// confirmation that reports captured funds is reconciled right away through
// the same path as a webhook, so the later webhook is a no-op.
func (s *Service) ConfirmPaymentIntent(ctx context.Context, req domain.ConfirmIntentRequest) (*domain.Payment, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	paymentID, err := parseID("payment_id", req.PaymentID)
	if err != nil {
		return nil, err
	}
	payment, err := s.findPayment(ctx, orgID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentStatusPending {
		return nil, apperr.Conflict("payment is "+string(payment.Status), "payment:"+payment.ID.String())
	}
	if payment.ProviderIntentID == "" {
		return nil, apperr.Conflict("payment has no provider intent yet", "payment:"+payment.ID.String())
	}

	loaded, err := s.loader.LoadByID(ctx, orgID, payment.MerchantProcessorID)
	if err != nil {
		return nil, err
	}

	var intent *domain.Intent
	err = s.call(ctx, payment.Processor, "confirm_intent", func(ctx context.Context) error {
		var err error
		intent, err = loaded.Adapter.ConfirmPaymentIntent(ctx, domain.ConfirmRequest{
			IntentID:       payment.ProviderIntentID,
			PaymentMethod:  strings.TrimSpace(req.PaymentMethod),
			Amount:         payment.Amount,
			Currency:       payment.Currency,
			Reference:      payment.ID.String(),
			IdempotencyKey: payment.IdempotencyKey + ":confirm",
		})
		return err
	})
	if err != nil {
		return nil, s.handleCallError(ctx, payment, "confirm_intent", err)
	}

	if _, ok := capturedStatuses[strings.ToLower(intent.Status)]; ok {
		_, err := s.ApplyEvent(ctx, orgID, &domain.PaymentEvent{
			Processor:         payment.Processor,
			EventID:           "sync_" + payment.ID.String() + "_succeeded",
			Type:              domain.EventTypeSucceeded,
			CorrelationID:     payment.ID.String(),
			ProviderPaymentID: intent.ID,
			ProviderChargeID:  intent.ChargeID,
			Amount:            payment.Amount,
			Currency:          payment.Currency,
			OccurredAt:        s.clock.Now(),
		})
		if err != nil {
			return nil, err
		}
	} else if intent.ChargeID != "" {
		err := s.withPaymentLock(ctx, payment, func(tx *gorm.DB, p *domain.Payment) error {
			if p.ProviderChargeID != "" {
				return nil
			}
			p.ProviderChargeID = intent.ChargeID
			p.UpdatedAt = s.clock.Now()
			return s.repo.UpdatePayment(ctx, tx, p)
		})
		if err != nil {
			return nil, err
		}
	}
	return s.findPayment(ctx, orgID, paymentID)
}

// Refund asks the processor to return money. The balance only moves when
// the provider's refund event arrives.
func (s *Service) Refund(ctx context.Context, req domain.RefundPaymentRequest) (*domain.RefundResult, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	paymentID, err := parseID("payment_id", req.PaymentID)
	if err != nil {
		return nil, err
	}
	payment, err := s.findPayment(ctx, orgID, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Disputed && payment.DisputeStatus == domain.DisputeStatusOpen {
		return nil, apperr.Conflict("payment has an open dispute", "dispute:"+payment.ID.String())
	}
	if payment.CapturedAmount <= 0 {
		return nil, apperr.Conflict("payment has not captured funds", "payment:"+payment.ID.String())
	}
	refundable := payment.Refundable()
	if refundable <= 0 {
		return nil, apperr.Conflict("payment is fully refunded", "payment:"+payment.ID.String())
	}
	amount := req.Amount
	if amount < 0 {
		return nil, apperr.Validation("amount", "must_be_positive", "amount must be greater than zero")
	}
	if amount == 0 {
		amount = refundable
	}
	if amount > refundable {
		return nil, apperr.Validation("amount", "exceeds_refundable",
			fmt.Sprintf("amount %s exceeds refundable %s",
				money.FormatMajor(amount, payment.Currency),
				money.FormatMajor(refundable, payment.Currency),
			))
	}

	loaded, err := s.loader.LoadByID(ctx, orgID, payment.MerchantProcessorID)
	if err != nil {
		return nil, err
	}

	key := uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("refund:%s:%d:%d", payment.ID, payment.RefundedAmount, amount))).String()
	var result *domain.RefundResult
	err = s.call(ctx, payment.Processor, "refund", func(ctx context.Context) error {
		var err error
		result, err = loaded.Adapter.Refund(ctx, domain.RefundRequest{
			IntentID:       payment.ProviderIntentID,
			ChargeID:       payment.ProviderChargeID,
			Amount:         amount,
			Currency:       payment.Currency,
			Reference:      payment.ID.String(),
			IdempotencyKey: key,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("refund requested",
		zap.String("payment_id", payment.ID.String()),
		zap.String("refund_id", result.ID),
		zap.Int64("amount", amount),
		zap.String("reason", req.Reason),
	)
	return result, nil
}

// balanceDue is the most a new payment may collect: the tab balance, capped
// by the invoice balance and the group's outstanding share when targeted.
func (s *Service) balanceDue(ctx context.Context, tx *gorm.DB, tab *tabdomain.Tab, payment *domain.Payment) (int64, error) {
	due := tab.BalanceDue()

	if payment.InvoiceID != nil {
		inv, err := s.invoiceRepo.FindForUpdate(ctx, tx, *payment.InvoiceID)
		if err != nil {
			return 0, err
		}
		if inv == nil || inv.OrgID != tab.OrgID || inv.TabID != tab.ID {
			return 0, apperr.NotFound("invoice", payment.InvoiceID.String())
		}
		if inv.Status == invoicedomain.InvoiceStatusVoid {
			return 0, apperr.Conflict("invoice is void", "invoice:"+inv.ID.String())
		}
		due = min(due, inv.BalanceDue())
		if payment.BillingGroupID == nil && inv.BillingGroupID != nil {
			groupID := *inv.BillingGroupID
			payment.BillingGroupID = &groupID
		}
	}

	if payment.BillingGroupID != nil {
		outstanding, err := s.groupOutstanding(ctx, tx, tab, *payment.BillingGroupID)
		if err != nil {
			return 0, err
		}
		due = min(due, outstanding)
	}
	return max(due, 0), nil
}

// groupOutstanding is the group's items with tax, less what the group's
// payments already contribute.
func (s *Service) groupOutstanding(ctx context.Context, tx *gorm.DB, tab *tabdomain.Tab, groupID snowflake.ID) (int64, error) {
	group, err := s.groupRepo.FindGroup(ctx, tx, tab.OrgID, groupID)
	if err != nil {
		return 0, err
	}
	if group == nil || group.TabID == nil || *group.TabID != tab.ID {
		return 0, apperr.NotFound("billing_group", groupID.String())
	}

	totals, err := s.groupRepo.GroupTotals(ctx, tx, tab.ID)
	if err != nil {
		return 0, err
	}
	var subtotal int64
	for _, total := range totals {
		if total.BillingGroupID == groupID {
			subtotal = total.Amount
		}
	}
	tax, err := money.ApplyTax(money.New(subtotal, tab.Currency), tab.TaxRate)
	if err != nil {
		return 0, err
	}
	paid, err := s.repo.GroupContribution(ctx, tx, groupID)
	if err != nil {
		return 0, err
	}
	return max(subtotal+tax.Minor-paid, 0), nil
}

// handleCallError marks the payment failed when the provider definitively
// refused. Anything else leaves it pending for the webhook to settle.
func (s *Service) handleCallError(ctx context.Context, payment *domain.Payment, op string, callErr error) error {
	var pErr *apperr.ProcessorError
	if !errors.As(callErr, &pErr) || pErr.Outcome != apperr.OutcomeFailed {
		s.log.Warn("processor outcome unknown, payment stays pending",
			zap.String("payment_id", payment.ID.String()),
			zap.String("op", op),
			zap.Error(callErr),
		)
		return callErr
	}

	err := s.withPaymentLock(ctx, payment, func(tx *gorm.DB, p *domain.Payment) error {
		if p.Status != domain.PaymentStatusPending {
			return nil
		}
		p.Status = domain.PaymentStatusFailed
		p.FailureReason = pErr.Message
		p.UpdatedAt = s.clock.Now()
		return s.repo.UpdatePayment(ctx, tx, p)
	})
	if err != nil {
		s.log.Error("failed to mark payment failed",
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err),
		)
	}
	return callErr
}

// call runs one outbound provider request and records its latency.
func (s *Service) call(ctx context.Context, processor, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.OutcomeFailed)
		if apperr.IsUnknownOutcome(err) {
			outcome = string(apperr.OutcomeUnknown)
		}
	}
	s.obsMetrics.RecordProcessorCall(ctx, processor, op, outcome, time.Since(start))
	return err
}

func intentKey(orgID, tabID snowflake.ID, key string) string {
	return uuid.NewSHA1(keyNamespace, []byte(fmt.Sprintf("intent:%s:%s:%s", orgID, tabID, key))).String()
}

func paymentMetadata(p *domain.Payment) map[string]string {
	md := map[string]string{
		"payment_id": p.ID.String(),
		"tab_id":     p.TabID.String(),
		"org_id":     p.OrgID.String(),
	}
	if p.InvoiceID != nil {
		md["invoice_id"] = p.InvoiceID.String()
	}
	if p.BillingGroupID != nil {
		md["billing_group_id"] = p.BillingGroupID.String()
	}
	return md
}
