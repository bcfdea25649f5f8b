package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/apperr"
	bgdomain "github.com/smallbiznis/folio/internal/billinggroup/domain"
	"github.com/smallbiznis/folio/internal/clock"
	invoicedomain "github.com/smallbiznis/folio/internal/invoice/domain"
	"github.com/smallbiznis/folio/internal/invoice/format"
	"github.com/smallbiznis/folio/internal/money"
	"github.com/smallbiznis/folio/internal/orgcontext"
	"github.com/smallbiznis/folio/internal/payment/locker"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	"github.com/smallbiznis/folio/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Invoice numbers race on the per-org sequence; a lost race retries.
const maxSequenceAttempts = 3

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      invoicedomain.Repository
	TabRepo   tabdomain.Repository
	GroupRepo bgdomain.Repository
	Locker    *locker.TabLocker
	Publisher invoicedomain.Publisher `optional:"true"`
	Clock     clock.Clock             `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      invoicedomain.Repository
	tabRepo   tabdomain.Repository
	groupRepo bgdomain.Repository
	locker    *locker.TabLocker
	publisher invoicedomain.Publisher
	clock     clock.Clock
}

func NewService(p ServiceParam) invoicedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = NewLogPublisher(p.Log)
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		tabRepo:   p.TabRepo,
		groupRepo: p.GroupRepo,
		locker:    p.Locker,
		publisher: publisher,
		clock:     clk,
	}
}

// Create snapshots the tab, or one of its billing groups, into a draft
// invoice. A group invoice only carries items assigned to the group.
func (s *Service) Create(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.InvoiceDetail, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}
	tabID, err := parseID(req.TabID)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, apperr.Validation("tab_id", "invalid", "invalid tab id")
	}
	tab, err := s.tabRepo.FindTab(ctx, s.db, orgID, tabID)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}
	if tab == nil {
		return invoicedomain.InvoiceDetail{}, apperr.NotFound("tab", req.TabID)
	}
	if req.DueInDays < 0 {
		return invoicedomain.InvoiceDetail{}, apperr.Validation("due_in_days", "invalid", "due_in_days must not be negative")
	}

	var group *bgdomain.BillingGroup
	if strings.TrimSpace(req.BillingGroupID) != "" {
		groupID, err := parseID(req.BillingGroupID)
		if err != nil {
			return invoicedomain.InvoiceDetail{}, apperr.Validation("billing_group_id", "invalid", "invalid billing group id")
		}
		group, err = s.groupRepo.FindGroup(ctx, s.db, orgID, groupID)
		if err != nil {
			return invoicedomain.InvoiceDetail{}, err
		}
		if group == nil || group.TabID == nil || *group.TabID != tab.ID {
			return invoicedomain.InvoiceDetail{}, apperr.NotFound("billing_group", req.BillingGroupID)
		}
	}

	unlock, err := s.locker.Lock(ctx, tab.ID)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}
	defer unlock()

	var detail invoicedomain.InvoiceDetail
	for attempt := 1; ; attempt++ {
		detail, err = s.create(ctx, orgID, tab.ID, group, req)
		if err == nil || !db.IsDuplicateKeyErr(err) || attempt >= maxSequenceAttempts {
			break
		}
		s.log.Debug("invoice sequence taken, retrying", zap.Int("attempt", attempt))
	}
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}

	s.log.Info("invoice created",
		zap.String("invoice_id", detail.Invoice.ID.String()),
		zap.String("invoice_number", detail.Invoice.InvoiceNumber),
		zap.Int64("total_amount", detail.Invoice.TotalAmount),
	)
	return detail, nil
}

func (s *Service) create(ctx context.Context, orgID, tabID snowflake.ID, group *bgdomain.BillingGroup, req invoicedomain.CreateInvoiceRequest) (invoicedomain.InvoiceDetail, error) {
	var detail invoicedomain.InvoiceDetail
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tab, err := s.tabRepo.FindTabForUpdate(ctx, tx, tabID)
		if err != nil {
			return err
		}
		if tab == nil {
			return apperr.NotFound("tab", tabID.String())
		}
		if tab.Status == tabdomain.TabStatusVoid {
			return apperr.Conflict("tab is void", "tab:"+tab.ID.String())
		}

		items, err := s.tabRepo.ListLineItems(ctx, tx, tab.ID)
		if err != nil {
			return err
		}
		var groupID *snowflake.ID
		if group != nil {
			live, err := s.repo.CountLiveForGroup(ctx, tx, group.ID)
			if err != nil {
				return err
			}
			if live > 0 {
				return apperr.Conflict("billing group already invoiced", "billing_group:"+group.ID.String())
			}
			items = groupItems(items, group.ID)
			groupID = &group.ID
		}
		if len(items) == 0 {
			return apperr.Validation("line_items", "empty", "nothing to invoice")
		}

		now := s.clock.Now()
		seq, err := s.repo.NextSequence(ctx, tx, orgID)
		if err != nil {
			return err
		}
		number, err := format.FormatInvoiceNumber(format.DefaultInvoiceNumberTemplate, now, seq)
		if err != nil {
			return err
		}

		invoice := invoicedomain.Invoice{
			ID:             s.genID.Generate(),
			OrgID:          orgID,
			TabID:          tab.ID,
			BillingGroupID: groupID,
			InvoiceNumber:  number,
			Sequence:       seq,
			Currency:       tab.Currency,
			Status:         invoicedomain.InvoiceStatusDraft,
			PaymentTerms:   strings.TrimSpace(req.PaymentTerms),
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if req.DueInDays > 0 {
			due := now.AddDate(0, 0, req.DueInDays)
			invoice.DueAt = &due
		}

		lines := make([]invoicedomain.InvoiceLineItem, 0, len(items))
		amounts := make([]money.Amount, 0, len(items))
		for _, item := range items {
			amount, err := item.Total()
			if err != nil {
				return err
			}
			amounts = append(amounts, money.New(amount, tab.Currency))
			lines = append(lines, invoicedomain.InvoiceLineItem{
				ID:          s.genID.Generate(),
				OrgID:       orgID,
				InvoiceID:   invoice.ID,
				LineItemID:  item.ID,
				Description: item.Description,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
				Amount:      amount,
				CreatedAt:   now,
			})
		}
		subtotal, err := money.Sum(amounts...)
		if err != nil {
			return err
		}
		tax, err := money.ApplyTax(subtotal, tab.TaxRate)
		if err != nil {
			return err
		}
		total, err := subtotal.Add(tax)
		if err != nil {
			return err
		}
		invoice.SubtotalAmount = subtotal.Minor
		invoice.TaxAmount = tax.Minor
		invoice.TotalAmount = total.Minor

		if err := s.repo.Insert(ctx, tx, &invoice); err != nil {
			return err
		}
		for i := range lines {
			if err := s.repo.InsertLine(ctx, tx, &lines[i]); err != nil {
				return err
			}
		}
		detail = invoicedomain.InvoiceDetail{Invoice: invoice, LineItems: lines}
		return nil
	})
	return detail, err
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.InvoiceDetail, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}
	invoice, err := s.find(ctx, orgID, id)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}
	lines, err := s.repo.ListLines(ctx, s.db, invoice.ID)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}
	return invoicedomain.InvoiceDetail{Invoice: *invoice, LineItems: lines}, nil
}

// MarkSent finalizes a draft. From here on its line items are protected.
func (s *Service) MarkSent(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	current, err := s.find(ctx, orgID, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	sent, err := s.transition(ctx, current.ID, func(invoice *invoicedomain.Invoice, now time.Time) error {
		if invoice.Status != invoicedomain.InvoiceStatusDraft {
			return apperr.Conflict("invoice is not a draft", "invoice:"+invoice.ID.String())
		}
		invoice.SentAt = &now
		invoice.RecomputeStatus(now)
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	lines, err := s.repo.ListLines(ctx, s.db, sent.ID)
	if err != nil {
		s.log.Warn("load invoice lines for publishing", zap.String("invoice_id", sent.ID.String()), zap.Error(err))
		return sent, nil
	}
	if err := s.publisher.PublishInvoice(ctx, invoicedomain.InvoiceDetail{Invoice: sent, LineItems: lines}); err != nil {
		s.log.Warn("publish invoice", zap.String("invoice_id", sent.ID.String()), zap.Error(err))
	}
	return sent, nil
}

// Void cancels an invoice that has not collected anything.
func (s *Service) Void(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	current, err := s.find(ctx, orgID, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	return s.transition(ctx, current.ID, func(invoice *invoicedomain.Invoice, _ time.Time) error {
		switch {
		case invoice.Status == invoicedomain.InvoiceStatusVoid:
			return apperr.Conflict("invoice is already void", "invoice:"+invoice.ID.String())
		case invoice.PaidAmount > 0:
			return apperr.Conflict("invoice has payments", "invoice:"+invoice.ID.String())
		}
		invoice.Status = invoicedomain.InvoiceStatusVoid
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, fn func(*invoicedomain.Invoice, time.Time) error) (invoicedomain.Invoice, error) {
	var out invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.FindForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice == nil {
			return apperr.NotFound("invoice", id.String())
		}
		now := s.clock.Now()
		if err := fn(invoice, now); err != nil {
			return err
		}
		invoice.UpdatedAt = now
		if err := s.repo.UpdateState(ctx, tx, invoice); err != nil {
			return err
		}
		out = *invoice
		return nil
	})
	if errors.Is(err, invoicedomain.ErrConcurrentModification) {
		return invoicedomain.Invoice{}, apperr.Conflict("invoice was modified concurrently", "invoice:"+id.String())
	}
	return out, err
}

func (s *Service) find(ctx context.Context, orgID snowflake.ID, id string) (*invoicedomain.Invoice, error) {
	invoiceID, err := parseID(id)
	if err != nil {
		return nil, apperr.Validation("invoice_id", "invalid", "invalid invoice id")
	}
	invoice, err := s.repo.FindByID(ctx, s.db, orgID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, apperr.NotFound("invoice", id)
	}
	return invoice, nil
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, invoicedomain.ErrInvalidOrganization
	}
	return orgID, nil
}

// groupItems keeps the items a group is billed for. Items awaiting approval
// or rejected by a rule have no group and never match.
func groupItems(items []tabdomain.LineItem, groupID snowflake.ID) []tabdomain.LineItem {
	out := items[:0:0]
	for _, item := range items {
		if item.BillingGroupID == nil || *item.BillingGroupID != groupID {
			continue
		}
		switch item.AssignmentStatus {
		case tabdomain.AssignmentAssigned, tabdomain.AssignmentNotified:
			out = append(out, item)
		}
	}
	return out
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}
