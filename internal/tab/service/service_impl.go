package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/clock"
	"github.com/smallbiznis/folio/internal/money"
	"github.com/smallbiznis/folio/internal/orgcontext"
	"github.com/smallbiznis/folio/internal/payment/locker"
	"github.com/smallbiznis/folio/internal/protection"
	"github.com/smallbiznis/folio/internal/tab/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Guard    *protection.Guard
	Locker   *locker.TabLocker
	Assigner domain.Assigner `optional:"true"`
	Clock    clock.Clock     `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	guard    *protection.Guard
	locker   *locker.TabLocker
	assigner domain.Assigner
	clock    clock.Clock
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("tab.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		guard:    p.Guard,
		locker:   p.Locker,
		assigner: p.Assigner,
		clock:    clk,
	}
}

func (s *Service) CreateTab(ctx context.Context, req domain.CreateTabRequest) (domain.Tab, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return domain.Tab{}, err
	}
	tab, err := s.newTab(orgID, req)
	if err != nil {
		return domain.Tab{}, err
	}
	if err := s.repo.InsertTab(ctx, s.db, &tab); err != nil {
		return domain.Tab{}, err
	}
	return tab, nil
}

func (s *Service) newTab(orgID snowflake.ID, req domain.CreateTabRequest) (domain.Tab, error) {
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return domain.Tab{}, apperr.Validation("currency", "invalid", err.Error())
	}

	timezone := strings.TrimSpace(req.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return domain.Tab{}, apperr.Validation("timezone", "invalid", "unknown time zone")
	}

	rate := decimal.Zero
	if raw := strings.TrimSpace(req.TaxRate); raw != "" {
		rate, err = decimal.NewFromString(raw)
		if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return domain.Tab{}, apperr.Validation("tax_rate", "invalid", "tax_rate must be a fraction between 0 and 1")
		}
	}

	now := s.clock.Now()
	return domain.Tab{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		Currency:      currency,
		Timezone:      timezone,
		TaxRate:       rate,
		Status:        domain.TabStatusOpen,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *Service) GetTab(ctx context.Context, id string) (domain.TabDetail, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return domain.TabDetail{}, err
	}
	tab, err := s.findTab(ctx, orgID, id)
	if err != nil {
		return domain.TabDetail{}, err
	}
	items, err := s.repo.ListLineItems(ctx, s.db, tab.ID)
	if err != nil {
		return domain.TabDetail{}, err
	}
	// Items whose assignment failed earlier get another attempt on read.
	for i := range items {
		if items[i].AssignmentStatus == domain.AssignmentEvaluating {
			items[i] = s.assign(ctx, orgID, items[i])
		}
	}
	return domain.TabDetail{Tab: *tab, LineItems: items}, nil
}

// VoidTab closes an unpaid or partially paid tab for good.
func (s *Service) VoidTab(ctx context.Context, id string) (domain.Tab, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return domain.Tab{}, err
	}
	tab, err := s.findTab(ctx, orgID, id)
	if err != nil {
		return domain.Tab{}, err
	}

	var out domain.Tab
	err = s.withTabLock(ctx, tab.ID, func(tx *gorm.DB, locked *domain.Tab) error {
		switch locked.Status {
		case domain.TabStatusOpen, domain.TabStatusPartial:
		default:
			return apperr.Conflict("tab cannot be voided in status "+string(locked.Status), "tab:"+locked.ID.String())
		}
		locked.Status = domain.TabStatusVoid
		locked.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateTab(ctx, tx, locked); err != nil {
			return err
		}
		out = *locked
		return nil
	})
	if err != nil {
		return domain.Tab{}, err
	}
	s.log.Info("tab voided", zap.String("tab_id", out.ID.String()))
	return out, nil
}

// DeleteTab hard-deletes a tab that never saw a payment or an invoice.
func (s *Service) DeleteTab(ctx context.Context, id string) error {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return err
	}
	tab, err := s.findTab(ctx, orgID, id)
	if err != nil {
		return err
	}

	return s.withTabLock(ctx, tab.ID, func(tx *gorm.DB, locked *domain.Tab) error {
		payments, err := s.repo.CountPayments(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if payments > 0 {
			return apperr.Conflict("tab has payments", "tab:"+locked.ID.String())
		}
		invoices, err := s.repo.CountInvoices(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if invoices > 0 {
			return apperr.Conflict("tab has invoices", "tab:"+locked.ID.String())
		}
		return s.repo.DeleteTab(ctx, tx, orgID, locked.ID)
	})
}

// AddLineItem appends an item, opening a tab first when none is given, and
// then runs rule assignment on the committed item.
func (s *Service) AddLineItem(ctx context.Context, req domain.AddLineItemRequest) (domain.LineItem, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return domain.LineItem{}, err
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		return domain.LineItem{}, apperr.Validation("description", "required", "description is required")
	}
	if req.Quantity <= 0 {
		return domain.LineItem{}, apperr.Validation("quantity", "invalid", "quantity must be positive")
	}
	if req.UnitPrice <= 0 {
		return domain.LineItem{}, apperr.Validation("unit_price", "invalid", "unit_price must be positive")
	}
	if _, err := money.MulQuantity(req.UnitPrice, req.Quantity); err != nil {
		return domain.LineItem{}, apperr.Validation("quantity", "overflow", err.Error())
	}

	var tabID snowflake.ID
	if strings.TrimSpace(req.TabID) == "" {
		tab, err := s.CreateTab(ctx, domain.CreateTabRequest{Currency: req.Currency, Timezone: req.Timezone})
		if err != nil {
			return domain.LineItem{}, err
		}
		tabID = tab.ID
	} else {
		tab, err := s.findTab(ctx, orgID, req.TabID)
		if err != nil {
			return domain.LineItem{}, err
		}
		tabID = tab.ID
	}

	status := domain.AssignmentUnassigned
	if s.assigner != nil {
		status = domain.AssignmentEvaluating
	}
	now := s.clock.Now()
	item := domain.LineItem{
		ID:               s.genID.Generate(),
		OrgID:            orgID,
		TabID:            tabID,
		Description:      description,
		Quantity:         req.Quantity,
		UnitPrice:        req.UnitPrice,
		Category:         strings.TrimSpace(req.Category),
		Metadata:         datatypes.JSONMap(req.Metadata),
		AssignmentStatus: status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.withTabLock(ctx, tabID, func(tx *gorm.DB, locked *domain.Tab) error {
		if locked.Status == domain.TabStatusVoid {
			return apperr.Conflict("tab is void", "tab:"+locked.ID.String())
		}
		if err := s.repo.InsertLineItem(ctx, tx, &item); err != nil {
			return err
		}
		return s.recompute(ctx, tx, locked)
	})
	if err != nil {
		return domain.LineItem{}, err
	}

	return s.assign(ctx, orgID, item), nil
}

func (s *Service) UpdateLineItem(ctx context.Context, id string, req domain.UpdateLineItemRequest) (domain.LineItem, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return domain.LineItem{}, err
	}
	item, err := s.findLineItem(ctx, s.db, orgID, id)
	if err != nil {
		return domain.LineItem{}, err
	}
	if err := validatePatch(req); err != nil {
		return domain.LineItem{}, err
	}

	var (
		updated domain.LineItem
		guarded protection.Result
	)
	err = s.withTabLock(ctx, item.TabID, func(tx *gorm.DB, locked *domain.Tab) error {
		current, err := s.findLineItem(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if guarded, err = s.checkProtection(ctx, tx, current.ID, req.Force); err != nil {
			return err
		}
		if req.Description != nil {
			current.Description = strings.TrimSpace(*req.Description)
		}
		if req.Quantity != nil {
			current.Quantity = *req.Quantity
		}
		if req.UnitPrice != nil {
			current.UnitPrice = *req.UnitPrice
		}
		if req.Category != nil {
			current.Category = strings.TrimSpace(*req.Category)
		}
		if req.Metadata != nil {
			current.Metadata = datatypes.JSONMap(req.Metadata)
		}
		if _, err := current.Total(); err != nil {
			return apperr.Validation("quantity", "overflow", err.Error())
		}
		current.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateLineItem(ctx, tx, current); err != nil {
			return err
		}
		updated = *current
		return s.recompute(ctx, tx, locked)
	})
	if err != nil {
		return domain.LineItem{}, err
	}

	// A forced edit keeps the item where it was billed.
	if guarded.Protected {
		s.log.Warn("protected line item updated with force",
			zap.String("line_item_id", updated.ID.String()),
			zap.Strings("reasons", reasonStrings(guarded)),
		)
		return updated, nil
	}
	return s.assign(ctx, orgID, updated), nil
}

func (s *Service) DeleteLineItem(ctx context.Context, id string, force bool) error {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return err
	}
	item, err := s.findLineItem(ctx, s.db, orgID, id)
	if err != nil {
		return err
	}

	var guarded protection.Result
	err = s.withTabLock(ctx, item.TabID, func(tx *gorm.DB, locked *domain.Tab) error {
		if guarded, err = s.checkProtection(ctx, tx, item.ID, force); err != nil {
			return err
		}
		if err := s.repo.DeleteLineItem(ctx, tx, item.ID); err != nil {
			return err
		}
		return s.recompute(ctx, tx, locked)
	})
	if err != nil {
		return err
	}

	if guarded.Protected {
		s.log.Warn("protected line item deleted with force",
			zap.String("line_item_id", item.ID.String()),
			zap.Strings("reasons", reasonStrings(guarded)),
		)
	}
	return nil
}

func (s *Service) LineItemProtection(ctx context.Context, id string) (protection.Result, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return protection.Result{}, err
	}
	item, err := s.findLineItem(ctx, s.db, orgID, id)
	if err != nil {
		return protection.Result{}, err
	}
	return s.guard.IsProtected(ctx, s.db, item.ID)
}

func (s *Service) ReassignLineItem(ctx context.Context, id string) (domain.LineItem, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return domain.LineItem{}, err
	}
	item, err := s.findLineItem(ctx, s.db, orgID, id)
	if err != nil {
		return domain.LineItem{}, err
	}
	if s.assigner == nil {
		return *item, nil
	}

	// A billed item stays in the group it was billed under.
	result, err := s.guard.IsProtected(ctx, s.db, item.ID)
	if err != nil {
		return domain.LineItem{}, err
	}
	if result.Protected {
		return domain.LineItem{}, result.Err()
	}

	if err := s.assigner.AssignLineItem(ctx, orgID, item.ID); err != nil {
		return domain.LineItem{}, err
	}
	reloaded, err := s.findLineItem(ctx, s.db, orgID, id)
	if err != nil {
		return domain.LineItem{}, err
	}
	return *reloaded, nil
}

// checkProtection consults the guard and refuses protected items unless
// force is set. It must run under the tab lock so no capture can land
// between the check and the write.
func (s *Service) checkProtection(ctx context.Context, tx *gorm.DB, lineItemID snowflake.ID, force bool) (protection.Result, error) {
	result, err := s.guard.IsProtected(ctx, tx, lineItemID)
	if err != nil {
		return protection.Result{}, err
	}
	if result.Protected && !force {
		return result, result.Err()
	}
	return result, nil
}

// withTabLock serializes fn against every other writer of the tab: the
// in-process (and optionally Redis) lock first, then a row lock inside the
// transaction.
func (s *Service) withTabLock(ctx context.Context, tabID snowflake.ID, fn func(tx *gorm.DB, tab *domain.Tab) error) error {
	unlock, err := s.locker.Lock(ctx, tabID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tab, err := s.repo.FindTabForUpdate(ctx, tx, tabID)
		if err != nil {
			return err
		}
		if tab == nil {
			return apperr.NotFound("tab", tabID.String())
		}
		return fn(tx, tab)
	})
	if errors.Is(err, domain.ErrConcurrentModification) {
		return apperr.Conflict("tab was modified concurrently", "tab:"+tabID.String())
	}
	return err
}

// recompute rederives the tab totals from its current items and persists
// them.
func (s *Service) recompute(ctx context.Context, tx *gorm.DB, tab *domain.Tab) error {
	items, err := s.repo.ListLineItems(ctx, tx, tab.ID)
	if err != nil {
		return err
	}
	if err := tab.RecomputeTotals(items); err != nil {
		return err
	}
	tab.UpdatedAt = s.clock.Now()
	return s.repo.UpdateTab(ctx, tx, tab)
}

// assign runs rule assignment and returns the item as stored afterwards.
// A failure is logged and leaves the item evaluating, to be retried by
// GetTab or ReassignLineItem.
func (s *Service) assign(ctx context.Context, orgID snowflake.ID, item domain.LineItem) domain.LineItem {
	if s.assigner == nil {
		return item
	}
	if err := s.assigner.AssignLineItem(ctx, orgID, item.ID); err != nil {
		s.log.Warn("line item assignment failed",
			zap.String("line_item_id", item.ID.String()),
			zap.Error(err),
		)
		return item
	}
	reloaded, err := s.repo.FindLineItem(ctx, s.db, orgID, item.ID)
	if err != nil || reloaded == nil {
		return item
	}
	return *reloaded
}

func (s *Service) findTab(ctx context.Context, orgID snowflake.ID, id string) (*domain.Tab, error) {
	tabID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, apperr.Validation("tab_id", "invalid", "invalid tab id")
	}
	tab, err := s.repo.FindTab(ctx, s.db, orgID, tabID)
	if err != nil {
		return nil, err
	}
	if tab == nil {
		return nil, apperr.NotFound("tab", id)
	}
	return tab, nil
}

func (s *Service) findLineItem(ctx context.Context, db *gorm.DB, orgID snowflake.ID, id string) (*domain.LineItem, error) {
	itemID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, apperr.Validation("line_item_id", "invalid", "invalid line item id")
	}
	item, err := s.repo.FindLineItem(ctx, db, orgID, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.NotFound("line_item", id)
	}
	return item, nil
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	return orgID, nil
}

func validatePatch(req domain.UpdateLineItemRequest) error {
	if req.Description != nil && strings.TrimSpace(*req.Description) == "" {
		return apperr.Validation("description", "required", "description must not be empty")
	}
	if req.Quantity != nil && *req.Quantity <= 0 {
		return apperr.Validation("quantity", "invalid", "quantity must be positive")
	}
	if req.UnitPrice != nil && *req.UnitPrice <= 0 {
		return apperr.Validation("unit_price", "invalid", "unit_price must be positive")
	}
	return nil
}

func reasonStrings(r protection.Result) []string {
	out := make([]string, 0, len(r.Reasons))
	for _, reason := range r.Reasons {
		out = append(out, reason.String())
	}
	return out
}
