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
	"github.com/smallbiznis/folio/internal/notification"
	obsmetrics "github.com/smallbiznis/folio/internal/observability/metrics"
	"github.com/smallbiznis/folio/internal/orgcontext"
	"github.com/smallbiznis/folio/internal/payment/domain"
	"github.com/smallbiznis/folio/internal/payment/locker"
	processordomain "github.com/smallbiznis/folio/internal/processor/domain"
	"github.com/smallbiznis/folio/internal/rollout"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	TabRepo     tabdomain.Repository
	InvoiceRepo invoicedomain.Repository
	GroupRepo   bgdomain.Repository
	Loader      processordomain.Loader
	Locker      *locker.TabLocker
	Publisher   notification.Publisher `optional:"true"`
	Flags       rollout.Source         `optional:"true"`
	Clock       clock.Clock            `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	tabRepo     tabdomain.Repository
	invoiceRepo invoicedomain.Repository
	groupRepo   bgdomain.Repository
	loader      processordomain.Loader
	locker      *locker.TabLocker
	publisher   notification.Publisher
	flags       rollout.Source
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
}

var (
	_ domain.PaymentService = (*Service)(nil)
	_ domain.Reconciler     = (*Service)(nil)
)

func New(p Params) *Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = notification.NoOpPublisher{}
	}
	flags := p.Flags
	if flags == nil {
		flags = rollout.NewStaticHolder(rollout.DefaultSnapshot())
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.reconciler"),
		genID:       p.GenID,
		repo:        p.Repo,
		tabRepo:     p.TabRepo,
		invoiceRepo: p.InvoiceRepo,
		groupRepo:   p.GroupRepo,
		loader:      p.Loader,
		locker:      p.Locker,
		publisher:   publisher,
		flags:       flags,
		clock:       clk,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	paymentID, err := parseID("payment_id", id)
	if err != nil {
		return nil, err
	}
	return s.findPayment(ctx, orgID, paymentID)
}

func (s *Service) ListPayments(ctx context.Context, tabID string) ([]domain.Payment, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("tab_id", tabID)
	if err != nil {
		return nil, err
	}
	tab, err := s.tabRepo.FindTab(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if tab == nil {
		return nil, apperr.NotFound("tab", id.String())
	}
	return s.repo.ListPaymentsByTab(ctx, s.db, orgID, id)
}

func (s *Service) ListAnomalies(ctx context.Context, limit int) ([]domain.Anomaly, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAnomalies(ctx, s.db, orgID, limit)
}

func (s *Service) findPayment(ctx context.Context, orgID, id snowflake.ID) (*domain.Payment, error) {
	payment, err := s.repo.FindPayment(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, apperr.NotFound("payment", id.String())
	}
	return payment, nil
}

// lockTab takes the per-tab lock and records the wait.
func (s *Service) lockTab(ctx context.Context, tabID snowflake.ID) (func(), error) {
	start := time.Now()
	unlock, err := s.locker.Lock(ctx, tabID)
	obsmetrics.Reconcile().ObserveTabLockWait(time.Since(start))
	return unlock, err
}

// withTabLock runs fn in a transaction holding both the tab lock and the
// tab row lock.
func (s *Service) withTabLock(ctx context.Context, tabID snowflake.ID, fn func(tx *gorm.DB, tab *tabdomain.Tab) error) error {
	unlock, err := s.lockTab(ctx, tabID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tab, err := s.tabRepo.FindTabForUpdate(ctx, tx, tabID)
		if err != nil {
			return err
		}
		if tab == nil {
			return apperr.NotFound("tab", tabID.String())
		}
		return fn(tx, tab)
	})
	return mapConcurrency(err, tabID)
}

// withPaymentLock locks the payment's tab, then the payment row.
func (s *Service) withPaymentLock(ctx context.Context, payment *domain.Payment, fn func(tx *gorm.DB, p *domain.Payment) error) error {
	return s.withTabLock(ctx, payment.TabID, func(tx *gorm.DB, _ *tabdomain.Tab) error {
		p, err := s.repo.FindPaymentForUpdate(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		if p == nil {
			return apperr.NotFound("payment", payment.ID.String())
		}
		return fn(tx, p)
	})
}

func mapConcurrency(err error, tabID snowflake.ID) error {
	if errors.Is(err, tabdomain.ErrConcurrentModification) || errors.Is(err, invoicedomain.ErrConcurrentModification) {
		return apperr.Conflict("tab was modified concurrently", "tab:"+tabID.String())
	}
	return err
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	return orgID, nil
}

func parseID(field, raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, apperr.Validation(field, "invalid", field+" is not a valid id")
	}
	return id, nil
}

func parseOptionalID(field, raw string) (*snowflake.ID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	id, err := parseID(field, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
