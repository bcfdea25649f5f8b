package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/smallbiznis/folio/internal/apperr"
	bgdomain "github.com/smallbiznis/folio/internal/billinggroup/domain"
	bgrepository "github.com/smallbiznis/folio/internal/billinggroup/repository"
	"github.com/smallbiznis/folio/internal/clock"
	"github.com/smallbiznis/folio/internal/dbtest"
	"github.com/smallbiznis/folio/internal/invoice/domain"
	"github.com/smallbiznis/folio/internal/invoice/repository"
	"github.com/smallbiznis/folio/internal/invoice/service"
	"github.com/smallbiznis/folio/internal/orgcontext"
	"github.com/smallbiznis/folio/internal/payment/locker"
	"github.com/smallbiznis/folio/internal/protection"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	tabrepository "github.com/smallbiznis/folio/internal/tab/repository"
)

const orgID = snowflake.ID(9)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type capturePublisher struct {
	mu       sync.Mutex
	invoices []domain.InvoiceDetail
}

func (p *capturePublisher) PublishInvoice(_ context.Context, detail domain.InvoiceDetail) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoices = append(p.invoices, detail)
	return nil
}

type fixture struct {
	db        *gorm.DB
	ctx       context.Context
	node      *snowflake.Node
	svc       domain.Service
	publisher *capturePublisher
	tab       tabdomain.Tab
	group     bgdomain.BillingGroup
	items     []tabdomain.LineItem
}

// newFixture builds a tab with 8% tax holding 10000 in the "Corp" group, plus
// 2500 unassigned and 400 rejected.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	publisher := &capturePublisher{}
	tabRepo := tabrepository.Provide()
	groupRepo := bgrepository.Provide()
	ctx := context.Background()

	tab := tabdomain.Tab{
		ID:        node.Generate(),
		OrgID:     orgID,
		Currency:  "USD",
		Timezone:  "UTC",
		TaxRate:   decimal.RequireFromString("0.08"),
		Status:    tabdomain.TabStatusOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, tabRepo.InsertTab(ctx, db, &tab))

	tabID := tab.ID
	group := bgdomain.BillingGroup{
		ID:        node.Generate(),
		OrgID:     orgID,
		TabID:     &tabID,
		Name:      "Corp",
		GroupType: bgdomain.GroupTypeCompany,
		Status:    bgdomain.GroupStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, groupRepo.InsertGroup(ctx, db, &group))

	mk := func(price int64, groupID *snowflake.ID, status tabdomain.AssignmentStatus) tabdomain.LineItem {
		item := tabdomain.LineItem{
			ID:               node.Generate(),
			OrgID:            orgID,
			TabID:            tab.ID,
			Description:      "item",
			Quantity:         1,
			UnitPrice:        price,
			BillingGroupID:   groupID,
			AssignmentStatus: status,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		require.NoError(t, tabRepo.InsertLineItem(ctx, db, &item))
		return item
	}
	items := []tabdomain.LineItem{
		mk(6000, &group.ID, tabdomain.AssignmentAssigned),
		mk(4000, &group.ID, tabdomain.AssignmentNotified),
		mk(2500, nil, tabdomain.AssignmentPendingApproval),
		mk(400, nil, tabdomain.AssignmentRejected),
	}

	svc := service.NewService(service.ServiceParam{
		DB:        db,
		Log:       log,
		GenID:     node,
		Repo:      repository.Provide(),
		TabRepo:   tabRepo,
		GroupRepo: groupRepo,
		Locker:    locker.New(log, nil, nil, time.Second),
		Publisher: publisher,
		Clock:     clock.NewFakeClock(now),
	})
	return &fixture{
		db:        db,
		ctx:       orgcontext.WithOrgID(ctx, int64(orgID)),
		node:      node,
		svc:       svc,
		publisher: publisher,
		tab:       tab,
		group:     group,
		items:     items,
	}
}

func TestCreateGroupInvoice(t *testing.T) {
	f := newFixture(t)

	detail, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{
		TabID:          f.tab.ID.String(),
		BillingGroupID: f.group.ID.String(),
		PaymentTerms:   "net 30",
		DueInDays:      30,
	})
	require.NoError(t, err)

	inv := detail.Invoice
	assert.Equal(t, "INV-20260302-000001", inv.InvoiceNumber)
	assert.Equal(t, domain.InvoiceStatusDraft, inv.Status)
	assert.Equal(t, int64(10000), inv.SubtotalAmount)
	assert.Equal(t, int64(800), inv.TaxAmount)
	assert.Equal(t, int64(10800), inv.TotalAmount)
	require.NotNil(t, inv.DueAt)
	assert.Equal(t, now.AddDate(0, 0, 30), inv.DueAt.UTC())
	require.Len(t, detail.LineItems, 2)

	_, err = f.svc.Create(f.ctx, domain.CreateInvoiceRequest{
		TabID:          f.tab.ID.String(),
		BillingGroupID: f.group.ID.String(),
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCreateTabInvoiceNumbersSequentially(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{TabID: f.tab.ID.String()})
	require.NoError(t, err)
	second, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{TabID: f.tab.ID.String()})
	require.NoError(t, err)

	assert.Equal(t, int64(12900), first.Invoice.SubtotalAmount)
	assert.Len(t, first.LineItems, 4)
	assert.Equal(t, "INV-20260302-000001", first.Invoice.InvoiceNumber)
	assert.Equal(t, "INV-20260302-000002", second.Invoice.InvoiceNumber)
}

func TestMarkSentPublishesAndProtects(t *testing.T) {
	f := newFixture(t)
	detail, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{
		TabID:          f.tab.ID.String(),
		BillingGroupID: f.group.ID.String(),
	})
	require.NoError(t, err)

	guard := protection.NewGuard(zaptest.NewLogger(t))
	before, err := guard.IsProtected(f.ctx, f.db, f.items[0].ID)
	require.NoError(t, err)
	assert.False(t, before.Protected)

	sent, err := f.svc.MarkSent(f.ctx, detail.Invoice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)
	require.Len(t, f.publisher.invoices, 1)
	assert.Equal(t, sent.ID, f.publisher.invoices[0].Invoice.ID)
	assert.Len(t, f.publisher.invoices[0].LineItems, 2)

	after, err := guard.IsProtected(f.ctx, f.db, f.items[0].ID)
	require.NoError(t, err)
	assert.True(t, after.Protected)

	_, err = f.svc.MarkSent(f.ctx, detail.Invoice.ID.String())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestVoidInvoice(t *testing.T) {
	f := newFixture(t)
	detail, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{TabID: f.tab.ID.String()})
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(`UPDATE invoices SET paid_amount = 100 WHERE id = ?`, detail.Invoice.ID).Error)
	_, err = f.svc.Void(f.ctx, detail.Invoice.ID.String())
	assert.ErrorIs(t, err, apperr.ErrConflict)

	require.NoError(t, f.db.Exec(`UPDATE invoices SET paid_amount = 0 WHERE id = ?`, detail.Invoice.ID).Error)
	voided, err := f.svc.Void(f.ctx, detail.Invoice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusVoid, voided.Status)
	assert.Zero(t, voided.BalanceDue())

	got, err := f.svc.GetByID(f.ctx, detail.Invoice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusVoid, got.Invoice.Status)
	assert.Len(t, got.LineItems, 4)
}

func TestCreateInvoiceValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{TabID: "nope"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.Create(f.ctx, domain.CreateInvoiceRequest{TabID: "123"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Create(f.ctx, domain.CreateInvoiceRequest{TabID: f.tab.ID.String(), BillingGroupID: "123"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInvoiceRecomputeStatus(t *testing.T) {
	inv := domain.Invoice{TotalAmount: 1000, Status: domain.InvoiceStatusDraft}
	sentAt := now
	inv.SentAt = &sentAt

	inv.ApplyPaymentDelta(400, now)
	assert.Equal(t, domain.InvoiceStatusPartial, inv.Status)

	inv.ApplyPaymentDelta(900, now)
	assert.Equal(t, int64(1000), inv.PaidAmount)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	require.NotNil(t, inv.PaidAt)

	inv.ApplyPaymentDelta(-2000, now)
	assert.Zero(t, inv.PaidAmount)
	assert.Equal(t, domain.InvoiceStatusSent, inv.Status)
	assert.Nil(t, inv.PaidAt)
}
