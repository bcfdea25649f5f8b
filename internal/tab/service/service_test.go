package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/smallbiznis/folio/internal/apperr"
	bgdomain "github.com/smallbiznis/folio/internal/billinggroup/domain"
	bgrepository "github.com/smallbiznis/folio/internal/billinggroup/repository"
	bgservice "github.com/smallbiznis/folio/internal/billinggroup/service"
	"github.com/smallbiznis/folio/internal/clock"
	"github.com/smallbiznis/folio/internal/dbtest"
	invoicedomain "github.com/smallbiznis/folio/internal/invoice/domain"
	"github.com/smallbiznis/folio/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/folio/internal/payment/domain"
	"github.com/smallbiznis/folio/internal/payment/locker"
	"github.com/smallbiznis/folio/internal/protection"
	"github.com/smallbiznis/folio/internal/tab/domain"
	"github.com/smallbiznis/folio/internal/tab/repository"
	"github.com/smallbiznis/folio/internal/tab/service"
)

const orgID = snowflake.ID(42)

type fixture struct {
	db     *gorm.DB
	ctx    context.Context
	node   *snowflake.Node
	tabs   domain.Service
	groups *bgservice.Service
	locker *locker.TabLocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	tabRepo := repository.Provide()

	groups := bgservice.New(bgservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Repo:    bgrepository.Provide(),
		TabRepo: tabRepo,
		Clock:   clk,
	})
	tabLocker := locker.New(log, nil, nil, time.Second)
	tabs := service.New(service.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     tabRepo,
		Guard:    protection.NewGuard(log),
		Locker:   tabLocker,
		Assigner: groups,
		Clock:    clk,
	})
	return &fixture{
		db:     db,
		ctx:    orgcontext.WithOrgID(context.Background(), int64(orgID)),
		node:   node,
		tabs:   tabs,
		groups: groups,
		locker: tabLocker,
	}
}

func (f *fixture) openTab(t *testing.T, taxRate string) domain.Tab {
	t.Helper()
	tab, err := f.tabs.CreateTab(f.ctx, domain.CreateTabRequest{Currency: "usd", TaxRate: taxRate})
	require.NoError(t, err)
	return tab
}

func (f *fixture) addItem(t *testing.T, tabID snowflake.ID, price int64, category string) domain.LineItem {
	t.Helper()
	item, err := f.tabs.AddLineItem(f.ctx, domain.AddLineItemRequest{
		TabID:       tabID.String(),
		Description: "item",
		Quantity:    1,
		UnitPrice:   price,
		Category:    category,
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) tab(t *testing.T, id snowflake.ID) domain.TabDetail {
	t.Helper()
	detail, err := f.tabs.GetTab(f.ctx, id.String())
	require.NoError(t, err)
	return detail
}

func (f *fixture) settlePayment(t *testing.T, tabID snowflake.ID, groupID *snowflake.ID, amount int64) {
	t.Helper()
	now := time.Now().UTC()
	payment := paymentdomain.Payment{
		ID:                  f.node.Generate(),
		OrgID:               orgID,
		TabID:               tabID,
		BillingGroupID:      groupID,
		MerchantProcessorID: 1,
		Processor:           "stripe",
		Amount:              amount,
		Currency:            "USD",
		CapturedAmount:      amount,
		Status:              paymentdomain.PaymentStatusSucceeded,
		IdempotencyKey:      f.node.Generate().String(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, f.db.Create(&payment).Error)
	require.NoError(t, f.db.Exec(
		`UPDATE tabs SET paid_amount = paid_amount + ?, status = 'partial' WHERE id = ?`, amount, tabID,
	).Error)
}

func TestAddLineItemOpensTabLazily(t *testing.T) {
	f := newFixture(t)

	item, err := f.tabs.AddLineItem(f.ctx, domain.AddLineItemRequest{
		Currency:    "usd",
		Description: "Room service",
		Quantity:    2,
		UnitPrice:   1500,
	})
	require.NoError(t, err)
	require.NotZero(t, item.TabID)

	detail := f.tab(t, item.TabID)
	assert.Equal(t, "USD", detail.Tab.Currency)
	assert.Equal(t, int64(3000), detail.Tab.TotalAmount)
	assert.Equal(t, domain.TabStatusOpen, detail.Tab.Status)
	require.Len(t, detail.LineItems, 1)

	def, err := f.groups.EnsureDefaultGroup(f.ctx, orgID, item.TabID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentAssigned, item.AssignmentStatus)
	require.NotNil(t, item.BillingGroupID)
	assert.Equal(t, def.ID, *item.BillingGroupID)
}

func TestTotalsIncludeTax(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "0.0825")

	f.addItem(t, tab.ID, 1999, "")
	f.addItem(t, tab.ID, 1001, "")

	got := f.tab(t, tab.ID).Tab
	assert.Equal(t, int64(3000), got.SubtotalAmount)
	assert.Equal(t, int64(248), got.TaxAmount)
	assert.Equal(t, got.SubtotalAmount+got.TaxAmount, got.TotalAmount)
}

func TestAddLineItemValidation(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "")

	_, err := f.tabs.AddLineItem(f.ctx, domain.AddLineItemRequest{TabID: tab.ID.String(), Description: "x", Quantity: 0, UnitPrice: 100})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.tabs.AddLineItem(f.ctx, domain.AddLineItemRequest{TabID: tab.ID.String(), Description: "x", Quantity: 1, UnitPrice: -5})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.tabs.AddLineItem(f.ctx, domain.AddLineItemRequest{TabID: "12345", Description: "x", Quantity: 1, UnitPrice: 5})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.tabs.CreateTab(f.ctx, domain.CreateTabRequest{Currency: "usd", Timezone: "Mars/Olympus"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAddLineItemRunsRules(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "")

	company, err := f.groups.CreateGroup(f.ctx, bgdomain.CreateGroupRequest{
		TabID:     tab.ID.String(),
		Name:      "Acme Corp",
		GroupType: bgdomain.GroupTypeCompany,
	})
	require.NoError(t, err)
	_, err = f.groups.CreateRule(f.ctx, bgdomain.CreateRuleRequest{
		TabID:          tab.ID.String(),
		BillingGroupID: company.ID.String(),
		Name:           "lodging to company",
		Priority:       1,
		Conditions:     bgdomain.Conditions{Categories: []string{"lodging"}},
		Action:         bgdomain.ActionAutoAssign,
	})
	require.NoError(t, err)
	_, err = f.groups.CreateRule(f.ctx, bgdomain.CreateRuleRequest{
		TabID:      tab.ID.String(),
		Name:       "no minibar",
		Priority:   2,
		Conditions: bgdomain.Conditions{Categories: []string{"minibar"}},
		Action:     bgdomain.ActionReject,
		Reason:     "minibar is not covered",
	})
	require.NoError(t, err)

	room := f.addItem(t, tab.ID, 20000, "Lodging")
	require.NotNil(t, room.BillingGroupID)
	assert.Equal(t, company.ID, *room.BillingGroupID)
	assert.Equal(t, domain.AssignmentAssigned, room.AssignmentStatus)

	snack := f.addItem(t, tab.ID, 800, "minibar")
	assert.Nil(t, snack.BillingGroupID)
	assert.Equal(t, domain.AssignmentRejected, snack.AssignmentStatus)
	assert.Equal(t, "minibar is not covered", snack.RejectionReason)

	// Rejected items still count toward the tab.
	assert.Equal(t, int64(20800), f.tab(t, tab.ID).Tab.TotalAmount)
}

// Deleting an item whose group already collected money needs force, and a
// forced delete rederives the tab totals.
func TestDeleteProtectedLineItemRequiresForce(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "")
	kept := f.addItem(t, tab.ID, 6000, "")
	removed := f.addItem(t, tab.ID, 4000, "")
	require.NotNil(t, removed.BillingGroupID)

	f.settlePayment(t, tab.ID, removed.BillingGroupID, 5000)

	result, err := f.tabs.LineItemProtection(f.ctx, removed.ID.String())
	require.NoError(t, err)
	assert.True(t, result.Protected)
	assert.Contains(t, result.Reasons, protection.Reason{Kind: protection.ReasonGroupPayment, Reference: removed.BillingGroupID.String()})

	err = f.tabs.DeleteLineItem(f.ctx, removed.ID.String(), false)
	require.ErrorIs(t, err, apperr.ErrConflict)
	var conflict *apperr.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Contains(t, conflict.Blocking, "billing_group_payment:"+removed.BillingGroupID.String())
	assert.Len(t, f.tab(t, tab.ID).LineItems, 2)

	require.NoError(t, f.tabs.DeleteLineItem(f.ctx, removed.ID.String(), true))

	detail := f.tab(t, tab.ID)
	require.Len(t, detail.LineItems, 1)
	assert.Equal(t, kept.ID, detail.LineItems[0].ID)
	assert.Equal(t, int64(6000), detail.Tab.TotalAmount)
	assert.Equal(t, int64(5000), detail.Tab.PaidAmount)
	assert.Equal(t, domain.TabStatusPartial, detail.Tab.Status)
}

// A capture that commits while a delete waits for the tab lock must still
// block the delete.
func TestDeleteRechecksProtectionUnderTabLock(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "")
	item := f.addItem(t, tab.ID, 4000, "")

	unlock, err := f.locker.Lock(context.Background(), tab.ID)
	require.NoError(t, err)

	read := make(chan struct{})
	var once sync.Once
	require.NoError(t, f.db.Callback().Row().After("gorm:row").Register("test:first_read", func(*gorm.DB) {
		once.Do(func() { close(read) })
	}))

	done := make(chan error, 1)
	go func() {
		done <- f.tabs.DeleteLineItem(f.ctx, item.ID.String(), false)
	}()

	<-read
	f.settlePayment(t, tab.ID, nil, 4000)
	unlock()

	err = <-done
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Len(t, conflict.Blocking, 1)
	assert.Contains(t, conflict.Blocking[0], protection.ReasonSettled+":")
	assert.Len(t, f.tab(t, tab.ID).LineItems, 1)
}

func TestUpdateProtectedLineItem(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "")
	item := f.addItem(t, tab.ID, 5000, "")
	f.settlePayment(t, tab.ID, nil, 5000)

	qty := int64(3)
	_, err := f.tabs.UpdateLineItem(f.ctx, item.ID.String(), domain.UpdateLineItemRequest{Quantity: &qty})
	var conflict *apperr.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Len(t, conflict.Blocking, 1)
	assert.Contains(t, conflict.Blocking[0], protection.ReasonSettled+":")

	updated, err := f.tabs.UpdateLineItem(f.ctx, item.ID.String(), domain.UpdateLineItemRequest{Quantity: &qty, Force: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Quantity)
	assert.Equal(t, item.BillingGroupID, updated.BillingGroupID)

	got := f.tab(t, tab.ID).Tab
	assert.Equal(t, int64(15000), got.TotalAmount)
	assert.Equal(t, int64(5000), got.PaidAmount)
	assert.Equal(t, domain.TabStatusPartial, got.Status)
}

func TestUnprotectedUpdateReassigns(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "")
	spa, err := f.groups.CreateGroup(f.ctx, bgdomain.CreateGroupRequest{
		TabID: tab.ID.String(), Name: "Spa", GroupType: bgdomain.GroupTypePersonal,
	})
	require.NoError(t, err)
	_, err = f.groups.CreateRule(f.ctx, bgdomain.CreateRuleRequest{
		TabID:          tab.ID.String(),
		BillingGroupID: spa.ID.String(),
		Name:           "spa",
		Conditions:     bgdomain.Conditions{Categories: []string{"spa"}},
		Action:         bgdomain.ActionAutoAssign,
	})
	require.NoError(t, err)

	item := f.addItem(t, tab.ID, 9000, "dining")
	require.NotNil(t, item.BillingGroupID)
	assert.NotEqual(t, spa.ID, *item.BillingGroupID)

	category := "spa"
	updated, err := f.tabs.UpdateLineItem(f.ctx, item.ID.String(), domain.UpdateLineItemRequest{Category: &category})
	require.NoError(t, err)
	require.NotNil(t, updated.BillingGroupID)
	assert.Equal(t, spa.ID, *updated.BillingGroupID)
}

func TestSentInvoiceProtectsItem(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "")
	item := f.addItem(t, tab.ID, 2500, "")

	now := time.Now().UTC()
	inv := invoicedomain.Invoice{
		ID:            f.node.Generate(),
		OrgID:         orgID,
		TabID:         tab.ID,
		InvoiceNumber: "INV-1",
		Sequence:      1,
		Currency:      "USD",
		TotalAmount:   2500,
		Status:        invoicedomain.InvoiceStatusSent,
		SentAt:        &now,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.db.Create(&inv).Error)
	require.NoError(t, f.db.Create(&invoicedomain.InvoiceLineItem{
		ID:          f.node.Generate(),
		OrgID:       orgID,
		InvoiceID:   inv.ID,
		LineItemID:  item.ID,
		Description: item.Description,
		Quantity:    1,
		UnitPrice:   2500,
		Amount:      2500,
		CreatedAt:   now,
	}).Error)

	result, err := f.tabs.LineItemProtection(f.ctx, item.ID.String())
	require.NoError(t, err)
	assert.Equal(t, protection.Result{
		Protected: true,
		Reasons:   []protection.Reason{{Kind: protection.ReasonSentInvoice, Reference: inv.ID.String()}},
	}, result)
}

func TestVoidTab(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "")
	f.addItem(t, tab.ID, 1000, "")

	voided, err := f.tabs.VoidTab(f.ctx, tab.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.TabStatusVoid, voided.Status)
	assert.Zero(t, voided.BalanceDue())

	_, err = f.tabs.VoidTab(f.ctx, tab.ID.String())
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.tabs.AddLineItem(f.ctx, domain.AddLineItemRequest{TabID: tab.ID.String(), Description: "x", Quantity: 1, UnitPrice: 1})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestDeleteTab(t *testing.T) {
	f := newFixture(t)

	paid := f.openTab(t, "")
	f.addItem(t, paid.ID, 1000, "")
	f.settlePayment(t, paid.ID, nil, 1000)
	assert.ErrorIs(t, f.tabs.DeleteTab(f.ctx, paid.ID.String()), apperr.ErrConflict)

	empty := f.openTab(t, "")
	f.addItem(t, empty.ID, 1000, "")
	require.NoError(t, f.tabs.DeleteTab(f.ctx, empty.ID.String()))
	_, err := f.tabs.GetTab(f.ctx, empty.ID.String())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMissingOrganization(t *testing.T) {
	f := newFixture(t)
	_, err := f.tabs.CreateTab(context.Background(), domain.CreateTabRequest{Currency: "usd"})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

type flakyAssigner struct {
	next     domain.Assigner
	failures int
}

func (a *flakyAssigner) AssignLineItem(ctx context.Context, orgID, lineItemID snowflake.ID) error {
	if a.failures > 0 {
		a.failures--
		return errors.New("rules unavailable")
	}
	return a.next.AssignLineItem(ctx, orgID, lineItemID)
}

func TestFailedAssignmentIsRetried(t *testing.T) {
	f := newFixture(t)
	log := zaptest.NewLogger(t)
	assigner := &flakyAssigner{next: f.groups, failures: 2}
	tabs := service.New(service.Params{
		DB:       f.db,
		Log:      log,
		GenID:    f.node,
		Repo:     repository.Provide(),
		Guard:    protection.NewGuard(log),
		Locker:   f.locker,
		Assigner: assigner,
		Clock:    clock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)),
	})
	tab := f.openTab(t, "")

	item, err := tabs.AddLineItem(f.ctx, domain.AddLineItemRequest{
		TabID:       tab.ID.String(),
		Description: "minibar",
		Quantity:    1,
		UnitPrice:   900,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentEvaluating, item.AssignmentStatus)
	assert.Nil(t, item.BillingGroupID)

	_, err = tabs.ReassignLineItem(f.ctx, item.ID.String())
	require.EqualError(t, err, "rules unavailable")

	detail, err := tabs.GetTab(f.ctx, tab.ID.String())
	require.NoError(t, err)
	require.Len(t, detail.LineItems, 1)
	assert.Equal(t, domain.AssignmentAssigned, detail.LineItems[0].AssignmentStatus)
	require.NotNil(t, detail.LineItems[0].BillingGroupID)

	reassigned, err := tabs.ReassignLineItem(f.ctx, item.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentAssigned, reassigned.AssignmentStatus)
	assert.Equal(t, detail.LineItems[0].BillingGroupID, reassigned.BillingGroupID)
}

func TestReassignProtectedLineItemConflicts(t *testing.T) {
	f := newFixture(t)
	tab := f.openTab(t, "")
	item := f.addItem(t, tab.ID, 2000, "")
	f.settlePayment(t, tab.ID, item.BillingGroupID, 2000)

	_, err := f.tabs.ReassignLineItem(f.ctx, item.ID.String())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}
