package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/billinggroup/domain"
	"github.com/smallbiznis/folio/internal/billinggroup/repository"
	"github.com/smallbiznis/folio/internal/billinggroup/service"
	"github.com/smallbiznis/folio/internal/clock"
	"github.com/smallbiznis/folio/internal/dbtest"
	"github.com/smallbiznis/folio/internal/notification"
	"github.com/smallbiznis/folio/internal/orgcontext"
	"github.com/smallbiznis/folio/internal/rollout"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	tabrepository "github.com/smallbiznis/folio/internal/tab/repository"
)

const orgID = snowflake.ID(7)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n notification.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fixture struct {
	db        *gorm.DB
	ctx       context.Context
	node      *snowflake.Node
	svc       *service.Service
	tabRepo   tabdomain.Repository
	publisher *recordingPublisher
	tab       tabdomain.Tab
}

// newFixture opens a USD tab in New York with a 10% tax rate.
func newFixture(t *testing.T, flags rollout.Source) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	publisher := &recordingPublisher{}
	tabRepo := tabrepository.Provide()

	svc := service.New(service.Params{
		DB:        db,
		Log:       zaptest.NewLogger(t),
		GenID:     node,
		Repo:      repository.Provide(),
		TabRepo:   tabRepo,
		Publisher: publisher,
		Flags:     flags,
		Clock:     clock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)),
	})

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tab := tabdomain.Tab{
		ID:        node.Generate(),
		OrgID:     orgID,
		Currency:  "USD",
		Timezone:  "America/New_York",
		Status:    tabdomain.TabStatusOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, tabRepo.InsertTab(context.Background(), db, &tab))

	return &fixture{
		db:        db,
		ctx:       orgcontext.WithOrgID(context.Background(), int64(orgID)),
		node:      node,
		svc:       svc,
		tabRepo:   tabRepo,
		publisher: publisher,
		tab:       tab,
	}
}

func (f *fixture) item(t *testing.T, category string, price int64, at time.Time) tabdomain.LineItem {
	t.Helper()
	item := tabdomain.LineItem{
		ID:               f.node.Generate(),
		OrgID:            orgID,
		TabID:            f.tab.ID,
		Description:      category,
		Quantity:         1,
		UnitPrice:        price,
		Category:         category,
		AssignmentStatus: tabdomain.AssignmentEvaluating,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	require.NoError(t, f.tabRepo.InsertLineItem(context.Background(), f.db, &item))
	return item
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) tabdomain.LineItem {
	t.Helper()
	item, err := f.tabRepo.FindLineItem(context.Background(), f.db, orgID, id)
	require.NoError(t, err)
	require.NotNil(t, item)
	return *item
}

func (f *fixture) group(t *testing.T, name string) domain.BillingGroup {
	t.Helper()
	g, err := f.svc.CreateGroup(f.ctx, domain.CreateGroupRequest{
		TabID:     f.tab.ID.String(),
		Name:      name,
		GroupType: domain.GroupTypeCompany,
	})
	require.NoError(t, err)
	return g
}

func (f *fixture) rule(t *testing.T, groupID string, priority int, action domain.Action, c domain.Conditions) domain.BillingRule {
	t.Helper()
	r, err := f.svc.CreateRule(f.ctx, domain.CreateRuleRequest{
		TabID:          f.tab.ID.String(),
		BillingGroupID: groupID,
		Name:           string(action),
		Priority:       priority,
		Conditions:     c,
		Action:         action,
		Reason:         "because",
	})
	require.NoError(t, err)
	return r
}

var noon = time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC) // 12:00 in New York

func TestUnmatchedItemGoesToDefaultGroup(t *testing.T) {
	f := newFixture(t, nil)
	item := f.item(t, "dining", 1200, noon)

	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, item.ID))

	def, err := f.svc.EnsureDefaultGroup(f.ctx, orgID, f.tab.ID)
	require.NoError(t, err)
	assert.True(t, def.IsDefault)
	assert.Equal(t, domain.DefaultGroupName, def.Name)

	got := f.reload(t, item.ID)
	assert.Equal(t, tabdomain.AssignmentAssigned, got.AssignmentStatus)
	require.NotNil(t, got.BillingGroupID)
	assert.Equal(t, def.ID, *got.BillingGroupID)
	assert.Nil(t, got.MatchedRuleID)
}

func TestAssignmentIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "Corp")
	f.rule(t, g.ID.String(), 1, domain.ActionNotify, domain.Conditions{Categories: []string{"bar"}})
	item := f.item(t, "bar", 3000, noon)

	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, item.ID))
	first := f.reload(t, item.ID)

	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, item.ID))
	second := f.reload(t, item.ID)

	assert.Equal(t, first, second)
	assert.Equal(t, tabdomain.AssignmentNotified, second.AssignmentStatus)
	require.NotNil(t, second.BillingGroupID)
	assert.Equal(t, g.ID, *second.BillingGroupID)
	assert.Equal(t, 1, f.publisher.count())

	sent := f.publisher.sent[0]
	assert.Equal(t, notification.KindRuleNotify, sent.Kind)
	assert.Equal(t, item.ID.String(), sent.Fields["line_item_id"])
}

func TestNotifyRespectsRolloutFlag(t *testing.T) {
	off := rollout.NewStaticHolder(rollout.Snapshot{Flags: map[string]rollout.Flag{}})
	f := newFixture(t, off)
	g := f.group(t, "Corp")
	f.rule(t, g.ID.String(), 1, domain.ActionNotify, domain.Conditions{})
	item := f.item(t, "bar", 3000, noon)

	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, item.ID))
	assert.Equal(t, tabdomain.AssignmentNotified, f.reload(t, item.ID).AssignmentStatus)
	assert.Zero(t, f.publisher.count())
}

func TestTimeWindowUsesTabZone(t *testing.T) {
	f := newFixture(t, nil)
	happyHour := f.group(t, "Happy hour")
	f.rule(t, happyHour.ID.String(), 1, domain.ActionAutoAssign, domain.Conditions{TimeStart: "17:00", TimeEnd: "19:00"})

	// 22:30 UTC is 17:30 in New York.
	inside := f.item(t, "bar", 900, time.Date(2026, 3, 2, 22, 30, 0, 0, time.UTC))
	outside := f.item(t, "bar", 900, time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))

	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, inside.ID))
	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, outside.ID))

	assert.Equal(t, happyHour.ID, *f.reload(t, inside.ID).BillingGroupID)
	assert.NotEqual(t, happyHour.ID, *f.reload(t, outside.ID).BillingGroupID)
}

func TestRequireApprovalFlow(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "Corp")
	r := f.rule(t, g.ID.String(), 1, domain.ActionRequireApproval, domain.Conditions{MinAmount: ptr(10000)})
	item := f.item(t, "spa", 25000, noon)

	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, item.ID))
	pending := f.reload(t, item.ID)
	assert.Equal(t, tabdomain.AssignmentPendingApproval, pending.AssignmentStatus)
	assert.Nil(t, pending.BillingGroupID)
	require.NotNil(t, pending.MatchedRuleID)
	assert.Equal(t, r.ID, *pending.MatchedRuleID)

	require.NoError(t, f.svc.ApproveLineItem(f.ctx, item.ID.String(), ""))
	approved := f.reload(t, item.ID)
	assert.Equal(t, tabdomain.AssignmentAssigned, approved.AssignmentStatus)
	require.NotNil(t, approved.BillingGroupID)
	assert.Equal(t, g.ID, *approved.BillingGroupID)

	// Re-evaluation keeps the approval.
	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, item.ID))
	assert.Equal(t, approved, f.reload(t, item.ID))

	err := f.svc.ApproveLineItem(f.ctx, item.ID.String(), "")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestRejectRecordsReason(t *testing.T) {
	f := newFixture(t, nil)
	f.rule(t, "", 1, domain.ActionReject, domain.Conditions{Categories: []string{"minibar"}})
	item := f.item(t, "Minibar", 500, noon)

	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, item.ID))
	got := f.reload(t, item.ID)
	assert.Equal(t, tabdomain.AssignmentRejected, got.AssignmentStatus)
	assert.Equal(t, "because", got.RejectionReason)
	assert.Nil(t, got.BillingGroupID)
}

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateRule(f.ctx, domain.CreateRuleRequest{
		TabID: f.tab.ID.String(), Name: "bad", Action: "escalate",
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.CreateRule(f.ctx, domain.CreateRuleRequest{
		TabID:      f.tab.ID.String(),
		Name:       "bad window",
		Action:     domain.ActionAutoAssign,
		Conditions: domain.Conditions{TimeStart: "24:30"},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.CreateRule(f.ctx, domain.CreateRuleRequest{
		TabID:          f.tab.ID.String(),
		BillingGroupID: "99",
		Name:           "missing group",
		Action:         domain.ActionAutoAssign,
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEnsureDefaultGroupIsRaceSafe(t *testing.T) {
	f := newFixture(t, nil)

	ids := make([]snowflake.ID, 8)
	var g errgroup.Group
	for i := range ids {
		g.Go(func() error {
			group, err := f.svc.EnsureDefaultGroup(f.ctx, orgID, f.tab.ID)
			ids[i] = group.ID
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	groups, err := f.svc.ListGroups(f.ctx, f.tab.ID.String())
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestDeleteGroupReassignsToDefault(t *testing.T) {
	f := newFixture(t, nil)
	g := f.group(t, "Corp")
	r := f.rule(t, g.ID.String(), 1, domain.ActionAutoAssign, domain.Conditions{})
	item := f.item(t, "dining", 1000, noon)
	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, item.ID))
	require.Equal(t, g.ID, *f.reload(t, item.ID).BillingGroupID)

	require.NoError(t, f.svc.DeleteGroup(f.ctx, g.ID.String()))

	def, err := f.svc.EnsureDefaultGroup(f.ctx, orgID, f.tab.ID)
	require.NoError(t, err)
	got := f.reload(t, item.ID)
	assert.Equal(t, def.ID, *got.BillingGroupID)
	assert.Nil(t, got.MatchedRuleID)

	rs, err := f.svc.ListRules(f.ctx, f.tab.ID.String())
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, r.ID, rs[0].ID)
	assert.False(t, rs[0].IsActive)

	assert.ErrorIs(t, f.svc.DeleteGroup(f.ctx, def.ID.String()), apperr.ErrConflict)
}

func TestInvoicableGroups(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.db.Exec(`UPDATE tabs SET tax_rate = '0.1' WHERE id = ?`, f.tab.ID).Error)

	corp := f.group(t, "Corp")
	empty := f.group(t, "Empty")
	f.rule(t, corp.ID.String(), 1, domain.ActionAutoAssign, domain.Conditions{Categories: []string{"lodging"}})

	for _, price := range []int64{10000, 5000} {
		item := f.item(t, "lodging", price, noon)
		require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, item.ID))
	}
	dining := f.item(t, "dining", 2000, noon)
	require.NoError(t, f.svc.AssignLineItem(f.ctx, orgID, dining.ID))

	out, err := f.svc.InvoicableGroups(f.ctx, f.tab.ID.String())
	require.NoError(t, err)
	require.Len(t, out, 3)

	byID := map[snowflake.ID]domain.InvoicableGroup{}
	for _, g := range out {
		byID[g.Group.ID] = g
	}

	assert.True(t, out[0].Group.IsDefault)
	assert.Equal(t, int64(1), out[0].LineItemCount)
	assert.Equal(t, int64(2200), out[0].TotalAmount)

	assert.Equal(t, int64(2), byID[corp.ID].LineItemCount)
	assert.Equal(t, int64(16500), byID[corp.ID].TotalAmount)
	assert.Equal(t, "USD", byID[corp.ID].Currency)
	assert.True(t, byID[corp.ID].Eligible)

	assert.False(t, byID[empty.ID].Eligible)
	assert.Equal(t, "no_line_items", byID[empty.ID].Reason)
}

func ptr(v int64) *int64 { return &v }
