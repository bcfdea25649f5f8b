package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/apperr"
	"github.com/smallbiznis/folio/internal/billinggroup/domain"
	"github.com/smallbiznis/folio/internal/billinggroup/rules"
	"github.com/smallbiznis/folio/internal/clock"
	"github.com/smallbiznis/folio/internal/money"
	"github.com/smallbiznis/folio/internal/notification"
	obsmetrics "github.com/smallbiznis/folio/internal/observability/metrics"
	"github.com/smallbiznis/folio/internal/orgcontext"
	"github.com/smallbiznis/folio/internal/rollout"
	tabdomain "github.com/smallbiznis/folio/internal/tab/domain"
	"github.com/smallbiznis/folio/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	TabRepo    tabdomain.Repository
	Publisher  notification.Publisher `optional:"true"`
	Flags      rollout.Source         `optional:"true"`
	Clock      clock.Clock            `optional:"true"`
	ObsMetrics *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	tabRepo    tabdomain.Repository
	publisher  notification.Publisher
	flags      rollout.Source
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	defaults singleflight.Group
}

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
		db:         p.DB,
		log:        p.Log.Named("billinggroup.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		tabRepo:    p.TabRepo,
		publisher:  publisher,
		flags:      flags,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

var (
	_ domain.Service     = (*Service)(nil)
	_ tabdomain.Assigner = (*Service)(nil)
)

func (s *Service) CreateGroup(ctx context.Context, req domain.CreateGroupRequest) (domain.BillingGroup, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return domain.BillingGroup{}, err
	}
	tab, err := s.findTab(ctx, orgID, req.TabID)
	if err != nil {
		return domain.BillingGroup{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.BillingGroup{}, apperr.Validation("name", "required", "name is required")
	}
	if !req.GroupType.Valid() {
		return domain.BillingGroup{}, apperr.Validation("group_type", "invalid", "unknown group type")
	}
	if req.CreditLimit != nil && *req.CreditLimit < 0 {
		return domain.BillingGroup{}, apperr.Validation("credit_limit", "invalid", "credit_limit must not be negative")
	}
	if req.DepositAmount < 0 {
		return domain.BillingGroup{}, apperr.Validation("deposit_amount", "invalid", "deposit_amount must not be negative")
	}

	var payerOrgID *snowflake.ID
	if raw := strings.TrimSpace(req.PayerOrgID); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			return domain.BillingGroup{}, apperr.Validation("payer_org_id", "invalid", "invalid payer_org_id")
		}
		payerOrgID = &id
	}

	now := s.clock.Now()
	tabID := tab.ID
	group := domain.BillingGroup{
		ID:                s.genID.Generate(),
		OrgID:             orgID,
		TabID:             &tabID,
		Name:              name,
		GroupType:         req.GroupType,
		PayerOrgID:        payerOrgID,
		PayerEmail:        strings.TrimSpace(req.PayerEmail),
		CreditLimit:       req.CreditLimit,
		DepositAmount:     req.DepositAmount,
		AuthorizationCode: strings.TrimSpace(req.AuthorizationCode),
		Status:            domain.GroupStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.InsertGroup(ctx, s.db, &group); err != nil {
		return domain.BillingGroup{}, err
	}
	return group, nil
}

func (s *Service) ListGroups(ctx context.Context, tabID string) ([]domain.BillingGroup, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	tab, err := s.findTab(ctx, orgID, tabID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListGroups(ctx, s.db, orgID, tab.ID)
}

// DeleteGroup moves the group's items to the tab's default group and
// disables rules that pointed at it.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return err
	}
	group, err := s.findGroup(ctx, orgID, id)
	if err != nil {
		return err
	}
	if group.IsDefault {
		return apperr.Conflict("default billing group cannot be deleted", "billing_group:"+group.ID.String())
	}
	settled, err := s.repo.CountSettledPayments(ctx, s.db, group.ID)
	if err != nil {
		return err
	}
	if settled > 0 {
		return apperr.Conflict("billing group has settled payments", "billing_group_payment:"+group.ID.String())
	}
	if group.TabID == nil {
		return s.repo.DeleteGroup(ctx, s.db, group.ID)
	}

	fallback, err := s.EnsureDefaultGroup(ctx, orgID, *group.TabID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := s.tabRepo.ReassignGroupItems(ctx, tx, group.ID, fallback.ID)
		if err != nil {
			return err
		}
		if err := s.repo.DeactivateGroupRules(ctx, tx, group.ID); err != nil {
			return err
		}
		if err := s.repo.DeleteGroup(ctx, tx, group.ID); err != nil {
			return err
		}
		s.log.Info("billing group deleted",
			zap.String("billing_group_id", group.ID.String()),
			zap.String("default_group_id", fallback.ID.String()),
			zap.Int64("reassigned", moved),
		)
		return nil
	})
}

// EnsureDefaultGroup returns the tab's default group, creating it on first
// use. Concurrent callers in this process share one insert; callers in other
// processes lose on the unique index and reload.
func (s *Service) EnsureDefaultGroup(ctx context.Context, orgID, tabID snowflake.ID) (domain.BillingGroup, error) {
	existing, err := s.repo.FindDefaultGroup(ctx, s.db, tabID)
	if err != nil {
		return domain.BillingGroup{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	v, err, _ := s.defaults.Do(tabID.String(), func() (any, error) {
		now := s.clock.Now()
		id := tabID
		group := domain.BillingGroup{
			ID:        s.genID.Generate(),
			OrgID:     orgID,
			TabID:     &id,
			Name:      domain.DefaultGroupName,
			GroupType: domain.GroupTypeMaster,
			Status:    domain.GroupStatusActive,
			IsDefault: true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := s.repo.InsertGroup(ctx, s.db, &group)
		if err == nil {
			return group, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		winner, err := s.repo.FindDefaultGroup(ctx, s.db, tabID)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			return nil, apperr.NotFound("billing_group", "default:"+tabID.String())
		}
		return *winner, nil
	})
	if err != nil {
		return domain.BillingGroup{}, err
	}
	return v.(domain.BillingGroup), nil
}

func (s *Service) CreateRule(ctx context.Context, req domain.CreateRuleRequest) (domain.BillingRule, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return domain.BillingRule{}, err
	}
	tab, err := s.findTab(ctx, orgID, req.TabID)
	if err != nil {
		return domain.BillingRule{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.BillingRule{}, apperr.Validation("name", "required", "name is required")
	}
	if !req.Action.Valid() {
		return domain.BillingRule{}, apperr.Validation("action", "invalid", "unknown rule action")
	}
	if err := rules.Validate(req.Conditions); err != nil {
		return domain.BillingRule{}, err
	}

	var groupID *snowflake.ID
	if strings.TrimSpace(req.BillingGroupID) != "" {
		group, err := s.findGroup(ctx, orgID, req.BillingGroupID)
		if err != nil {
			return domain.BillingRule{}, err
		}
		if group.TabID == nil || *group.TabID != tab.ID {
			return domain.BillingRule{}, apperr.Validation("billing_group_id", "invalid", "billing group belongs to another tab")
		}
		groupID = &group.ID
	}

	now := s.clock.Now()
	rule := domain.BillingRule{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		TabID:          tab.ID,
		BillingGroupID: groupID,
		Name:           name,
		Priority:       req.Priority,
		IsActive:       true,
		Conditions:     datatypes.NewJSONType(req.Conditions),
		Action:         req.Action,
		Reason:         strings.TrimSpace(req.Reason),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertRule(ctx, s.db, &rule); err != nil {
		return domain.BillingRule{}, err
	}
	return rule, nil
}

func (s *Service) ListRules(ctx context.Context, tabID string) ([]domain.BillingRule, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	tab, err := s.findTab(ctx, orgID, tabID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListRules(ctx, s.db, orgID, tab.ID)
}

// target is the assignment state an evaluation resolves to.
type target struct {
	groupID *snowflake.ID
	status  tabdomain.AssignmentStatus
	ruleID  *snowflake.ID
	reason  string
}

func (t target) equals(item tabdomain.LineItem) bool {
	return sameID(t.groupID, item.BillingGroupID) &&
		sameID(t.ruleID, item.MatchedRuleID) &&
		t.status == item.AssignmentStatus &&
		t.reason == item.RejectionReason
}

func (s *Service) AssignLineItem(ctx context.Context, orgID, lineItemID snowflake.ID) error {
	item, err := s.tabRepo.FindLineItem(ctx, s.db, orgID, lineItemID)
	if err != nil {
		return err
	}
	if item == nil {
		return apperr.NotFound("line_item", lineItemID.String())
	}
	tab, err := s.tabRepo.FindTab(ctx, s.db, orgID, item.TabID)
	if err != nil {
		return err
	}
	if tab == nil {
		return apperr.NotFound("tab", item.TabID.String())
	}

	ruleSet, err := s.repo.ListRules(ctx, s.db, orgID, tab.ID)
	if err != nil {
		return err
	}
	amount, err := item.Total()
	if err != nil {
		return err
	}
	decision := rules.Evaluate(ruleSet, rules.Input{
		Category: item.Category,
		Amount:   amount,
		At:       item.CreatedAt,
		Metadata: item.MetadataStrings(),
	}, tab.Location())
	s.obsMetrics.RecordRuleOutcome(ctx, ruleOutcome(decision))

	next, err := s.resolve(ctx, orgID, tab.ID, *item, decision)
	if err != nil {
		return err
	}
	if next.equals(*item) {
		return nil
	}

	item.BillingGroupID = next.groupID
	item.AssignmentStatus = next.status
	item.MatchedRuleID = next.ruleID
	item.RejectionReason = next.reason
	item.UpdatedAt = s.clock.Now()
	if err := s.tabRepo.UpdateAssignment(ctx, s.db, item); err != nil {
		return err
	}

	s.log.Debug("line item assigned",
		zap.String("line_item_id", item.ID.String()),
		zap.String("status", string(next.status)),
		zap.Bool("matched", decision.Matched),
	)

	if decision.Action == domain.ActionNotify && decision.Matched {
		s.notify(ctx, orgID, *item, decision)
	}
	return nil
}

func ruleOutcome(d rules.Decision) string {
	if !d.Matched {
		return "default"
	}
	return string(d.Action)
}

func (s *Service) resolve(ctx context.Context, orgID, tabID snowflake.ID, item tabdomain.LineItem, d rules.Decision) (target, error) {
	if !d.Matched {
		group, err := s.EnsureDefaultGroup(ctx, orgID, tabID)
		if err != nil {
			return target{}, err
		}
		return target{groupID: &group.ID, status: tabdomain.AssignmentAssigned}, nil
	}

	ruleID := d.RuleID
	switch d.Action {
	case domain.ActionRequireApproval:
		// An approval already granted under the same rule stands.
		if item.AssignmentStatus == tabdomain.AssignmentAssigned && sameID(item.MatchedRuleID, &ruleID) {
			return target{groupID: item.BillingGroupID, status: tabdomain.AssignmentAssigned, ruleID: &ruleID}, nil
		}
		return target{status: tabdomain.AssignmentPendingApproval, ruleID: &ruleID}, nil
	case domain.ActionReject:
		reason := d.Reason
		if reason == "" {
			reason = "rejected by billing rule"
		}
		return target{status: tabdomain.AssignmentRejected, ruleID: &ruleID, reason: reason}, nil
	}

	groupID := d.GroupID
	if groupID == nil {
		group, err := s.EnsureDefaultGroup(ctx, orgID, tabID)
		if err != nil {
			return target{}, err
		}
		groupID = &group.ID
	}
	status := tabdomain.AssignmentAssigned
	if d.Action == domain.ActionNotify {
		status = tabdomain.AssignmentNotified
	}
	return target{groupID: groupID, status: status, ruleID: &ruleID}, nil
}

func (s *Service) notify(ctx context.Context, orgID snowflake.ID, item tabdomain.LineItem, d rules.Decision) {
	if !rollout.Enabled(s.flags.Snapshot(), rollout.FlagRuleNotify, orgID.String()) {
		return
	}
	fields := map[string]string{
		"line_item_id": item.ID.String(),
		"tab_id":       item.TabID.String(),
		"rule_id":      d.RuleID.String(),
		"description":  item.Description,
	}
	if d.GroupID != nil {
		fields["billing_group_id"] = d.GroupID.String()
	}
	if d.Reason != "" {
		fields["reason"] = d.Reason
	}
	s.publisher.Publish(ctx, notification.Notification{
		Kind:    notification.KindRuleNotify,
		OrgID:   orgID,
		Subject: "line item matched a notify rule",
		Fields:  fields,
	})
}

// ApproveLineItem resolves a pending approval. Without an explicit group the
// item goes to the matched rule's group, then the default group.
func (s *Service) ApproveLineItem(ctx context.Context, lineItemID string, groupID string) error {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return err
	}
	id, err := snowflake.ParseString(strings.TrimSpace(lineItemID))
	if err != nil {
		return apperr.Validation("line_item_id", "invalid", "invalid line item id")
	}
	item, err := s.tabRepo.FindLineItem(ctx, s.db, orgID, id)
	if err != nil {
		return err
	}
	if item == nil {
		return apperr.NotFound("line_item", lineItemID)
	}
	if item.AssignmentStatus != tabdomain.AssignmentPendingApproval {
		return apperr.Conflict("line item is not awaiting approval", "line_item:"+item.ID.String())
	}

	var dest *snowflake.ID
	if strings.TrimSpace(groupID) != "" {
		group, err := s.findGroup(ctx, orgID, groupID)
		if err != nil {
			return err
		}
		if group.TabID == nil || *group.TabID != item.TabID {
			return apperr.Validation("billing_group_id", "invalid", "billing group belongs to another tab")
		}
		dest = &group.ID
	}
	if dest == nil && item.MatchedRuleID != nil {
		ruleSet, err := s.repo.ListRules(ctx, s.db, orgID, item.TabID)
		if err != nil {
			return err
		}
		for _, rule := range ruleSet {
			if rule.ID == *item.MatchedRuleID && rule.BillingGroupID != nil {
				dest = rule.BillingGroupID
				break
			}
		}
	}
	if dest == nil {
		group, err := s.EnsureDefaultGroup(ctx, orgID, item.TabID)
		if err != nil {
			return err
		}
		dest = &group.ID
	}

	item.BillingGroupID = dest
	item.AssignmentStatus = tabdomain.AssignmentAssigned
	item.RejectionReason = ""
	item.UpdatedAt = s.clock.Now()
	return s.tabRepo.UpdateAssignment(ctx, s.db, item)
}

// InvoicableGroups summarizes each group of the tab and whether it can be
// invoiced now.
func (s *Service) InvoicableGroups(ctx context.Context, tabID string) ([]domain.InvoicableGroup, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	tab, err := s.findTab(ctx, orgID, tabID)
	if err != nil {
		return nil, err
	}

	groups, err := s.repo.ListGroups(ctx, s.db, orgID, tab.ID)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.GroupTotals(ctx, s.db, tab.ID)
	if err != nil {
		return nil, err
	}
	byGroup := make(map[snowflake.ID]domain.GroupTotal, len(totals))
	for _, t := range totals {
		byGroup[t.BillingGroupID] = t
	}

	out := make([]domain.InvoicableGroup, 0, len(groups))
	for _, group := range groups {
		total := byGroup[group.ID]
		subtotal := money.New(total.Amount, tab.Currency)
		tax, err := money.ApplyTax(subtotal, tab.TaxRate)
		if err != nil {
			return nil, err
		}
		gross, err := subtotal.Add(tax)
		if err != nil {
			return nil, err
		}

		entry := domain.InvoicableGroup{
			Group:         group,
			LineItemCount: total.ItemCount,
			TotalAmount:   gross.Minor,
			Currency:      tab.Currency,
			Eligible:      true,
		}
		switch {
		case tab.Status == tabdomain.TabStatusVoid:
			entry.Eligible, entry.Reason = false, "tab_void"
		case group.Status != domain.GroupStatusActive:
			entry.Eligible, entry.Reason = false, "group_closed"
		case total.ItemCount == 0:
			entry.Eligible, entry.Reason = false, "no_line_items"
		default:
			invoiced, err := s.repo.CountLiveInvoices(ctx, s.db, group.ID)
			if err != nil {
				return nil, err
			}
			if invoiced > 0 {
				entry.Eligible, entry.Reason = false, "already_invoiced"
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Service) findTab(ctx context.Context, orgID snowflake.ID, id string) (*tabdomain.Tab, error) {
	tabID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, apperr.Validation("tab_id", "invalid", "invalid tab id")
	}
	tab, err := s.tabRepo.FindTab(ctx, s.db, orgID, tabID)
	if err != nil {
		return nil, err
	}
	if tab == nil {
		return nil, apperr.NotFound("tab", id)
	}
	return tab, nil
}

func (s *Service) findGroup(ctx context.Context, orgID snowflake.ID, id string) (*domain.BillingGroup, error) {
	groupID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, apperr.Validation("billing_group_id", "invalid", "invalid billing group id")
	}
	group, err := s.repo.FindGroup(ctx, s.db, orgID, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, apperr.NotFound("billing_group", id)
	}
	return group, nil
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	return orgID, nil
}

func sameID(a, b *snowflake.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
