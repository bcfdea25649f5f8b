package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreateGroupRequest struct {
	TabID             string    `json:"tab_id"`
	Name              string    `json:"name"`
	GroupType         GroupType `json:"group_type"`
	PayerOrgID        string    `json:"payer_org_id"`
	PayerEmail        string    `json:"payer_email"`
	CreditLimit       *int64    `json:"credit_limit"`
	DepositAmount     int64     `json:"deposit_amount"`
	AuthorizationCode string    `json:"authorization_code"`
}

type CreateRuleRequest struct {
	TabID          string     `json:"tab_id"`
	BillingGroupID string     `json:"billing_group_id"`
	Name           string     `json:"name"`
	Priority       int        `json:"priority"`
	Conditions     Conditions `json:"conditions"`
	Action         Action     `json:"action"`
	Reason         string     `json:"reason"`
}

type Service interface {
	CreateGroup(ctx context.Context, req CreateGroupRequest) (BillingGroup, error)
	ListGroups(ctx context.Context, tabID string) ([]BillingGroup, error)
	DeleteGroup(ctx context.Context, id string) error
	EnsureDefaultGroup(ctx context.Context, orgID, tabID snowflake.ID) (BillingGroup, error)

	CreateRule(ctx context.Context, req CreateRuleRequest) (BillingRule, error)
	ListRules(ctx context.Context, tabID string) ([]BillingRule, error)

	// AssignLineItem evaluates the tab's rules for one item and persists the
	// outcome. Running it again with unchanged rules writes nothing.
	AssignLineItem(ctx context.Context, orgID, lineItemID snowflake.ID) error
	ApproveLineItem(ctx context.Context, lineItemID string, groupID string) error

	InvoicableGroups(ctx context.Context, tabID string) ([]InvoicableGroup, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
)
