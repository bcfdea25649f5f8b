// Package domain contains persistence models for billing groups and rules.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type GroupType string

const (
	GroupTypeCompany    GroupType = "company"
	GroupTypePersonal   GroupType = "personal"
	GroupTypeDepartment GroupType = "department"
	GroupTypeInsurance  GroupType = "insurance"
	GroupTypeGrant      GroupType = "grant"
	GroupTypeMaster     GroupType = "master"
	GroupTypeGuest      GroupType = "guest"
	GroupTypeGroup      GroupType = "group"
	GroupTypeProject    GroupType = "project"
	GroupTypeSplit      GroupType = "split"
)

func (t GroupType) Valid() bool {
	switch t {
	case GroupTypeCompany, GroupTypePersonal, GroupTypeDepartment, GroupTypeInsurance,
		GroupTypeGrant, GroupTypeMaster, GroupTypeGuest, GroupTypeGroup, GroupTypeProject,
		GroupTypeSplit:
		return true
	default:
		return false
	}
}

type GroupStatus string

const (
	GroupStatusActive GroupStatus = "active"
	GroupStatusClosed GroupStatus = "closed"
)

const DefaultGroupName = "Default"

// BillingGroup partitions a tab's (or invoice's) line items for separate
// collection. Items point at their group; a group never lists its items.
type BillingGroup struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrgID             snowflake.ID  `json:"org_id" gorm:"not null;index"`
	TabID             *snowflake.ID `json:"tab_id,omitempty" gorm:"index"`
	InvoiceID         *snowflake.ID `json:"invoice_id,omitempty" gorm:"index"`
	Name              string        `json:"name" gorm:"type:text;not null"`
	GroupType         GroupType     `json:"group_type" gorm:"type:text;not null"`
	PayerOrgID        *snowflake.ID `json:"payer_org_id,omitempty"`
	PayerEmail        string        `json:"payer_email,omitempty" gorm:"type:text"`
	CreditLimit       *int64        `json:"credit_limit,omitempty"`
	DepositAmount     int64         `json:"deposit_amount" gorm:"not null;default:0"`
	AuthorizationCode string        `json:"authorization_code,omitempty" gorm:"type:text"`
	Status            GroupStatus   `json:"status" gorm:"type:text;not null"`
	IsDefault         bool          `json:"is_default" gorm:"not null;default:false"`
	CreatedAt         time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time     `json:"updated_at" gorm:"not null"`
}

func (BillingGroup) TableName() string { return "billing_groups" }

type Action string

const (
	ActionAutoAssign      Action = "auto_assign"
	ActionRequireApproval Action = "require_approval"
	ActionNotify          Action = "notify"
	ActionReject          Action = "reject"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAutoAssign, ActionRequireApproval, ActionNotify, ActionReject:
		return true
	default:
		return false
	}
}

// Conditions are ANDed; an unset condition always matches.
type Conditions struct {
	Categories []string          `json:"categories,omitempty"`
	MinAmount  *int64            `json:"min_amount,omitempty"`
	MaxAmount  *int64            `json:"max_amount,omitempty"`
	TimeStart  string            `json:"time_start,omitempty"`
	TimeEnd    string            `json:"time_end,omitempty"`
	DaysOfWeek []string          `json:"days_of_week,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type BillingRule struct {
	ID             snowflake.ID                   `json:"id" gorm:"primaryKey"`
	OrgID          snowflake.ID                   `json:"org_id" gorm:"not null;index"`
	TabID          snowflake.ID                   `json:"tab_id" gorm:"not null;index"`
	BillingGroupID *snowflake.ID                  `json:"billing_group_id,omitempty"`
	Name           string                         `json:"name" gorm:"type:text;not null"`
	Priority       int                            `json:"priority" gorm:"not null"`
	IsActive       bool                           `json:"is_active" gorm:"not null;default:true"`
	Conditions     datatypes.JSONType[Conditions] `json:"conditions"`
	Action         Action                         `json:"action" gorm:"type:text;not null"`
	Reason         string                         `json:"reason,omitempty" gorm:"type:text"`
	CreatedAt      time.Time                      `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time                      `json:"updated_at" gorm:"not null"`
}

func (BillingRule) TableName() string { return "billing_rules" }

// InvoicableGroup summarizes a group that can be turned into an invoice.
type InvoicableGroup struct {
	Group         BillingGroup `json:"group"`
	LineItemCount int64        `json:"line_item_count"`
	TotalAmount   int64        `json:"total_amount"`
	Currency      string       `json:"currency"`
	Eligible      bool         `json:"eligible"`
	Reason        string       `json:"reason,omitempty"`
}
