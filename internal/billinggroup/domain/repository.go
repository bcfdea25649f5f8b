package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// GroupTotal aggregates the live items assigned to one group.
type GroupTotal struct {
	BillingGroupID snowflake.ID
	ItemCount      int64
	Amount         int64
}

type Repository interface {
	InsertGroup(ctx context.Context, db *gorm.DB, group *BillingGroup) error
	FindGroup(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*BillingGroup, error)
	FindDefaultGroup(ctx context.Context, db *gorm.DB, tabID snowflake.ID) (*BillingGroup, error)
	ListGroups(ctx context.Context, db *gorm.DB, orgID, tabID snowflake.ID) ([]BillingGroup, error)
	DeleteGroup(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	GroupTotals(ctx context.Context, db *gorm.DB, tabID snowflake.ID) ([]GroupTotal, error)
	CountSettledPayments(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (int64, error)
	// CountLiveInvoices counts invoices issued for the group that are not void.
	CountLiveInvoices(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (int64, error)

	InsertRule(ctx context.Context, db *gorm.DB, rule *BillingRule) error
	ListRules(ctx context.Context, db *gorm.DB, orgID, tabID snowflake.ID) ([]BillingRule, error)
	DeactivateGroupRules(ctx context.Context, db *gorm.DB, groupID snowflake.ID) error
}
