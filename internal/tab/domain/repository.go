package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertTab(ctx context.Context, db *gorm.DB, tab *Tab) error
	FindTab(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Tab, error)
	// FindTabForUpdate row-locks the tab on databases that support it.
	FindTabForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tab, error)
	// UpdateTab writes amounts and status guarded by the version column and
	// bumps tab.Version on success.
	UpdateTab(ctx context.Context, db *gorm.DB, tab *Tab) error
	DeleteTab(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) error
	CountPayments(ctx context.Context, db *gorm.DB, tabID snowflake.ID) (int64, error)
	CountInvoices(ctx context.Context, db *gorm.DB, tabID snowflake.ID) (int64, error)

	InsertLineItem(ctx context.Context, db *gorm.DB, item *LineItem) error
	FindLineItem(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*LineItem, error)
	ListLineItems(ctx context.Context, db *gorm.DB, tabID snowflake.ID) ([]LineItem, error)
	UpdateLineItem(ctx context.Context, db *gorm.DB, item *LineItem) error
	DeleteLineItem(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	UpdateAssignment(ctx context.Context, db *gorm.DB, item *LineItem) error
	ReassignGroupItems(ctx context.Context, db *gorm.DB, fromGroupID, toGroupID snowflake.ID) (int64, error)
}
