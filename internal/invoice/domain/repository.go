package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	InsertLine(ctx context.Context, db *gorm.DB, line *InvoiceLineItem) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	ListLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceLineItem, error)
	// UpdateState writes status, paid amount and timestamps guarded by the
	// version column and bumps invoice.Version on success.
	UpdateState(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	NextSequence(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error)
	CountLiveForGroup(ctx context.Context, db *gorm.DB, groupID snowflake.ID) (int64, error)
}
