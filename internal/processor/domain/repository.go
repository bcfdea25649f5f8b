package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, mp *MerchantProcessor) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*MerchantProcessor, error)
	FindActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID, processorType string, mode Mode) (*MerchantProcessor, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]MerchantProcessor, error)
	ListByType(ctx context.Context, db *gorm.DB, processorType string) ([]MerchantProcessor, error)
	UpdateCredentials(ctx context.Context, db *gorm.DB, mp *MerchantProcessor) error
	UpdateStatus(ctx context.Context, db *gorm.DB, mp *MerchantProcessor) error
}
