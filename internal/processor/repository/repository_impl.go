package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/folio/internal/processor/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const columns = `id, org_id, processor_type, mode, credentials, webhook_secret, is_active,
	last_validated_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, mp *domain.MerchantProcessor) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO merchant_processors (`+columns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, processor_type, mode) DO NOTHING`,
		mp.ID,
		mp.OrgID,
		mp.ProcessorType,
		mp.Mode,
		mp.Credentials,
		mp.WebhookSecret,
		mp.IsActive,
		mp.LastValidatedAt,
		mp.CreatedAt,
		mp.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.MerchantProcessor, error) {
	var item domain.MerchantProcessor
	err := db.WithContext(ctx).Raw(
		`SELECT `+columns+`
		 FROM merchant_processors
		 WHERE org_id = ? AND id = ?
		 LIMIT 1`,
		orgID,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID, processorType string, mode domain.Mode) (*domain.MerchantProcessor, error) {
	var item domain.MerchantProcessor
	err := db.WithContext(ctx).Raw(
		`SELECT `+columns+`
		 FROM merchant_processors
		 WHERE org_id = ? AND processor_type = ? AND mode = ? AND is_active = TRUE
		 LIMIT 1`,
		orgID,
		processorType,
		mode,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.MerchantProcessor, error) {
	var items []domain.MerchantProcessor
	err := db.WithContext(ctx).Raw(
		`SELECT `+columns+`
		 FROM merchant_processors
		 WHERE org_id = ?
		 ORDER BY created_at DESC`,
		orgID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListByType returns every configuration of the type, active ones first.
func (r *repo) ListByType(ctx context.Context, db *gorm.DB, processorType string) ([]domain.MerchantProcessor, error) {
	var items []domain.MerchantProcessor
	err := db.WithContext(ctx).Raw(
		`SELECT `+columns+`
		 FROM merchant_processors
		 WHERE processor_type = ?
		 ORDER BY is_active DESC, created_at ASC`,
		processorType,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateCredentials(ctx context.Context, db *gorm.DB, mp *domain.MerchantProcessor) error {
	return db.WithContext(ctx).Exec(
		`UPDATE merchant_processors
		 SET credentials = ?, webhook_secret = ?, last_validated_at = ?, updated_at = ?
		 WHERE id = ?`,
		mp.Credentials,
		mp.WebhookSecret,
		mp.LastValidatedAt,
		mp.UpdatedAt,
		mp.ID,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, mp *domain.MerchantProcessor) error {
	return db.WithContext(ctx).Exec(
		`UPDATE merchant_processors
		 SET is_active = ?, last_validated_at = ?, updated_at = ?
		 WHERE id = ?`,
		mp.IsActive,
		mp.LastValidatedAt,
		mp.UpdatedAt,
		mp.ID,
	).Error
}
