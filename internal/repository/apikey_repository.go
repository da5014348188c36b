package repository

import (
	"context"
	"oriel-api/internal/models"
	"oriel-api/internal/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type APIKeyRepository interface {
	Create(ctx context.Context, key *models.APIKey) error
	GetByKey(ctx context.Context, key string) (*models.APIKey, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.APIKey, error)
}

type apiKeyRepository struct {
	db *gorm.DB
}

func NewAPIKeyRepository(db *gorm.DB) APIKeyRepository {
	return &apiKeyRepository{db: db}
}

func (r *apiKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return errors.Wrap(err, "failed to create API key")
	}
	return nil
}

func (r *apiKeyRepository) GetByKey(ctx context.Context, key string) (*models.APIKey, error) {
	var apiKey models.APIKey
	result := r.db.WithContext(ctx).First(&apiKey, "key = ?", key)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Wrap(result.Error, "failed to get API key")
	}

	return &apiKey, nil
}

func (r *apiKeyRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.APIKey, error) {
	var apiKey models.APIKey
	result := r.db.WithContext(ctx).
		Order("created_at DESC").
		First(&apiKey, "user_id = ?", userID)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Wrap(result.Error, "failed to get API key by user ID")
	}

	return &apiKey, nil
}
