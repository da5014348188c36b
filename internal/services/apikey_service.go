package services

import (
	"context"
	"oriel-api/internal/models"
	"oriel-api/internal/repository"
	"time"

	"github.com/google/uuid"
)

type APIKeyService interface {
	AssignAPIKeyToUser(ctx context.Context, userID uuid.UUID) (*models.APIKey, error)
	GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error)
	GetAPIKeyByUserID(ctx context.Context, userID uuid.UUID) (*models.APIKey, error)
}

type apiKeyService struct {
	repo repository.APIKeyRepository
}

func NewAPIKeyService(repo repository.APIKeyRepository) APIKeyService {
	return &apiKeyService{repo: repo}
}

func (s *apiKeyService) AssignAPIKeyToUser(ctx context.Context, userID uuid.UUID) (*models.APIKey, error) {
	apiKey := &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Key:       uuid.NewString(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := s.repo.Create(ctx, apiKey); err != nil {
		return nil, err
	}
	return apiKey, nil
}

func (s *apiKeyService) GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error) {
	return s.repo.GetByKey(ctx, key)
}

func (s *apiKeyService) GetAPIKeyByUserID(ctx context.Context, userID uuid.UUID) (*models.APIKey, error) {
	return s.repo.GetByUserID(ctx, userID)
}
