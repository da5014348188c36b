package repository

import (
	"context"
	"oriel-api/internal/models"
	"oriel-api/internal/pkg/errors"
	"time"

	"gorm.io/gorm"
)

type ConsumptionEventRepository interface {
	Append(ctx context.Context, event *models.ConsumptionEvent) error
	ListByIdentity(ctx context.Context, identity string, from, to time.Time) ([]models.ConsumptionEvent, error)
}

type consumptionEventRepository struct {
	db *gorm.DB
}

func NewConsumptionEventRepository(db *gorm.DB) ConsumptionEventRepository {
	return &consumptionEventRepository{db: db}
}

func (r *consumptionEventRepository) Append(ctx context.Context, event *models.ConsumptionEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.Wrap(err, "failed to append consumption event")
	}
	return nil
}

func (r *consumptionEventRepository) ListByIdentity(ctx context.Context, identity string, from, to time.Time) ([]models.ConsumptionEvent, error) {
	var events []models.ConsumptionEvent
	err := r.db.WithContext(ctx).
		Where("identity = ? AND timestamp BETWEEN ? AND ?", identity, from, to).
		Order("timestamp ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list consumption events")
	}
	return events, nil
}
