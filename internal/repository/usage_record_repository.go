package repository

import (
	"context"
	"errors"
	"oriel-api/internal/config"
	"oriel-api/internal/models"
	apperrors "oriel-api/internal/pkg/errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageStore is the minimal persistence contract for per-identity counters.
// Implementations are injected into the tracker; nothing reads ambient state.
type UsageStore interface {
	Get(ctx context.Context, identity string) (*models.UsageRecord, error)
	Put(ctx context.Context, record *models.UsageRecord) error
}

// UsageRecordRepository is the authoritative server-side usage store.
type UsageRecordRepository interface {
	UsageStore
	// CheckAndIncrement atomically re-validates the plan limits and bumps
	// all counters inside one transaction, so two racing requests for the
	// same identity cannot both pass the check and overshoot the quota.
	// Returns ErrQuotaExceeded without mutating anything when denied.
	CheckAndIncrement(ctx context.Context, identity string, def config.PlanDefinition, now time.Time) (*models.UsageRecord, error)
}

type usageRecordRepository struct {
	db *gorm.DB
}

func NewUsageRecordRepository(db *gorm.DB) UsageRecordRepository {
	return &usageRecordRepository{db: db}
}

func (r *usageRecordRepository) Get(ctx context.Context, identity string) (*models.UsageRecord, error) {
	var record models.UsageRecord
	err := r.db.WithContext(ctx).First(&record, "identity = ?", identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load usage record")
	}
	return &record, nil
}

func (r *usageRecordRepository) Put(ctx context.Context, record *models.UsageRecord) error {
	var existing models.UsageRecord
	err := r.db.WithContext(ctx).First(&existing, "identity = ?", record.Identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(record).Error
	}
	if err != nil {
		return apperrors.Wrap(err, "failed to load usage record")
	}

	record.ID = existing.ID
	return r.db.WithContext(ctx).Save(record).Error
}

func (r *usageRecordRepository) CheckAndIncrement(ctx context.Context, identity string, def config.PlanDefinition, now time.Time) (*models.UsageRecord, error) {
	var record models.UsageRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&record, "identity = ?", identity).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			record = *models.NewUsageRecord(identity, now)
		} else if err != nil {
			return err
		}

		record.ApplyRollover(now)
		if def.Exceeded(record.DailyCount, record.MonthlyCount, record.TotalCount) {
			return apperrors.ErrQuotaExceeded
		}

		record.DailyCount++
		record.MonthlyCount++
		record.TotalCount++

		if record.ID == 0 {
			return tx.Create(&record).Error
		}
		return tx.Save(&record).Error
	})

	if err != nil {
		return nil, err
	}
	return &record, nil
}
