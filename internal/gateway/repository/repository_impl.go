package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/gateway/domain"
	"gorm.io/gorm"
)

type holdRepository struct{}

func NewHoldRepository() domain.HoldRepository {
	return &holdRepository{}
}

func (r *holdRepository) Insert(ctx context.Context, db *gorm.DB, h *domain.EstimateHold) error {
	return db.WithContext(ctx).Create(h).Error
}

func (r *holdRepository) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.HoldStatus) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE estimate_holds SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *holdRepository) ListStale(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]domain.EstimateHold, error) {
	var holds []domain.EstimateHold
	err := db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.HoldStatusHeld, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&holds).Error
	if err != nil {
		return nil, err
	}
	return holds, nil
}
