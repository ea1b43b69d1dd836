package repository

import (
	"context"
	"errors"

	rechargedomain "github.com/meterflowlabs/meterflow/internal/recharge/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() rechargedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rec *rechargedomain.RechargeRecord) error {
	return db.WithContext(ctx).Create(rec).Error
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*rechargedomain.RechargeRecord, error) {
	var rec rechargedomain.RechargeRecord
	err := db.WithContext(ctx).Where("idempotency_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, req rechargedomain.ListRequest) ([]rechargedomain.RechargeRecord, int64, error) {
	stmt := db.WithContext(ctx).
		Model(&rechargedomain.RechargeRecord{}).
		Where("workspace_id = ?", req.WorkspaceID)

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := req.Page.Normalize()
	var records []rechargedomain.RechargeRecord
	err := stmt.
		Order("created_at DESC").
		Limit(page.PageSize).
		Offset(page.Offset()).
		Find(&records).Error
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}
