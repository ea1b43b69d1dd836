package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	workspacedomain "github.com/meterflowlabs/meterflow/internal/workspace/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() workspacedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, w *workspacedomain.Workspace) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO workspaces (id, type, billing_mode, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID,
		w.Type,
		w.BillingMode,
		w.Status,
		w.CreatedAt,
		w.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*workspacedomain.Workspace, error) {
	var w workspacedomain.Workspace
	err := db.WithContext(ctx).Where("id = ?", id).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status workspacedomain.Status) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE workspaces SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
