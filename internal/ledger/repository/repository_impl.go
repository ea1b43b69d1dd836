package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	"github.com/meterflowlabs/meterflow/internal/money"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, b *ledgerdomain.Balance) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO workspace_balances (workspace_id, amount, updated_at)
		 VALUES (?, ?, ?)`,
		b.WorkspaceID,
		int64(b.Amount),
		b.UpdatedAt,
	).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID) (*ledgerdomain.Balance, error) {
	var b ledgerdomain.Balance
	err := db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// TryDebit is the only balance-check-and-spend primitive. The amount
// guard lives inside the UPDATE so concurrent debits against the same
// row serialize at the database and can never overspend.
func (r *repo) TryDebit(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID, amount money.Amount) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE workspace_balances
		 SET amount = amount - ?, updated_at = ?
		 WHERE workspace_id = ? AND amount >= ?`,
		int64(amount),
		time.Now().UTC(),
		workspaceID,
		int64(amount),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Credit(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID, amount money.Amount) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE workspace_balances
		 SET amount = amount + ?, updated_at = ?
		 WHERE workspace_id = ?`,
		int64(amount),
		time.Now().UTC(),
		workspaceID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ForceDebit(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID, amount money.Amount) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE workspace_balances
		 SET amount = amount - ?, updated_at = ?
		 WHERE workspace_id = ?`,
		int64(amount),
		time.Now().UTC(),
		workspaceID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
