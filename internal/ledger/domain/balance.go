// Package domain holds the workspace balance model and the atomic
// ledger contract. Every mutation of a balance goes through this
// interface; nothing else in the codebase writes the balance row.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/money"
	"gorm.io/gorm"
)

// Balance is the spendable CNY amount of one workspace. Amount may go
// negative only through ForceDebit (settlement overage policy); TryDebit
// and Credit never produce a negative committed value.
type Balance struct {
	WorkspaceID snowflake.ID `json:"workspace_id" gorm:"primaryKey"`
	Amount      money.Amount `json:"amount" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (Balance) TableName() string { return "workspace_balances" }

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrWorkspaceNotFound   = errors.New("workspace_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)

// DebitResult reports the outcome of a conditional debit. When OK is
// false the balance was left untouched.
type DebitResult struct {
	OK         bool
	NewBalance money.Amount
}

// Repository executes single-statement atomic balance mutations. All
// methods accept the gorm handle explicitly so callers can compose them
// inside a wider transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, b *Balance) error
	Get(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID) (*Balance, error)

	// TryDebit subtracts amount only if the stored balance covers it,
	// as one conditional UPDATE. Returns false when the guard failed,
	// without distinguishing missing workspaces (callers re-read).
	TryDebit(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID, amount money.Amount) (bool, error)

	// Credit adds amount unconditionally. Returns false when the
	// workspace has no balance row.
	Credit(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID, amount money.Amount) (bool, error)

	// ForceDebit subtracts amount even if it drives the balance
	// negative. Reserved for settlement of already-rendered service.
	ForceDebit(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID, amount money.Amount) (bool, error)
}

type Service interface {
	Get(ctx context.Context, workspaceID snowflake.ID) (*Balance, error)
	TryDebit(ctx context.Context, workspaceID snowflake.ID, amount money.Amount) (DebitResult, error)
	Credit(ctx context.Context, workspaceID snowflake.ID, amount money.Amount) error
}
