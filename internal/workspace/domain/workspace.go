package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Type string

const (
	TypePersonal Type = "personal"
	TypeTeam     Type = "team"
)

type BillingMode string

const (
	BillingModeExecutor   BillingMode = "executor"
	BillingModeSharedPool BillingMode = "shared_pool"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Workspace is the billing tenant unit. It owns exactly one balance
// row, provisioned together with the workspace.
type Workspace struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	Type        Type         `json:"type" gorm:"type:text;not null"`
	BillingMode BillingMode  `json:"billing_mode" gorm:"type:text;not null"`
	Status      Status       `json:"status" gorm:"type:text;not null;index"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (Workspace) TableName() string { return "workspaces" }

var (
	ErrNotFound     = errors.New("workspace_not_found")
	ErrSuspended    = errors.New("workspace_suspended")
	ErrInvalidType  = errors.New("invalid_workspace_type")
	ErrInvalidMode  = errors.New("invalid_billing_mode")
)

type CreateRequest struct {
	Type        Type        `json:"type"`
	BillingMode BillingMode `json:"billing_mode"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, w *Workspace) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Workspace, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status) (bool, error)
}

type Service interface {
	// Create provisions a workspace and its balance with the starting
	// grant in one transaction.
	Create(ctx context.Context, req CreateRequest) (*Workspace, error)
	Get(ctx context.Context, id snowflake.ID) (*Workspace, error)
	Suspend(ctx context.Context, id snowflake.ID) error
	// MustBeActive is the admission gate used before any metered call.
	MustBeActive(ctx context.Context, id snowflake.ID) error
}
