package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/money"
	"github.com/meterflowlabs/meterflow/pkg/db/pagination"
	"gorm.io/gorm"
)

type Method string

const (
	MethodAdmin  Method = "admin"
	MethodOnline Method = "online"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RechargeRecord is the immutable fact of one balance top-up. It
// contributes to the balance only once status reaches completed, in
// the same transaction as the ledger credit.
type RechargeRecord struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	WorkspaceID    snowflake.ID `json:"workspace_id" gorm:"not null;index"`
	Amount         money.Amount `json:"amount" gorm:"not null"`
	Method         Method       `json:"method" gorm:"type:text;not null"`
	Status         Status       `json:"status" gorm:"type:text;not null"`
	Reason         string       `json:"reason,omitempty" gorm:"type:text"`
	IdempotencyKey string       `json:"-" gorm:"type:text;uniqueIndex"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

func (RechargeRecord) TableName() string { return "recharge_records" }

var ErrInvalidAmount = errors.New("invalid_recharge_amount")

type AdminRechargeRequest struct {
	WorkspaceID    snowflake.ID
	Amount         money.Amount
	Reason         string
	IdempotencyKey string
}

type ListRequest struct {
	WorkspaceID snowflake.ID
	Page        pagination.Pagination
}

type ListResponse struct {
	pagination.PageInfo
	Records []RechargeRecord `json:"records"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, rec *RechargeRecord) error
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*RechargeRecord, error)
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]RechargeRecord, int64, error)
}

type Service interface {
	// AdminRecharge credits the workspace and records the completed
	// top-up atomically. Replays with the same idempotency key return
	// the original record without crediting again.
	AdminRecharge(ctx context.Context, req AdminRechargeRequest) (*RechargeRecord, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}
