// Package domain defines the metered-call orchestration contract: the
// request/response envelope, the durable estimate hold, and the error
// taxonomy workflow authors are expected to branch on.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/money"
	providerdomain "github.com/meterflowlabs/meterflow/internal/provider/domain"
	"gorm.io/gorm"
)

var (
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrRateLimited         = errors.New("rate_limited")
)

// InsufficientBalanceError carries the remaining balance so the caller
// can report how much a workspace would need to top up.
type InsufficientBalanceError struct {
	Remaining money.Amount
}

func (e *InsufficientBalanceError) Error() string { return "insufficient_balance" }
func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type HoldStatus string

const (
	HoldStatusHeld     HoldStatus = "held"
	HoldStatusSettled  HoldStatus = "settled"
	HoldStatusReleased HoldStatus = "released"
)

// EstimateHold is the durable record of a pre-check debit that has not
// settled yet. A crashed process leaves its holds in status held; the
// recovery sweep credits them back after the TTL.
type EstimateHold struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	WorkspaceID snowflake.ID `gorm:"not null;index"`
	ServiceKey  string       `gorm:"type:text;not null"`
	RequestID   string       `gorm:"type:text;not null;uniqueIndex"`
	Amount      money.Amount `gorm:"not null"`
	Status      HoldStatus   `gorm:"type:text;not null;index"`
	CreatedAt   time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null;index"`
}

func (EstimateHold) TableName() string { return "estimate_holds" }

// MeteredRequest is one metered call on behalf of a workspace. The
// workflow execution layer supplies the workspace id; RequestID is
// generated when the caller does not resubmit an earlier request.
type MeteredRequest struct {
	WorkspaceID snowflake.ID
	ProviderKey string
	RequestID   string
	Invoke      providerdomain.InvokeRequest
}

type Cost struct {
	InputCost  money.Amount `json:"input_cost"`
	OutputCost money.Amount `json:"output_cost"`
	TotalCost  money.Amount `json:"total_cost"`
}

type MeteredResponse struct {
	Output    json.RawMessage      `json:"output"`
	Usage     providerdomain.Usage `json:"usage"`
	Cost      Cost                 `json:"cost"`
	Balance   money.Amount         `json:"balance"`
	RequestID string               `json:"request_id"`
	// OverageFlagged marks settlements that drove the balance negative;
	// these are surfaced to admins for reconciliation.
	OverageFlagged bool `json:"overage_flagged,omitempty"`
	// SettlementPending is set when billing bookkeeping exhausted its
	// retries and is left to reconciliation; the provider result is
	// still valid.
	SettlementPending bool `json:"settlement_pending,omitempty"`
}

type HoldRepository interface {
	Insert(ctx context.Context, db *gorm.DB, h *EstimateHold) error
	// Transition flips the status only when the current status matches
	// from, so release and settle cannot both apply to one hold.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to HoldStatus) (bool, error)
	ListStale(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]EstimateHold, error)
}

type Service interface {
	Invoke(ctx context.Context, req MeteredRequest) (*MeteredResponse, error)
	// ReleaseStaleHolds is the recovery sweep; returns how many holds
	// were credited back.
	ReleaseStaleHolds(ctx context.Context) (int, error)
}
