// Package domain holds the append-only usage audit trail. Records are
// written exactly once inside the settlement transaction and never
// mutated afterwards.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/money"
	"github.com/meterflowlabs/meterflow/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceType string

const (
	ServiceTypeLLM       ServiceType = "llm"
	ServiceTypeEmbedding ServiceType = "embedding"
	ServiceTypeRAG       ServiceType = "rag"
	ServiceTypePlugin    ServiceType = "plugin"
)

// UsageRecord is the immutable fact of one metered call. CostCNY always
// equals the amount debited from the balance in the same transaction.
// RequestID is unique, which makes settlement retries exactly-once.
type UsageRecord struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	WorkspaceID snowflake.ID   `json:"workspace_id" gorm:"not null;index:idx_usage_workspace_created"`
	ServiceKey  string         `json:"service_key" gorm:"type:text;not null;index"`
	ServiceType ServiceType    `json:"service_type" gorm:"type:text;not null"`
	Quantity    int64          `json:"quantity" gorm:"not null"`
	CostCNY     money.Amount   `json:"cost_cny" gorm:"not null"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	RequestID   string         `json:"request_id" gorm:"type:text;not null;uniqueIndex"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null;index:idx_usage_workspace_created"`
}

func (UsageRecord) TableName() string { return "usage_records" }

var ErrDuplicateRequest = errors.New("duplicate_request")

type ListRequest struct {
	WorkspaceID snowflake.ID
	ServiceKey  string
	From        *time.Time
	To          *time.Time
	Page        pagination.Pagination
}

type ListResponse struct {
	pagination.PageInfo
	Records []UsageRecord `json:"records"`
}

// ServiceSummary is the admin analytics projection: revenue and call
// volume per service key.
type ServiceSummary struct {
	ServiceKey string       `json:"service_key"`
	Calls      int64        `json:"calls"`
	Quantity   int64        `json:"quantity"`
	Revenue    money.Amount `json:"revenue"`
}

type Repository interface {
	// Insert appends one record. ErrDuplicateRequest is returned when
	// the request id was already recorded.
	Insert(ctx context.Context, db *gorm.DB, rec *UsageRecord) error
	FindByRequestID(ctx context.Context, db *gorm.DB, requestID string) (*UsageRecord, error)
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]UsageRecord, int64, error)
	SummarizeByService(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID, from, to time.Time) ([]ServiceSummary, error)
}

type Service interface {
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	SummarizeByService(ctx context.Context, workspaceID snowflake.ID, from, to time.Time) ([]ServiceSummary, error)
}
