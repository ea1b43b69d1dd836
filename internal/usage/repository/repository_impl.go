package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/money"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rec *usagedomain.UsageRecord) error {
	err := db.WithContext(ctx).Create(rec).Error
	if err != nil && isUniqueViolation(err) {
		return usagedomain.ErrDuplicateRequest
	}
	return err
}

func (r *repo) FindByRequestID(ctx context.Context, db *gorm.DB, requestID string) (*usagedomain.UsageRecord, error) {
	var rec usagedomain.UsageRecord
	err := db.WithContext(ctx).Where("request_id = ?", requestID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, req usagedomain.ListRequest) ([]usagedomain.UsageRecord, int64, error) {
	stmt := db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Where("workspace_id = ?", req.WorkspaceID)

	if req.ServiceKey != "" {
		stmt = stmt.Where("service_key = ?", req.ServiceKey)
	}
	if req.From != nil {
		stmt = stmt.Where("created_at >= ?", *req.From)
	}
	if req.To != nil {
		stmt = stmt.Where("created_at < ?", *req.To)
	}

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := req.Page.Normalize()
	var records []usagedomain.UsageRecord
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

func (r *repo) SummarizeByService(ctx context.Context, db *gorm.DB, workspaceID snowflake.ID, from, to time.Time) ([]usagedomain.ServiceSummary, error) {
	var rows []struct {
		ServiceKey string
		Calls      int64
		Quantity   int64
		Revenue    int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT service_key,
		        COUNT(*)       AS calls,
		        SUM(quantity)  AS quantity,
		        SUM(cost_cny)  AS revenue
		 FROM usage_records
		 WHERE workspace_id = ? AND created_at >= ? AND created_at < ?
		 GROUP BY service_key
		 ORDER BY revenue DESC`,
		workspaceID,
		from,
		to,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]usagedomain.ServiceSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, usagedomain.ServiceSummary{
			ServiceKey: row.ServiceKey,
			Calls:      row.Calls,
			Quantity:   row.Quantity,
			Revenue:    money.Amount(row.Revenue),
		})
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
