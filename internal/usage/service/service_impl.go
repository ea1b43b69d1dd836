package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo usagedomain.Repository
}

type service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo usagedomain.Repository
}

func NewService(p ServiceParam) usagedomain.Service {
	return &service{
		db:   p.DB,
		log:  p.Log.Named("usage.service"),
		repo: p.Repo,
	}
}

func (s *service) List(ctx context.Context, req usagedomain.ListRequest) (usagedomain.ListResponse, error) {
	records, total, err := s.repo.List(ctx, s.db, req)
	if err != nil {
		return usagedomain.ListResponse{}, err
	}
	return usagedomain.ListResponse{
		PageInfo: req.Page.Normalize().Info(total),
		Records:  records,
	}, nil
}

func (s *service) SummarizeByService(ctx context.Context, workspaceID snowflake.ID, from, to time.Time) ([]usagedomain.ServiceSummary, error) {
	return s.repo.SummarizeByService(ctx, s.db, workspaceID, from, to)
}
