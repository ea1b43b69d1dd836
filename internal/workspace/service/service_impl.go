package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/config"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	"github.com/meterflowlabs/meterflow/internal/money"
	workspacedomain "github.com/meterflowlabs/meterflow/internal/workspace/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Config     config.Config
	Repo       workspacedomain.Repository
	LedgerRepo ledgerdomain.Repository
}

type service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	grant      money.Amount
	repo       workspacedomain.Repository
	ledgerRepo ledgerdomain.Repository
}

func NewService(p ServiceParam) (workspacedomain.Service, error) {
	grant, err := money.Parse(p.Config.Billing.StartingGrant)
	if err != nil {
		return nil, err
	}
	return &service{
		db:         p.DB,
		log:        p.Log.Named("workspace.service"),
		genID:      p.GenID,
		grant:      grant,
		repo:       p.Repo,
		ledgerRepo: p.LedgerRepo,
	}, nil
}

func (s *service) Create(ctx context.Context, req workspacedomain.CreateRequest) (*workspacedomain.Workspace, error) {
	switch req.Type {
	case workspacedomain.TypePersonal, workspacedomain.TypeTeam:
	default:
		return nil, workspacedomain.ErrInvalidType
	}
	if req.BillingMode == "" {
		req.BillingMode = workspacedomain.BillingModeExecutor
	}
	switch req.BillingMode {
	case workspacedomain.BillingModeExecutor, workspacedomain.BillingModeSharedPool:
	default:
		return nil, workspacedomain.ErrInvalidMode
	}

	now := time.Now().UTC()
	w := &workspacedomain.Workspace{
		ID:          s.genID.Generate(),
		Type:        req.Type,
		BillingMode: req.BillingMode,
		Status:      workspacedomain.StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, w); err != nil {
			return err
		}
		return s.ledgerRepo.Insert(ctx, tx, &ledgerdomain.Balance{
			WorkspaceID: w.ID,
			Amount:      s.grant,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("workspace provisioned",
		zap.String("workspace_id", w.ID.String()),
		zap.String("starting_grant", s.grant.String()))
	return w, nil
}

func (s *service) Get(ctx context.Context, id snowflake.ID) (*workspacedomain.Workspace, error) {
	w, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, workspacedomain.ErrNotFound
	}
	return w, nil
}

func (s *service) Suspend(ctx context.Context, id snowflake.ID) error {
	ok, err := s.repo.UpdateStatus(ctx, s.db, id, workspacedomain.StatusSuspended)
	if err != nil {
		return err
	}
	if !ok {
		return workspacedomain.ErrNotFound
	}
	return nil
}

func (s *service) MustBeActive(ctx context.Context, id snowflake.ID) error {
	w, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != workspacedomain.StatusActive {
		return workspacedomain.ErrSuspended
	}
	return nil
}
