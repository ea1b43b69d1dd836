package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	rechargedomain "github.com/meterflowlabs/meterflow/internal/recharge/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       rechargedomain.Repository
	LedgerRepo ledgerdomain.Repository
}

type service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       rechargedomain.Repository
	ledgerRepo ledgerdomain.Repository
}

func NewService(p ServiceParam) rechargedomain.Service {
	return &service{
		db:         p.DB,
		log:        p.Log.Named("recharge.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		ledgerRepo: p.LedgerRepo,
	}
}

func (s *service) AdminRecharge(ctx context.Context, req rechargedomain.AdminRechargeRequest) (*rechargedomain.RechargeRecord, error) {
	if req.Amount <= 0 {
		return nil, rechargedomain.ErrInvalidAmount
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	} else {
		req.IdempotencyKey = uuid.NewString()
	}

	now := time.Now().UTC()
	rec := &rechargedomain.RechargeRecord{
		ID:             s.genID.Generate(),
		WorkspaceID:    req.WorkspaceID,
		Amount:         req.Amount,
		Method:         rechargedomain.MethodAdmin,
		Status:         rechargedomain.StatusCompleted,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		CompletedAt:    &now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.ledgerRepo.Credit(ctx, tx, req.WorkspaceID, req.Amount)
		if err != nil {
			return err
		}
		if !ok {
			return ledgerdomain.ErrWorkspaceNotFound
		}
		return s.repo.Insert(ctx, tx, rec)
	})
	if err != nil {
		// A concurrent recharge with the same key won the race between
		// the lookup above and this insert; its credit already applied,
		// so return the committed record.
		if isDuplicateKey(err) {
			existing, findErr := s.repo.FindByIdempotencyKey(ctx, s.db, req.IdempotencyKey)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.log.Info("admin recharge applied",
		zap.String("workspace_id", req.WorkspaceID.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("reason", req.Reason))
	return rec, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (s *service) List(ctx context.Context, req rechargedomain.ListRequest) (rechargedomain.ListResponse, error) {
	records, total, err := s.repo.List(ctx, s.db, req)
	if err != nil {
		return rechargedomain.ListResponse{}, err
	}
	return rechargedomain.ListResponse{
		PageInfo: req.Page.Normalize().Info(total),
		Records:  records,
	}, nil
}
