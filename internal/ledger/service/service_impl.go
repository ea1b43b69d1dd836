package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	"github.com/meterflowlabs/meterflow/internal/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo ledgerdomain.Repository
}

type service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo ledgerdomain.Repository
}

func NewService(p ServiceParam) ledgerdomain.Service {
	return &service{
		db:   p.DB,
		log:  p.Log.Named("ledger.service"),
		repo: p.Repo,
	}
}

func (s *service) Get(ctx context.Context, workspaceID snowflake.ID) (*ledgerdomain.Balance, error) {
	b, err := s.repo.Get(ctx, s.db, workspaceID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ledgerdomain.ErrWorkspaceNotFound
	}
	return b, nil
}

func (s *service) TryDebit(ctx context.Context, workspaceID snowflake.ID, amount money.Amount) (ledgerdomain.DebitResult, error) {
	if amount <= 0 {
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrInvalidAmount
	}

	// The debit and the balance read share one transaction. The conditional
	// UPDATE holds the row lock until commit, so NewBalance is exactly the
	// post-debit amount with no interleaved mutations.
	var (
		ok bool
		b  *ledgerdomain.Balance
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ok, err = s.repo.TryDebit(ctx, tx, workspaceID, amount)
		if err != nil {
			return err
		}
		b, err = s.repo.Get(ctx, tx, workspaceID)
		return err
	})
	if err != nil {
		return ledgerdomain.DebitResult{}, err
	}
	if b == nil {
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrWorkspaceNotFound
	}

	if !ok {
		s.log.Debug("debit rejected",
			zap.String("workspace_id", workspaceID.String()),
			zap.String("amount", amount.String()),
			zap.String("balance", b.Amount.String()))
	}
	return ledgerdomain.DebitResult{OK: ok, NewBalance: b.Amount}, nil
}

func (s *service) Credit(ctx context.Context, workspaceID snowflake.ID, amount money.Amount) error {
	if amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	ok, err := s.repo.Credit(ctx, s.db, workspaceID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ledgerdomain.ErrWorkspaceNotFound
	}
	return nil
}
