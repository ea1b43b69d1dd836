package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/clock"
	"github.com/meterflowlabs/meterflow/internal/config"
	gatewaydomain "github.com/meterflowlabs/meterflow/internal/gateway/domain"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	"github.com/meterflowlabs/meterflow/internal/money"
	"github.com/meterflowlabs/meterflow/internal/observability"
	pricingdomain "github.com/meterflowlabs/meterflow/internal/pricing/domain"
	providerdomain "github.com/meterflowlabs/meterflow/internal/provider/domain"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
	workspacedomain "github.com/meterflowlabs/meterflow/internal/workspace/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// defaultEstimateTokens is the worst-case quantity assumed for the
// pre-check debit when the caller sets no max_tokens cap.
const defaultEstimateTokens = 4096

const settleBackoff = 100 * time.Millisecond

const staleHoldBatch = 200

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	HoldRepo   gatewaydomain.HoldRepository
	LedgerRepo ledgerdomain.Repository
	UsageRepo  usagedomain.Repository
	Workspaces workspacedomain.Service
	Pricing    pricingdomain.Resolver
	Providers  providerdomain.Registry
	Metrics    *observability.BillingMetrics
}

type service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	holdTTL    time.Duration
	retries    int
	holdRepo   gatewaydomain.HoldRepository
	ledgerRepo ledgerdomain.Repository
	usageRepo  usagedomain.Repository
	workspaces workspacedomain.Service
	pricing    pricingdomain.Resolver
	providers  providerdomain.Registry
	metrics    *observability.BillingMetrics
}

func NewService(p ServiceParam) gatewaydomain.Service {
	return &service{
		db:         p.DB,
		log:        p.Log.Named("gateway.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		holdTTL:    p.Config.Billing.HoldTTL,
		retries:    p.Config.Billing.SettleRetries,
		holdRepo:   p.HoldRepo,
		ledgerRepo: p.LedgerRepo,
		usageRepo:  p.UsageRepo,
		workspaces: p.Workspaces,
		pricing:    p.Pricing,
		providers:  p.Providers,
		metrics:    p.Metrics,
	}
}

func (s *service) Invoke(ctx context.Context, req gatewaydomain.MeteredRequest) (*gatewaydomain.MeteredResponse, error) {
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}
	log := s.log.With(
		zap.String("workspace_id", req.WorkspaceID.String()),
		zap.String("request_id", req.RequestID))

	if err := s.workspaces.MustBeActive(ctx, req.WorkspaceID); err != nil {
		return nil, err
	}

	client, err := s.providers.Get(req.ProviderKey)
	if err != nil {
		return nil, err
	}
	if req.Invoke.Model == "" {
		req.Invoke.Model = client.DefaultModel()
	}

	rule, err := s.pricing.Rule(ctx, client.ServiceKey(), s.clock.Now())
	if err != nil {
		return nil, err
	}

	hold, err := s.placeHold(ctx, req, rule)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := client.Invoke(ctx, req.Invoke)
	s.metrics.ProviderLatency.WithLabelValues(req.ProviderKey).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) && hold != nil {
			// The provider may have executed; keep the hold so the
			// recovery sweep reconciles it instead of refunding a call
			// that might have been rendered.
			log.Warn("metered call canceled mid-flight, hold retained",
				zap.String("hold_id", hold.ID.String()))
			s.metrics.MeteredCalls.WithLabelValues(rule.ServiceKey, "canceled").Inc()
			return nil, err
		}
		if hold != nil {
			s.releaseHold(ctx, hold)
		}
		s.metrics.MeteredCalls.WithLabelValues(rule.ServiceKey, providerOutcome(err)).Inc()
		return nil, err
	}

	quantity := meteredQuantity(rule, result.Usage)
	actual := rule.Cost(quantity)

	resp := &gatewaydomain.MeteredResponse{
		Output:    result.Output,
		Usage:     result.Usage,
		Cost:      costBreakdown(rule, result.Usage, actual),
		RequestID: req.RequestID,
	}

	balance, overage, err := s.settle(ctx, req, rule, hold, actual, quantity, result)
	if err != nil {
		if errors.Is(err, usagedomain.ErrDuplicateRequest) {
			return nil, err
		}
		// The provider result is rendered and must reach the caller;
		// billing catches up through reconciliation.
		log.Error("settlement exhausted retries, flagged for reconciliation",
			zap.String("cost", actual.String()), zap.Error(err))
		s.metrics.ReconcileAlerts.Inc()
		s.metrics.MeteredCalls.WithLabelValues(rule.ServiceKey, "settle_pending").Inc()
		resp.SettlementPending = true
		return resp, nil
	}

	resp.Balance = balance
	resp.OverageFlagged = overage
	s.metrics.CostTotal.WithLabelValues(rule.ServiceKey).Add(actual.Yuan())
	if overage {
		s.metrics.OverageEvents.WithLabelValues(rule.ServiceKey).Inc()
		s.metrics.MeteredCalls.WithLabelValues(rule.ServiceKey, "overage").Inc()
		log.Warn("settlement drove balance negative",
			zap.String("cost", actual.String()),
			zap.String("balance", balance.String()))
	} else {
		s.metrics.MeteredCalls.WithLabelValues(rule.ServiceKey, "ok").Inc()
	}
	return resp, nil
}

// placeHold runs the pre-check phase: debit the conservative estimate
// and persist the hold in one transaction. Returns nil when estimation
// is disabled for the service or the estimate is zero.
func (s *service) placeHold(ctx context.Context, req gatewaydomain.MeteredRequest, rule pricingdomain.Rule) (*gatewaydomain.EstimateHold, error) {
	if !rule.Estimate {
		return nil, nil
	}
	maxQty := int64(1)
	if rule.Kind == pricingdomain.KindPerThousandTokens {
		maxQty = req.Invoke.MaxTokens
		if maxQty <= 0 {
			maxQty = defaultEstimateTokens
		}
	}
	estimate := rule.Cost(maxQty)
	if estimate <= 0 {
		return nil, nil
	}

	now := s.clock.Now()
	hold := &gatewaydomain.EstimateHold{
		ID:          s.genID.Generate(),
		WorkspaceID: req.WorkspaceID,
		ServiceKey:  rule.ServiceKey,
		RequestID:   req.RequestID,
		Amount:      estimate,
		Status:      gatewaydomain.HoldStatusHeld,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.ledgerRepo.TryDebit(ctx, tx, req.WorkspaceID, estimate)
		if err != nil {
			return err
		}
		if !ok {
			b, err := s.ledgerRepo.Get(ctx, tx, req.WorkspaceID)
			if err != nil {
				return err
			}
			if b == nil {
				return ledgerdomain.ErrWorkspaceNotFound
			}
			return &gatewaydomain.InsufficientBalanceError{Remaining: b.Amount}
		}
		return s.holdRepo.Insert(ctx, tx, hold)
	})
	if err != nil {
		var insufficient *gatewaydomain.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			s.metrics.DebitsRejected.WithLabelValues("estimate").Inc()
		}
		if isDuplicateKey(err) {
			return nil, usagedomain.ErrDuplicateRequest
		}
		return nil, err
	}
	return hold, nil
}

// settle finalizes billing for a completed provider call, retrying
// transient failures with backoff. Settlement ignores caller
// cancellation: the service was rendered, the books must balance.
func (s *service) settle(ctx context.Context, req gatewaydomain.MeteredRequest, rule pricingdomain.Rule, hold *gatewaydomain.EstimateHold, actual money.Amount, quantity int64, result *providerdomain.InvokeResult) (money.Amount, bool, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		balance money.Amount
		overage bool
		err     error
	)
	for attempt := 0; ; attempt++ {
		balance, overage, err = s.settleOnce(ctx, req, rule, hold, actual, quantity, result)
		if err == nil {
			return balance, overage, nil
		}
		if errors.Is(err, usagedomain.ErrDuplicateRequest) {
			if attempt == 0 {
				return balance, overage, err
			}
			// A duplicate surfacing mid-retry means an earlier attempt
			// committed but its acknowledgment was lost. The call is
			// billed exactly once; report success.
			s.log.Warn("settlement already committed by earlier attempt",
				zap.String("request_id", req.RequestID), zap.Int("attempt", attempt+1))
			return s.committedBalance(ctx, req.WorkspaceID)
		}
		if attempt >= s.retries {
			return 0, false, err
		}
		s.log.Warn("settlement attempt failed, retrying",
			zap.String("request_id", req.RequestID),
			zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(settleBackoff << attempt)
	}
}

// committedBalance reads the post-settlement state after a retry found
// the settlement already persisted.
func (s *service) committedBalance(ctx context.Context, workspaceID snowflake.ID) (money.Amount, bool, error) {
	b, err := s.ledgerRepo.Get(ctx, s.db, workspaceID)
	if err != nil {
		return 0, false, err
	}
	if b == nil {
		return 0, false, ledgerdomain.ErrWorkspaceNotFound
	}
	return b.Amount, b.Amount < 0, nil
}

func (s *service) settleOnce(ctx context.Context, req gatewaydomain.MeteredRequest, rule pricingdomain.Rule, hold *gatewaydomain.EstimateHold, actual money.Amount, quantity int64, result *providerdomain.InvokeResult) (money.Amount, bool, error) {
	meta, _ := json.Marshal(map[string]string{
		"provider":            req.ProviderKey,
		"model":               result.Model,
		"provider_request_id": result.ProviderRequestID,
	})

	var (
		balance money.Amount
		overage bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.usageRepo.FindByRequestID(ctx, tx, req.RequestID)
		if err != nil {
			return err
		}
		if existing != nil {
			return usagedomain.ErrDuplicateRequest
		}

		// A hold the recovery sweep already released has been credited
		// back, so the full actual cost is debited instead of the
		// difference against the estimate.
		holdApplied := false
		if hold != nil {
			holdApplied, err = s.holdRepo.Transition(ctx, tx, hold.ID, gatewaydomain.HoldStatusHeld, gatewaydomain.HoldStatusSettled)
			if err != nil {
				return err
			}
		}

		switch {
		case holdApplied && actual < hold.Amount:
			if _, err := s.ledgerRepo.Credit(ctx, tx, req.WorkspaceID, hold.Amount-actual); err != nil {
				return err
			}
		case holdApplied && actual > hold.Amount:
			overage, err = s.debitOrForce(ctx, tx, req.WorkspaceID, actual-hold.Amount)
			if err != nil {
				return err
			}
		case !holdApplied && actual > 0:
			overage, err = s.debitOrForce(ctx, tx, req.WorkspaceID, actual)
			if err != nil {
				return err
			}
		}

		rec := &usagedomain.UsageRecord{
			ID:          s.genID.Generate(),
			WorkspaceID: req.WorkspaceID,
			ServiceKey:  rule.ServiceKey,
			ServiceType: rule.ServiceType,
			Quantity:    quantity,
			CostCNY:     actual,
			Metadata:    datatypes.JSON(meta),
			RequestID:   req.RequestID,
			CreatedAt:   s.clock.Now(),
		}
		if err := s.usageRepo.Insert(ctx, tx, rec); err != nil {
			return err
		}

		b, err := s.ledgerRepo.Get(ctx, tx, req.WorkspaceID)
		if err != nil {
			return err
		}
		if b == nil {
			return ledgerdomain.ErrWorkspaceNotFound
		}
		balance = b.Amount
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return balance, overage, nil
}

// debitOrForce prefers the conditional debit and falls back to forcing
// the balance negative: the service has already been rendered and the
// cost must be booked even when coverage ran out mid-call.
func (s *service) debitOrForce(ctx context.Context, tx *gorm.DB, workspaceID snowflake.ID, amount money.Amount) (bool, error) {
	ok, err := s.ledgerRepo.TryDebit(ctx, tx, workspaceID, amount)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	forced, err := s.ledgerRepo.ForceDebit(ctx, tx, workspaceID, amount)
	if err != nil {
		return false, err
	}
	if !forced {
		return false, ledgerdomain.ErrWorkspaceNotFound
	}
	return true, nil
}

// releaseHold credits an estimate back after a provider failure. Runs
// detached from the caller context; failures are left to the sweep.
func (s *service) releaseHold(ctx context.Context, hold *gatewaydomain.EstimateHold) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.holdRepo.Transition(ctx, tx, hold.ID, gatewaydomain.HoldStatusHeld, gatewaydomain.HoldStatusReleased)
		if err != nil || !ok {
			return err
		}
		_, err = s.ledgerRepo.Credit(ctx, tx, hold.WorkspaceID, hold.Amount)
		return err
	})
	if err != nil {
		s.log.Error("hold release failed, left to recovery sweep",
			zap.String("hold_id", hold.ID.String()),
			zap.String("request_id", hold.RequestID), zap.Error(err))
	}
}

func (s *service) ReleaseStaleHolds(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.holdTTL)
	holds, err := s.holdRepo.ListStale(ctx, s.db, cutoff, staleHoldBatch)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, hold := range holds {
		hold := hold
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := s.holdRepo.Transition(ctx, tx, hold.ID, gatewaydomain.HoldStatusHeld, gatewaydomain.HoldStatusReleased)
			if err != nil || !ok {
				return err
			}
			if _, err := s.ledgerRepo.Credit(ctx, tx, hold.WorkspaceID, hold.Amount); err != nil {
				return err
			}
			released++
			return nil
		})
		if err != nil {
			s.log.Error("stale hold release failed",
				zap.String("hold_id", hold.ID.String()), zap.Error(err))
			continue
		}
		s.log.Warn("released stale estimate hold",
			zap.String("hold_id", hold.ID.String()),
			zap.String("workspace_id", hold.WorkspaceID.String()),
			zap.String("request_id", hold.RequestID),
			zap.String("amount", hold.Amount.String()))
	}
	if released > 0 {
		s.metrics.HoldsReleased.Add(float64(released))
	}
	return released, nil
}

// meteredQuantity derives the billable quantity from provider-reported
// usage: total tokens for token-metered services, one query otherwise.
func meteredQuantity(rule pricingdomain.Rule, usage providerdomain.Usage) int64 {
	if rule.Kind == pricingdomain.KindPerQuery {
		return 1
	}
	if usage.TotalTokens > 0 {
		return usage.TotalTokens
	}
	return usage.PromptTokens + usage.CompletionTokens
}

func costBreakdown(rule pricingdomain.Rule, usage providerdomain.Usage, actual money.Amount) gatewaydomain.Cost {
	c := gatewaydomain.Cost{TotalCost: actual}
	if rule.Kind == pricingdomain.KindPerThousandTokens && usage.PromptTokens > 0 {
		c.InputCost = money.PerThousand(rule.Rate, usage.PromptTokens)
		if c.InputCost > actual {
			c.InputCost = actual
		}
		c.OutputCost = actual - c.InputCost
	}
	return c
}

func providerOutcome(err error) string {
	switch {
	case errors.Is(err, providerdomain.ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, providerdomain.ErrProviderAuth):
		return "auth_failed"
	default:
		return "provider_error"
	}
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
