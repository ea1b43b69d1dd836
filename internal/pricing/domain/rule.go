// Package domain defines the typed pricing rules. Loosely-typed config
// entries are converted into these variants once at load time; a
// malformed entry fails startup instead of failing individual calls.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/meterflowlabs/meterflow/internal/money"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
)

type Kind string

const (
	// KindPerThousandTokens prices token-metered services per 1K tokens.
	KindPerThousandTokens Kind = "per_thousand_tokens"
	// KindPerQuery prices query-metered (RAG) services per call.
	KindPerQuery Kind = "per_query"
)

var (
	ErrInvalidPricingConfig = errors.New("invalid_pricing_config")
	ErrServiceNotPriced     = errors.New("service_not_priced")
)

// Rule is one resolved pricing rule for a service key.
type Rule struct {
	ServiceKey    string
	Kind          Kind
	Rate          money.Amount
	ServiceType   usagedomain.ServiceType
	Estimate      bool
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
}

// ActiveAt reports whether the rule applies at the given instant.
func (r Rule) ActiveAt(at time.Time) bool {
	if r.EffectiveFrom != nil && at.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !at.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// Cost prices a usage quantity under this rule. Integer fixed-point
// arithmetic with half-up rounding keeps repeated computations equal.
func (r Rule) Cost(quantity int64) money.Amount {
	switch r.Kind {
	case KindPerQuery:
		return r.Rate
	default:
		return money.PerThousand(r.Rate, quantity)
	}
}

type Resolver interface {
	// Rule returns the rule active for serviceKey at the given time.
	Rule(ctx context.Context, serviceKey string, at time.Time) (Rule, error)
	// CostFor prices an observed usage quantity.
	CostFor(ctx context.Context, serviceKey string, quantity int64, at time.Time) (money.Amount, error)
	// EstimateFor returns the conservative pre-check amount for a
	// worst-case quantity, or zero when estimation is disabled for the
	// service.
	EstimateFor(ctx context.Context, serviceKey string, maxQuantity int64, at time.Time) (money.Amount, error)
}
