package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/meterflowlabs/meterflow/internal/config"
	"github.com/meterflowlabs/meterflow/internal/money"
	pricingdomain "github.com/meterflowlabs/meterflow/internal/pricing/domain"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ResolverParam struct {
	fx.In

	Log    *zap.Logger
	Config config.Config
	Viper  *viper.Viper `optional:"true"`
}

type resolver struct {
	log *zap.Logger

	mu    sync.RWMutex
	rules map[string]pricingdomain.Rule
}

// NewResolver builds the rule table eagerly and rejects malformed
// configuration at startup. When a viper instance is available the
// table is re-read on config file changes; a bad reload keeps the
// previous table in place.
func NewResolver(p ResolverParam) (pricingdomain.Resolver, error) {
	r := &resolver{log: p.Log.Named("pricing.resolver")}

	rules, err := compile(p.Config.Pricing)
	if err != nil {
		return nil, err
	}
	r.rules = rules

	if p.Viper != nil {
		p.Viper.OnConfigChange(func(fsnotify.Event) {
			var cfg config.Config
			if err := p.Viper.Unmarshal(&cfg); err != nil {
				r.log.Error("pricing reload: config unmarshal failed", zap.Error(err))
				return
			}
			fresh, err := compile(cfg.Pricing)
			if err != nil {
				r.log.Error("pricing reload rejected", zap.Error(err))
				return
			}
			r.mu.Lock()
			r.rules = fresh
			r.mu.Unlock()
			r.log.Info("pricing table reloaded", zap.Int("services", len(fresh)))
		})
		p.Viper.WatchConfig()
	}

	return r, nil
}

func compile(cfg config.PricingConfig) (map[string]pricingdomain.Rule, error) {
	rules := make(map[string]pricingdomain.Rule, len(cfg.Services))
	for key, sp := range cfg.Services {
		rule, err := compileRule(key, sp)
		if err != nil {
			return nil, err
		}
		rules[key] = rule
	}
	return rules, nil
}

func compileRule(key string, sp config.ServicePricing) (pricingdomain.Rule, error) {
	var kind pricingdomain.Kind
	switch pricingdomain.Kind(sp.Kind) {
	case pricingdomain.KindPerThousandTokens, pricingdomain.KindPerQuery:
		kind = pricingdomain.Kind(sp.Kind)
	default:
		return pricingdomain.Rule{}, fmt.Errorf("%w: service %q has unknown kind %q",
			pricingdomain.ErrInvalidPricingConfig, key, sp.Kind)
	}

	rate, err := money.Parse(sp.Rate)
	if err != nil || rate <= 0 {
		return pricingdomain.Rule{}, fmt.Errorf("%w: service %q has invalid rate %q",
			pricingdomain.ErrInvalidPricingConfig, key, sp.Rate)
	}

	serviceType := usagedomain.ServiceType(sp.Type)
	switch serviceType {
	case usagedomain.ServiceTypeLLM, usagedomain.ServiceTypeEmbedding,
		usagedomain.ServiceTypeRAG, usagedomain.ServiceTypePlugin:
	case "":
		serviceType = usagedomain.ServiceTypeLLM
	default:
		return pricingdomain.Rule{}, fmt.Errorf("%w: service %q has unknown type %q",
			pricingdomain.ErrInvalidPricingConfig, key, sp.Type)
	}

	// Pre-check estimation defaults on for token-metered services: the
	// worst case is bounded by max_tokens. Per-query rates are flat and
	// small, so the post-call debit is the default there.
	estimate := kind == pricingdomain.KindPerThousandTokens
	if sp.Estimate != nil {
		estimate = *sp.Estimate
	}

	rule := pricingdomain.Rule{
		ServiceKey:  key,
		Kind:        kind,
		Rate:        rate,
		ServiceType: serviceType,
		Estimate:    estimate,
	}

	if sp.EffectiveFrom != "" {
		t, err := time.Parse(time.RFC3339, sp.EffectiveFrom)
		if err != nil {
			return pricingdomain.Rule{}, fmt.Errorf("%w: service %q effective_from: %v",
				pricingdomain.ErrInvalidPricingConfig, key, err)
		}
		rule.EffectiveFrom = &t
	}
	if sp.EffectiveTo != "" {
		t, err := time.Parse(time.RFC3339, sp.EffectiveTo)
		if err != nil {
			return pricingdomain.Rule{}, fmt.Errorf("%w: service %q effective_to: %v",
				pricingdomain.ErrInvalidPricingConfig, key, err)
		}
		rule.EffectiveTo = &t
	}

	return rule, nil
}

func (r *resolver) Rule(_ context.Context, serviceKey string, at time.Time) (pricingdomain.Rule, error) {
	r.mu.RLock()
	rule, ok := r.rules[serviceKey]
	r.mu.RUnlock()

	if !ok || !rule.ActiveAt(at) {
		return pricingdomain.Rule{}, pricingdomain.ErrServiceNotPriced
	}
	return rule, nil
}

func (r *resolver) CostFor(ctx context.Context, serviceKey string, quantity int64, at time.Time) (money.Amount, error) {
	rule, err := r.Rule(ctx, serviceKey, at)
	if err != nil {
		return 0, err
	}
	return rule.Cost(quantity), nil
}

func (r *resolver) EstimateFor(ctx context.Context, serviceKey string, maxQuantity int64, at time.Time) (money.Amount, error) {
	rule, err := r.Rule(ctx, serviceKey, at)
	if err != nil {
		return 0, err
	}
	if !rule.Estimate {
		return 0, nil
	}
	return rule.Cost(maxQuantity), nil
}
