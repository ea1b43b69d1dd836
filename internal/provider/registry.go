package provider

import (
	"sort"

	"github.com/meterflowlabs/meterflow/internal/config"
	providerdomain "github.com/meterflowlabs/meterflow/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type registry struct {
	clients map[string]providerdomain.Client
	// disabled keys are kept separate so Get can distinguish a disabled
	// provider from an unknown one.
	disabled map[string]struct{}
}

type RegistryParam struct {
	fx.In

	Log    *zap.Logger
	Config config.Config
}

func NewRegistry(p RegistryParam) providerdomain.Registry {
	log := p.Log.Named("provider.registry")
	r := &registry{
		clients:  make(map[string]providerdomain.Client),
		disabled: make(map[string]struct{}),
	}

	for key, pc := range p.Config.Providers {
		if !pc.Enabled {
			r.disabled[key] = struct{}{}
			continue
		}
		serviceKey := pc.ServiceKey
		if serviceKey == "" {
			serviceKey = key
		}
		r.clients[key] = newOpenAIClient(key, serviceKey, pc.Endpoint, pc.APIKey, pc.DefaultModel)
		log.Info("provider registered",
			zap.String("provider", key),
			zap.String("service_key", serviceKey))
	}
	return r
}

func (r *registry) Get(key string) (providerdomain.Client, error) {
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	if _, ok := r.disabled[key]; ok {
		return nil, providerdomain.ErrProviderDisabled
	}
	return nil, providerdomain.ErrProviderNotFound
}

func (r *registry) List() []providerdomain.Info {
	out := make([]providerdomain.Info, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, providerdomain.Info{
			Key:          c.Key(),
			DefaultModel: c.DefaultModel(),
			ServiceKey:   c.ServiceKey(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

var Module = fx.Module("provider.registry",
	fx.Provide(NewRegistry),
)
