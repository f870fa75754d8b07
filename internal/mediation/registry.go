package mediation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/config"
	"github.com/coachpo/mediation/internal/sdk"
	"github.com/coachpo/mediation/internal/sdk/fake"
)

// Factory constructs a vendor SDK binding from its network entry.
type Factory func(ctx context.Context, spec config.NetworkSpec) (sdk.Network, error)

// Registry maintains network factories keyed by kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a registry with the built-in kinds registered.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	RegisterFakeFactory(reg)
	return reg
}

// Register registers a factory for kind, replacing any earlier one.
func (r *Registry) Register(kind string, factory Factory) {
	if factory == nil {
		panic("network factory required")
	}
	r.mu.Lock()
	r.factories[kind] = factory
	r.mu.Unlock()
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Create instantiates the network described by spec.
func (r *Registry) Create(ctx context.Context, spec config.NetworkSpec) (sdk.Network, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(spec.Name, errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("network kind %q not registered", spec.Kind)))
	}
	network, err := factory(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("instantiate network %s(%s): %w", spec.Name, spec.Kind, err)
	}
	return network, nil
}

// RegisterFakeFactory registers the simulated SDK under kind "fake".
func RegisterFakeFactory(reg *Registry) {
	reg.Register("fake", func(_ context.Context, spec config.NetworkSpec) (sdk.Network, error) {
		opts, err := fake.OptionsFromConfig(spec.Name, spec.Options)
		if err != nil {
			return nil, err
		}
		return fake.New(opts), nil
	})
}
