package mediation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/config"
	"github.com/coachpo/mediation/internal/coordinator"
	"github.com/coachpo/mediation/internal/demux"
	"github.com/coachpo/mediation/internal/observability"
	"github.com/coachpo/mediation/lib/async"
)

// Mediator holds one Binding per configured network, all sharing a single
// serial executor for init notifications.
type Mediator struct {
	queue    *async.Queue
	logger   observability.Logger
	timeout  time.Duration
	bindings map[string]*Binding
	order    []string
	closers  []func()

	closeOnce sync.Once
	closeErr  error
}

type mediatorOptions struct {
	logger  observability.Logger
	metrics *demux.Metrics
}

// MediatorOption customises a Mediator.
type MediatorOption func(*mediatorOptions)

// WithLogger sets the logger shared by every binding.
func WithLogger(logger observability.Logger) MediatorOption {
	return func(o *mediatorOptions) {
		o.logger = logger
	}
}

// WithMetrics attaches demultiplexer metrics shared by every binding.
func WithMetrics(metrics *demux.Metrics) MediatorOption {
	return func(o *mediatorOptions) {
		o.metrics = metrics
	}
}

// NewMediator builds a binding for every network in cfg using reg.
func NewMediator(ctx context.Context, cfg config.AppConfig, reg *Registry, opts ...MediatorOption) (*Mediator, error) {
	if reg == nil {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("network registry required"))
	}
	var o mediatorOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := observability.OrDefault(o.logger)

	m := &Mediator{
		queue:    async.NewQueue("mediation", async.WithQueueLogger(logger)),
		logger:   logger,
		timeout:  cfg.Dispatch.Timeout(),
		bindings: make(map[string]*Binding, len(cfg.Networks)),
	}

	for _, spec := range cfg.Networks {
		binding, closer, err := m.build(ctx, spec, reg, o.metrics)
		if err != nil {
			_ = m.Close(ctx)
			return nil, err
		}
		m.bindings[binding.Name()] = binding
		m.order = append(m.order, binding.Name())
		if closer != nil {
			m.closers = append(m.closers, closer)
		}
		logger.Info("network binding ready",
			observability.F("network", binding.Name()),
			observability.F("kind", spec.Kind),
			observability.F("failure_policy", spec.FailurePolicy))
	}
	return m, nil
}

func (m *Mediator) build(ctx context.Context, spec config.NetworkSpec, reg *Registry, metrics *demux.Metrics) (*Binding, func(), error) {
	if _, exists := m.bindings[spec.Name]; exists {
		return nil, nil, errs.New(spec.Name, errs.CodeInvalid, errs.WithMessage("duplicate network"))
	}
	policy, err := coordinator.ParseFailurePolicy(spec.Name, spec.FailurePolicy)
	if err != nil {
		return nil, nil, err
	}
	terminal, err := spec.TerminalKinds()
	if err != nil {
		return nil, nil, fmt.Errorf("network %s: %w", spec.Name, err)
	}
	network, err := reg.Create(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	var closer func()
	if c, ok := network.(interface{ Close() }); ok {
		closer = c.Close
	}
	binding, err := NewBinding(network, BindingConfig{
		AppKey:          spec.AppKey,
		FailurePolicy:   policy,
		TerminalKinds:   terminal,
		InstallAttempts: spec.InstallAttempts,
		LoadThrottle:    spec.LoadThrottle,
		LoadBurst:       spec.LoadBurst,
		Executor:        m.queue,
		Logger:          m.logger,
		Metrics:         metrics,
		Settings:        spec.Options,
	})
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, nil, err
	}
	return binding, closer, nil
}

// Networks lists the configured network names in configuration order.
func (m *Mediator) Networks() []string {
	return append([]string(nil), m.order...)
}

// Binding returns the binding for network.
func (m *Mediator) Binding(network string) (*Binding, error) {
	b, ok := m.bindings[network]
	if !ok {
		return nil, errs.New(network, errs.CodeNotFound, errs.WithMessage("network not configured"))
	}
	return b, nil
}

// Load starts an ad request on network using its configured app key.
func (m *Mediator) Load(network, key string, params map[string]string, listener AdListener) (*Request, error) {
	b, err := m.Binding(network)
	if err != nil {
		return nil, err
	}
	return b.Load("", key, params, listener)
}

// Snapshots reports every binding in configuration order.
func (m *Mediator) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.bindings[name].Snapshot())
	}
	return out
}

// Close unregisters every key, stops the vendor SDKs and drains pending
// notifications, waiting at most the configured shutdown timeout.
func (m *Mediator) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		for _, name := range m.order {
			m.bindings[name].Close()
		}
		for _, closer := range m.closers {
			closer()
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		var failures []error
		if err := m.queue.Shutdown(shutdownCtx); err != nil {
			failures = append(failures, fmt.Errorf("drain executor: %w", err))
		}
		m.closeErr = observability.AggregateErrors(m.logger, "close mediator", failures)
		m.logger.Info("mediator closed", observability.F("networks", len(m.order)))
	})
	return m.closeErr
}
