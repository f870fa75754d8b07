// Package mediation binds each vendor SDK to one initialization coordinator and
// one event demultiplexer, and exposes request handles to the host app.
package mediation

import (
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/coordinator"
	"github.com/coachpo/mediation/internal/demux"
	"github.com/coachpo/mediation/internal/observability"
	"github.com/coachpo/mediation/internal/sdk"
	"github.com/coachpo/mediation/lib/async"
)

// BindingConfig configures a Binding.
type BindingConfig struct {
	// AppKey is the key Initialize passes to the SDK when callers do not supply one.
	AppKey          string
	FailurePolicy   coordinator.FailurePolicy
	TerminalKinds   sdk.KindSet
	InstallAttempts int
	Executor        async.Executor
	Logger          observability.Logger
	Metrics         *demux.Metrics
	// StartExecutor runs each request's registration and vendor load once init
	// succeeds. It defaults to a goroutine per request so a slow listener
	// install never holds up Executor.
	StartExecutor async.Executor
	// LoadThrottle caps loads per second in bursts of LoadBurst. Zero leaves
	// loads unthrottled.
	LoadThrottle float64
	LoadBurst    int
	// Settings are the network's configured options, echoed sanitised in snapshots.
	Settings map[string]any
}

// Binding owns the coordinator and demultiplexer for one vendor SDK. Build one
// per network at process start and hand it to request handlers.
type Binding struct {
	name     string
	appKey   string
	network  sdk.Network
	coord    *coordinator.Coordinator
	demux    *demux.Demultiplexer[string, sdk.Event]
	logger   observability.Logger
	settings map[string]any
	limiter  *rate.Limiter
	starter  async.Executor

	loads        atomic.Int64
	throttled    atomic.Int64
	loadFailures atomic.Int64
}

// NewBinding wires network to a fresh coordinator and demultiplexer.
func NewBinding(network sdk.Network, cfg BindingConfig) (*Binding, error) {
	if network == nil {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("network required"))
	}
	name := strings.TrimSpace(network.Name())
	if name == "" {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("network name required"))
	}
	logger := observability.OrDefault(cfg.Logger)
	terminal := cfg.TerminalKinds
	if len(terminal) == 0 {
		terminal = sdk.DefaultTerminalKinds()
	}

	var starter async.Executor = async.Go{}
	if cfg.StartExecutor != nil {
		starter = cfg.StartExecutor
	}

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithFailurePolicy(cfg.FailurePolicy),
	}
	if cfg.Executor != nil {
		coordOpts = append(coordOpts, coordinator.WithExecutor(cfg.Executor))
	}

	return &Binding{
		name:    name,
		appKey:  strings.TrimSpace(cfg.AppKey),
		network: network,
		coord:   coordinator.New(name, network, coordOpts...),
		demux: demux.New[string, sdk.Event](name, network,
			demux.WithTerminal[string, sdk.Event](terminal.IsTerminal),
			demux.WithLogger[string, sdk.Event](logger),
			demux.WithMetrics[string, sdk.Event](cfg.Metrics),
			demux.WithInstallAttempts[string, sdk.Event](cfg.InstallAttempts),
		),
		logger:   logger,
		settings: SanitizeSettings(cfg.Settings),
		limiter:  newLoadLimiter(cfg.LoadThrottle, cfg.LoadBurst),
		starter:  starter,
	}, nil
}

// Name returns the network name.
func (b *Binding) Name() string { return b.name }

// Coordinator exposes the binding's initialization coordinator.
func (b *Binding) Coordinator() *coordinator.Coordinator { return b.coord }

// Demux exposes the binding's event demultiplexer.
func (b *Binding) Demux() *demux.Demultiplexer[string, sdk.Event] { return b.demux }

// Initialize starts or joins SDK initialization using the configured app key.
func (b *Binding) Initialize(listener coordinator.Listener) error {
	return b.coord.Initialize(b.appKey, listener)
}

// Load starts an ad request for key. An empty appKey selects the configured
// one. Initialization, registration and load outcomes all arrive through
// listener; only argument errors are returned.
func (b *Binding) Load(appKey, key string, params map[string]string, listener AdListener) (*Request, error) {
	if listener == nil {
		return nil, errs.New(b.name, errs.CodeInvalid, errs.WithMessage("ad listener required"))
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errs.New(b.name, errs.CodeInvalid, errs.WithMessage("correlation key required"))
	}
	if appKey = strings.TrimSpace(appKey); appKey == "" {
		appKey = b.appKey
	}
	if b.limiter != nil && !b.limiter.Allow() {
		b.throttled.Add(1)
		return nil, errs.New(b.name, errs.CodeUnavailable,
			errs.WithMessage("load rate limit exceeded"),
			errs.WithCanonicalCode(errs.CanonicalThrottled),
			errs.WithField("key", key))
	}

	r := newRequest(b, key, cloneParams(params), listener)
	if err := b.coord.Initialize(appKey, initWaiter{r: r}); err != nil {
		return nil, err
	}
	b.loads.Add(1)
	b.logger.Debug("ad request started",
		observability.F("network", b.name),
		observability.F("key", key),
		observability.F("request_id", r.id.String()))
	return r, nil
}

// Close drops every registration. Requests still in flight stop receiving events.
func (b *Binding) Close() {
	b.demux.Clear()
}

// Snapshot is a point-in-time view of a binding for status output.
type Snapshot struct {
	Network        string         `json:"network"`
	AppKey         string         `json:"appKey"`
	State          string         `json:"state"`
	Error          string         `json:"error,omitempty"`
	ListenerActive bool           `json:"listenerInstalled"`
	Registrations  int            `json:"registrations"`
	Loads          int64          `json:"loads"`
	LoadFailures   int64          `json:"loadFailures"`
	Throttled      int64          `json:"throttled"`
	Settings       map[string]any `json:"settings,omitempty"`
}

// Snapshot reports the binding's current state.
func (b *Binding) Snapshot() Snapshot {
	state, reason := b.coord.State()
	snap := Snapshot{
		Network:        b.name,
		AppKey:         maskAppKey(b.appKey),
		State:          state.String(),
		ListenerActive: b.demux.Installed(),
		Registrations:  b.demux.Len(),
		Loads:          b.loads.Load(),
		LoadFailures:   b.loadFailures.Load(),
		Throttled:      b.throttled.Load(),
		Settings:       b.settings,
	}
	if reason != nil {
		snap.Error = reason.Error()
	}
	return snap
}

func newLoadLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func cloneParams(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
