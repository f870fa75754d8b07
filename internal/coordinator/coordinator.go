// Package coordinator deduplicates concurrent requests to initialize a vendor
// SDK into a single underlying init call and fans the outcome out to every
// caller, including callers that arrive after the call is already in flight.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/observability"
	"github.com/coachpo/mediation/internal/sdk"
	"github.com/coachpo/mediation/internal/telemetry"
	"github.com/coachpo/mediation/lib/async"
)

// Coordinator owns the init state of one vendor SDK. Construct one per vendor
// binding at process start and pass it to request handlers.
type Coordinator struct {
	network string
	sdk     sdk.Initializer
	exec    async.Executor
	logger  observability.Logger
	policy  FailurePolicy
	now     func() time.Time

	mu        sync.Mutex
	state     State
	reason    error
	appKey    string
	attempt   uint64
	startedAt time.Time
	nextID    uint64
	pending   map[uint64]Listener

	attempts      metric.Int64Counter
	notifications metric.Int64Counter
	waiters       metric.Int64Histogram
	duration      metric.Float64Histogram
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithExecutor sets the executor outcome notifications are posted to.
func WithExecutor(exec async.Executor) Option {
	return func(c *Coordinator) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithFailurePolicy selects how calls arriving after a failure are handled.
func WithFailurePolicy(policy FailurePolicy) Option {
	return func(c *Coordinator) {
		c.policy = policy
	}
}

// New constructs a coordinator for the named network's init entry point.
func New(network string, initializer sdk.Initializer, opts ...Option) *Coordinator {
	c := &Coordinator{
		network: network,
		sdk:     initializer,
		exec:    async.Go{},
		now:     time.Now,
		pending: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = observability.OrDefault(c.logger)

	meter := otel.Meter("coordinator")
	c.attempts, _ = meter.Int64Counter("coordinator.init.attempts",
		metric.WithDescription("Underlying SDK init calls issued"),
		metric.WithUnit("{call}"))
	c.notifications, _ = meter.Int64Counter("coordinator.notifications",
		metric.WithDescription("Outcome notifications delivered to init listeners"),
		metric.WithUnit("{notification}"))
	c.waiters, _ = meter.Int64Histogram("coordinator.init.waiters",
		metric.WithDescription("Listeners drained when an init attempt completes"),
		metric.WithUnit("{listener}"))
	c.duration, _ = meter.Float64Histogram("coordinator.init.duration",
		metric.WithDescription("Latency between the init call and its callback"),
		metric.WithUnit("ms"))
	return c
}

// Network returns the network name the coordinator was built for.
func (c *Coordinator) Network() string { return c.network }

// State returns the current state and, when failed, the cached reason.
func (c *Coordinator) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

// Initialize registers listener for the outcome of initializing the SDK with
// appKey. It never blocks and never invokes listener on the caller's stack.
// Only the first appKey reaches the SDK; later keys share its outcome.
func (c *Coordinator) Initialize(appKey string, listener Listener) error {
	if listener == nil {
		return errs.New(c.network, errs.CodeInvalid, errs.WithMessage("init listener required"))
	}

	c.mu.Lock()
	switch c.state {
	case StateReady:
		used := c.appKey
		c.mu.Unlock()
		c.warnAppKeyMismatch("sdk already initialized with a different app key", appKey, used)
		c.notify(listener, nil, telemetry.ResultCached)
		return nil
	case StateFailed:
		if c.policy != FailureRetry {
			reason, used := c.reason, c.appKey
			c.mu.Unlock()
			c.warnAppKeyMismatch("sdk init already failed with a different app key", appKey, used)
			c.notify(listener, reason, telemetry.ResultCached)
			return nil
		}
	case StateInitializing:
		c.enqueueLocked(listener)
		used := c.appKey
		c.mu.Unlock()
		c.warnAppKeyMismatch("init already in flight with a different app key", appKey, used)
		return nil
	}

	// Uninitialized, or Failed under FailureRetry: this caller starts the attempt.
	c.state = StateInitializing
	c.reason = nil
	c.appKey = appKey
	c.attempt++
	attempt := c.attempt
	c.startedAt = c.now()
	c.enqueueLocked(listener)
	c.mu.Unlock()

	c.logger.Info("sdk init started",
		observability.F("network", c.network),
		observability.F("attempt", attempt))
	c.attempts.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrNetwork.String(c.network)))
	c.sdk.Init(appKey, &attemptCallback{c: c, attempt: attempt})
	return nil
}

// OnUnderlyingSuccess completes the current attempt successfully.
func (c *Coordinator) OnUnderlyingSuccess() {
	c.complete(c.currentAttempt(), nil)
}

// OnUnderlyingFailure completes the current attempt with reason.
func (c *Coordinator) OnUnderlyingFailure(reason error) {
	c.complete(c.currentAttempt(), failureReason(c.network, reason))
}

// warnAppKeyMismatch logs when a caller's appKey differs from the one the SDK
// was initialized with. The caller still gets the existing outcome.
func (c *Coordinator) warnAppKeyMismatch(msg, appKey, used string) {
	if appKey == used {
		return
	}
	c.logger.Warn(msg,
		observability.F("network", c.network),
		observability.F("app_key", appKey),
		observability.F("inflight_app_key", used))
}

func (c *Coordinator) currentAttempt() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Coordinator) enqueueLocked(listener Listener) {
	c.nextID++
	c.pending[c.nextID] = listener
}

// complete transitions out of StateInitializing and drains the pending set.
// Callbacks for an attempt that is no longer current are ignored.
func (c *Coordinator) complete(attempt uint64, reason error) {
	c.mu.Lock()
	if c.state != StateInitializing || attempt != c.attempt {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("ignoring stale init callback",
			observability.F("network", c.network),
			observability.F("attempt", attempt),
			observability.F("state", state.String()))
		return
	}
	var outcome error
	if reason == nil {
		c.state = StateReady
	} else {
		c.state = StateFailed
		outcome = errs.InitializationFailed(c.network, reason)
	}
	c.reason = outcome
	elapsed := c.now().Sub(c.startedAt)
	drained := c.pending
	c.pending = make(map[uint64]Listener)
	c.mu.Unlock()

	result := telemetry.ResultSuccess
	if outcome != nil {
		result = telemetry.ResultFailure
		c.logger.Error("sdk init failed",
			observability.F("network", c.network),
			observability.F("waiters", len(drained)),
			observability.F("error", outcome))
	} else {
		c.logger.Info("sdk init ready",
			observability.F("network", c.network),
			observability.F("waiters", len(drained)),
			observability.F("elapsed", elapsed))
	}
	attrs := metric.WithAttributes(telemetry.NetworkResult(c.network, result)...)
	c.waiters.Record(context.Background(), int64(len(drained)), attrs)
	c.duration.Record(context.Background(), float64(elapsed.Microseconds())/1000, attrs)

	for _, listener := range drained {
		c.notify(listener, outcome, result)
	}
}

// notify posts the outcome to the executor. When the executor refuses the task
// (for example after shutdown) the notification still goes out on its own goroutine.
func (c *Coordinator) notify(listener Listener, outcome error, result string) {
	deliver := func() {
		if outcome == nil {
			listener.OnSuccess()
			return
		}
		listener.OnError(outcome)
	}
	if err := c.exec.Post(deliver); err != nil {
		c.logger.Warn("executor rejected init notification",
			observability.F("network", c.network),
			observability.F("error", err))
		_ = async.Go{}.Post(deliver)
	}
	c.notifications.Add(context.Background(), 1, metric.WithAttributes(telemetry.NetworkResult(c.network, result)...))
}

func failureReason(network string, reason error) error {
	if reason == nil {
		return errs.New(network, errs.CodeNetwork, errs.WithMessage("sdk reported failure without a reason"))
	}
	return reason
}

// attemptCallback binds a vendor callback to the attempt that issued it.
type attemptCallback struct {
	c       *Coordinator
	attempt uint64
}

func (a *attemptCallback) OnUnderlyingSuccess() { a.c.complete(a.attempt, nil) }

func (a *attemptCallback) OnUnderlyingFailure(reason error) {
	a.c.complete(a.attempt, failureReason(a.c.network, reason))
}
