// Package demux routes a vendor SDK's single global callback stream to the one
// request-scoped listener registered under each event's correlation key.
package demux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/observability"
	"github.com/coachpo/mediation/internal/sdk"
)

const (
	defaultInstallAttempts = 3
	installInitialInterval = 5 * time.Millisecond
	installMaxInterval     = 50 * time.Millisecond
)

// Listener receives the events routed to its key.
type Listener[E any] interface {
	OnEvent(evt E)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc[E any] func(evt E)

// OnEvent calls f(evt).
func (f ListenerFunc[E]) OnEvent(evt E) { f(evt) }

type entry[E any] struct {
	handle Handle[Listener[E]]
}

// installAttempt is one in-flight global listener installation. Registrations
// made while it runs wait on done and share err.
type installAttempt[K comparable, E any] struct {
	done    chan struct{}
	err     error
	entries map[K]*entry[E]
}

// Demultiplexer installs itself once as the vendor's global listener and forwards
// each event only to the listener registered for the event's key.
//
// All registry state sits behind one mutex that is never held while a listener
// or the vendor SDK runs.
type Demultiplexer[K comparable, E any] struct {
	network         string
	registrar       sdk.GlobalRegistrar[K, E]
	terminal        func(E) bool
	logger          observability.Logger
	metrics         *Metrics
	installAttempts uint

	mu         sync.Mutex
	entries    map[K]*entry[E]
	installed  bool
	installing *installAttempt[K, E]
}

// Option customises a Demultiplexer.
type Option[K comparable, E any] func(*Demultiplexer[K, E])

// WithTerminal designates which events end a key's lifecycle. The entry is
// removed before the terminal event is forwarded.
func WithTerminal[K comparable, E any](isTerminal func(E) bool) Option[K, E] {
	return func(d *Demultiplexer[K, E]) {
		d.terminal = isTerminal
	}
}

// WithLogger sets the demultiplexer logger.
func WithLogger[K comparable, E any](logger observability.Logger) Option[K, E] {
	return func(d *Demultiplexer[K, E]) {
		d.logger = logger
	}
}

// WithMetrics attaches shared Prometheus metrics.
func WithMetrics[K comparable, E any](metrics *Metrics) Option[K, E] {
	return func(d *Demultiplexer[K, E]) {
		d.metrics = metrics
	}
}

// WithInstallAttempts bounds how many times global listener installation is tried per call.
func WithInstallAttempts[K comparable, E any](attempts int) Option[K, E] {
	return func(d *Demultiplexer[K, E]) {
		if attempts > 0 {
			d.installAttempts = uint(attempts)
		}
	}
}

// New constructs a demultiplexer for the network's global listener entry point.
func New[K comparable, E any](network string, registrar sdk.GlobalRegistrar[K, E], opts ...Option[K, E]) *Demultiplexer[K, E] {
	d := &Demultiplexer[K, E]{
		network:         network,
		registrar:       registrar,
		installAttempts: defaultInstallAttempts,
		entries:         make(map[K]*entry[E]),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = observability.OrDefault(d.logger)
	return d
}

// Register binds handle to key. A key that still resolves to a live listener is
// rejected with a duplicate error and the existing binding is kept. The first
// registration installs the demultiplexer as the vendor's global listener;
// registrations arriving while that install runs wait for it and share its
// outcome. When the install fails every entry added during it is removed.
func (d *Demultiplexer[K, E]) Register(key K, handle Handle[Listener[E]]) error {
	if handle == nil {
		return errs.New(d.network, errs.CodeInvalid, errs.WithMessage("listener handle required"))
	}

	d.mu.Lock()
	if existing, ok := d.entries[key]; ok {
		if _, live := existing.handle.Resolve(); live {
			d.mu.Unlock()
			d.metrics.duplicate(d.network)
			d.logger.Warn("duplicate listener registration",
				observability.F("network", d.network),
				observability.F("key", fmt.Sprint(key)))
			return errs.Duplicate(d.network, fmt.Sprint(key))
		}
		d.logger.Debug("replacing stale listener",
			observability.F("network", d.network),
			observability.F("key", fmt.Sprint(key)))
	}
	e := &entry[E]{handle: handle}
	d.entries[key] = e
	n := len(d.entries)

	if d.installed {
		d.mu.Unlock()
		d.metrics.setRegistrations(d.network, n)
		return nil
	}
	if attempt := d.installing; attempt != nil {
		attempt.entries[key] = e
		d.mu.Unlock()
		d.metrics.setRegistrations(d.network, n)
		<-attempt.done
		return attempt.err
	}
	attempt := &installAttempt[K, E]{
		done:    make(chan struct{}),
		entries: map[K]*entry[E]{key: e},
	}
	d.installing = attempt
	d.mu.Unlock()
	d.metrics.setRegistrations(d.network, n)

	err := d.install()

	d.mu.Lock()
	d.installing = nil
	if err == nil {
		d.installed = true
	} else {
		for k, added := range attempt.entries {
			if d.entries[k] == added {
				delete(d.entries, k)
			}
		}
	}
	n = len(d.entries)
	attempt.err = err
	close(attempt.done)
	d.mu.Unlock()
	d.metrics.setRegistrations(d.network, n)
	return err
}

// Unregister removes the binding for key. Absent keys are a no-op.
func (d *Demultiplexer[K, E]) Unregister(key K) {
	d.mu.Lock()
	delete(d.entries, key)
	n := len(d.entries)
	d.mu.Unlock()
	d.metrics.setRegistrations(d.network, n)
}

// UnregisterHandle removes the binding for key only if it still holds handle,
// so a late teardown cannot evict a newer registration under the same key.
func (d *Demultiplexer[K, E]) UnregisterHandle(key K, handle Handle[Listener[E]]) bool {
	d.mu.Lock()
	existing, ok := d.entries[key]
	removed := ok && existing.handle == handle
	if removed {
		delete(d.entries, key)
	}
	n := len(d.entries)
	d.mu.Unlock()
	if removed {
		d.metrics.setRegistrations(d.network, n)
	}
	return removed
}

// Dispatch is the vendor-facing callback. Unknown, stale and just-unregistered
// keys drop the event silently. Events for one key are forwarded synchronously,
// in the order the vendor emits them.
func (d *Demultiplexer[K, E]) Dispatch(key K, evt E) {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		d.mu.Unlock()
		d.metrics.dispatch(d.network, ResultUnrouted)
		d.logger.Debug("dropping unrouted event",
			observability.F("network", d.network),
			observability.F("key", fmt.Sprint(key)))
		return
	}
	listener, live := e.handle.Resolve()
	if !live {
		delete(d.entries, key)
		n := len(d.entries)
		d.mu.Unlock()
		d.metrics.setRegistrations(d.network, n)
		d.metrics.dispatch(d.network, ResultStale)
		d.logger.Debug("dropped event for released listener",
			observability.F("network", d.network),
			observability.F("key", fmt.Sprint(key)))
		return
	}
	terminal := d.terminal != nil && d.terminal(evt)
	if terminal {
		delete(d.entries, key)
	}
	n := len(d.entries)
	d.mu.Unlock()

	result := ResultDelivered
	if terminal {
		result = ResultTerminal
		d.metrics.setRegistrations(d.network, n)
	}
	d.metrics.dispatch(d.network, result)

	var pc panics.Catcher
	pc.Try(func() { listener.OnEvent(evt) })
	if r := pc.Recovered(); r != nil {
		d.logger.Error("listener panicked during dispatch",
			observability.F("network", d.network),
			observability.F("key", fmt.Sprint(key)),
			observability.F("panic", fmt.Sprint(r.Value)))
	}
}

// Reassert re-installs the demultiplexer when the vendor reports that another
// global listener has taken its place. Vendors without inspection support, and
// demultiplexers that never installed, are left untouched.
func (d *Demultiplexer[K, E]) Reassert() error {
	inspector, ok := d.registrar.(sdk.GlobalListenerInspector[K, E])
	if !ok {
		return nil
	}
	d.mu.Lock()
	installed := d.installed
	d.mu.Unlock()
	if !installed {
		return nil
	}
	if current := inspector.GlobalListener(); current == sdk.Sink[K, E](d) {
		return nil
	}
	d.logger.Warn("global listener was reassigned, re-asserting",
		observability.F("network", d.network))
	return d.install()
}

// Len reports the number of registry entries, live or not yet pruned.
func (d *Demultiplexer[K, E]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Registered reports whether key currently resolves to a live listener.
func (d *Demultiplexer[K, E]) Registered(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return false
	}
	_, live := e.handle.Resolve()
	return live
}

// Installed reports whether the global listener has been installed.
func (d *Demultiplexer[K, E]) Installed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed
}

// Clear drops every registration. The global listener stays installed.
func (d *Demultiplexer[K, E]) Clear() {
	d.mu.Lock()
	clear(d.entries)
	d.mu.Unlock()
	d.metrics.setRegistrations(d.network, 0)
}

func (d *Demultiplexer[K, E]) install() error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = installInitialInterval
	b.MaxInterval = installMaxInterval

	attempt := 0
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		attempt++
		if err := d.registrar.RegisterGlobalListener(d); err != nil {
			d.logger.Warn("global listener install failed",
				observability.F("network", d.network),
				observability.F("attempt", attempt),
				observability.F("error", err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.installAttempts))
	if err != nil {
		d.metrics.install(d.network, "failure")
		return errs.New(d.network, errs.CodeUnavailable,
			errs.WithMessage("install global listener"),
			errs.WithCanonicalCode(errs.CanonicalListenerInstall),
			errs.WithCause(err))
	}
	d.metrics.install(d.network, "success")
	d.logger.Info("global listener installed",
		observability.F("network", d.network),
		observability.F("attempts", attempt))
	return nil
}
