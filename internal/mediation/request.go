package mediation

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/mediation/errs"
	"github.com/coachpo/mediation/internal/demux"
	"github.com/coachpo/mediation/internal/observability"
	"github.com/coachpo/mediation/internal/sdk"
)

type requestState uint8

const (
	requestPending requestState = iota
	requestLoading
	requestLoaded
	requestShowing
	requestDone
)

func (s requestState) String() string {
	switch s {
	case requestPending:
		return "pending"
	case requestLoading:
		return "loading"
	case requestLoaded:
		return "loaded"
	case requestShowing:
		return "showing"
	case requestDone:
		return "done"
	default:
		return "unknown"
	}
}

// Request is one ad request bound to a correlation key. The demultiplexer only
// holds a weak handle to it, so a Request the caller drops stops receiving
// events once it is collected.
type Request struct {
	id       uuid.UUID
	key      string
	params   map[string]string
	binding  *Binding
	listener AdListener

	mu     sync.Mutex
	state  requestState
	handle demux.Handle[demux.Listener[sdk.Event]]
}

func newRequest(b *Binding, key string, params map[string]string, listener AdListener) *Request {
	return &Request{
		id:       uuid.New(),
		key:      key,
		params:   params,
		binding:  b,
		listener: listener,
	}
}

// ID returns the request's unique identifier.
func (r *Request) ID() uuid.UUID { return r.id }

// Key returns the correlation key.
func (r *Request) Key() string { return r.key }

// Network returns the name of the network serving the request.
func (r *Request) Network() string { return r.binding.name }

// State returns the request's lifecycle stage.
func (r *Request) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.String()
}

// Done reports whether the request reached a final outcome or was destroyed.
func (r *Request) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == requestDone
}

// Show presents the loaded ad. It fails with CanonicalNotReady unless the ad
// has loaded and has not been shown yet.
func (r *Request) Show() error {
	b := r.binding
	r.mu.Lock()
	if r.state != requestLoaded {
		state := r.state
		r.mu.Unlock()
		return errs.New(b.name, errs.CodeInvalid,
			errs.WithMessage("ad not loaded"),
			errs.WithCanonicalCode(errs.CanonicalNotReady),
			errs.WithField("key", r.key),
			errs.WithField("state", state.String()))
	}
	r.state = requestShowing
	r.mu.Unlock()

	if err := b.demux.Reassert(); err != nil {
		r.mu.Lock()
		if r.state == requestShowing {
			r.state = requestLoaded
		}
		r.mu.Unlock()
		return err
	}
	if err := b.network.Show(r.key); err != nil {
		r.finish()
		return errs.New(b.name, errs.CodeNetwork,
			errs.WithMessage("show request rejected"),
			errs.WithCanonicalCode(errs.CanonicalShowFailed),
			errs.WithField("key", r.key),
			errs.WithCause(err))
	}
	return nil
}

// Destroy releases the key. Events arriving afterwards are dropped. Calling it
// more than once is harmless.
func (r *Request) Destroy() {
	if r.finish() {
		r.binding.logger.Debug("request destroyed",
			observability.F("network", r.binding.name),
			observability.F("key", r.key),
			observability.F("request_id", r.id.String()))
	}
}

// OnEvent receives the events the demultiplexer routes to this request's key.
func (r *Request) OnEvent(evt sdk.Event) {
	b := r.binding
	switch evt.Kind {
	case sdk.KindLoaded:
		if !r.advance(requestLoading, requestLoaded) {
			return
		}
		r.listener.OnLoaded(r)
	case sdk.KindLoadFailed:
		if r.finish() {
			b.loadFailures.Add(1)
			r.listener.OnLoadFailed(r, errs.New(b.name, errs.CodeNetwork,
				errs.WithMessage("ad load failed"),
				errs.WithCanonicalCode(errs.CanonicalLoadFailed),
				errs.WithField("key", r.key),
				errs.WithCause(evt.Reason)))
		}
	case sdk.KindExpired:
		if r.finish() {
			b.loadFailures.Add(1)
			r.listener.OnLoadFailed(r, errs.New(b.name, errs.CodeNetwork,
				errs.WithMessage("ad expired"),
				errs.WithCanonicalCode(errs.CanonicalLoadFailed),
				errs.WithField("key", r.key),
				errs.WithCause(evt.Reason)))
		}
	case sdk.KindShown:
		r.listener.OnShown(r)
	case sdk.KindClicked:
		r.listener.OnClicked(r)
	case sdk.KindRewarded:
		if evt.Reward != nil {
			r.listener.OnRewarded(r, *evt.Reward)
		}
	case sdk.KindShowFailed:
		if r.finish() {
			r.listener.OnShowFailed(r, errs.New(b.name, errs.CodeNetwork,
				errs.WithMessage("ad show failed"),
				errs.WithCanonicalCode(errs.CanonicalShowFailed),
				errs.WithField("key", r.key),
				errs.WithCause(evt.Reason)))
		}
	case sdk.KindClosed:
		if r.finish() {
			r.listener.OnClosed(r)
		}
	default:
		b.logger.Debug("ignoring event",
			observability.F("network", b.name),
			observability.F("key", r.key),
			observability.F("kind", evt.Kind.String()))
	}
}

// start runs on the binding's start executor once the SDK is ready: it binds
// the key and issues the load.
func (r *Request) start() {
	b := r.binding
	r.mu.Lock()
	if r.state != requestPending {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	handle, err := demux.Weak[demux.Listener[sdk.Event]](r)
	if err != nil {
		r.failLoad(err)
		return
	}
	if err := b.demux.Register(r.key, handle); err != nil {
		r.failLoad(err)
		return
	}

	r.mu.Lock()
	if r.state != requestPending {
		r.mu.Unlock()
		b.demux.UnregisterHandle(r.key, handle)
		return
	}
	r.handle = handle
	r.state = requestLoading
	r.mu.Unlock()

	if err := b.network.Load(r.key, r.params); err != nil {
		r.failLoad(errs.New(b.name, errs.CodeNetwork,
			errs.WithMessage("load request rejected"),
			errs.WithCanonicalCode(errs.CanonicalLoadFailed),
			errs.WithField("key", r.key),
			errs.WithCause(err)))
	}
}

// failLoad ends the request and reports err through OnLoadFailed.
func (r *Request) failLoad(err error) {
	if !r.finish() {
		return
	}
	b := r.binding
	b.loadFailures.Add(1)
	envelope := asEnvelope(b.name, err)
	b.logger.Warn("ad load failed",
		observability.F("network", b.name),
		observability.F("key", r.key),
		observability.F("request_id", r.id.String()),
		observability.F("error", envelope))
	r.listener.OnLoadFailed(r, envelope)
}

// advance moves from one state to the next and reports whether it did.
func (r *Request) advance(from, to requestState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

// finish marks the request done and frees its key. Only the first call reports true.
func (r *Request) finish() bool {
	r.mu.Lock()
	if r.state == requestDone {
		r.mu.Unlock()
		return false
	}
	r.state = requestDone
	handle := r.handle
	r.handle = nil
	r.mu.Unlock()

	if handle != nil {
		r.binding.demux.UnregisterHandle(r.key, handle)
	}
	return true
}

func asEnvelope(network string, err error) *errs.E {
	var e *errs.E
	if errors.As(err, &e) {
		return e
	}
	return errs.New(network, errs.CodeNetwork,
		errs.WithCanonicalCode(errs.CanonicalLoadFailed),
		errs.WithCause(err))
}

// initWaiter forwards the coordinator outcome to its request.
type initWaiter struct {
	r *Request
}

func (w initWaiter) OnSuccess() {
	if err := w.r.binding.starter.Post(w.r.start); err != nil {
		w.r.failLoad(err)
	}
}

func (w initWaiter) OnError(err error) { w.r.failLoad(err) }
