// Package fake provides a simulated ad-network SDK for tests and local runs.
// It mimics the quirks real vendors have: asynchronous one-time init, a single
// process-wide listener, and callbacks delivered on vendor-owned goroutines.
package fake

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/mediation/internal/sdk"
)

var (
	// ErrNotInitialized is returned by Load and Show before init has succeeded.
	ErrNotInitialized = errors.New("fake sdk: not initialized")
	// ErrNotLoaded is returned by Show for a key without a loaded ad.
	ErrNotLoaded = errors.New("fake sdk: ad not loaded")
	// ErrClosed is returned once the network has been closed.
	ErrClosed = errors.New("fake sdk: closed")
)

// LoadCall records one Load request.
type LoadCall struct {
	Key    string
	Params map[string]string
}

// Network is an in-memory vendor SDK implementing sdk.Network.
type Network struct {
	opts     Options
	failLoad map[string]struct{}
	failShow map[string]struct{}

	mu              sync.Mutex
	initialized     bool
	appKeys         []string
	pendingInit     []sdk.InitCallback
	sink            sdk.Sink[string, sdk.Event]
	installCalls    int
	installFailures int
	loads           []LoadCall
	loaded          map[string]struct{}
	shows           []string
	closed          bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       conc.WaitGroup
}

var _ sdk.Network = (*Network)(nil)

var _ sdk.GlobalListenerInspector[string, sdk.Event] = (*Network)(nil)

// New constructs a fake network.
func New(opts Options) *Network {
	opts = withDefaults(opts)
	return &Network{
		opts:            opts,
		failLoad:        toSet(opts.FailLoadKeys),
		failShow:        toSet(opts.FailShowKeys),
		installFailures: opts.InstallFailures,
		loaded:          make(map[string]struct{}),
		stop:            make(chan struct{}),
	}
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Name returns the network identifier.
func (n *Network) Name() string { return n.opts.Name }

// Init records the call. With AutoInit it completes on a vendor goroutine after
// InitDelay; otherwise it waits for CompleteInit.
func (n *Network) Init(appKey string, cb sdk.InitCallback) {
	n.mu.Lock()
	n.appKeys = append(n.appKeys, appKey)
	if n.closed {
		n.mu.Unlock()
		go cb.OnUnderlyingFailure(ErrClosed)
		return
	}
	n.pendingInit = append(n.pendingInit, cb)
	auto := n.opts.AutoInit
	n.mu.Unlock()

	if !auto {
		return
	}
	var reason error
	if n.opts.InitError != "" {
		reason = errors.New(n.opts.InitError)
	}
	n.spawn(n.opts.InitDelay, func() { n.CompleteInit(reason) })
}

// CompleteInit resolves every outstanding Init call with reason (nil for
// success) on the calling goroutine and reports how many callbacks fired.
func (n *Network) CompleteInit(reason error) int {
	n.mu.Lock()
	pending := n.pendingInit
	n.pendingInit = nil
	if reason == nil {
		n.initialized = true
	}
	n.mu.Unlock()

	for _, cb := range pending {
		if reason == nil {
			cb.OnUnderlyingSuccess()
		} else {
			cb.OnUnderlyingFailure(reason)
		}
	}
	return len(pending)
}

// InitCalls reports how many times Init has been invoked.
func (n *Network) InitCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.appKeys)
}

// AppKeys returns the app keys passed to Init, in call order.
func (n *Network) AppKeys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.appKeys...)
}

// PendingInits reports the Init callbacks not yet resolved.
func (n *Network) PendingInits() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pendingInit)
}

// RegisterGlobalListener replaces the single process-wide listener.
func (n *Network) RegisterGlobalListener(sink sdk.Sink[string, sdk.Event]) error {
	if sink == nil {
		return fmt.Errorf("fake sdk: nil listener")
	}
	if d := n.opts.InstallDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-n.stop:
			timer.Stop()
			return ErrClosed
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.installCalls++
	if n.installFailures > 0 {
		n.installFailures--
		return fmt.Errorf("fake sdk: listener registration unavailable")
	}
	n.sink = sink
	return nil
}

// GlobalListener returns the currently installed listener.
func (n *Network) GlobalListener() sdk.Sink[string, sdk.Event] {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sink
}

// Hijack installs sink as the global listener without counting an install, the
// way another component in the host process would.
func (n *Network) Hijack(sink sdk.Sink[string, sdk.Event]) {
	n.mu.Lock()
	n.sink = sink
	n.mu.Unlock()
}

// InstallCalls reports how many times RegisterGlobalListener has been invoked.
func (n *Network) InstallCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.installCalls
}

// Emit delivers an event of kind for key to the global listener on the calling goroutine.
func (n *Network) Emit(key string, kind sdk.EventKind) {
	n.EmitEvent(sdk.Event{Key: key, Kind: kind})
}

// EmitEvent delivers evt to the global listener on the calling goroutine.
// Events emitted before a listener is installed are lost, as with real vendors.
func (n *Network) EmitEvent(evt sdk.Event) {
	if evt.Network == "" {
		evt.Network = n.opts.Name
	}
	n.mu.Lock()
	sink := n.sink
	n.mu.Unlock()
	if sink != nil {
		sink.Dispatch(evt.Key, evt)
	}
}

// Load requests an ad for key. The outcome arrives asynchronously as a
// Loaded or LoadFailed event.
func (n *Network) Load(key string, params map[string]string) error {
	n.mu.Lock()
	if err := n.readyLocked(); err != nil {
		n.mu.Unlock()
		return err
	}
	n.loads = append(n.loads, LoadCall{Key: key, Params: cloneParams(params)})
	n.mu.Unlock()

	_, fail := n.failLoad[key]
	n.spawn(n.opts.LoadDelay, func() {
		if fail {
			n.EmitEvent(sdk.Event{Key: key, Kind: sdk.KindLoadFailed, Reason: errors.New("no fill")})
			return
		}
		n.mu.Lock()
		n.loaded[key] = struct{}{}
		n.mu.Unlock()
		n.EmitEvent(sdk.Event{Key: key, Kind: sdk.KindLoaded, Payload: cloneParams(params)})
	})
	return nil
}

// Show presents the ad loaded for key. Shown, Impression, Rewarded and Closed
// follow asynchronously, or ShowFailed for keys configured to fail.
func (n *Network) Show(key string) error {
	n.mu.Lock()
	if err := n.readyLocked(); err != nil {
		n.mu.Unlock()
		return err
	}
	if _, ok := n.loaded[key]; !ok {
		n.mu.Unlock()
		return ErrNotLoaded
	}
	delete(n.loaded, key)
	n.shows = append(n.shows, key)
	n.mu.Unlock()

	_, fail := n.failShow[key]
	n.spawn(n.opts.ShowDelay, func() {
		if fail {
			n.EmitEvent(sdk.Event{Key: key, Kind: sdk.KindShowFailed, Reason: errors.New("renderer crashed")})
			return
		}
		n.Emit(key, sdk.KindShown)
		n.Emit(key, sdk.KindImpression)
		n.EmitEvent(sdk.Event{
			Key:    key,
			Kind:   sdk.KindRewarded,
			Reward: &sdk.Reward{Type: n.opts.RewardType, Amount: n.opts.RewardAmount},
		})
		n.Emit(key, sdk.KindClosed)
	})
	return nil
}

// Loads returns the recorded Load calls.
func (n *Network) Loads() []LoadCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]LoadCall(nil), n.loads...)
}

// Shows returns the keys passed to successful Show calls.
func (n *Network) Shows() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.shows...)
}

// Close rejects further work and waits for in-flight vendor goroutines.
func (n *Network) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
}

func (n *Network) readyLocked() error {
	if n.closed {
		return ErrClosed
	}
	if !n.initialized {
		return ErrNotInitialized
	}
	return nil
}

// spawn runs fn on a vendor goroutine after delay. Callbacks still waiting
// when the network closes are dropped.
func (n *Network) spawn(delay time.Duration, fn func()) {
	n.wg.Go(func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-n.stop:
				return
			}
		}
		fn()
	})
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
