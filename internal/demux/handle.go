package demux

import (
	"fmt"
	"sync"
	"weak"

	"github.com/coachpo/mediation/errs"
)

// Handle is a non-owning reference to a listener. Resolve reports false once
// the listener is gone; the registry then drops the entry.
type Handle[L any] interface {
	Resolve() (L, bool)
}

// Ref is a handle whose owner ends the listener's lifetime explicitly via Release.
type Ref[L any] struct {
	mu       sync.RWMutex
	listener L
	live     bool
}

// NewRef returns a live Ref to listener.
func NewRef[L any](listener L) *Ref[L] {
	return &Ref[L]{listener: listener, live: true}
}

// Resolve returns the listener while the ref is live.
func (r *Ref[L]) Resolve() (L, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.live {
		var zero L
		return zero, false
	}
	return r.listener, true
}

// Release marks the listener gone and drops the reference to it.
func (r *Ref[L]) Release() {
	r.mu.Lock()
	var zero L
	r.listener = zero
	r.live = false
	r.mu.Unlock()
}

type strongHandle[L any] struct {
	listener L
}

// Strong returns a handle that is always live. Owners using it must unregister explicitly.
func Strong[L any](listener L) Handle[L] {
	return &strongHandle[L]{listener: listener}
}

func (s *strongHandle[L]) Resolve() (L, bool) { return s.listener, true }

type weakHandle[L any, T any] struct {
	ptr weak.Pointer[T]
}

// Weak returns a handle that does not keep p reachable. Once the owner drops
// every strong reference and the collector reclaims p, Resolve reports false.
// *T must implement L.
func Weak[L any, T any](p *T) (Handle[L], error) {
	if p == nil {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("weak handle target required"))
	}
	if _, ok := any(p).(L); !ok {
		var zero *L
		return nil, errs.New("", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%T does not implement %T", p, zero)))
	}
	return &weakHandle[L, T]{ptr: weak.Make(p)}, nil
}

func (w *weakHandle[L, T]) Resolve() (L, bool) {
	p := w.ptr.Value()
	if p == nil {
		var zero L
		return zero, false
	}
	l, ok := any(p).(L)
	return l, ok
}
