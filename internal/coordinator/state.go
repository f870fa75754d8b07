package coordinator

import (
	"fmt"
	"strings"

	"github.com/coachpo/mediation/errs"
)

// State is the lifecycle of one underlying SDK initialization.
type State uint8

const (
	// StateUninitialized means no caller has asked yet.
	StateUninitialized State = iota
	// StateInitializing means exactly one underlying init call is in flight.
	StateInitializing
	// StateReady is terminal: the SDK initialized successfully.
	StateReady
	// StateFailed holds the cached failure reason.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailurePolicy controls how calls arriving in StateFailed are answered.
type FailurePolicy uint8

const (
	// FailureCached answers every later call with the cached failure for the
	// lifetime of the coordinator.
	FailureCached FailurePolicy = iota
	// FailureRetry treats StateFailed like StateUninitialized: the next call
	// starts a fresh attempt, still deduplicated across concurrent callers.
	FailureRetry
)

func (p FailurePolicy) String() string {
	if p == FailureRetry {
		return "retry"
	}
	return "cached"
}

// ParseFailurePolicy resolves "cached" or "retry" for network. An empty name
// means cached.
func ParseFailurePolicy(network, name string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cached":
		return FailureCached, nil
	case "retry":
		return FailureRetry, nil
	default:
		return FailureCached, errs.New(network, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown failure policy %q", name)))
	}
}

// Listener is notified exactly once with the outcome an Initialize call waited on.
type Listener interface {
	OnSuccess()
	OnError(err error)
}

// ListenerFuncs adapts a pair of functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Success func()
	Error   func(err error)
}

// OnSuccess calls Success when set.
func (f ListenerFuncs) OnSuccess() {
	if f.Success != nil {
		f.Success()
	}
}

// OnError calls Error when set.
func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}
