// Package errs provides structured error types and helpers for mediation services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a coarse error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeInitializationFailed indicates the underlying SDK reported an init failure.
	CodeInitializationFailed Code = "initialization_failed"
	// CodeDuplicate indicates a second registration for a key that is still live.
	CodeDuplicate Code = "duplicate"
	// CodeNetwork indicates an ad-network-side failure.
	CodeNetwork Code = "network_error"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is closed or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures network-agnostic failure categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInitializationFailed marks a cached SDK initialization failure.
	CanonicalInitializationFailed CanonicalCode = "initialization_failed"
	// CanonicalDuplicateRegistration marks a second Register for a live correlation key.
	CanonicalDuplicateRegistration CanonicalCode = "duplicate_registration"
	// CanonicalListenerInstall marks a failure to install the SDK's global listener.
	CanonicalListenerInstall CanonicalCode = "listener_install"
	// CanonicalLoadFailed marks an ad load failure reported by the network.
	CanonicalLoadFailed CanonicalCode = "load_failed"
	// CanonicalShowFailed marks an ad show failure reported by the network.
	CanonicalShowFailed CanonicalCode = "show_failed"
	// CanonicalNotReady marks an operation attempted before the ad was loaded.
	CanonicalNotReady CanonicalCode = "not_ready"
	// CanonicalThrottled marks a load rejected by the per-network rate limit.
	CanonicalThrottled CanonicalCode = "throttled"
)

// E captures structured error information produced across the mediation stack.
type E struct {
	Network   string
	Code      Code
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the network and error code.
func New(network string, code Code, opts ...Option) *E {
	e := &E{
		Network:   strings.TrimSpace(network),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the raw vendor error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw vendor error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	network := e.Network
	if network == "" {
		network = "unknown"
	}
	parts = append(parts, "network="+network)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := string(e.Canonical); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries an envelope with the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CanonicalOf extracts the canonical classification from err, or CanonicalUnknown.
func CanonicalOf(err error) CanonicalCode {
	var e *E
	if !errors.As(err, &e) {
		return CanonicalUnknown
	}
	return e.Canonical
}

// Duplicate returns the standard error for a second registration of a live key.
func Duplicate(network, key string) *E {
	return New(network, CodeDuplicate,
		WithMessage("listener already registered"),
		WithCanonicalCode(CanonicalDuplicateRegistration),
		WithField("key", key),
	)
}

// InitializationFailed wraps a vendor init failure reason in the standard envelope.
func InitializationFailed(network string, reason error) *E {
	return New(network, CodeInitializationFailed,
		WithMessage("sdk initialization failed"),
		WithCanonicalCode(CanonicalInitializationFailed),
		WithCause(reason),
	)
}
