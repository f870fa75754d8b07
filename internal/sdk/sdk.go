// Package sdk declares the capability surface a vendor ad-network SDK binding
// must provide. Each vendor implements these once; the coordinator and the
// demultiplexer are written against them and stay vendor-agnostic.
package sdk

// InitCallback receives the outcome of a single underlying SDK initialization.
// Vendors may invoke it on any goroutine they own.
type InitCallback interface {
	OnUnderlyingSuccess()
	OnUnderlyingFailure(reason error)
}

// Initializer is the vendor's one-time init entry point.
type Initializer interface {
	Init(appKey string, cb InitCallback)
}

// Sink is the single process-wide listener a vendor SDK delivers events to.
type Sink[K comparable, E any] interface {
	Dispatch(key K, evt E)
}

// GlobalRegistrar installs the vendor's single global listener.
type GlobalRegistrar[K comparable, E any] interface {
	RegisterGlobalListener(sink Sink[K, E]) error
}

// GlobalListenerInspector is implemented by vendors whose global listener can be
// reassigned by other parts of the host process.
type GlobalListenerInspector[K comparable, E any] interface {
	GlobalListener() Sink[K, E]
}

// Loader issues an ad load for a correlation key.
type Loader interface {
	Load(key string, params map[string]string) error
}

// Shower presents a previously loaded ad.
type Shower interface {
	Show(key string) error
}

// Network bundles every capability a string-keyed vendor binding exposes.
type Network interface {
	Name() string
	Initializer
	GlobalRegistrar[string, Event]
	Loader
	Shower
}
