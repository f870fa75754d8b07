package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention attribute keys, following OpenTelemetry naming: namespace.attribute_name.
const (
	// AttrNetwork identifies the underlying ad network SDK.
	AttrNetwork = attribute.Key("ad.network")
	// AttrEventKind labels demultiplexed vendor events (loaded, closed, ...).
	AttrEventKind = attribute.Key("ad.event.kind")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrInitState captures the coordinator state at the time of a call.
	AttrInitState = attribute.Key("init.state")
)

// Result values shared by coordinator instruments.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultQueued  = "queued"
	ResultCached  = "cached"
)

// NetworkResult returns the common attribute pair for per-network outcome metrics.
func NetworkResult(network, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrNetwork.String(network),
		AttrResult.String(result),
	}
}
