// Package emit is the ambient structured-observability layer shared by
// every component: an Emitter interface with log, null, buffered and
// OpenTelemetry-tracing implementations, adapted from the teacher engine's
// graph/emit package. It is deliberately independent of flow/events (the
// Event Multiplexer, C8): emit carries the engine's own internal trace of
// what happened for logging/debugging/tracing, while flow/events carries
// the domain-facing subscriber feed spec.md §4.8 describes. The main flow,
// node and agent lifecycle events are also mirrored here; not every
// multiplexer event is (node.skipped and hook.* events, for example, are
// not).
package emit

import "context"

// Event is one ambient observability record: a flow/node lifecycle point,
// an error, or a free-form note. Meta carries event-kind-specific detail
// (duration_ms, error, retryable, ...).
type Event struct {
	FlowID string
	NodeID string
	Msg    string
	Meta   map[string]any
}

// Emitter receives ambient observability events. Implementations must be
// non-blocking and must never panic; a slow or failing backend must not
// slow down or crash flow execution.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}
