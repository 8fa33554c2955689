// Package hooks implements the Hook Ingress (spec.md C4): an HTTP server
// accepting callbacks POSTed by the generated hook scripts running inside
// each agent's project directory. It resolves node_id to flow_id via a
// registration table the Flow Executor maintains, dispatches the
// normalized event to a configured Dispatcher, and keeps a bounded rolling
// diagnostic log.
//
// Routing grounded on the chi router + go-chi/cors middleware style used in
// the wider retrieval pack's gateway services (chi.NewRouter, router.Use,
// router.Post per path, a CORS options struct applied as middleware).
package hooks

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/emit"
	"github.com/agentforge-dev/agentforge/flow/metrics"
)

// Event is the normalized hook callback, independent of which path it
// arrived on.
type Event struct {
	Kind      string // "stop", "file_change", "error", "checkpoint"
	NodeID    string
	FlowID    string
	Status    string
	Output    any
	Files     []string
	Error     string
	Name      string
	Data      any
	Timestamp time.Time
}

// Dispatcher receives routed hook events. The Flow Executor implements
// this to advance ExecutionState; events are also mirrored to the Event
// Multiplexer by the caller wiring this package together.
type Dispatcher interface {
	HandleHookEvent(Event) error
}

// ReviewDispatcher receives review-endpoint submissions, forwarded to the
// Review Coordinator.
type ReviewDispatcher interface {
	SubmitReview(nodeID string, action, feedback string, modifications map[string]any) error
}

// Router owns the node_id -> flow_id registration table (reader-many,
// writer-one per spec.md §5) and the bounded diagnostic log, and builds the
// chi.Router that serves all hook paths.
type Router struct {
	dispatcher Dispatcher
	reviews    ReviewDispatcher
	emitter    emit.Emitter
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	owner map[string]string // node_id -> flow_id

	diag *diagLog
	cfg  Config
}

// Config configures a Router's CORS policy and diagnostic log size.
type Config struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowCredentials bool
	DiagLogCapacity  int // default 1000
}

// New builds a Router. dispatcher and reviews may be set later via
// SetDispatcher/SetReviewDispatcher if not yet constructed (e.g. during
// bootstrap ordering), but must be set before serving traffic.
func New(cfg Config, dispatcher Dispatcher, reviews ReviewDispatcher, emitter emit.Emitter, m *metrics.Metrics) *Router {
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	if m == nil {
		m = metrics.Disabled()
	}
	capacity := cfg.DiagLogCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	return &Router{
		dispatcher: dispatcher,
		reviews:    reviews,
		emitter:    emitter,
		metrics:    m,
		owner:      make(map[string]string),
		diag:       newDiagLog(capacity),
		cfg:        cfg,
	}
}

// Diagnostics returns a snapshot of the rolling hook-call log, oldest first.
func (r *Router) Diagnostics() []diagEntry {
	return r.diag.Snapshot()
}

// SetDispatcher wires the Dispatcher after construction, for callers whose
// Dispatcher (typically a Flow Executor or a multi-flow manager) itself
// needs a reference to this Router before it can be built.
func (r *Router) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = d
}

// SetReviewDispatcher wires the ReviewDispatcher after construction, for
// the same bootstrap-ordering reason as SetDispatcher.
func (r *Router) SetReviewDispatcher(rd ReviewDispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews = rd
}

// Register records that nodeID belongs to flowID, enabling hook callbacks
// for that node to be routed. Called by the Flow Executor at flow
// registration time.
func (r *Router) Register(nodeID, flowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner[nodeID] = flowID
}

// Unregister removes a node's routing entry, called on flow teardown.
func (r *Router) Unregister(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owner, nodeID)
}

func (r *Router) currentDispatcher() Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dispatcher
}

func (r *Router) currentReviews() ReviewDispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reviews
}

func (r *Router) flowFor(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flowID, ok := r.owner[nodeID]
	return flowID, ok
}

// FlowFor exposes the node_id -> flow_id routing table to callers outside
// this package that need to resolve a node to its owning flow, such as a
// multi-flow dispatcher routing /review submissions.
func (r *Router) FlowFor(nodeID string) (string, bool) {
	return r.flowFor(nodeID)
}

// Handler builds the complete chi.Router for the hook ingress, including
// CORS middleware and a /healthz liveness endpoint.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()

	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   nonEmptyOrWildcard(r.cfg.AllowedOrigins),
		AllowedMethods:   nonEmptyOrDefaultMethods(r.cfg.AllowedMethods),
		AllowCredentials: r.cfg.AllowCredentials,
	}))

	mux.Get("/healthz", r.handleHealthz)
	mux.Post("/agent-complete", r.withLatency("/agent-complete", r.handleAgentComplete))
	mux.Post("/file-changed", r.withLatency("/file-changed", r.handleFileChanged))
	mux.Post("/agent-error", r.withLatency("/agent-error", r.handleAgentError))
	mux.Post("/checkpoint", r.withLatency("/checkpoint", r.handleCheckpoint))
	mux.Post("/review/{node_id}", r.withLatency("/review", r.handleReview))

	return mux
}

func nonEmptyOrWildcard(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func nonEmptyOrDefaultMethods(methods []string) []string {
	if len(methods) == 0 {
		return []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	return methods
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// withLatency wraps a handler to record Prometheus hook latency per path,
// labeled by the resulting HTTP status class.
func (r *Router) withLatency(path string, h func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, req)
		r.metrics.RecordHookLatency(path, statusClass(sw.status), time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

func writeErrorKind(w http.ResponseWriter, status int, kind flow.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_kind": string(kind),
		"message":    message,
	})
}
