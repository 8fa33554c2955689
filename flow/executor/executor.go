// Package executor implements the Flow Executor (spec.md C6): the
// coordinating engine that drives one Flow's ExecutionState from
// initializing to a terminal status, dispatching nodes through the
// Supervisor as their ancestors complete, consulting the Retry Policy on
// failure, opening reviews through the Review Coordinator, and exposing the
// pause/resume/abort control surface.
//
// The Executor is the single owner of its ExecutionState (spec.md §5): all
// external mutations — hook events, review feedback, control actions —
// funnel through its own methods, which take its mutex before touching
// state, the same ownership discipline the teacher engine applies to its
// Engine.nodes/Engine.mu pair in graph/engine.go.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/emit"
	"github.com/agentforge-dev/agentforge/flow/hooks"
	"github.com/agentforge-dev/agentforge/flow/metrics"
	"github.com/agentforge-dev/agentforge/flow/registry"
	"github.com/agentforge-dev/agentforge/flow/retry"
	"github.com/agentforge-dev/agentforge/flow/review"
	"github.com/agentforge-dev/agentforge/flow/supervisor"
)

// Publisher receives domain-facing lifecycle events for fan-out to the
// Event Multiplexer (spec.md C8). Defined here rather than imported from
// flow/events so the two packages do not depend on each other; flow/events'
// Hub type satisfies this interface structurally.
type Publisher interface {
	Publish(kind, flowID, nodeID string, payload map[string]any)
}

type nullPublisher struct{}

func (nullPublisher) Publish(string, string, string, map[string]any) {}

// NodeRegistrar is the subset of flow/hooks.Router the Executor needs to
// keep the hook ingress's node_id -> flow_id table current.
type NodeRegistrar interface {
	Register(nodeID, flowID string)
	Unregister(nodeID string)
}

// Config configures an Executor. Flow and Supervisor are required.
type Config struct {
	Flow       *flow.Flow
	Supervisor *supervisor.Supervisor
	Registry   registry.Lookup
	Reviews    *review.Coordinator
	Registrar  NodeRegistrar

	MaxParallel          int
	DefaultNodeTimeout   time.Duration
	DefaultReviewTimeout time.Duration
	RetryPolicyFactory   func(node flow.Node) *retry.Policy

	Emitter   emit.Emitter
	Metrics   *metrics.Metrics
	Publisher Publisher
}

// ExecutionResult is the terminal outcome of Execute.
type ExecutionResult struct {
	FlowID string
	Status flow.FlowStatus
	Nodes  map[string]*flow.NodeExecutionState
	Errors []string
}

// pendingCompletion lets HandleHookEvent hand a node's executing goroutine
// a "stop" event's output without that goroutine having to poll disk.
type pendingCompletion struct {
	status string
	output any
}

// Executor drives one Flow's ExecutionState per spec.md §4.6.
type Executor struct {
	cfg  Config
	flow *flow.Flow

	sup       *supervisor.Supervisor
	reg       registry.Lookup
	reviews   *review.Coordinator
	registrar NodeRegistrar
	emitter   emit.Emitter
	metrics   *metrics.Metrics
	publisher Publisher

	deps map[string][]string // node_id -> direct ancestor node ids
	rdeps map[string][]string // node_id -> direct descendant node ids

	maxParallel int
	defaultNodeTimeout   time.Duration
	defaultReviewTimeout time.Duration
	policyFactory        func(node flow.Node) *retry.Policy

	mu      sync.Mutex
	state   *flow.ExecutionState
	running int
	paused  bool
	aborted bool
	done    chan struct{}
	doneOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	retryHistory map[string][]retry.AttemptRecord
	lastHookErr  map[string]string
	policies     map[string]*retry.Policy

	waitersMu sync.Mutex
	waiters   map[string]chan pendingCompletion
}

// New builds an Executor for one Flow. The caller must have already
// validated the Flow (e.g. via flow/resolver) before constructing one.
func New(cfg Config, deps, rdeps map[string][]string) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = 10 * time.Minute
	}
	if cfg.DefaultReviewTimeout <= 0 {
		cfg.DefaultReviewTimeout = 30 * time.Minute
	}
	if cfg.Emitter == nil {
		cfg.Emitter = emit.NullEmitter{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Disabled()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nullPublisher{}
	}
	if cfg.RetryPolicyFactory == nil {
		cfg.RetryPolicyFactory = func(node flow.Node) *retry.Policy {
			return retry.DefaultPolicy(node.Config.MaxRetries)
		}
	}
	if cfg.Reviews == nil {
		cfg.Reviews = review.New()
	}

	return &Executor{
		cfg:                  cfg,
		flow:                 cfg.Flow,
		sup:                  cfg.Supervisor,
		reg:                  cfg.Registry,
		reviews:              cfg.Reviews,
		registrar:            cfg.Registrar,
		emitter:              cfg.Emitter,
		metrics:              cfg.Metrics,
		publisher:            cfg.Publisher,
		deps:                 deps,
		rdeps:                rdeps,
		maxParallel:          cfg.MaxParallel,
		defaultNodeTimeout:   cfg.DefaultNodeTimeout,
		defaultReviewTimeout: cfg.DefaultReviewTimeout,
		policyFactory:        cfg.RetryPolicyFactory,
		state:                flow.NewExecutionState(cfg.Flow),
		done:                 make(chan struct{}),
		retryHistory:         make(map[string][]retry.AttemptRecord),
		lastHookErr:          make(map[string]string),
		policies:             make(map[string]*retry.Policy),
		waiters:              make(map[string]chan pendingCompletion),
	}
}

// Execute runs the flow to completion, synchronously. It returns once every
// node has reached a terminal status or the flow has been aborted.
func (e *Executor) Execute(ctx context.Context) (*ExecutionResult, error) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.mu.Lock()
	e.state.Status = flow.FlowRunning
	e.state.StartedAt = time.Now()
	e.mu.Unlock()

	if e.registrar != nil {
		for _, n := range e.flow.Nodes {
			e.registrar.Register(n.NodeID, e.flow.FlowID)
		}
	}

	e.publish("flow.started", "", nil)
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, Msg: "flow.started"})

	e.admit()

	select {
	case <-e.done:
	case <-ctx.Done():
		e.Abort()
		<-e.done
	}

	if e.registrar != nil {
		for _, n := range e.flow.Nodes {
			e.registrar.Unregister(n.NodeID)
		}
	}

	return e.Result(), nil
}

// Result returns a snapshot of the current ExecutionResult, valid whether
// or not the flow has reached a terminal status yet.
func (e *Executor) Result() *ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	nodes := make(map[string]*flow.NodeExecutionState, len(e.state.Nodes))
	for id, n := range e.state.Nodes {
		cp := *n
		nodes[id] = &cp
	}
	return &ExecutionResult{
		FlowID: e.state.FlowID,
		Status: e.state.Status,
		Nodes:  nodes,
		Errors: append([]string(nil), e.state.Errors...),
	}
}

// GetState returns a snapshot of the executor's ExecutionState.
func (e *Executor) GetState() *flow.ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.state
	cp.Nodes = make(map[string]*flow.NodeExecutionState, len(e.state.Nodes))
	for id, n := range e.state.Nodes {
		ncp := *n
		cp.Nodes[id] = &ncp
	}
	cp.Outputs = make(map[string]any, len(e.state.Outputs))
	for k, v := range e.state.Outputs {
		cp.Outputs[k] = v
	}
	return &cp
}

// GetActiveReviews proxies to the Review Coordinator.
func (e *Executor) GetActiveReviews() []review.ReviewRequest {
	return e.reviews.ActiveReviews()
}

// GetReviewHistory proxies to the Review Coordinator.
func (e *Executor) GetReviewHistory(nodeID string) []review.ReviewResult {
	return e.reviews.History(nodeID)
}

// SubmitReview converts action and feedback into a ReviewFeedback and
// forwards it to the Review Coordinator. It satisfies
// flow/hooks.ReviewDispatcher.
func (e *Executor) SubmitReview(nodeID string, action, feedback string, modifications map[string]any) error {
	decision := review.Decision(action)
	switch decision {
	case review.DecisionApprove, review.DecisionReject, review.DecisionRequestChanges:
	default:
		return fmt.Errorf("executor: unknown review action %q", action)
	}
	var actionItems []string
	if modifications != nil {
		if items, ok := modifications["action_items"].([]string); ok {
			actionItems = items
		}
	}
	return e.reviews.SubmitFeedback(nodeID, review.ReviewFeedback{
		NodeID:      nodeID,
		Decision:    decision,
		Comments:    feedback,
		ActionItems: actionItems,
		Timestamp:   time.Now(),
	})
}

// SubmitReviewFeedback is the public-contract name from spec.md §4.6; it
// forwards to SubmitReview.
func (e *Executor) SubmitReviewFeedback(fb review.ReviewFeedback) error {
	return e.reviews.SubmitFeedback(fb.NodeID, fb)
}

// HandleHookEvent implements flow/hooks.Dispatcher: it advances
// ExecutionState in response to a routed hook callback.
func (e *Executor) HandleHookEvent(event hooks.Event) error {
	switch event.Kind {
	case "stop":
		e.signalCompletion(event.NodeID, pendingCompletion{status: event.Status, output: event.Output})
	case "error":
		e.mu.Lock()
		e.lastHookErr[event.NodeID] = event.Error
		e.mu.Unlock()
		e.publish("hook.error", event.NodeID, map[string]any{"error": event.Error})
	case "file_change":
		e.publish("hook.file_change", event.NodeID, map[string]any{"files": event.Files})
	case "checkpoint":
		e.publish("hook.checkpoint", event.NodeID, map[string]any{"name": event.Name, "data": event.Data})
	}
	return nil
}

func (e *Executor) signalCompletion(nodeID string, pc pendingCompletion) {
	e.waitersMu.Lock()
	ch, ok := e.waiters[nodeID]
	e.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- pc:
	default:
	}
}

func (e *Executor) registerWaiter(nodeID string) chan pendingCompletion {
	ch := make(chan pendingCompletion, 1)
	e.waitersMu.Lock()
	e.waiters[nodeID] = ch
	e.waitersMu.Unlock()
	return ch
}

func (e *Executor) unregisterWaiter(nodeID string) {
	e.waitersMu.Lock()
	delete(e.waiters, nodeID)
	e.waitersMu.Unlock()
}

func (e *Executor) publish(kind, nodeID string, payload map[string]any) {
	e.publisher.Publish(kind, e.flow.FlowID, nodeID, payload)
}

func (e *Executor) finish() {
	e.doneOnce.Do(func() {
		close(e.done)
	})
}

// sortedNodeIDs returns every node id in the flow, sorted, for deterministic
// scan order during admission.
func (e *Executor) sortedNodeIDs() []string {
	ids := make([]string, 0, len(e.flow.Nodes))
	for _, n := range e.flow.Nodes {
		ids = append(ids, n.NodeID)
	}
	sort.Strings(ids)
	return ids
}
