package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/emit"
	"github.com/agentforge-dev/agentforge/flow/events"
	"github.com/agentforge-dev/agentforge/flow/executor"
	"github.com/agentforge-dev/agentforge/flow/hooks"
	"github.com/agentforge-dev/agentforge/flow/metrics"
	"github.com/agentforge-dev/agentforge/flow/registry"
	"github.com/agentforge-dev/agentforge/flow/resolver"
	"github.com/agentforge-dev/agentforge/flow/review"
	"github.com/agentforge-dev/agentforge/flow/store"
	"github.com/agentforge-dev/agentforge/flow/supervisor"
)

// runningFlow pairs a live Executor with the bookkeeping the manager needs
// to answer control-plane and audit queries about it after Submit returns.
type runningFlow struct {
	ex        *executor.Executor
	projectID string
	execID    string
}

// flowManager is the orchestrator process's explicit, non-singleton
// registry of in-flight flows (spec.md §9): it owns the flow_id -> Executor
// map and implements every cross-flow seam a single-process daemon needs —
// hooks.Dispatcher and hooks.ReviewDispatcher route a node-scoped callback
// to the right Executor, and Lookup adapts the same map to
// flow/events.ControllerLookup for control-plane actions.
type flowManager struct {
	sup     *supervisor.Supervisor
	reg     registry.Lookup
	router  *hooks.Router
	hub     *events.Hub
	st      store.Store
	emitter emit.Emitter
	metrics *metrics.Metrics
	log     *slog.Logger
	cfg     config

	mu    sync.RWMutex
	flows map[string]*runningFlow
}

func newFlowManager(cfg config, sup *supervisor.Supervisor, reg registry.Lookup, router *hooks.Router, hub *events.Hub, st store.Store, emitter emit.Emitter, m *metrics.Metrics, log *slog.Logger) *flowManager {
	return &flowManager{
		sup:     sup,
		reg:     reg,
		router:  router,
		hub:     hub,
		st:      st,
		emitter: emitter,
		metrics: m,
		log:     log,
		cfg:     cfg,
		flows:   make(map[string]*runningFlow),
	}
}

// Submit validates f, builds an Executor for it, records an audit Execution
// row, and starts Execute asynchronously. It returns once the Executor is
// registered and reachable by flow id, not once the flow completes.
func (m *flowManager) Submit(ctx context.Context, projectID string, f *flow.Flow) error {
	if f.FlowID == "" {
		return fmt.Errorf("agentflowd: flow id is required")
	}
	r, err := resolver.New(f)
	if err != nil {
		return fmt.Errorf("agentflowd: resolving flow %s: %w", f.FlowID, err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("agentflowd: invalid flow %s: %w", f.FlowID, err)
	}

	deps := make(map[string][]string, len(f.Nodes))
	rdeps := make(map[string][]string, len(f.Nodes))
	for _, n := range f.Nodes {
		deps[n.NodeID] = r.Dependencies(n.NodeID)
		rdeps[n.NodeID] = r.Dependents(n.NodeID)
	}

	ex := executor.New(executor.Config{
		Flow:               f,
		Supervisor:         m.sup,
		Registry:           m.reg,
		Reviews:            review.New(),
		Registrar:          m.router,
		MaxParallel:        m.cfg.MaxParallel,
		DefaultNodeTimeout: time.Duration(m.cfg.DefaultNodeTimeout) * time.Second,
		Emitter:            m.emitter,
		Metrics:            m.metrics,
		Publisher:          m.hub,
	}, deps, rdeps)

	execID := f.FlowID + "/" + events.NewToken()[:8]
	if m.st != nil {
		snapshot, _ := marshalFlow(f)
		if err := m.st.CreateExecution(ctx, store.Execution{
			ID:           execID,
			ProjectID:    projectID,
			FlowID:       f.FlowID,
			Status:       string(flow.FlowInitializing),
			FlowSnapshot: snapshot,
			StartedAt:    time.Now().UTC(),
		}); err != nil {
			m.log.Warn("audit: create execution failed", "flow_id", f.FlowID, "error", err)
		}
	}

	m.mu.Lock()
	if _, exists := m.flows[f.FlowID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("agentflowd: flow %s is already running", f.FlowID)
	}
	m.flows[f.FlowID] = &runningFlow{ex: ex, projectID: projectID, execID: execID}
	m.mu.Unlock()

	go m.run(ex, f.FlowID, execID)
	return nil
}

func (m *flowManager) run(ex *executor.Executor, flowID, execID string) {
	result, err := ex.Execute(context.Background())
	if err != nil {
		m.log.Error("flow execution returned an error", "flow_id", flowID, "error", err)
	}

	if m.st != nil {
		now := time.Now().UTC()
		status := string(flow.FlowFailed)
		if result != nil {
			status = string(result.Status)
		}
		if err := m.st.UpdateExecutionStatus(context.Background(), execID, status, &now); err != nil {
			m.log.Warn("audit: update execution status failed", "flow_id", flowID, "error", err)
		}
		if result != nil {
			for nodeID, ns := range result.Nodes {
				ne := store.NodeExecution{
					ID:          execID + "/" + nodeID,
					ExecutionID: execID,
					NodeID:      nodeID,
					Attempt:     ns.Attempts,
					Status:      string(ns.Status),
					StartedAt:   ns.StartedAt,
					CompletedAt: ns.CompletedAt,
				}
				if out, err := marshalAny(ns.Output); err == nil {
					ne.Output = out
				}
				if ns.LastError != nil {
					ne.ErrorMessage = ns.LastError.Message
				}
				if err := m.st.UpsertNodeExecution(context.Background(), ne); err != nil {
					m.log.Warn("audit: upsert node execution failed", "flow_id", flowID, "node_id", nodeID, "error", err)
				}
			}
		}
	}

	m.mu.Lock()
	delete(m.flows, flowID)
	m.mu.Unlock()
}

func (m *flowManager) get(flowID string) (*runningFlow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rf, ok := m.flows[flowID]
	return rf, ok
}

// HandleHookEvent implements flow/hooks.Dispatcher, routing a hook callback
// already resolved to a flow id (by the Router's node ownership table) to
// that flow's Executor.
func (m *flowManager) HandleHookEvent(event hooks.Event) error {
	rf, ok := m.get(event.FlowID)
	if !ok {
		return nil
	}
	return rf.ex.HandleHookEvent(event)
}

// SubmitReview implements flow/hooks.ReviewDispatcher. Review submissions
// arrive scoped only to a node id, so the manager resolves the owning flow
// through the Router's shared registration table before forwarding.
func (m *flowManager) SubmitReview(nodeID string, action, feedback string, modifications map[string]any) error {
	flowID, ok := m.router.FlowFor(nodeID)
	if !ok {
		return fmt.Errorf("agentflowd: no active flow owns node %q", nodeID)
	}
	rf, ok := m.get(flowID)
	if !ok {
		return fmt.Errorf("agentflowd: flow %q is not running", flowID)
	}
	return rf.ex.SubmitReview(nodeID, action, feedback, modifications)
}

// executorController adapts *executor.Executor's void Pause/Resume/Abort
// methods to flow/events.Controller's error-returning contract; the
// Executor never fails to accept a control action synchronously, so the
// adapter always returns nil.
type executorController struct {
	ex *executor.Executor
}

func (c executorController) Pause() error  { c.ex.Pause(); return nil }
func (c executorController) Resume() error { c.ex.Resume(); return nil }
func (c executorController) Abort() error  { c.ex.Abort(); return nil }

// Lookup implements flow/events.ControllerLookup.
func (m *flowManager) Lookup(flowID string) (events.Controller, bool) {
	rf, ok := m.get(flowID)
	if !ok {
		return nil, false
	}
	return executorController{ex: rf.ex}, true
}
