package executor

import (
	"context"
	"time"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/emit"
	"github.com/agentforge-dev/agentforge/flow/retry"
	"github.com/agentforge-dev/agentforge/flow/review"
)

// admit scans every pending node in deterministic order and, while a
// parallel slot is free, dispatches each one whose ancestors are all
// completed. Ancestors that are permanently failed or skipped cause the
// node (and transitively its descendants) to cascade-skip instead.
// Must be called without e.mu held; it takes the lock itself for each
// decision so it never holds it across a subprocess spawn.
func (e *Executor) admit() {
	for {
		e.mu.Lock()
		if e.aborted || e.paused {
			e.mu.Unlock()
			return
		}
		if e.running >= e.maxParallel {
			e.mu.Unlock()
			return
		}

		var next string
		for _, id := range e.sortedNodeIDs() {
			n := e.state.Nodes[id]
			if n.Status != flow.NodePending {
				continue
			}
			switch e.eligibility(id) {
			case eligibleNow:
				next = id
			case eligibleSkip:
				e.cascadeSkipLocked(id)
				continue
			default:
				continue
			}
			if next != "" {
				break
			}
		}

		if next == "" {
			done := e.checkTerminalLocked()
			e.mu.Unlock()
			if done {
				e.finish()
			}
			return
		}

		e.state.Nodes[next].Status = flow.NodeRunning
		e.running++
		e.metrics.UpdateInflightNodes(e.running)
		e.mu.Unlock()

		go e.runNode(next)
	}
}

type eligibility int

const (
	eligibleWait eligibility = iota
	eligibleNow
	eligibleSkip
)

// eligibility reports whether node id's ancestors allow it to dispatch now,
// make it wait, or force it to cascade-skip. Caller must hold e.mu.
func (e *Executor) eligibility(id string) eligibility {
	for _, dep := range e.deps[id] {
		switch e.state.Nodes[dep].Status {
		case flow.NodeCompleted:
			continue
		case flow.NodeFailed, flow.NodeSkipped:
			return eligibleSkip
		default:
			return eligibleWait
		}
	}
	return eligibleNow
}

// cascadeSkipLocked marks id and every reachable descendant as skipped.
// Caller must hold e.mu.
func (e *Executor) cascadeSkipLocked(id string) {
	if e.state.Nodes[id].Status == flow.NodeSkipped {
		return
	}
	e.state.Nodes[id].Status = flow.NodeSkipped
	e.publish("node.skipped", id, nil)
	for _, child := range e.rdeps[id] {
		e.cascadeSkipLocked(child)
	}
}

// checkTerminalLocked reports whether every node has reached a terminal
// status, finalizing e.state.Status if so. Caller must hold e.mu.
func (e *Executor) checkTerminalLocked() bool {
	if !e.state.IsTerminal() {
		return false
	}
	now := time.Now()
	e.state.CompletedAt = &now
	switch {
	case e.aborted:
		e.state.Status = flow.FlowAborted
	case len(e.state.Nodes) == 0:
		// An empty flow has no node to reach "completed", so I5's
		// sawCompleted requirement can never hold; spec.md's empty-flow
		// boundary case takes precedence: validation succeeded, so
		// execution completes immediately with no errors.
		e.state.Status = flow.FlowCompleted
	case e.state.Succeeded():
		e.state.Status = flow.FlowCompleted
	default:
		e.state.Status = flow.FlowFailed
	}
	e.publish("flow."+string(e.state.Status), "", nil)
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, Msg: "flow." + string(e.state.Status)})
	return true
}

// runNode drives one node's attempt from dispatch through completion,
// retry scheduling, or review, re-entering admit() whenever a slot frees.
func (e *Executor) runNode(nodeID string) {
	defer func() {
		e.mu.Lock()
		e.running--
		e.metrics.UpdateInflightNodes(e.running)
		e.mu.Unlock()
		e.admit()
	}()

	node, _ := e.flow.NodeByID(nodeID)

	e.mu.Lock()
	st := e.state.Nodes[nodeID]
	st.Attempts++
	now := time.Now()
	st.StartedAt = &now
	attempt := st.Attempts
	retryInputs := st.RetryContextInputs
	extra := st.ExtraInstructions
	e.mu.Unlock()

	inputs := e.mergeInputs(node)
	for k, v := range retryInputs {
		inputs[k] = v
	}
	if extra != "" {
		inputs["extra_instructions"] = extra
	}

	e.publish("node.started", nodeID, map[string]any{"attempt": attempt})
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, NodeID: nodeID, Msg: "node.started"})

	waitCh := e.registerWaiter(nodeID)
	defer e.unregisterWaiter(nodeID)

	inst, err := e.sup.Spawn(e.ctx, e.flow.FlowID, node, inputs)
	if err != nil {
		e.completeAsFailure(nodeID, node, attempt, &flow.NodeError{
			Kind:    flow.KindSpawnFailed,
			Message: err.Error(),
			At:      time.Now(),
		})
		return
	}

	timeout := node.Config.Timeout(e.defaultNodeTimeout)
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-e.ctx.Done():
		_ = e.sup.Stop(inst.InstanceID, false)
		return

	case pc := <-waitCh:
		if pc.status == "aborted" || pc.status == "paused" {
			// Abort has already marked this node failed; a paused node
			// stays running until Resume reverts it to pending. Either
			// way its status is not re-derived here.
			return
		}
		e.finishNode(nodeID, node, attempt, pc.status, pc.output)

	case <-inst.Done():
		output, present, _ := e.sup.Output(inst.InstanceID)
		status := "completed"
		if inst.Metrics().ExitCode != 0 {
			status = "error"
		}
		if !present {
			status = "error"
		}
		e.finishNode(nodeID, node, attempt, status, output)

	case <-timeoutCh:
		_ = e.sup.Stop(inst.InstanceID, true)
		e.completeAsFailure(nodeID, node, attempt, &flow.NodeError{
			Kind:    flow.KindTimeout,
			Message: "node exceeded timeout",
			At:      time.Now(),
		})
	}
}

// finishNode interprets a completion signal (from a hook stop event or
// subprocess exit) and routes the node to success, review, or failure.
func (e *Executor) finishNode(nodeID string, node flow.Node, attempt int, status string, output any) {
	if status != "completed" {
		e.mu.Lock()
		hookErr := e.lastHookErr[nodeID]
		e.mu.Unlock()
		msg := hookErr
		if msg == "" {
			msg = "agent reported status " + status
		}
		e.completeAsFailure(nodeID, node, attempt, &flow.NodeError{
			Kind:    retry.Classify(msg),
			Message: msg,
			At:      time.Now(),
		})
		return
	}
	if output == nil {
		e.completeAsFailure(nodeID, node, attempt, &flow.NodeError{
			Kind:    flow.KindOutputValidation,
			Message: "agent completed without producing output",
			At:      time.Now(),
		})
		return
	}

	if node.Config.RequiresReview {
		e.runReview(nodeID, node, attempt, output)
		return
	}

	e.completeAsSuccess(nodeID, output)
}

func (e *Executor) completeAsSuccess(nodeID string, output any) {
	e.mu.Lock()
	st := e.state.Nodes[nodeID]
	st.Status = flow.NodeCompleted
	now := time.Now()
	st.CompletedAt = &now
	st.Output = output
	e.state.Outputs[nodeID] = output
	policy := e.policyFor(nodeID)
	e.mu.Unlock()

	policy.RecordOutcome(true)
	e.publish("node.completed", nodeID, map[string]any{"output": output})
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, NodeID: nodeID, Msg: "node.completed"})
}

// completeAsFailure consults the Retry Policy: either schedules another
// attempt (re-enqueuing the node as pending with an enriched RetryContext)
// or marks the node failed and cascade-skips its descendants.
func (e *Executor) completeAsFailure(nodeID string, node flow.Node, attempt int, nodeErr *flow.NodeError) {
	e.mu.Lock()
	st := e.state.Nodes[nodeID]
	st.LastError = nodeErr
	policy := e.policyFor(nodeID)
	e.mu.Unlock()

	policy.RecordOutcome(false)

	if node.Config.RetryOnFailure && policy.ShouldRetry(attempt, nodeErr) {
		e.metrics.IncrementRetries(nodeID, string(nodeErr.Kind))
		e.scheduleRetry(nodeID, node, attempt, nodeErr, policy)
		return
	}

	e.mu.Lock()
	st.Status = flow.NodeFailed
	now := time.Now()
	st.CompletedAt = &now
	e.state.Errors = append(e.state.Errors, nodeID+": "+nodeErr.Message)
	for _, child := range e.rdeps[nodeID] {
		e.cascadeSkipLocked(child)
	}
	e.mu.Unlock()

	e.publish("node.failed", nodeID, map[string]any{"error": nodeErr.Message, "kind": string(nodeErr.Kind)})
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, NodeID: nodeID, Msg: "node.failed", Meta: map[string]any{"error": nodeErr.Message}})
}

func (e *Executor) scheduleRetry(nodeID string, node flow.Node, attempt int, nodeErr *flow.NodeError, policy *retry.Policy) {
	e.mu.Lock()
	e.retryHistory[nodeID] = append(e.retryHistory[nodeID], retry.AttemptRecord{
		Attempt:    attempt,
		Error:      nodeErr,
		ErrorCount: len(e.retryHistory[nodeID]) + 1,
	})
	history := e.retryHistory[nodeID]
	e.mu.Unlock()

	delay := policy.DelayFor(attempt)
	rc := retry.BuildRetryContext(history, nil)

	e.publish("node.retry", nodeID, map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()})
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, NodeID: nodeID, Msg: "node.retry"})

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}

		e.mu.Lock()
		if e.aborted {
			e.mu.Unlock()
			return
		}
		st := e.state.Nodes[nodeID]
		st.Status = flow.NodePending
		st.RetryContextInputs = rc.MergeIntoInputs(map[string]any{})
		e.mu.Unlock()

		e.admit()
	}()
}

func (e *Executor) runReview(nodeID string, node flow.Node, attempt int, output any) {
	e.mu.Lock()
	st := e.state.Nodes[nodeID]
	st.Status = flow.NodeReviewing
	e.mu.Unlock()

	e.publish("node.review", nodeID, map[string]any{"output": output})
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, NodeID: nodeID, Msg: "node.review"})

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	ch, err := e.reviews.Open(ctx, review.ReviewRequest{
		NodeID:            nodeID,
		FlowID:            e.flow.FlowID,
		Scope:             node.Config.ReviewScope,
		Criteria:          node.Config.ReviewCriteria,
		Timeout:           node.Config.ReviewTimeout(e.defaultReviewTimeout),
		RequiresApproval:  true,
		RequiredApprovals: 1,
	})
	if err != nil {
		e.completeAsFailure(nodeID, node, attempt, &flow.NodeError{
			Kind:    flow.KindUnknown,
			Message: "failed to open review: " + err.Error(),
			At:      time.Now(),
		})
		return
	}

	select {
	case <-e.ctx.Done():
		return
	case result := <-ch:
		e.metrics.IncrementReviewOutcome(string(result.Status))
		switch result.FinalDecision {
		case review.FinalContinue:
			e.completeAsSuccess(nodeID, output)
		case review.FinalRetry:
			e.mu.Lock()
			st := e.state.Nodes[nodeID]
			st.Status = flow.NodePending
			st.ExtraInstructions = result.ModifiedInstructions
			st.RetryContextInputs = result.RetryContext
			e.mu.Unlock()
			e.publish("node.retry", nodeID, map[string]any{"reason": "review"})
			go e.admit()
		case review.FinalAbort:
			e.completeAsFailure(nodeID, node, attempt, &flow.NodeError{
				Kind:    flow.KindReviewRejected,
				Message: "review rejected node output",
				At:      time.Now(),
			})
		}
	}
}

// policyFor returns the single Policy instance for nodeID, creating it on
// first use. A node's Policy must persist across attempts: it carries the
// monotone non-improvement history and adaptive-mode EMA that only make
// sense accumulated over the node's whole retry lifetime. Caller must hold
// e.mu.
func (e *Executor) policyFor(nodeID string) *retry.Policy {
	if p, ok := e.policies[nodeID]; ok {
		return p
	}
	node, _ := e.flow.NodeByID(nodeID)
	p := e.policyFactory(node)
	e.policies[nodeID] = p
	return p
}
