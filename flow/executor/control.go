package executor

import (
	"time"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/emit"
)

// Pause stops admitting new nodes and gracefully stops every currently
// running node's subprocess. Those nodes keep status running until Resume
// reverts them to pending and redispatches each as a fresh attempt. Nodes
// already in review or retry
// backoff are left untouched; Pause only affects nodes actively running a
// subprocess.
func (e *Executor) Pause() {
	e.mu.Lock()
	if e.aborted || e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.state.Status = flow.FlowPaused
	running := make([]string, 0)
	for id, n := range e.state.Nodes {
		if n.Status == flow.NodeRunning {
			running = append(running, id)
		}
	}
	e.mu.Unlock()

	e.publish("flow.paused", "", nil)
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, Msg: "flow.paused"})

	for _, id := range running {
		e.signalCompletion(id, pendingCompletion{status: "paused"})
		if inst, ok := e.sup.ByNode(id); ok {
			_ = e.sup.Stop(inst.InstanceID, true)
		}
	}
}

// Resume clears the paused flag, reverts every node Pause left running to
// pending, and re-enters the admission loop, so each dispatches again as a
// new attempt.
func (e *Executor) Resume() {
	e.mu.Lock()
	if e.aborted || !e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = false
	for _, n := range e.state.Nodes {
		if n.Status == flow.NodeRunning {
			n.Status = flow.NodePending
		}
	}
	e.state.Status = flow.FlowRunning
	e.mu.Unlock()

	e.publish("flow.resumed", "", nil)
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, Msg: "flow.resumed"})
	e.admit()
}

// Abort forcefully stops every running subprocess and marks every
// non-terminal node failed with reason "aborted", then finalizes the flow.
// Abort is irreversible; Resume after Abort is a no-op.
func (e *Executor) Abort() {
	e.mu.Lock()
	if e.aborted {
		e.mu.Unlock()
		return
	}
	e.aborted = true
	e.paused = false
	running := make([]string, 0)
	now := time.Now()
	for id, n := range e.state.Nodes {
		switch n.Status {
		case flow.NodeCompleted, flow.NodeFailed, flow.NodeSkipped:
			continue
		case flow.NodeRunning:
			running = append(running, id)
			fallthrough
		default:
			n.Status = flow.NodeFailed
			n.CompletedAt = &now
			n.LastError = &flow.NodeError{Kind: flow.KindUnknown, Message: "aborted", At: now}
		}
	}
	e.state.Status = flow.FlowAborted
	e.state.CompletedAt = &now
	e.state.Errors = append(e.state.Errors, "aborted")
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	for _, id := range running {
		if inst, ok := e.sup.ByNode(id); ok {
			_ = e.sup.Stop(inst.InstanceID, false)
		}
		e.signalCompletion(id, pendingCompletion{status: "aborted"})
	}

	e.publish("flow.aborted", "", nil)
	e.emitter.Emit(emit.Event{FlowID: e.flow.FlowID, Msg: "flow.aborted"})
	e.finish()
}
