package hooks

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentforge-dev/agentforge/flow"
)

type agentCompleteBody struct {
	NodeID    string `json:"node_id"`
	Status    string `json:"status"`
	Output    any    `json:"output"`
	Timestamp int64  `json:"timestamp"`
}

type fileChangedBody struct {
	NodeID    string   `json:"node_id"`
	Files     []string `json:"files"`
	Timestamp int64    `json:"timestamp"`
}

type agentErrorBody struct {
	NodeID    string `json:"node_id"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

type checkpointBody struct {
	NodeID    string `json:"node_id"`
	Name      string `json:"name"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type reviewBody struct {
	Action        string         `json:"action"`
	Feedback      string         `json:"feedback"`
	Modifications map[string]any `json:"modifications,omitempty"`
}

func tsOrNow(epochSeconds int64) time.Time {
	if epochSeconds == 0 {
		return time.Now()
	}
	return time.Unix(epochSeconds, 0)
}

// handleAgentComplete implements /agent-complete: the completion signal a
// node's stop.sh hook sends. Output must be a structured object: a
// malformed body, a missing node_id, or a scalar output yields 400,
// matching spec.md §4.4's output validation rule. An unknown node_id is
// dropped with 200.
func (r *Router) handleAgentComplete(w http.ResponseWriter, req *http.Request) {
	var body agentCompleteBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, flow.KindOutputValidation, "malformed request body")
		return
	}
	if body.NodeID == "" {
		writeErrorKind(w, http.StatusBadRequest, flow.KindOutputValidation, "node_id is required")
		return
	}
	if body.Output != nil {
		if !isStructured(body.Output) {
			writeErrorKind(w, http.StatusBadRequest, flow.KindOutputValidation, "output must be a structured object")
			return
		}
	}

	flowID, ok := r.flowFor(body.NodeID)
	r.diag.Append(diagEntry{Path: "/agent-complete", NodeID: body.NodeID, At: time.Now()})
	if !ok {
		// Unknown node_id is logged and dropped, not an error to the caller
		// (spec.md §7 "Unknown node_id is logged and dropped (200 OK)").
		w.WriteHeader(http.StatusOK)
		return
	}

	event := Event{
		Kind:      "stop",
		NodeID:    body.NodeID,
		FlowID:    flowID,
		Status:    body.Status,
		Output:    body.Output,
		Timestamp: tsOrNow(body.Timestamp),
	}
	r.dispatch(event)
	w.WriteHeader(http.StatusOK)
}

func isStructured(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

func (r *Router) handleFileChanged(w http.ResponseWriter, req *http.Request) {
	var body fileChangedBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, flow.KindOutputValidation, "malformed request body")
		return
	}

	flowID, ok := r.flowFor(body.NodeID)
	r.diag.Append(diagEntry{Path: "/file-changed", NodeID: body.NodeID, At: time.Now()})
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.dispatch(Event{
		Kind:      "file_change",
		NodeID:    body.NodeID,
		FlowID:    flowID,
		Files:     body.Files,
		Timestamp: tsOrNow(body.Timestamp),
	})
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleAgentError(w http.ResponseWriter, req *http.Request) {
	var body agentErrorBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, flow.KindOutputValidation, "malformed request body")
		return
	}

	flowID, ok := r.flowFor(body.NodeID)
	r.diag.Append(diagEntry{Path: "/agent-error", NodeID: body.NodeID, At: time.Now()})
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.dispatch(Event{
		Kind:      "error",
		NodeID:    body.NodeID,
		FlowID:    flowID,
		Error:     body.Error,
		Timestamp: tsOrNow(body.Timestamp),
	})
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleCheckpoint(w http.ResponseWriter, req *http.Request) {
	var body checkpointBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, flow.KindOutputValidation, "malformed request body")
		return
	}

	flowID, ok := r.flowFor(body.NodeID)
	r.diag.Append(diagEntry{Path: "/checkpoint", NodeID: body.NodeID, At: time.Now()})
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.dispatch(Event{
		Kind:      "checkpoint",
		NodeID:    body.NodeID,
		FlowID:    flowID,
		Name:      body.Name,
		Data:      body.Data,
		Timestamp: tsOrNow(body.Timestamp),
	})
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleReview(w http.ResponseWriter, req *http.Request) {
	nodeID := chi.URLParam(req, "node_id")
	var body reviewBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorKind(w, http.StatusBadRequest, flow.KindOutputValidation, "malformed request body")
		return
	}
	r.diag.Append(diagEntry{Path: "/review", NodeID: nodeID, At: time.Now()})

	reviews := r.currentReviews()
	if reviews == nil {
		writeErrorKind(w, http.StatusServiceUnavailable, flow.KindUnknown, "review coordinator not configured")
		return
	}
	if err := reviews.SubmitReview(nodeID, body.Action, body.Feedback, body.Modifications); err != nil {
		writeErrorKind(w, http.StatusBadRequest, flow.KindHookFailed, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Router) dispatch(event Event) {
	r.emitter.Emit(hookEventToEmitEvent(event))
	dispatcher := r.currentDispatcher()
	if dispatcher == nil {
		return
	}
	_ = dispatcher.HandleHookEvent(event)
}
