package hooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/agentforge-dev/agentforge/flow/metrics"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeDispatcher) HandleHookEvent(e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeDispatcher) all() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

type fakeReviewDispatcher struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
}

func (f *fakeReviewDispatcher) SubmitReview(nodeID string, action, feedback string, modifications map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nodeID == f.failOn {
		return errTest
	}
	f.calls = append(f.calls, nodeID+":"+action)
	return nil
}

var errTest = &testError{"review failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func newTestRouter() (*Router, *fakeDispatcher) {
	d := &fakeDispatcher{}
	r := New(Config{}, d, &fakeReviewDispatcher{}, nil, metrics.Disabled())
	return r, d
}

func post(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAgentCompleteRoutesToRegisteredFlow(t *testing.T) {
	r, d := newTestRouter()
	r.Register("node-1", "flow-1")

	rec := post(t, r.Handler(), "/agent-complete", map[string]any{
		"node_id": "node-1",
		"status":  "completed",
		"output":  map[string]any{"result": "ok"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	events := d.all()
	if len(events) != 1 || events[0].Kind != "stop" || events[0].FlowID != "flow-1" {
		t.Errorf("unexpected dispatched events: %#v", events)
	}
}

func TestAgentCompleteUnknownNodeDropsSilently(t *testing.T) {
	r, d := newTestRouter()

	rec := post(t, r.Handler(), "/agent-complete", map[string]any{
		"node_id": "unknown",
		"status":  "completed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(d.all()) != 0 {
		t.Errorf("expected no dispatched events for unknown node")
	}
}

func TestAgentCompleteScalarOutputRejected(t *testing.T) {
	r, _ := newTestRouter()
	r.Register("node-1", "flow-1")

	rec := post(t, r.Handler(), "/agent-complete", map[string]any{
		"node_id": "node-1",
		"status":  "completed",
		"output":  "just a string",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["error_kind"] != "OUTPUT_VALIDATION_FAILED" {
		t.Errorf("unexpected error_kind: %#v", body)
	}
}

func TestAgentCompleteMalformedBodyRejected(t *testing.T) {
	r, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/agent-complete", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFileChangedRoutesFiles(t *testing.T) {
	r, d := newTestRouter()
	r.Register("node-1", "flow-1")

	rec := post(t, r.Handler(), "/file-changed", map[string]any{
		"node_id": "node-1",
		"files":   []string{"a.go", "b.go"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	events := d.all()
	if len(events) != 1 || events[0].Kind != "file_change" || len(events[0].Files) != 2 {
		t.Errorf("unexpected events: %#v", events)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReviewEndpointForwardsToReviewDispatcher(t *testing.T) {
	reviews := &fakeReviewDispatcher{}
	r := New(Config{}, &fakeDispatcher{}, reviews, nil, metrics.Disabled())

	rec := post(t, r.Handler(), "/review/node-1", map[string]any{
		"action":   "approve",
		"feedback": "looks good",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	reviews.mu.Lock()
	defer reviews.mu.Unlock()
	if len(reviews.calls) != 1 || reviews.calls[0] != "node-1:approve" {
		t.Errorf("unexpected calls: %#v", reviews.calls)
	}
}

func TestDiagnosticsRecordsCalls(t *testing.T) {
	r, _ := newTestRouter()
	r.Register("node-1", "flow-1")
	post(t, r.Handler(), "/agent-complete", map[string]any{"node_id": "node-1", "status": "completed"})

	diag := r.Diagnostics()
	if len(diag) != 1 || diag[0].Path != "/agent-complete" {
		t.Errorf("unexpected diagnostics: %#v", diag)
	}
}
