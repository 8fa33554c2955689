package events

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testAuth(tokens map[string]Role) Authenticator {
	return func(token string) (string, Role, bool) {
		role, ok := tokens[token]
		if !ok {
			return "", "", false
		}
		return "sub-" + token, role, true
	}
}

type fakeController struct {
	pauseErr, resumeErr, abortErr error
	paused, resumed, aborted      bool
}

func (f *fakeController) Pause() error  { f.paused = true; return f.pauseErr }
func (f *fakeController) Resume() error { f.resumed = true; return f.resumeErr }
func (f *fakeController) Abort() error  { f.aborted = true; return f.abortErr }

func TestServer_SubscribeReceivesHistoryThenLiveEvents(t *testing.T) {
	hub := NewHub()
	hub.Publish("flow.started", "flow-1", "", nil)

	srv := NewServer(hub, testAuth(map[string]Role{"viewer-token": RoleViewer}), nil, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/subscribe?flow_id=flow-1&token=viewer-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read history frame: %v", err)
	}
	if first.Event != "history" {
		t.Fatalf("first frame = %q, want history", first.Event)
	}

	hub.Publish("node.started", "flow-1", "n1", map[string]any{"attempt": 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var second Event
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read live frame: %v", err)
	}
	if second.Event != "node.started" {
		t.Fatalf("second frame = %q, want node.started", second.Event)
	}
}

func TestServer_SubscribeUnauthorizedRejected(t *testing.T) {
	hub := NewHub()
	srv := NewServer(hub, testAuth(nil), nil, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/subscribe?flow_id=flow-1"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial failure for unauthorized subscriber")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("resp = %v, want 401", resp)
	}
}

func TestServer_ControlActionsGatedByRole(t *testing.T) {
	hub := NewHub()
	ctrl := &fakeController{}
	lookup := func(flowID string) (Controller, bool) {
		if flowID != "flow-1" {
			return nil, false
		}
		return ctrl, true
	}
	srv := NewServer(hub, testAuth(map[string]Role{
		"admin-token":  RoleAdmin,
		"viewer-token": RoleViewer,
		"dev-token":    RoleDeveloper,
	}), lookup, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	post := func(path, token string) int {
		resp, err := ts.Client().Post(ts.URL+path+"?token="+token, "application/json", nil)
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if status := post("/flows/flow-1/abort", "viewer-token"); status != 403 {
		t.Fatalf("viewer abort status = %d, want 403", status)
	}
	if ctrl.aborted {
		t.Fatalf("viewer's forbidden abort reached the controller")
	}

	if status := post("/flows/flow-1/pause", "dev-token"); status != 200 {
		t.Fatalf("developer pause status = %d, want 200", status)
	}
	if !ctrl.paused {
		t.Fatalf("developer's allowed pause did not reach the controller")
	}

	if status := post("/flows/flow-1/abort", "admin-token"); status != 200 {
		t.Fatalf("admin abort status = %d, want 200", status)
	}
	if !ctrl.aborted {
		t.Fatalf("admin's allowed abort did not reach the controller")
	}
}

func TestServer_ControlActionUnknownFlow(t *testing.T) {
	hub := NewHub()
	lookup := func(flowID string) (Controller, bool) { return nil, false }
	srv := NewServer(hub, testAuth(map[string]Role{"admin-token": RoleAdmin}), lookup, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/flows/missing/pause?token=admin-token", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_ControlActionControllerError(t *testing.T) {
	hub := NewHub()
	ctrl := &fakeController{pauseErr: errors.New("already paused")}
	lookup := func(flowID string) (Controller, bool) { return ctrl, true }
	srv := NewServer(hub, testAuth(map[string]Role{"admin-token": RoleAdmin}), lookup, Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/flows/flow-1/pause?token=admin-token", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 409 {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}
