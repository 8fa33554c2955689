package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

// Controller is the subset of flow/executor.Executor the control-plane
// endpoints drive, keyed by flow_id. A real deployment looks Controllers
// up from the same registry the Hook Ingress uses to route node_id ->
// flow_id.
type Controller interface {
	Pause() error
	Resume() error
	Abort() error
}

// ControllerLookup resolves a flow_id to its live Controller, or reports
// not-found. The orchestrator process wires this to whatever tracks
// in-flight Flow Executors (see spec.md §9 "registry object owned by the
// orchestrator process").
type ControllerLookup func(flowID string) (Controller, bool)

// Authenticator resolves a bearer token to a subscriber identity and role
// (spec.md §4.8 "A subscriber identifies via token"). Token validation
// itself (session lookup, JWT parsing) is external-system glue (spec.md
// §1 "authentication/authorization middleware") and not reimplemented
// here; this package only consumes the result.
type Authenticator func(token string) (subscriberID string, role Role, ok bool)

// Server exposes the Hub over HTTP: a WebSocket endpoint for live
// subscription and POST endpoints for the role-gated control actions.
// Routing style matches flow/hooks.Router: chi.NewRouter, cors.Handler
// middleware, one handler per path.
type Server struct {
	hub     *Hub
	auth    Authenticator
	lookup  ControllerLookup
	cfg     Config
	upgrade websocket.Upgrader
}

// Config configures a Server's CORS policy.
type Config struct {
	AllowedOrigins []string
}

// NewServer builds a Server. auth and lookup must be non-nil before
// serving traffic; pass NewServer(hub, nil, nil, cfg) during bootstrap and
// fill them via SetAuthenticator/SetControllerLookup once the rest of the
// process is wired.
func NewServer(hub *Hub, auth Authenticator, lookup ControllerLookup, cfg Config) *Server {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		hub:    hub,
		auth:   auth,
		lookup: lookup,
		cfg:    Config{AllowedOrigins: origins},
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				for _, o := range origins {
					if o == "*" || o == r.Header.Get("Origin") {
						return true
					}
				}
				return false
			},
		},
	}
}

// SetAuthenticator sets the token authenticator after construction.
func (s *Server) SetAuthenticator(a Authenticator) { s.auth = a }

// SetControllerLookup sets the flow_id -> Controller resolver after
// construction.
func (s *Server) SetControllerLookup(l ControllerLookup) { s.lookup = l }

// Handler builds the complete chi.Router for the multiplexer's HTTP
// surface.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	mux.Get("/subscribe", s.handleSubscribe)
	mux.Post("/flows/{flow_id}/pause", s.handleControl(ActionPause))
	mux.Post("/flows/{flow_id}/resume", s.handleControl(ActionResume))
	mux.Post("/flows/{flow_id}/abort", s.handleControl(ActionAbort))

	return mux
}

func (s *Server) authenticate(r *http.Request) (string, Role, bool) {
	if s.auth == nil {
		return "", "", false
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	return s.auth(token)
}

// handleSubscribe upgrades to a WebSocket and joins the subscriber to the
// rooms named by its query parameters (flow_id, node_id, project_id,
// execution_id). It immediately replays the joined rooms' history so the
// new subscriber gets a `history` snapshot before live events.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	subscriberID, _, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	q := r.URL.Query()
	rooms := RoomsFor(q.Get("flow_id"), q.Get("node_id"), q.Get("project_id"), q.Get("execution_id"))
	if len(rooms) == 0 {
		_ = conn.WriteJSON(map[string]string{"error": "no room specified"})
		_ = conn.Close()
		return
	}

	client := newWSClient(subscriberID, conn)
	backfill := s.hub.Subscribe(client, rooms...)
	client.sendHistory(backfill)
	go client.writePump()
	client.readPump(func() { s.hub.Unsubscribe(client.ID()) })
}

// handleControl dispatches a role-gated pause/resume/abort request.
func (s *Server) handleControl(action ControlAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, role, ok := s.authenticate(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !role.Allowed(action) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if s.lookup == nil {
			http.Error(w, "no controller registry configured", http.StatusServiceUnavailable)
			return
		}
		flowID := chi.URLParam(r, "flow_id")
		ctrl, ok := s.lookup(flowID)
		if !ok {
			http.Error(w, "unknown flow", http.StatusNotFound)
			return
		}

		var err error
		switch action {
		case ActionPause:
			err = ctrl.Pause()
		case ActionResume:
			err = ctrl.Resume()
		case ActionAbort:
			err = ctrl.Abort()
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// wsClient adapts one live WebSocket connection to the Subscriber
// interface, with a bounded outbound buffer. A client whose buffer stays
// full is dropped rather than blocking the Hub's publish loop (spec.md §5
// "slow subscribers... are disconnected"), grounded on
// itsneelabh-gomind/ui/transports/websocket's wsClient send-channel shape.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan Event

	mu     sync.Mutex
	closed bool
}

func newWSClient(id string, conn *websocket.Conn) *wsClient {
	return &wsClient{id: id, conn: conn, send: make(chan Event, 256)}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Deliver(e Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- e:
		return true
	default:
		return false
	}
}

func (c *wsClient) sendHistory(events []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- Event{Event: "history", Timestamp: time.Now(), Payload: map[string]any{"events": events}}:
	default:
	}
}

func (c *wsClient) writePump() {
	defer c.close()
	for e := range c.send {
		if err := c.conn.WriteJSON(e); err != nil {
			return
		}
	}
}

// readPump blocks discarding inbound frames (this transport is
// publish-only) until the connection closes, then invokes onClose to
// unsubscribe from the Hub.
func (c *wsClient) readPump(onClose func()) {
	defer onClose()
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}
