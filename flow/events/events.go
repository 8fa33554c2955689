// Package events implements the Event Multiplexer (spec.md C8): per-
// subscriber fan-out of flow/node/hook/agent events, gated by room
// membership, with a bounded per-flow history ring so late joiners receive
// a backfill snapshot on subscribe.
//
// The room/subscriber/broadcast shape is grounded on the teacher's
// graph/emit package's BufferedEmitter (a mutex-guarded map keyed by id,
// snapshot-on-read semantics) generalized from "one flow's event list" to
// "many rooms, many live subscribers, bounded ring per room" — no pack
// example provides a multi-room pub/sub primitive, so this package is this
// system's own, following spec.md §4.8 directly. The live-subscriber
// transport is grounded on itsneelabh-gomind/ui/transports/websocket's
// per-client send channel plus upgrader, adapted from one agent's chat
// session to one room's event stream.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role gates control-plane actions (spec.md §4.8 "Authorization"). Data-
// plane subscription is role-agnostic; only the control endpoint
// (Server.handleControl, via Role.Allowed) checks Role.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleViewer    Role = "viewer"
)

// ControlAction is a control-plane operation gated by Role.
type ControlAction string

const (
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionAbort  ControlAction = "abort"
	ActionRetry  ControlAction = "retry"
)

// Allowed reports whether a subscriber with this role may perform action.
func (r Role) Allowed(action ControlAction) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleDeveloper:
		return action == ActionPause || action == ActionResume || action == ActionRetry
	case RoleViewer:
		return false
	default:
		return false
	}
}

// RoomKind identifies what a room is keyed by (spec.md §4.8: "flow_id,
// node_id, project_id, or execution_id").
type RoomKind string

const (
	RoomFlow      RoomKind = "flow"
	RoomNode      RoomKind = "node"
	RoomProject   RoomKind = "project"
	RoomExecution RoomKind = "execution"
)

// Room identifies one fan-out channel.
type Room struct {
	Kind RoomKind
	ID   string
}

func flowRoom(flowID string) Room { return Room{Kind: RoomFlow, ID: flowID} }
func nodeRoom(nodeID string) Room { return Room{Kind: RoomNode, ID: nodeID} }

// Event is the wire format delivered to subscribers (spec.md §6 "Event
// wire format"): `{ event, flow_id?, node_id?, timestamp, payload }`.
type Event struct {
	Event     string         `json:"event"`
	FlowID    string         `json:"flow_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const historySize = 100

// ring is a fixed-capacity, oldest-overwritten buffer of events for one
// room, matching the "bounded rolling history" shape used by
// flow/hooks.diagLog, specialized per spec.md §4.8 to ~100 events per flow.
type ring struct {
	mu    sync.RWMutex
	buf   []Event
	start int
	size  int
	cap   int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = historySize
	}
	return &ring{buf: make([]Event, capacity), cap: capacity}
}

func (r *ring) push(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.size) % r.cap
	r.buf[idx] = e
	if r.size < r.cap {
		r.size++
	} else {
		r.start = (r.start + 1) % r.cap
	}
}

// snapshot returns every retained event, oldest first.
func (r *ring) snapshot() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%r.cap]
	}
	return out
}

// Subscriber is a live fan-out target. Deliver must not block the
// publisher for long; Hub disconnects a subscriber whose outbound buffer
// stays full (spec.md §5 "Backpressure... slow subscribers... are
// disconnected").
type Subscriber interface {
	// ID uniquely identifies the subscriber for disconnect bookkeeping.
	ID() string
	// Deliver attempts to hand the subscriber one event. It must return
	// quickly (non-blocking or short-buffered) so one slow subscriber
	// cannot stall the fan-out loop for everyone else.
	Deliver(Event) bool
}

type subscription struct {
	sub   Subscriber
	rooms map[Room]struct{}
}

// Hub is the Event Multiplexer: it accepts publishes from every internal
// component (Flow Executor, Supervisor, Hook Ingress) and fans them out to
// every subscriber whose room membership matches, while retaining a
// bounded history ring per flow room for late joiners.
//
// Hub satisfies flow/executor.Publisher and flow/supervisor.Publisher
// structurally via Publish, so it can be wired directly into both without
// either package importing this one.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription // subscriber id -> subscription
	byRoom      map[Room]map[string]*subscription
	history     map[Room]*ring
	historyCap  int
}

// Option configures a Hub.
type Option func(*Hub)

// WithHistorySize overrides the per-room history ring capacity (default
// 100, per spec.md §4.8).
func WithHistorySize(n int) Option {
	return func(h *Hub) { h.historyCap = n }
}

// NewHub builds an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subscribers: make(map[string]*subscription),
		byRoom:      make(map[Room]map[string]*subscription),
		history:     make(map[Room]*ring),
		historyCap:  historySize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish fans an event out to every subscriber of the flow_id and (if
// present) node_id rooms, recording it in each of those rooms' history
// rings first so a subscriber joining mid-publish still sees it in its
// backfill.
func (h *Hub) Publish(kind, flowID, nodeID string, payload map[string]any) {
	e := Event{Event: kind, FlowID: flowID, NodeID: nodeID, Timestamp: time.Now(), Payload: payload}

	rooms := make([]Room, 0, 2)
	if flowID != "" {
		rooms = append(rooms, flowRoom(flowID))
	}
	if nodeID != "" {
		rooms = append(rooms, nodeRoom(nodeID))
	}

	h.mu.Lock()
	for _, room := range rooms {
		r, ok := h.history[room]
		if !ok {
			r = newRing(h.historyCap)
			h.history[room] = r
		}
		r.push(e)
	}
	var targets []*subscription
	seen := make(map[string]struct{})
	for _, room := range rooms {
		for id, s := range h.byRoom[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		if !s.sub.Deliver(e) {
			h.Unsubscribe(s.sub.ID())
		}
	}
}

// Subscribe joins sub to the given rooms and returns the backfilled
// history (oldest first, across all joined rooms, deduplicated) for late-
// joiner replay per spec.md's testable property on history delivery.
func (h *Hub) Subscribe(sub Subscriber, rooms ...Room) []Event {
	h.mu.Lock()
	s := &subscription{sub: sub, rooms: make(map[Room]struct{}, len(rooms))}
	for _, room := range rooms {
		s.rooms[room] = struct{}{}
		if h.byRoom[room] == nil {
			h.byRoom[room] = make(map[string]*subscription)
		}
		h.byRoom[room][sub.ID()] = s
	}
	h.subscribers[sub.ID()] = s

	type eventKey struct {
		event, flowID, nodeID string
		ts                    time.Time
	}
	var backfill []Event
	seen := make(map[eventKey]struct{})
	for _, room := range rooms {
		if r, ok := h.history[room]; ok {
			for _, e := range r.snapshot() {
				k := eventKey{e.Event, e.FlowID, e.NodeID, e.Timestamp}
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				backfill = append(backfill, e)
			}
		}
	}
	h.mu.Unlock()
	sort.SliceStable(backfill, func(i, j int) bool { return backfill[i].Timestamp.Before(backfill[j].Timestamp) })
	return backfill
}

// Unsubscribe removes a subscriber from every room it joined.
func (h *Hub) Unsubscribe(subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subscribers[subscriberID]
	if !ok {
		return
	}
	for room := range s.rooms {
		delete(h.byRoom[room], subscriberID)
		if len(h.byRoom[room]) == 0 {
			delete(h.byRoom, room)
		}
	}
	delete(h.subscribers, subscriberID)
}

// History returns the retained history for a flow_id room, oldest first.
func (h *Hub) History(flowID string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.history[flowRoom(flowID)]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// SubscriberCount reports the current live subscriber count, for
// diagnostics and tests.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// NewToken mints an opaque subscriber identity, matching the teacher
// pack's widespread use of google/uuid for instance/feedback/subscriber
// identifiers.
func NewToken() string {
	return uuid.NewString()
}

// RoomsFor builds the room set a subscription request names (spec.md
// §4.8 "subscribe to a flow_id, node_id, project_id, or execution_id
// room"). Each non-empty id yields its own room, so the same id passed as
// both FlowID and ExecutionID gives two distinct rooms. Publish fans out to
// and records history for flow and node rooms only; project and execution
// rooms receive no events.
func RoomsFor(flowID, nodeID, projectID, executionID string) []Room {
	var rooms []Room
	if flowID != "" {
		rooms = append(rooms, Room{Kind: RoomFlow, ID: flowID})
	}
	if nodeID != "" {
		rooms = append(rooms, Room{Kind: RoomNode, ID: nodeID})
	}
	if projectID != "" {
		rooms = append(rooms, Room{Kind: RoomProject, ID: projectID})
	}
	if executionID != "" {
		rooms = append(rooms, Room{Kind: RoomExecution, ID: executionID})
	}
	return rooms
}
