package hooks

import (
	"sync"
	"time"

	"github.com/agentforge-dev/agentforge/flow/emit"
)

// diagEntry is one line in the ingress's rolling diagnostic log.
type diagEntry struct {
	Path   string
	NodeID string
	At     time.Time
}

// diagLog is a fixed-capacity ring of recent hook calls, kept purely for
// operator diagnostics (spec.md §4.4 "bounded rolling log (~1000 events)").
// It is intentionally separate from the Event Multiplexer's per-flow
// history ring, which is domain-facing rather than operational.
type diagLog struct {
	mu       sync.Mutex
	entries  []diagEntry
	capacity int
	next     int
	full     bool
}

func newDiagLog(capacity int) *diagLog {
	return &diagLog{entries: make([]diagEntry, capacity), capacity: capacity}
}

func (d *diagLog) Append(e diagEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[d.next] = e
	d.next = (d.next + 1) % d.capacity
	if d.next == 0 {
		d.full = true
	}
}

// Snapshot returns the log's current contents, oldest first.
func (d *diagLog) Snapshot() []diagEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.full {
		out := make([]diagEntry, d.next)
		copy(out, d.entries[:d.next])
		return out
	}
	out := make([]diagEntry, d.capacity)
	copy(out, d.entries[d.next:])
	copy(out[d.capacity-d.next:], d.entries[:d.next])
	return out
}

// hookEventToEmitEvent mirrors a routed hook Event into the ambient
// observability stream.
func hookEventToEmitEvent(e Event) emit.Event {
	meta := map[string]any{"kind": e.Kind}
	if e.Error != "" {
		meta["error"] = e.Error
	}
	if e.Status != "" {
		meta["status"] = e.Status
	}
	if len(e.Files) > 0 {
		meta["files"] = e.Files
	}
	return emit.Event{
		FlowID: e.FlowID,
		NodeID: e.NodeID,
		Msg:    "hook." + e.Kind,
		Meta:   meta,
	}
}
