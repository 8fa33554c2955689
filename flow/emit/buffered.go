package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores events in memory, organized by flow id, with query
// and filter support. Intended for tests and short-lived diagnostics, not
// production event history (see flow/events for the bounded, production
// subscriber history ring). Adapted from the teacher's BufferedEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.FlowID] = append(b.events[event.FlowID], event)
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

func (b *BufferedEmitter) Flush(context.Context) error { return nil }

// History returns a copy of every event recorded for flowID, in emission
// order.
func (b *BufferedEmitter) History(flowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[flowID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Clear removes events for flowID, or every event if flowID is empty.
func (b *BufferedEmitter) Clear(flowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if flowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, flowID)
}
