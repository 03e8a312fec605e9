// Package streaming fans workflow lifecycle events out to SSE and WebSocket
// subscribers, with a per-workflow ring buffer for replay.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agenthub/orchestrator/internal/bus"
)

// Event is one streamed workflow event.
type Event struct {
	WorkflowID string                 `json:"workflow_id"`
	Type       string                 `json:"type"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Seq        uint64                 `json:"seq"`
}

// Marshal returns the event as JSON for SSE frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager is an in-memory pub/sub for workflow events. Slow subscribers
// drop events rather than block publishers; the ring buffer covers replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

const defaultRingCapacity = 256

// NewManager creates a manager whose per-workflow replay rings hold
// capacity events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber for one workflow. The caller must drain the
// channel and call Unsubscribe when done.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[workflowID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, workflowID)
		}
	}
}

// Publish assigns a sequence number, records the event for replay, and
// delivers it to current subscribers without blocking.
func (m *Manager) Publish(workflowID string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.WorkflowID = workflowID

	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[workflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[workflowID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)

	// Delivery stays under the lock: sends never block, and Unsubscribe
	// cannot close a channel mid-send.
	for ch := range m.subscribers[workflowID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns buffered events with Seq > since, oldest first.
func (m *Manager) ReplaySince(workflowID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[workflowID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// BusHandler returns a handler that republishes workflow EVENT messages to
// stream subscribers. Register it on the bus under a dedicated agent ID so
// orchestrator broadcasts reach live streams.
func (m *Manager) BusHandler() bus.Handler {
	return func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
		if msg.Type != bus.MessageEvent {
			return nil, nil
		}
		workflowID, _ := msg.Payload["workflow_id"].(string)
		if workflowID == "" {
			return nil, nil
		}
		m.Publish(workflowID, Event{
			Type:    msg.Action,
			AgentID: msg.From,
			Payload: msg.Payload,
		})
		return nil, nil
	}
}

// ring is a fixed-capacity event buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
