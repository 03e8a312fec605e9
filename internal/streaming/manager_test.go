package streaming

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/orchestrator/internal/bus"
)

func TestPublishReachesSubscribers(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("wf-1", 4)
	defer m.Unsubscribe("wf-1", ch)

	m.Publish("wf-1", Event{Type: "workflow_started"})
	m.Publish("wf-2", Event{Type: "workflow_started"})

	ev := <-ch
	assert.Equal(t, "workflow_started", ev.Type)
	assert.Equal(t, "wf-1", ev.WorkflowID)
	assert.Equal(t, uint64(1), ev.Seq)
	// The wf-2 event must not leak into this subscription.
	assert.Empty(t, ch)
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("wf-1", 1)
	defer m.Unsubscribe("wf-1", ch)

	// Publishes beyond the buffer must not block.
	for i := 0; i < 10; i++ {
		m.Publish("wf-1", Event{Type: "step_completed"})
	}
	assert.Len(t, ch, 1)
}

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	// Capacity 3 means the oldest event was overwritten.
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
}

func TestReplaySince(t *testing.T) {
	m := NewManager(5)
	for i := 0; i < 5; i++ {
		m.Publish("wf-1", Event{Type: "step_completed"})
	}
	evs := m.ReplaySince("wf-1", 3)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(4), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[1].Seq)

	assert.Nil(t, m.ReplaySince("unknown", 0))
}

// Publishers racing subscriber churn must neither corrupt the subscriber
// map nor send on a closed channel. Run with the race detector.
func TestConcurrentPublishAndChurn(t *testing.T) {
	m := NewManager(64)

	stop := make(chan struct{})
	var publishers sync.WaitGroup
	for i := 0; i < 4; i++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					m.Publish("wf-1", Event{Type: "step_completed"})
				}
			}
		}()
	}

	var churners sync.WaitGroup
	for i := 0; i < 4; i++ {
		churners.Add(1)
		go func() {
			defer churners.Done()
			for j := 0; j < 200; j++ {
				ch := m.Subscribe("wf-1", 4)
				m.ReplaySince("wf-1", 0)
				m.Unsubscribe("wf-1", ch)
			}
		}()
	}

	churners.Wait()
	close(stop)
	publishers.Wait()

	assert.NotEmpty(t, m.ReplaySince("wf-1", 0))
}

func TestBusHandlerRepublishesEvents(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("wf-1", 4)
	defer m.Unsubscribe("wf-1", ch)

	handler := m.BusHandler()
	_, err := handler(context.Background(), &bus.Message{
		From:    "orchestrator",
		To:      "event_stream",
		Type:    bus.MessageEvent,
		Action:  "workflow_completed",
		Payload: map[string]interface{}{"workflow_id": "wf-1"},
	})
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, "workflow_completed", ev.Type)
	assert.Equal(t, "orchestrator", ev.AgentID)

	// Non-event messages and events without a workflow are ignored.
	_, err = handler(context.Background(), &bus.Message{Type: bus.MessageRequest, Payload: map[string]interface{}{}})
	require.NoError(t, err)
	_, err = handler(context.Background(), &bus.Message{Type: bus.MessageEvent, Payload: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Empty(t, ch)
}
