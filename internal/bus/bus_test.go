package bus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	b := New(opts, zap.NewNop())
	return b
}

func TestSendMessageValidation(t *testing.T) {
	b := newTestBus(t, Options{})

	tests := []struct {
		name string
		msg  *Message
	}{
		{"missing from", &Message{To: "a", Type: MessageRequest, Payload: map[string]interface{}{}}},
		{"missing to", &Message{From: "a", Type: MessageRequest, Payload: map[string]interface{}{}}},
		{"missing type", &Message{From: "a", To: "b", Payload: map[string]interface{}{}}},
		{"missing payload", &Message{From: "a", To: "b", Type: MessageRequest}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.SendMessage(context.Background(), tt.msg)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestSendMessageQueueFull(t *testing.T) {
	b := newTestBus(t, Options{Capacity: 2})

	for i := 0; i < 2; i++ {
		_, err := b.SendMessage(context.Background(), &Message{
			From: "a", To: "b", Type: MessageEvent, Payload: map[string]interface{}{},
		})
		require.NoError(t, err)
	}

	_, err := b.SendMessage(context.Background(), &Message{
		From: "a", To: "b", Type: MessageEvent, Payload: map[string]interface{}{},
	})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, b.QueuedMessages())
}

func TestNextRespectsPriorityOrder(t *testing.T) {
	b := newTestBus(t, Options{})

	send := func(id string, p Priority) {
		_, err := b.SendMessage(context.Background(), &Message{
			ID: id, From: "a", To: "b", Type: MessageEvent,
			Payload: map[string]interface{}{}, Priority: p,
		})
		require.NoError(t, err)
	}

	// Enqueued out of order; the dispatcher must pull by priority, FIFO
	// within each level.
	send("low-1", PriorityLow)
	send("med-1", PriorityMedium)
	send("crit-1", PriorityCritical)
	send("high-1", PriorityHigh)
	send("crit-2", PriorityCritical)
	send("low-2", PriorityLow)

	var got []string
	for msg := b.next(); msg != nil; msg = b.next() {
		got = append(got, msg.ID)
	}
	assert.Equal(t, []string{"crit-1", "crit-2", "high-1", "med-1", "low-1", "low-2"}, got)
}

func TestUnsetPriorityDefaultsToMedium(t *testing.T) {
	b := newTestBus(t, Options{})

	// Low is enqueued first; a message sent without a priority must still
	// be pulled ahead of it.
	_, err := b.SendMessage(context.Background(), &Message{
		ID: "explicit-low", From: "a", To: "b", Type: MessageEvent,
		Payload: map[string]interface{}{}, Priority: PriorityLow,
	})
	require.NoError(t, err)

	unset := &Message{
		ID: "defaulted", From: "a", To: "b", Type: MessageEvent,
		Payload: map[string]interface{}{},
	}
	_, err = b.SendMessage(context.Background(), unset)
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, unset.Priority)

	msg := b.next()
	require.NotNil(t, msg)
	assert.Equal(t, "defaulted", msg.ID)
}

func TestNextDropsExpiredMessages(t *testing.T) {
	b := newTestBus(t, Options{})

	expired := &Message{
		ID: "expired", From: "a", To: "b", Type: MessageEvent,
		Payload:   map[string]interface{}{},
		Timestamp: time.Now().Add(-time.Minute),
		TTL:       time.Millisecond,
	}
	_, err := b.SendMessage(context.Background(), expired)
	require.NoError(t, err)

	fresh := &Message{
		ID: "fresh", From: "a", To: "b", Type: MessageEvent,
		Payload: map[string]interface{}{},
	}
	_, err = b.SendMessage(context.Background(), fresh)
	require.NoError(t, err)

	msg := b.next()
	require.NotNil(t, msg)
	assert.Equal(t, "fresh", msg.ID)
	assert.Nil(t, b.next())
}

func TestNextSkipsInFlightIDs(t *testing.T) {
	b := newTestBus(t, Options{})

	msg := &Message{
		ID: "dup", From: "a", To: "b", Type: MessageEvent,
		Payload: map[string]interface{}{},
	}
	_, err := b.SendMessage(context.Background(), msg)
	require.NoError(t, err)

	first := b.next()
	require.NotNil(t, first)

	// A re-queued copy with the same ID must not be processed while the
	// first is still in flight.
	_, err = b.SendMessage(context.Background(), &Message{
		ID: "dup", From: "a", To: "b", Type: MessageEvent,
		Payload: map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Nil(t, b.next())
}

func TestDefaultTTLApplied(t *testing.T) {
	b := newTestBus(t, Options{DefaultTTL: time.Minute})

	msg := &Message{From: "a", To: "b", Type: MessageEvent, Payload: map[string]interface{}{}}
	_, err := b.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, msg.TTL)

	// Explicit TTL wins over the default.
	msg2 := &Message{From: "a", To: "b", Type: MessageEvent, Payload: map[string]interface{}{}, TTL: time.Second}
	_, err = b.SendMessage(context.Background(), msg2)
	require.NoError(t, err)
	assert.Equal(t, time.Second, msg2.TTL)
}

func TestRequestResponse(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	b.RegisterHandler("worker", func(ctx context.Context, msg *Message) (*Message, error) {
		return &Message{Payload: map[string]interface{}{"echo": msg.Payload["input"]}}, nil
	})

	reply, err := b.SendRequest(ctx, "orchestrator", "worker", "echo",
		map[string]interface{}{"input": "hello"}, RequestOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, MessageResponse, reply.Type)
	assert.Equal(t, "hello", reply.Payload["echo"])
	assert.Equal(t, "worker", reply.From)
	assert.Equal(t, "orchestrator", reply.To)
}

func TestRequestHandlerError(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	b.RegisterHandler("worker", func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, errors.New("boom")
	})

	reply, err := b.SendRequest(ctx, "orchestrator", "worker", "fail",
		map[string]interface{}{}, RequestOptions{Timeout: 2 * time.Second})
	require.Error(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, MessageError, reply.Type)
	assert.Contains(t, reply.Payload["error"], "boom")
}

func TestRequestHandlerPanicIsolated(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	b.RegisterHandler("worker", func(ctx context.Context, msg *Message) (*Message, error) {
		panic("unexpected")
	})

	_, err := b.SendRequest(ctx, "orchestrator", "worker", "explode",
		map[string]interface{}{}, RequestOptions{Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	// Dispatcher must survive and keep serving other agents.
	b.RegisterHandler("healthy", func(ctx context.Context, msg *Message) (*Message, error) {
		return &Message{Payload: map[string]interface{}{"ok": true}}, nil
	})
	reply, err := b.SendRequest(ctx, "orchestrator", "healthy", "ping",
		map[string]interface{}{}, RequestOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, true, reply.Payload["ok"])
}

func TestRequestTimeout(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	// Handler that never replies.
	b.RegisterHandler("silent", func(ctx context.Context, msg *Message) (*Message, error) {
		return nil, nil
	})

	timeout := 200 * time.Millisecond
	start := time.Now()
	_, err := b.SendRequest(ctx, "orchestrator", "silent", "wait",
		map[string]interface{}{}, RequestOptions{Timeout: timeout})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
}

func TestRequestToUnknownAgentFailsFast(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	reply, err := b.SendRequest(ctx, "orchestrator", "ghost", "noop",
		map[string]interface{}{}, RequestOptions{Timeout: 2 * time.Second})
	require.Error(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, MessageError, reply.Type)
	assert.Contains(t, reply.Payload["error"], "no handler")
}

func TestRegisterHandlerReplacesPrior(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	b.RegisterHandler("worker", func(ctx context.Context, msg *Message) (*Message, error) {
		return &Message{Payload: map[string]interface{}{"version": 1}}, nil
	})
	b.RegisterHandler("worker", func(ctx context.Context, msg *Message) (*Message, error) {
		return &Message{Payload: map[string]interface{}{"version": 2}}, nil
	})

	reply, err := b.SendRequest(ctx, "orchestrator", "worker", "which",
		map[string]interface{}{}, RequestOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Payload["version"])
}

func TestBroadcastEvent(t *testing.T) {
	b := newTestBus(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	var mu sync.Mutex
	received := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(2)

	handler := func(agentID string) Handler {
		return func(ctx context.Context, msg *Message) (*Message, error) {
			mu.Lock()
			received[agentID] = true
			mu.Unlock()
			wg.Done()
			return nil, nil
		}
	}
	b.RegisterHandler("alpha", handler("alpha"))
	b.RegisterHandler("beta", handler("beta"))
	b.RegisterHandler("gamma", handler("gamma"))

	ids, err := b.BroadcastEvent(ctx, "orchestrator", "workflow-completed",
		map[string]interface{}{"workflow_id": "wf-1"},
		BroadcastOptions{ExcludeAgents: []string{"gamma"}})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, received["alpha"])
	assert.True(t, received["beta"])
	assert.False(t, received["gamma"])
}

func TestRegisteredAgents(t *testing.T) {
	b := newTestBus(t, Options{})
	b.RegisterHandler("a", func(ctx context.Context, msg *Message) (*Message, error) { return nil, nil })
	b.RegisterHandler("b", func(ctx context.Context, msg *Message) (*Message, error) { return nil, nil })
	b.UnregisterHandler("a")

	ids := b.RegisteredAgents()
	sort.Strings(ids)
	assert.Equal(t, []string{"b"}, ids)
}

func TestTrailRecordsAndDeadLetters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	trail := NewTrailWithClient(client, zap.NewNop())

	b := newTestBus(t, Options{Trail: trail})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	// Event to an unregistered agent is recorded and then dead-lettered.
	id, err := b.SendMessage(ctx, &Message{
		From: "orchestrator", To: "ghost", Type: MessageEvent,
		Payload: map[string]interface{}{"k": "v"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mr.Exists("deadletter:" + id)
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := trail.Message(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ghost", stored.To)
	assert.Equal(t, MessageEvent, stored.Type)
}
