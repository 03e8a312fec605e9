package circuitbreaker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthub/orchestrator/internal/bus"
)

// dispatcher is the bus surface the wrapper shields. It matches the
// orchestrator's Dispatcher interface so the wrapper can be dropped in
// between the two.
type dispatcher interface {
	SendRequest(ctx context.Context, from, to, action string, payload map[string]interface{}, opts bus.RequestOptions) (*bus.Message, error)
	BroadcastEvent(ctx context.Context, from, eventType string, payload map[string]interface{}, opts bus.BroadcastOptions) ([]string, error)
}

// DispatcherWrapper puts one circuit breaker in front of each target agent.
// An agent that keeps failing or timing out trips its breaker, and further
// requests to it fail fast instead of tying up request timeouts. Broadcasts
// pass through untouched.
type DispatcherWrapper struct {
	inner  dispatcher
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewDispatcherWrapper wraps a dispatcher with per-agent breakers.
func NewDispatcherWrapper(inner dispatcher, config Config, logger *zap.Logger) *DispatcherWrapper {
	return &DispatcherWrapper{
		inner:    inner,
		config:   config,
		logger:   logger,
		breakers: make(map[string]*breaker),
	}
}

// SendRequest routes the request through the target agent's breaker.
func (w *DispatcherWrapper) SendRequest(ctx context.Context, from, to, action string, payload map[string]interface{}, opts bus.RequestOptions) (*bus.Message, error) {
	var reply *bus.Message
	err := w.breakerFor(to).do(func() error {
		var sendErr error
		reply, sendErr = w.inner.SendRequest(ctx, from, to, action, payload, opts)
		return sendErr
	})
	return reply, err
}

// BroadcastEvent passes through; events have no per-agent failure signal.
func (w *DispatcherWrapper) BroadcastEvent(ctx context.Context, from, eventType string, payload map[string]interface{}, opts bus.BroadcastOptions) ([]string, error) {
	return w.inner.BroadcastEvent(ctx, from, eventType, payload, opts)
}

// BreakerState reports the breaker state for one agent, StateClosed when no
// traffic has reached it yet.
func (w *DispatcherWrapper) BreakerState(agentID string) State {
	w.mu.Lock()
	b, ok := w.breakers[agentID]
	w.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return b.currentState()
}

func (w *DispatcherWrapper) breakerFor(agentID string) *breaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.breakers[agentID]
	if !ok {
		b = newBreaker(agentID, w.config, w.logger)
		w.breakers[agentID] = b
	}
	return b
}
