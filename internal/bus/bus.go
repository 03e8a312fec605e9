package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/orchestrator/internal/metrics"
)

const (
	// DefaultCapacity bounds the total number of queued messages.
	DefaultCapacity = 1000

	// DefaultRequestTimeout applies when SendRequest is given no timeout.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMessageTTL applies to messages sent without an explicit TTL
	// unless the bus is configured with no default expiry.
	DefaultMessageTTL = 5 * time.Minute
)

// Options configures a Bus.
type Options struct {
	// Capacity is the maximum total number of queued messages. Sends beyond
	// it fail with ErrQueueFull; this is backpressure, not a silent drop.
	Capacity int

	// DefaultTTL is applied to messages sent without a TTL. Zero means
	// messages without a TTL never expire.
	DefaultTTL time.Duration

	// Trail, when set, records accepted and dead-lettered messages for
	// later inspection.
	Trail *Trail
}

type pendingWaiter struct {
	from string
	ch   chan *Message
}

// Bus is an addressable, priority-ordered mailbox system for agents.
//
// A single cooperative dispatcher pulls one message at a time from the
// highest non-empty priority queue; handler invocation is asynchronous, so
// handlers for different messages may overlap while the dispatcher keeps
// pulling. An in-flight ID guard prevents the same message from being
// processed twice.
type Bus struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	queues   [numPriorities][]*Message
	queued   int
	inflight map[string]struct{}
	pending  map[string]pendingWaiter
	closed   bool

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a message bus. Call Start before sending.
func New(opts Options, logger *zap.Logger) *Bus {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return &Bus{
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]Handler),
		inflight: make(map[string]struct{}),
		pending:  make(map[string]pendingWaiter),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the dispatcher loop.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.dispatch(ctx)
}

// Close stops the dispatcher. Queued messages are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.stopCh)
	b.wg.Wait()
	if b.opts.Trail != nil {
		_ = b.opts.Trail.Close()
	}
}

// RegisterHandler installs the handler for an agent ID, replacing any prior
// handler for the same ID.
func (b *Bus) RegisterHandler(agentID string, h Handler) {
	b.mu.Lock()
	b.handlers[agentID] = h
	b.mu.Unlock()
	b.logger.Info("Agent handler registered", zap.String("agent_id", agentID))
}

// UnregisterHandler removes the handler for an agent ID.
func (b *Bus) UnregisterHandler(agentID string) {
	b.mu.Lock()
	delete(b.handlers, agentID)
	b.mu.Unlock()
	b.logger.Info("Agent handler unregistered", zap.String("agent_id", agentID))
}

// RegisteredAgents returns the IDs of all agents with a handler.
func (b *Bus) RegisteredAgents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	return ids
}

// QueuedMessages returns the current total queue depth.
func (b *Bus) QueuedMessages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

// SendMessage validates and enqueues a message, returning its ID.
func (b *Bus) SendMessage(ctx context.Context, msg *Message) (string, error) {
	if msg == nil || msg.From == "" || msg.To == "" || msg.Type == "" || msg.Payload == nil {
		return "", fmt.Errorf("%w: from, to, type and payload are required", ErrInvalidMessage)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.TTL == 0 {
		msg.TTL = b.opts.DefaultTTL
	}
	msg.Priority = msg.Priority.withDefault()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	if b.queued >= b.opts.Capacity {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: capacity %d reached", ErrQueueFull, b.opts.Capacity)
	}
	b.queues[msg.Priority] = append(b.queues[msg.Priority], msg)
	b.queued++
	b.mu.Unlock()

	metrics.MessagesSent.WithLabelValues(string(msg.Type), msg.Priority.String()).Inc()
	metrics.QueueDepth.WithLabelValues(msg.Priority.String()).Inc()

	if b.opts.Trail != nil {
		b.opts.Trail.Record(ctx, msg)
	}

	b.wake()
	return msg.ID, nil
}

// SendRequest sends a REQUEST and waits for the RESPONSE or ERROR carrying
// the same correlation ID addressed back to the sender. An ERROR reply is
// returned alongside a non-nil error.
func (b *Bus) SendRequest(ctx context.Context, from, to, action string, payload map[string]interface{}, opts RequestOptions) (*Message, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	corrID := opts.CorrelationID
	if corrID == "" {
		corrID = uuid.New().String()
	}

	ch := make(chan *Message, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.pending[corrID] = pendingWaiter{from: from, ch: ch}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, corrID)
		b.mu.Unlock()
	}()

	msg := &Message{
		From:          from,
		To:            to,
		Type:          MessageRequest,
		Action:        action,
		Payload:       payload,
		Priority:      opts.Priority,
		CorrelationID: corrID,
		ReplyTo:       from,
	}
	if _, err := b.SendMessage(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == MessageError {
			return reply, fmt.Errorf("agent %s returned error: %v", to, reply.Payload["error"])
		}
		return reply, nil
	case <-timer.C:
		metrics.RequestTimeouts.Inc()
		return nil, fmt.Errorf("%w: no reply from %s for action %q within %s", ErrRequestTimeout, to, action, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BroadcastEvent sends an EVENT copy to every registered agent except the
// sender and any excluded IDs, returning the produced message IDs.
func (b *Bus) BroadcastEvent(ctx context.Context, from, eventType string, payload map[string]interface{}, opts BroadcastOptions) ([]string, error) {
	excluded := make(map[string]struct{}, len(opts.ExcludeAgents)+1)
	excluded[from] = struct{}{}
	for _, id := range opts.ExcludeAgents {
		excluded[id] = struct{}{}
	}

	var ids []string
	for _, agentID := range b.RegisteredAgents() {
		if _, skip := excluded[agentID]; skip {
			continue
		}
		id, err := b.SendMessage(ctx, &Message{
			From:     from,
			To:       agentID,
			Type:     MessageEvent,
			Action:   eventType,
			Payload:  payload,
			Priority: opts.Priority,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Bus) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatch(ctx context.Context) {
	defer b.wg.Done()
	for {
		msg := b.next()
		if msg == nil {
			select {
			case <-b.notify:
				continue
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		go b.deliver(ctx, msg)
	}
}

// next pops the oldest message from the highest non-empty priority queue,
// discarding expired messages and skipping IDs already in flight.
func (b *Bus) next() *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for p := numPriorities - 1; p >= 0; p-- {
		for len(b.queues[p]) > 0 {
			msg := b.queues[p][0]
			b.queues[p] = b.queues[p][1:]
			b.queued--
			metrics.QueueDepth.WithLabelValues(Priority(p).String()).Dec()

			if msg.Expired(now) {
				metrics.MessagesExpired.Inc()
				b.logger.Warn("Dropping expired message",
					zap.String("message_id", msg.ID),
					zap.String("to", msg.To),
					zap.Duration("ttl", msg.TTL),
				)
				continue
			}
			if _, busy := b.inflight[msg.ID]; busy {
				continue
			}
			b.inflight[msg.ID] = struct{}{}
			return msg
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, msg *Message) {
	defer func() {
		b.mu.Lock()
		delete(b.inflight, msg.ID)
		b.mu.Unlock()
	}()

	// Terminal replies are routed to the pending request waiter first.
	if msg.Type == MessageResponse || msg.Type == MessageError {
		if b.settleRequest(msg) {
			metrics.MessagesDelivered.WithLabelValues(string(msg.Type)).Inc()
			return
		}
	}

	b.mu.Lock()
	handler, ok := b.handlers[msg.To]
	b.mu.Unlock()

	if !ok {
		// Terminal replies need no handler; everything else does.
		if msg.Type == MessageResponse || msg.Type == MessageError {
			metrics.MessagesDelivered.WithLabelValues(string(msg.Type)).Inc()
			return
		}
		metrics.DeliveryErrors.WithLabelValues("no_handler").Inc()
		b.logger.Error("No handler registered for recipient",
			zap.String("message_id", msg.ID),
			zap.String("to", msg.To),
			zap.String("type", string(msg.Type)),
		)
		b.deadLetter(ctx, msg)
		if msg.Type == MessageRequest {
			b.replyError(ctx, msg, fmt.Errorf("%w for agent %s", ErrNoHandler, msg.To))
		}
		return
	}

	reply, err := b.invoke(ctx, handler, msg)
	if err != nil {
		metrics.DeliveryErrors.WithLabelValues("handler_error").Inc()
		b.logger.Error("Handler failed",
			zap.String("message_id", msg.ID),
			zap.String("to", msg.To),
			zap.Error(err),
		)
		if msg.Type == MessageRequest {
			b.replyError(ctx, msg, err)
		}
		return
	}

	metrics.MessagesDelivered.WithLabelValues(string(msg.Type)).Inc()

	if reply != nil && msg.Type == MessageRequest {
		reply.From = msg.To
		reply.To = msg.From
		if reply.Type == "" {
			reply.Type = MessageResponse
		}
		reply.CorrelationID = msg.CorrelationID
		reply.Priority = msg.Priority
		if _, err := b.SendMessage(ctx, reply); err != nil {
			b.logger.Error("Failed to queue reply",
				zap.String("request_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// invoke runs the handler, converting panics into errors so a misbehaving
// agent never takes down the dispatcher.
func (b *Bus) invoke(ctx context.Context, handler Handler, msg *Message) (reply *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// settleRequest delivers a terminal reply to its pending waiter, if any.
func (b *Bus) settleRequest(msg *Message) bool {
	if msg.CorrelationID == "" {
		return false
	}
	b.mu.Lock()
	waiter, ok := b.pending[msg.CorrelationID]
	if ok && waiter.from == msg.To {
		delete(b.pending, msg.CorrelationID)
	} else {
		ok = false
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case waiter.ch <- msg:
	default:
	}
	return true
}

func (b *Bus) replyError(ctx context.Context, req *Message, cause error) {
	errMsg := &Message{
		From:          req.To,
		To:            req.From,
		Type:          MessageError,
		Action:        req.Action,
		Payload:       map[string]interface{}{"error": cause.Error(), "request_id": req.ID},
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
	}
	if _, err := b.SendMessage(ctx, errMsg); err != nil {
		b.logger.Error("Failed to queue error reply",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
}

func (b *Bus) deadLetter(ctx context.Context, msg *Message) {
	metrics.MessagesDeadLettered.Inc()
	if b.opts.Trail != nil {
		b.opts.Trail.DeadLetter(ctx, msg)
	}
}
