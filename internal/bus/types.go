package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned when the bus has reached its queued-message capacity
	ErrQueueFull = errors.New("message queue full")

	// ErrInvalidMessage is returned when a message is missing required fields
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNoHandler is returned when no handler is registered for the recipient
	ErrNoHandler = errors.New("no handler registered")

	// ErrRequestTimeout is returned when a request receives no reply in time
	ErrRequestTimeout = errors.New("request timed out")

	// ErrBusClosed is returned when sending on a bus that has been shut down
	ErrBusClosed = errors.New("message bus closed")
)

// MessageType identifies the role of a message in the agent protocol.
type MessageType string

const (
	MessageRequest    MessageType = "request"
	MessageResponse   MessageType = "response"
	MessageEvent      MessageType = "event"
	MessageError      MessageType = "error"
	MessageCancelStep MessageType = "cancel_step"
)

// Priority orders message delivery. Higher values are delivered first.
type Priority int

const (
	// priorityUnset is the zero value. The bus promotes it to
	// PriorityMedium at enqueue time, so callers that leave priority
	// unset get the documented medium default rather than low.
	priorityUnset Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical

	numPriorities = int(PriorityCritical) + 1
)

// withDefault resolves the zero value to the medium default.
func (p Priority) withDefault() Priority {
	if p == priorityUnset {
		return PriorityMedium
	}
	return p
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its level, defaulting to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Message is the immutable unit of communication between agents.
type Message struct {
	ID            string                 `json:"id"`
	From          string                 `json:"from"`
	To            string                 `json:"to"`
	Type          MessageType            `json:"type"`
	Action        string                 `json:"action,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	Priority      Priority               `json:"priority"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	ReplyTo       string                 `json:"reply_to,omitempty"`
	TTL           time.Duration          `json:"ttl,omitempty"`
}

// Expired reports whether the message's TTL has elapsed at the given time.
// A zero TTL means the message never expires.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.Sub(m.Timestamp) > m.TTL
}

// Handler processes a delivered message and may return a reply. The reply is
// queued back to the sender for request traffic; for events it is ignored.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// RequestOptions tunes SendRequest behavior.
type RequestOptions struct {
	Priority      Priority
	Timeout       time.Duration
	CorrelationID string
}

// BroadcastOptions tunes BroadcastEvent behavior.
type BroadcastOptions struct {
	Priority      Priority
	ExcludeAgents []string
}
