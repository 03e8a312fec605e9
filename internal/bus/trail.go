package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Trail stores accepted and dead-lettered messages in Redis for manual
// inspection. Entries expire after a fixed retention window; the trail is
// best-effort and never blocks delivery.
type Trail struct {
	client    *redis.Client
	retention time.Duration
	logger    *zap.Logger
}

// NewTrail connects to Redis and verifies the connection.
func NewTrail(redisAddr, password string, logger *zap.Logger) (*Trail, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Trail{
		client:    client,
		retention: 24 * time.Hour,
		logger:    logger,
	}, nil
}

// NewTrailWithClient wraps an existing Redis client. Used by tests.
func NewTrailWithClient(client *redis.Client, logger *zap.Logger) *Trail {
	return &Trail{client: client, retention: 24 * time.Hour, logger: logger}
}

// Record stores an accepted message under message:<id>.
func (t *Trail) Record(ctx context.Context, msg *Message) {
	t.store(ctx, t.messageKey(msg.ID), msg)
}

// DeadLetter stores an undeliverable message under deadletter:<id>.
func (t *Trail) DeadLetter(ctx context.Context, msg *Message) {
	t.store(ctx, t.deadLetterKey(msg.ID), msg)
	t.logger.Warn("Message moved to dead letter store",
		zap.String("message_id", msg.ID),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
	)
}

// Message loads a recorded message by ID, checking the dead letter store
// when it is not found in the regular trail.
func (t *Trail) Message(ctx context.Context, id string) (*Message, error) {
	data, err := t.client.Get(ctx, t.messageKey(id)).Bytes()
	if err == redis.Nil {
		data, err = t.client.Get(ctx, t.deadLetterKey(id)).Bytes()
	}
	if err == redis.Nil {
		return nil, fmt.Errorf("message %s not found in trail", id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// Close releases the Redis connection.
func (t *Trail) Close() error {
	return t.client.Close()
}

func (t *Trail) store(ctx context.Context, key string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.logger.Error("Failed to marshal message for trail", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if err := t.client.Set(ctx, key, data, t.retention).Err(); err != nil {
		t.logger.Error("Failed to store message in trail", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (t *Trail) messageKey(id string) string {
	return fmt.Sprintf("message:%s", id)
}

func (t *Trail) deadLetterKey(id string) string {
	return fmt.Sprintf("deadletter:%s", id)
}
