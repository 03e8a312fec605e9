// Package circuitbreaker cuts failing agents out of request dispatch.
// Each target agent gets its own breaker: repeated failures open it and
// requests to that agent fail fast instead of burning request timeouts,
// then a cooldown admits a few trial requests before traffic resumes.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/orchestrator/internal/metrics"
)

// State is the dispatch stance toward one agent.
type State int

const (
	// StateClosed admits all traffic.
	StateClosed State = iota
	// StateHalfOpen admits a bounded number of trial requests.
	StateHalfOpen
	// StateOpen rejects everything until the cooldown elapses.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrAgentUnavailable is returned while an agent's breaker is open.
	ErrAgentUnavailable = errors.New("agent breaker open")

	// ErrProbeLimit is returned when the half-open trial quota is in use.
	ErrProbeLimit = errors.New("agent probe quota exhausted")
)

// Config tunes how quickly an agent is cut off and readmitted.
type Config struct {
	// TripAfter is the consecutive-failure count that opens the breaker.
	TripAfter uint32
	// Cooldown is how long an open breaker rejects traffic before the
	// agent is probed again.
	Cooldown time.Duration
	// ProbeQuota caps trial requests admitted while half-open.
	ProbeQuota uint32
	// ReadmitAfter is the consecutive trial successes that close the
	// breaker again.
	ReadmitAfter uint32
	// ResetInterval periodically clears a healthy agent's failure
	// streak. Zero keeps the streak until a success clears it.
	ResetInterval time.Duration
}

// DefaultConfig suits agents reached over the in-process bus, where a
// failure usually means the agent itself is down or timing out.
func DefaultConfig() Config {
	return Config{
		TripAfter:     5,
		Cooldown:      10 * time.Second,
		ProbeQuota:    3,
		ReadmitAfter:  2,
		ResetInterval: time.Minute,
	}
}

// breaker tracks one agent. Every state change bumps the epoch; results
// from requests admitted under an older epoch are discarded, so a slow
// reply cannot flip a breaker that has already moved on.
type breaker struct {
	agentID string
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	state    State
	epoch    uint64
	fails    uint32 // consecutive failures while closed
	streak   uint32 // consecutive successes while half-open
	probes   uint32 // trial requests admitted this half-open epoch
	deadline time.Time
}

func newBreaker(agentID string, cfg Config, logger *zap.Logger) *breaker {
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 1
	}
	if cfg.ReadmitAfter == 0 {
		cfg.ReadmitAfter = 1
	}
	if cfg.ProbeQuota == 0 {
		cfg.ProbeQuota = 1
	}
	b := &breaker{
		agentID: agentID,
		cfg:     cfg,
		logger:  logger,
		state:   StateClosed,
	}
	if cfg.ResetInterval > 0 {
		b.deadline = time.Now().Add(cfg.ResetInterval)
	}
	return b
}

// do runs one request through the breaker.
func (b *breaker) do(fn func() error) error {
	epoch, err := b.admit()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.settle(epoch, false)
			panic(r)
		}
	}()
	err = fn()
	b.settle(epoch, err == nil)
	return err
}

// admit decides whether a request may reach the agent and returns the
// epoch it was admitted under.
func (b *breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())

	switch b.state {
	case StateOpen:
		return b.epoch, fmt.Errorf("%w: %s", ErrAgentUnavailable, b.agentID)
	case StateHalfOpen:
		if b.probes >= b.cfg.ProbeQuota {
			return b.epoch, fmt.Errorf("%w: %s", ErrProbeLimit, b.agentID)
		}
		b.probes++
	}
	return b.epoch, nil
}

// settle records a request outcome. Outcomes from a stale epoch are
// ignored.
func (b *breaker) settle(epoch uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.advance(now)
	if epoch != b.epoch {
		return
	}

	if ok {
		switch b.state {
		case StateClosed:
			b.fails = 0
		case StateHalfOpen:
			b.streak++
			if b.streak >= b.cfg.ReadmitAfter {
				b.shift(StateClosed, now)
			}
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.fails++
		if b.fails >= b.cfg.TripAfter {
			b.shift(StateOpen, now)
		}
	case StateHalfOpen:
		// A failed probe means the agent is still unhealthy.
		b.shift(StateOpen, now)
	}
}

// currentState applies any time-based transition and reports the state.
func (b *breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())
	return b.state
}

// advance applies transitions driven by time alone: an elapsed cooldown
// moves open to half-open, and the reset interval clears a healthy
// agent's failure streak. Callers hold b.mu.
func (b *breaker) advance(now time.Time) {
	switch b.state {
	case StateClosed:
		if b.cfg.ResetInterval > 0 && b.deadline.Before(now) {
			b.epoch++
			b.fails = 0
			b.deadline = now.Add(b.cfg.ResetInterval)
		}
	case StateOpen:
		if b.deadline.Before(now) {
			b.shift(StateHalfOpen, now)
		}
	}
}

// shift transitions between states, invalidating in-flight results.
// Callers hold b.mu.
func (b *breaker) shift(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.epoch++
	b.fails, b.streak, b.probes = 0, 0, 0

	switch to {
	case StateOpen:
		b.deadline = now.Add(b.cfg.Cooldown)
		metrics.CircuitBreakerTrips.WithLabelValues(b.agentID).Inc()
	case StateClosed:
		b.deadline = time.Time{}
		if b.cfg.ResetInterval > 0 {
			b.deadline = now.Add(b.cfg.ResetInterval)
		}
	case StateHalfOpen:
		b.deadline = time.Time{}
	}
	metrics.CircuitBreakerState.WithLabelValues(b.agentID).Set(float64(to))

	b.logger.Info("Agent breaker state changed",
		zap.String("agent_id", b.agentID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
