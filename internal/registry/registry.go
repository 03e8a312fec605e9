// Package registry tracks the agents currently available to receive work,
// indexed by agent type, with heartbeat-based liveness.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthub/orchestrator/internal/metrics"
)

var (
	// ErrAgentNotFound is returned when looking up an unregistered agent
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists is returned when registering an ID twice
	ErrAgentExists = errors.New("agent already registered")
)

// AgentStatus is the liveness state of a registered agent.
type AgentStatus string

const (
	StatusHealthy   AgentStatus = "healthy"
	StatusDegraded  AgentStatus = "degraded"
	StatusUnhealthy AgentStatus = "unhealthy"
)

// AgentInfo describes one registered agent.
type AgentInfo struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	CurrentLoad   int         `json:"current_load"`
	Status        AgentStatus `json:"status"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// Options tunes heartbeat monitoring.
type Options struct {
	// HeartbeatInterval is how often agents are expected to report in.
	HeartbeatInterval time.Duration
	// MissedBeforeDegraded is the number of missed heartbeats before an
	// agent is marked degraded; twice that marks it unhealthy.
	MissedBeforeDegraded int
}

const (
	defaultHeartbeatInterval    = 15 * time.Second
	defaultMissedBeforeDegraded = 2
)

// Registry is an in-memory agent directory with a background liveness
// monitor. All methods are safe for concurrent use.
type Registry struct {
	logger *zap.Logger
	opts   Options

	mu     sync.RWMutex
	agents map[string]*AgentInfo
	byType map[string]map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a registry. Call Start to begin liveness monitoring.
func New(opts Options, logger *zap.Logger) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.MissedBeforeDegraded <= 0 {
		opts.MissedBeforeDegraded = defaultMissedBeforeDegraded
	}
	return &Registry{
		logger: logger,
		opts:   opts,
		agents: make(map[string]*AgentInfo),
		byType: make(map[string]map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start launches the heartbeat monitor. It returns immediately.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.monitor(ctx)
}

// Close stops the monitor and waits for it to exit.
func (r *Registry) Close() {
	close(r.stopCh)
	r.wg.Wait()
}

// Register adds an agent to the directory.
func (r *Registry) Register(id, agentType string, capabilities []string) (*AgentInfo, error) {
	if id == "" || agentType == "" {
		return nil, errors.New("agent id and type are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; exists {
		return nil, ErrAgentExists
	}

	now := time.Now()
	info := &AgentInfo{
		ID:            id,
		Type:          agentType,
		Capabilities:  append([]string(nil), capabilities...),
		Status:        StatusHealthy,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.agents[id] = info
	ids, ok := r.byType[agentType]
	if !ok {
		ids = make(map[string]struct{})
		r.byType[agentType] = ids
	}
	ids[id] = struct{}{}
	metrics.AgentsRegistered.WithLabelValues(agentType).Inc()

	r.logger.Info("Agent registered",
		zap.String("agent_id", id),
		zap.String("agent_type", agentType),
	)
	out := *info
	return &out, nil
}

// Unregister removes an agent from the directory.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	delete(r.agents, id)
	if ids, ok := r.byType[info.Type]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byType, info.Type)
		}
	}
	metrics.AgentsRegistered.WithLabelValues(info.Type).Dec()
	r.logger.Info("Agent unregistered", zap.String("agent_id", id))
	return nil
}

// Heartbeat records a liveness report and restores healthy status.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	info.LastHeartbeat = time.Now()
	info.Status = StatusHealthy
	return nil
}

// SetLoad records how many steps an agent currently has in flight.
func (r *Registry) SetLoad(id string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	info.CurrentLoad = load
	return nil
}

// Get returns a copy of one agent's info.
func (r *Registry) Get(id string) (*AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	out := *info
	return &out, nil
}

// AgentsOfType returns healthy agents of the given type, least loaded first.
func (r *Registry) AgentsOfType(agentType string) []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*AgentInfo
	for id := range r.byType[agentType] {
		info := r.agents[id]
		if info.Status == StatusUnhealthy {
			continue
		}
		cp := *info
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentLoad != out[j].CurrentLoad {
			return out[i].CurrentLoad < out[j].CurrentLoad
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// All returns a copy of every registered agent.
func (r *Registry) All() []*AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		cp := *info
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) monitor(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep downgrades agents whose heartbeats have gone stale.
func (r *Registry) sweep() {
	degradedAfter := time.Duration(r.opts.MissedBeforeDegraded) * r.opts.HeartbeatInterval
	unhealthyAfter := 2 * degradedAfter
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.agents {
		age := now.Sub(info.LastHeartbeat)
		switch {
		case age >= unhealthyAfter && info.Status != StatusUnhealthy:
			info.Status = StatusUnhealthy
			metrics.AgentHeartbeatsMissed.Inc()
			r.logger.Warn("Agent marked unhealthy",
				zap.String("agent_id", info.ID),
				zap.Duration("heartbeat_age", age),
			)
		case age >= degradedAfter && info.Status == StatusHealthy:
			info.Status = StatusDegraded
			metrics.AgentHeartbeatsMissed.Inc()
			r.logger.Warn("Agent heartbeat stale",
				zap.String("agent_id", info.ID),
				zap.Duration("heartbeat_age", age),
			)
		}
	}
}
