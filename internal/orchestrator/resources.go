package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/orchestrator/internal/contextstore"
	"github.com/agenthub/orchestrator/internal/metrics"
	"github.com/agenthub/orchestrator/internal/registry"
)

// agentLister is the slice of the registry the allocator needs for the
// scale tier.
type agentLister interface {
	AgentsOfType(agentType string) []*registry.AgentInfo
}

type allocation struct {
	workflowID string
	stepID     string
	agentType  string
	risk       contextstore.RiskLevel
	allocatedAt time.Time
}

// resourcePool reserves one unit of agent-type capacity per scheduled step
// and arbitrates contention between workflows. When a type's capacity is
// exhausted it tries, in order: preempting a sufficiently lower-priority
// workflow, scaling onto an alternate registered agent, and queueing the
// step until capacity frees.
type resourcePool struct {
	logger   *zap.Logger
	registry agentLister

	// capacity per agent type; types absent from the map fall back to
	// defaultCapacity.
	capacities      map[string]int
	defaultCapacity int
	// preemptionGap is how many risk ranks the incoming workflow must
	// exceed the victim by before preemption is allowed.
	preemptionGap int

	mu          sync.Mutex
	inUse       map[string][]*allocation // agentType -> live allocations
	resolutions []ConflictResolution
}

func newResourcePool(capacities map[string]int, defaultCapacity, preemptionGap int, reg agentLister, logger *zap.Logger) *resourcePool {
	if defaultCapacity <= 0 {
		defaultCapacity = 1
	}
	if preemptionGap <= 0 {
		preemptionGap = 1
	}
	return &resourcePool{
		logger:          logger,
		registry:        reg,
		capacities:      capacities,
		defaultCapacity: defaultCapacity,
		preemptionGap:   preemptionGap,
		inUse:           make(map[string][]*allocation),
	}
}

func (p *resourcePool) capacityFor(agentType string) int {
	if c, ok := p.capacities[agentType]; ok {
		return c
	}
	return p.defaultCapacity
}

// allocate reserves one unit for the step. The returned resolution is nil
// when capacity was free, otherwise it records which tier resolved the
// conflict. A "queue" resolution still returns an allocation: the step is
// admitted but its dispatch is deferred behind the queue barrier.
func (p *resourcePool) allocate(workflowID string, step WorkflowStep, risk contextstore.RiskLevel) (contextstore.ResourceAllocation, *ConflictResolution) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.inUse[step.AgentType]
	if len(live) < p.capacityFor(step.AgentType) {
		return p.reserve(workflowID, step, risk, step.AgentType, contextstore.AllocationAllocated), nil
	}

	// Tier 1: preemption. Reclaim from the lowest-priority holder when the
	// incoming workflow outranks it by at least the configured gap.
	if victim := p.preemptable(live, risk); victim != nil {
		p.release(victim.workflowID, victim.agentType, victim.stepID)
		res := p.record(workflowID, step, ResolutionPreempt, victim.workflowID,
			"reclaimed capacity from lower-priority workflow")
		return p.reserve(workflowID, step, risk, step.AgentType, contextstore.AllocationAllocated), &res
	}

	// Tier 2: scale. An alternate healthy agent of the same type with spare
	// headroom absorbs the step.
	if p.registry != nil {
		for _, agent := range p.registry.AgentsOfType(step.AgentType) {
			if agent.CurrentLoad == 0 {
				res := p.record(workflowID, step, ResolutionScale, "",
					"routed to alternate agent "+agent.ID)
				alloc := p.reserve(workflowID, step, risk, step.AgentType, contextstore.AllocationAllocated)
				alloc.AgentID = agent.ID
				return alloc, &res
			}
		}
	}

	// Tier 3: queue. The step waits for capacity; execution defers its
	// dispatch until a release frees a unit.
	res := p.record(workflowID, step, ResolutionQueue, "",
		"capacity exhausted, step queued")
	return p.reserve(workflowID, step, risk, step.AgentType, contextstore.AllocationAllocated), &res
}

// preemptable returns the weakest current holder that the incoming risk
// outranks by at least the preemption gap.
func (p *resourcePool) preemptable(live []*allocation, incoming contextstore.RiskLevel) *allocation {
	var weakest *allocation
	for _, a := range live {
		if weakest == nil || weakest.risk.Exceeds(a.risk) {
			weakest = a
		}
	}
	if weakest == nil {
		return nil
	}
	if riskRank(incoming)-riskRank(weakest.risk) >= p.preemptionGap {
		return weakest
	}
	return nil
}

// reserve appends a live allocation. Callers hold p.mu.
func (p *resourcePool) reserve(workflowID string, step WorkflowStep, risk contextstore.RiskLevel, agentType string, status contextstore.AllocationStatus) contextstore.ResourceAllocation {
	now := time.Now()
	p.inUse[agentType] = append(p.inUse[agentType], &allocation{
		workflowID:  workflowID,
		stepID:      step.ID,
		agentType:   agentType,
		risk:        risk,
		allocatedAt: now,
	})
	return contextstore.ResourceAllocation{
		AgentID:           agentType,
		AgentType:         agentType,
		AllocatedAt:       now,
		EstimatedDuration: step.Timeout,
		Status:            status,
	}
}

// record appends a conflict resolution entry. Callers hold p.mu.
func (p *resourcePool) record(workflowID string, step WorkflowStep, strategy ResolutionStrategy, preempted, detail string) ConflictResolution {
	res := ConflictResolution{
		ID:                uuid.New().String(),
		WorkflowID:        workflowID,
		StepID:            step.ID,
		AgentType:         step.AgentType,
		Strategy:          strategy,
		PreemptedWorkflow: preempted,
		Detail:            detail,
		Timestamp:         time.Now(),
	}
	p.resolutions = append(p.resolutions, res)
	metrics.ConflictResolutions.WithLabelValues(string(strategy)).Inc()
	p.logger.Info("Resolved capacity conflict",
		zap.String("workflow_id", workflowID),
		zap.String("step_id", step.ID),
		zap.String("agent_type", step.AgentType),
		zap.String("strategy", string(strategy)),
	)
	return res
}

// setCapacity updates one agent type's capacity at runtime. Zero or
// negative removes the override; the type falls back to defaultCapacity.
// Allocations above a lowered limit drain naturally as steps settle.
func (p *resourcePool) setCapacity(agentType string, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capacities == nil {
		p.capacities = make(map[string]int)
	}
	if capacity <= 0 {
		delete(p.capacities, agentType)
		return
	}
	p.capacities[agentType] = capacity
}

// release frees one unit held by the workflow for the given step. Callers
// hold p.mu.
func (p *resourcePool) release(workflowID, agentType, stepID string) {
	live := p.inUse[agentType]
	for i, a := range live {
		if a.workflowID == workflowID && a.stepID == stepID {
			p.inUse[agentType] = append(live[:i], live[i+1:]...)
			return
		}
	}
}

// releaseStep frees the unit held for one settled step.
func (p *resourcePool) releaseStep(workflowID, agentType, stepID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release(workflowID, agentType, stepID)
}

// releaseWorkflow frees every unit held by a workflow, in any type.
func (p *resourcePool) releaseWorkflow(workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for agentType, live := range p.inUse {
		kept := live[:0]
		for _, a := range live {
			if a.workflowID != workflowID {
				kept = append(kept, a)
			}
		}
		p.inUse[agentType] = kept
	}
}

// conflicts returns recorded resolutions, optionally filtered by workflow.
func (p *resourcePool) conflicts(workflowID string) []ConflictResolution {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ConflictResolution
	for _, res := range p.resolutions {
		if workflowID == "" || res.WorkflowID == workflowID {
			out = append(out, res)
		}
	}
	return out
}

// usage reports live allocations per agent type.
func (p *resourcePool) usage() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.inUse))
	for agentType, live := range p.inUse {
		if len(live) > 0 {
			out[agentType] = len(live)
		}
	}
	return out
}

func riskRank(r contextstore.RiskLevel) int {
	switch r {
	case contextstore.RiskCritical:
		return 3
	case contextstore.RiskHigh:
		return 2
	case contextstore.RiskMedium:
		return 1
	default:
		return 0
	}
}
