package contextstore

import (
	"errors"
	"time"
)

var (
	// ErrContextNotFound is returned when no context exists for a workflow
	ErrContextNotFound = errors.New("context not found")

	// ErrContextExists is returned when creating a context that already exists
	ErrContextExists = errors.New("context already exists")

	// ErrInvariantViolation is returned when an update would break a context invariant
	ErrInvariantViolation = errors.New("context invariant violation")

	// ErrInsufficientHistory is returned when a rollback reaches past recorded history
	ErrInsufficientHistory = errors.New("insufficient history for rollback")
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RiskLevel grades workflow risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// rank orders risk levels for max-severity aggregation.
func (r RiskLevel) rank() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Exceeds reports whether r is strictly more severe than other.
func (r RiskLevel) Exceeds(other RiskLevel) bool {
	return r.rank() > other.rank()
}

// AllocationStatus tracks a resource allocation through its lifecycle.
type AllocationStatus string

const (
	AllocationAllocated AllocationStatus = "allocated"
	AllocationActive    AllocationStatus = "active"
	AllocationCompleted AllocationStatus = "completed"
	AllocationReleased  AllocationStatus = "released"
)

// ResourceAllocation records one unit of agent-type capacity consumed by a
// workflow step.
type ResourceAllocation struct {
	AgentID           string           `json:"agent_id"`
	AgentType         string           `json:"agent_type"`
	AllocatedAt       time.Time        `json:"allocated_at"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
	Status            AllocationStatus `json:"status"`
}

// ExecutionState is the live step/agent bookkeeping for a workflow.
type ExecutionState struct {
	Status              Status               `json:"status"`
	CompletedSteps      []string             `json:"completed_steps"`
	FailedSteps         []string             `json:"failed_steps"`
	ActiveAgents        []string             `json:"active_agents"`
	ResourceAllocations []ResourceAllocation `json:"resource_allocations"`
	DependencyState     map[string][]string  `json:"dependency_state"`
}

// Progress summarizes how far along a workflow is.
type Progress struct {
	Percentage          float64   `json:"percentage"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	Milestones          []string  `json:"milestones"`
	Blockers            []string  `json:"blockers"`
}

// Decision is one entry in the workflow's audit trail.
type Decision struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Decision     string    `json:"decision"`
	Reasoning    string    `json:"reasoning"`
	Alternatives []string  `json:"alternatives,omitempty"`
	Confidence   float64   `json:"confidence"`
	Timestamp    time.Time `json:"timestamp"`
}

// RiskFactor is a single identified risk with a severity grade.
type RiskFactor struct {
	Description string    `json:"description"`
	Severity    RiskLevel `json:"severity"`
}

// Approval records a human or automated sign-off tied to the risk assessment.
type Approval struct {
	ID        string    `json:"id"`
	Approver  string    `json:"approver"`
	Decision  string    `json:"decision"` // "approved" or "rejected"
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RiskAssessment aggregates risk factors, mitigations, and approvals.
type RiskAssessment struct {
	OverallRisk RiskLevel    `json:"overall_risk"`
	RiskFactors []RiskFactor `json:"risk_factors"`
	Mitigations []string     `json:"mitigations"`
	Approvals   []Approval   `json:"approvals"`
}

// WorkflowContext is the versioned record of a workflow's live state.
type WorkflowContext struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	State          ExecutionState  `json:"state"`
	Progress       Progress        `json:"progress"`
	Decisions      []Decision      `json:"decisions"`
	RiskAssessment RiskAssessment  `json:"risk_assessment"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy. Snapshots in history are clones so no caller
// can mutate a recorded version in place.
func (c *WorkflowContext) Clone() *WorkflowContext {
	out := *c
	out.State = c.State.clone()
	out.Progress = c.Progress.clone()
	out.Decisions = append([]Decision(nil), c.Decisions...)
	for i := range out.Decisions {
		out.Decisions[i].Alternatives = append([]string(nil), c.Decisions[i].Alternatives...)
	}
	out.RiskAssessment = c.RiskAssessment.clone()
	return &out
}

func (s ExecutionState) clone() ExecutionState {
	out := s
	out.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	out.FailedSteps = append([]string(nil), s.FailedSteps...)
	out.ActiveAgents = append([]string(nil), s.ActiveAgents...)
	out.ResourceAllocations = append([]ResourceAllocation(nil), s.ResourceAllocations...)
	if s.DependencyState != nil {
		out.DependencyState = make(map[string][]string, len(s.DependencyState))
		for k, v := range s.DependencyState {
			out.DependencyState[k] = append([]string(nil), v...)
		}
	}
	return out
}

func (p Progress) clone() Progress {
	out := p
	out.Milestones = append([]string(nil), p.Milestones...)
	out.Blockers = append([]string(nil), p.Blockers...)
	return out
}

func (r RiskAssessment) clone() RiskAssessment {
	out := r
	out.RiskFactors = append([]RiskFactor(nil), r.RiskFactors...)
	out.Mitigations = append([]string(nil), r.Mitigations...)
	out.Approvals = append([]Approval(nil), r.Approvals...)
	return out
}

// Update describes a partial context mutation. Nil fields leave the current
// value untouched; slice fields marked "appended" accumulate.
type Update struct {
	Status              *Status
	CompletedSteps      []string // appended
	FailedSteps         []string // appended
	ActiveAgents        []string // replaces when non-nil
	AddActiveAgents     []string
	RemoveActiveAgents  []string
	ResourceAllocations []ResourceAllocation // replaces when non-nil
	DependencyState     map[string][]string  // replaces when non-nil
	Percentage          *float64
	EstimatedCompletion *time.Time
	Milestones          []string // appended
	Blockers            []string // replaces when non-nil
}

// UpdateRequest carries an Update together with its provenance.
type UpdateRequest struct {
	WorkflowID string
	Updates    Update
	Source     string
	Reason     string
}

// Filter selects contexts in QueryContexts. Zero-valued fields match all.
type Filter struct {
	WorkflowID string
	AgentID    string
	Status     Status
	RiskLevel  RiskLevel
	Since      time.Time
	Until      time.Time
}
