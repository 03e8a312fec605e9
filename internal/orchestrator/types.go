package orchestrator

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/agenthub/orchestrator/internal/bus"
	"github.com/agenthub/orchestrator/internal/contextstore"
)

var (
	// ErrMaxConcurrentWorkflows is returned when admission control rejects a workflow
	ErrMaxConcurrentWorkflows = errors.New("max concurrent workflows reached")

	// ErrInvalidDependency is returned when a dependency references an unknown step
	ErrInvalidDependency = errors.New("invalid dependency")

	// ErrCircularDependency is returned when the dependency graph contains a cycle
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrWorkflowNotFound is returned when no workflow exists for an ID
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrPlanNotFound is returned when no execution plan exists for an ID
	ErrPlanNotFound = errors.New("execution plan not found")

	// ErrInvalidTransition is returned for a lifecycle transition the state machine forbids
	ErrInvalidTransition = errors.New("invalid workflow transition")

	// ErrWorkflowInvalid is returned when a submitted workflow is structurally malformed
	ErrWorkflowInvalid = errors.New("invalid workflow")
)

// WorkflowStep is one unit of work owned by a single agent type.
type WorkflowStep struct {
	ID         string                 `json:"id" yaml:"id"`
	AgentType  string                 `json:"agent_type" yaml:"agent_type"`
	Action     string                 `json:"action" yaml:"action"`
	Order      int                    `json:"order" yaml:"order"`
	Timeout    time.Duration          `json:"timeout" yaml:"timeout"`
	Required   bool                   `json:"required" yaml:"required"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// UnmarshalJSON treats an absent required field as true: a step must opt
// out of failing its workflow, not opt in.
func (s *WorkflowStep) UnmarshalJSON(data []byte) error {
	type alias WorkflowStep
	aux := struct {
		*alias
		Required *bool `json:"required"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Required = aux.Required == nil || *aux.Required
	return nil
}

// Dependency declares that a step may not start before others settle.
type Dependency struct {
	StepID    string   `json:"step_id" yaml:"step_id"`
	DependsOn []string `json:"depends_on" yaml:"depends_on"`
}

// AgentWorkflow is a declarative step graph submitted for execution.
// ParallelGroups is derived during orchestration, never supplied by callers.
type AgentWorkflow struct {
	ID             string                `json:"id"`
	Intent         string                `json:"intent"`
	Risk           contextstore.RiskLevel `json:"risk"`
	Steps          []WorkflowStep        `json:"steps"`
	Dependencies   []Dependency          `json:"dependencies"`
	ParallelGroups [][]string            `json:"parallel_groups,omitempty"`
	Status         contextstore.Status   `json:"status"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// ScheduledStep is one entry in an execution plan's schedule.
type ScheduledStep struct {
	StepID            string        `json:"step_id"`
	AgentID           string        `json:"agent_id"`
	ScheduledStart    time.Time     `json:"scheduled_start"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Priority          bus.Priority  `json:"priority"`
}

// ExecutionPlan is the computed schedule for an accepted workflow.
type ExecutionPlan struct {
	ID                  string          `json:"id"`
	WorkflowID          string          `json:"workflow_id"`
	Schedule            []ScheduledStep `json:"schedule"`
	Dependencies        []Dependency    `json:"dependencies"`
	ParallelGroups      [][]string      `json:"parallel_groups"`
	EstimatedCompletion time.Time       `json:"estimated_completion"`
	CreatedAt           time.Time       `json:"created_at"`
}

// ExecutionStatus is the monitoring view of a running plan.
type ExecutionStatus struct {
	PlanID         string              `json:"plan_id"`
	WorkflowID     string              `json:"workflow_id"`
	Status         contextstore.Status `json:"status"`
	Progress       float64             `json:"progress"`
	CurrentGroup   int                 `json:"current_group"`
	CompletedSteps []string            `json:"completed_steps"`
	FailedSteps    []string            `json:"failed_steps"`
	Errors         []string            `json:"errors,omitempty"`
}

// ResolutionStrategy names one tier of the capacity conflict policy.
type ResolutionStrategy string

const (
	ResolutionPreempt ResolutionStrategy = "preempt"
	ResolutionScale   ResolutionStrategy = "scale"
	ResolutionQueue   ResolutionStrategy = "queue"
)

// ConflictResolution records one arbitration between workflows competing
// for the same agent-type capacity.
type ConflictResolution struct {
	ID               string             `json:"id"`
	WorkflowID       string             `json:"workflow_id"`
	StepID           string             `json:"step_id"`
	AgentType        string             `json:"agent_type"`
	Strategy         ResolutionStrategy `json:"strategy"`
	PreemptedWorkflow string            `json:"preempted_workflow,omitempty"`
	Detail           string             `json:"detail"`
	Timestamp        time.Time          `json:"timestamp"`
}

// HookResult is returned by pre and post dispatch hooks. Continue=false
// fails the step without contacting the agent.
type HookResult struct {
	Continue bool
	Reason   string
}

// Hook observes and may veto step dispatch. Implementations must be safe
// for concurrent use.
type Hook interface {
	BeforeStep(workflowID string, step WorkflowStep) HookResult
	AfterStep(workflowID string, step WorkflowStep, err error)
}
