package audit

import (
	"fmt"

	"github.com/agenthub/orchestrator/internal/contextstore"
	"github.com/agenthub/orchestrator/internal/orchestrator"
)

// Hook persists step outcomes as decision entries. It never vetoes a step;
// a full audit queue drops the entry rather than stalling dispatch.
type Hook struct {
	sink *Sink
}

// NewHook wraps a sink as an orchestration hook.
func NewHook(s *Sink) *Hook { return &Hook{sink: s} }

func (h *Hook) BeforeStep(workflowID string, step orchestrator.WorkflowStep) orchestrator.HookResult {
	return orchestrator.HookResult{Continue: true}
}

func (h *Hook) AfterStep(workflowID string, step orchestrator.WorkflowStep, err error) {
	d := contextstore.Decision{
		AgentID:  step.AgentType,
		Decision: fmt.Sprintf("step %s completed", step.ID),
	}
	if err != nil {
		d.Decision = fmt.Sprintf("step %s failed", step.ID)
		d.Reasoning = err.Error()
	}
	_ = h.sink.RecordDecision(workflowID, d)
}
