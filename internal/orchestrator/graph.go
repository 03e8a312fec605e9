package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agenthub/orchestrator/internal/bus"
)

// validateWorkflow checks structural well-formedness before any state is
// created: unique non-empty step IDs, dependency references that resolve,
// and an acyclic dependency relation.
func validateWorkflow(wf *AgentWorkflow) error {
	if wf.ID == "" {
		return fmt.Errorf("%w: missing workflow id", ErrWorkflowInvalid)
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", ErrWorkflowInvalid)
	}

	steps := make(map[string]struct{}, len(wf.Steps))
	for _, step := range wf.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step with empty id", ErrWorkflowInvalid)
		}
		if step.AgentType == "" {
			return fmt.Errorf("%w: step %s has no agent type", ErrWorkflowInvalid, step.ID)
		}
		if _, dup := steps[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", ErrWorkflowInvalid, step.ID)
		}
		steps[step.ID] = struct{}{}
	}

	for _, dep := range wf.Dependencies {
		if _, ok := steps[dep.StepID]; !ok {
			return fmt.Errorf("%w: step %s not found", ErrInvalidDependency, dep.StepID)
		}
		for _, on := range dep.DependsOn {
			if _, ok := steps[on]; !ok {
				return fmt.Errorf("%w: step %s depends on unknown step %s", ErrInvalidDependency, dep.StepID, on)
			}
			if on == dep.StepID {
				return fmt.Errorf("%w: step %s depends on itself", ErrCircularDependency, dep.StepID)
			}
		}
	}

	if cycle := findCycle(wf); len(cycle) > 0 {
		return fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(cycle, " -> "))
	}
	return nil
}

// dependencyMap flattens the dependency list into stepID -> prerequisites.
func dependencyMap(wf *AgentWorkflow) map[string][]string {
	deps := make(map[string][]string, len(wf.Dependencies))
	for _, d := range wf.Dependencies {
		deps[d.StepID] = append(deps[d.StepID], d.DependsOn...)
	}
	return deps
}

const (
	colorUnvisited = 0
	colorVisiting  = 1
	colorVisited   = 2
)

// findCycle runs a DFS with visiting/visited coloring and returns the
// implicated step path when a back edge is found, nil otherwise.
func findCycle(wf *AgentWorkflow) []string {
	deps := dependencyMap(wf)
	color := make(map[string]int, len(wf.Steps))

	ids := make([]string, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		ids = append(ids, step.ID)
	}
	sort.Strings(ids)

	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = colorVisiting
		stack = append(stack, id)
		for _, prereq := range deps[id] {
			switch color[prereq] {
			case colorVisiting:
				// Back edge: the cycle is the stack suffix from prereq.
				for i, s := range stack {
					if s == prereq {
						return append(append([]string(nil), stack[i:]...), prereq)
					}
				}
				return []string{prereq, id, prereq}
			case colorUnvisited:
				if cycle := visit(prereq); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = colorVisited
		return nil
	}

	for _, id := range ids {
		if color[id] == colorUnvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeParallelGroups partitions steps into topological layers: group 0
// holds steps with no dependencies, and a step enters group k once all its
// prerequisites landed in groups < k. Within a group, steps are ordered by
// their declared order index, then by ID for determinism.
func computeParallelGroups(wf *AgentWorkflow) [][]string {
	deps := dependencyMap(wf)
	placed := make(map[string]struct{}, len(wf.Steps))
	remaining := make([]WorkflowStep, len(wf.Steps))
	copy(remaining, wf.Steps)

	var groups [][]string
	for len(remaining) > 0 {
		var ready []WorkflowStep
		var blocked []WorkflowStep
		for _, step := range remaining {
			satisfied := true
			for _, prereq := range deps[step.ID] {
				if _, ok := placed[prereq]; !ok {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, step)
			} else {
				blocked = append(blocked, step)
			}
		}
		if len(ready) == 0 {
			// Unreachable for validated graphs; guards against callers
			// skipping validation.
			break
		}

		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Order != ready[j].Order {
				return ready[i].Order < ready[j].Order
			}
			return ready[i].ID < ready[j].ID
		})
		group := make([]string, len(ready))
		for i, step := range ready {
			group[i] = step.ID
			placed[step.ID] = struct{}{}
		}
		groups = append(groups, group)
		remaining = blocked
	}
	return groups
}

// buildSchedule assigns each step a start time equal to the latest
// completion time among its prerequisites, anchored at now for roots.
// Groups are already topologically ordered so a single pass resolves
// every start time.
func buildSchedule(wf *AgentWorkflow, groups [][]string, now time.Time, defaultStepTimeout time.Duration, roles map[string]bus.Priority) ([]ScheduledStep, time.Time) {
	deps := dependencyMap(wf)
	byID := make(map[string]WorkflowStep, len(wf.Steps))
	for _, step := range wf.Steps {
		byID[step.ID] = step
	}

	completion := make(map[string]time.Time, len(wf.Steps))
	var schedule []ScheduledStep
	planEnd := now

	for _, group := range groups {
		for _, stepID := range group {
			step := byID[stepID]
			duration := estimateDuration(step, defaultStepTimeout)

			start := now
			for _, prereq := range deps[stepID] {
				if end, ok := completion[prereq]; ok && end.After(start) {
					start = end
				}
			}
			end := start.Add(duration)
			completion[stepID] = end
			if end.After(planEnd) {
				planEnd = end
			}

			schedule = append(schedule, ScheduledStep{
				StepID:            stepID,
				AgentID:           step.AgentType,
				ScheduledStart:    start,
				EstimatedDuration: duration,
				Priority:          stepPriority(roles, step.AgentType, wf.Risk),
			})
		}
	}
	return schedule, planEnd
}

// estimateDuration derives a step's expected runtime from its declared
// timeout, falling back to the configured default.
func estimateDuration(step WorkflowStep, defaultStepTimeout time.Duration) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return defaultStepTimeout
}
