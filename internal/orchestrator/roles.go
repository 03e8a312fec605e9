package orchestrator

import (
	"github.com/agenthub/orchestrator/internal/bus"
	"github.com/agenthub/orchestrator/internal/contextstore"
)

// defaultRolePriorities ranks agent types for dispatch. Security reviews
// outrank everything, routing and compliance outrank delivery work, and
// research runs at background priority. Config.RolePriorities overrides
// individual entries.
var defaultRolePriorities = map[string]bus.Priority{
	"security_validator": bus.PriorityCritical,
	"intent_router":      bus.PriorityHigh,
	"audit_agent":        bus.PriorityHigh,
	"test_agent":         bus.PriorityMedium,
	"product_architect":  bus.PriorityMedium,
	"code_engineer":      bus.PriorityMedium,
	"research_agent":     bus.PriorityLow,
}

// stepPriority is the higher of the workflow's risk-derived priority and
// the agent type's role priority. A security step keeps critical priority
// inside a low-risk workflow; a critical workflow lifts every step.
func stepPriority(roles map[string]bus.Priority, agentType string, risk contextstore.RiskLevel) bus.Priority {
	p := riskPriority(risk)
	if rp, ok := roles[agentType]; ok && rp > p {
		p = rp
	}
	return p
}

// riskPriority maps workflow risk onto message priority.
func riskPriority(risk contextstore.RiskLevel) bus.Priority {
	switch risk {
	case contextstore.RiskCritical:
		return bus.PriorityCritical
	case contextstore.RiskHigh:
		return bus.PriorityHigh
	case contextstore.RiskMedium:
		return bus.PriorityMedium
	default:
		return bus.PriorityLow
	}
}
