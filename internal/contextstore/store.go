package contextstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/orchestrator/internal/metrics"
)

// DefaultMaxHistory bounds how many snapshots are retained per workflow.
const DefaultMaxHistory = 100

// Config tunes the store.
type Config struct {
	// MaxHistory is the number of snapshots retained per workflow.
	MaxHistory int
}

// Store is the single source of truth for workflow state. Every mutation
// goes through an invariant-checking update producing a new immutable
// snapshot appended to bounded history.
type Store struct {
	logger     *zap.Logger
	maxHistory int

	mu        sync.RWMutex
	contexts  map[string]*WorkflowContext   // workflowID -> current snapshot
	history   map[string][]*WorkflowContext // workflowID -> snapshots, oldest first
	byContext map[string]string             // context ID -> workflowID
	byAgent   map[string]map[string]struct{} // agentID -> workflowIDs it contributed to
}

// New creates a context store.
func New(cfg Config, logger *zap.Logger) *Store {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	return &Store{
		logger:     logger,
		maxHistory: cfg.MaxHistory,
		contexts:   make(map[string]*WorkflowContext),
		history:    make(map[string][]*WorkflowContext),
		byContext:  make(map[string]string),
		byAgent:    make(map[string]map[string]struct{}),
	}
}

// CreateContext initializes the context for a newly accepted workflow and
// records the first history snapshot.
func (s *Store) CreateContext(workflowID string, intent string, initialRisk RiskLevel) (*WorkflowContext, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("%w: empty workflow id", ErrContextNotFound)
	}
	if initialRisk == "" {
		initialRisk = RiskLow
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contexts[workflowID]; exists {
		return nil, fmt.Errorf("%w: workflow %s", ErrContextExists, workflowID)
	}

	now := time.Now()
	ctx := &WorkflowContext{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		State: ExecutionState{
			Status:          StatusPending,
			CompletedSteps:  []string{},
			FailedSteps:     []string{},
			ActiveAgents:    []string{},
			DependencyState: map[string][]string{},
		},
		Progress: Progress{Milestones: []string{}, Blockers: []string{}},
		RiskAssessment: RiskAssessment{
			OverallRisk: initialRisk,
			RiskFactors: []RiskFactor{},
			Mitigations: []string{},
			Approvals:   []Approval{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if intent != "" {
		ctx.Decisions = []Decision{{
			ID:         uuid.New().String(),
			AgentID:    "orchestrator",
			Decision:   "workflow accepted",
			Reasoning:  intent,
			Confidence: 1.0,
			Timestamp:  now,
		}}
	}

	s.contexts[workflowID] = ctx
	s.history[workflowID] = []*WorkflowContext{ctx.Clone()}
	s.byContext[ctx.ID] = workflowID
	metrics.ContextsActive.Set(float64(len(s.contexts)))

	s.logger.Info("Created workflow context",
		zap.String("context_id", ctx.ID),
		zap.String("workflow_id", workflowID),
		zap.String("initial_risk", string(initialRisk)),
	)
	return ctx.Clone(), nil
}

// GetContext returns the current snapshot for a workflow.
func (s *Store) GetContext(workflowID string) (*WorkflowContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, ok := s.contexts[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrContextNotFound, workflowID)
	}
	return ctx.Clone(), nil
}

// UpdateContext merges the update into the current context, re-validates all
// invariants, and appends a new snapshot on success. A violating update is
// rejected with the prior snapshot intact.
func (s *Store) UpdateContext(req UpdateRequest) (*WorkflowContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.contexts[req.WorkflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrContextNotFound, req.WorkflowID)
	}

	next := current.Clone()
	applyUpdate(next, req.Updates)
	next.UpdatedAt = time.Now()

	if err := validate(next); err != nil {
		metrics.ContextUpdateRejected.WithLabelValues("invariant").Inc()
		s.logger.Warn("Context update rejected",
			zap.String("workflow_id", req.WorkflowID),
			zap.String("source", req.Source),
			zap.Error(err),
		)
		return nil, err
	}

	s.commit(req.WorkflowID, next)
	if req.Source != "" {
		s.indexAgent(req.Source, req.WorkflowID)
	}
	metrics.ContextUpdates.Inc()

	s.logger.Debug("Context updated",
		zap.String("workflow_id", req.WorkflowID),
		zap.String("source", req.Source),
		zap.String("reason", req.Reason),
	)
	return next.Clone(), nil
}

// AddDecision appends to the decision log without otherwise mutating state.
func (s *Store) AddDecision(workflowID, agentID, decision, reasoning string, alternatives []string, confidence float64) (*WorkflowContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.contexts[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrContextNotFound, workflowID)
	}

	next := current.Clone()
	next.Decisions = append(next.Decisions, Decision{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		Decision:     decision,
		Reasoning:    reasoning,
		Alternatives: append([]string(nil), alternatives...),
		Confidence:   confidence,
		Timestamp:    time.Now(),
	})
	next.UpdatedAt = time.Now()

	s.commit(workflowID, next)
	s.indexAgent(agentID, workflowID)
	return next.Clone(), nil
}

// UpdateRiskAssessment replaces the risk factors and mitigations and
// recomputes the overall risk as the maximum observed severity.
func (s *Store) UpdateRiskAssessment(workflowID string, factors []RiskFactor, mitigations []string) (*WorkflowContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.contexts[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrContextNotFound, workflowID)
	}

	next := current.Clone()
	next.RiskAssessment.RiskFactors = append([]RiskFactor(nil), factors...)
	next.RiskAssessment.Mitigations = append([]string(nil), mitigations...)
	next.RiskAssessment.OverallRisk = aggregateRisk(factors)
	next.UpdatedAt = time.Now()

	if err := validate(next); err != nil {
		metrics.ContextUpdateRejected.WithLabelValues("invariant").Inc()
		return nil, err
	}

	s.commit(workflowID, next)
	return next.Clone(), nil
}

// AddApproval appends an approval or rejection record to the risk assessment.
func (s *Store) AddApproval(workflowID string, approval Approval) (*WorkflowContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.contexts[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrContextNotFound, workflowID)
	}

	if approval.ID == "" {
		approval.ID = uuid.New().String()
	}
	if approval.Timestamp.IsZero() {
		approval.Timestamp = time.Now()
	}

	next := current.Clone()
	next.RiskAssessment.Approvals = append(next.RiskAssessment.Approvals, approval)
	next.UpdatedAt = time.Now()

	s.commit(workflowID, next)
	return next.Clone(), nil
}

// QueryContexts returns contexts matching every set filter field.
func (s *Store) QueryContexts(f Filter) []*WorkflowContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*WorkflowContext
	for workflowID, ctx := range s.contexts {
		if f.WorkflowID != "" && workflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && ctx.State.Status != f.Status {
			continue
		}
		if f.RiskLevel != "" && ctx.RiskAssessment.OverallRisk != f.RiskLevel {
			continue
		}
		if f.AgentID != "" {
			workflows, ok := s.byAgent[f.AgentID]
			if !ok {
				continue
			}
			if _, ok := workflows[workflowID]; !ok {
				continue
			}
		}
		if !f.Since.IsZero() && ctx.UpdatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ctx.UpdatedAt.After(f.Until) {
			continue
		}
		out = append(out, ctx.Clone())
	}
	return out
}

// RollbackContext restores the snapshot `steps` positions back in history.
// The context ID of any recorded snapshot or the workflow ID both resolve.
func (s *Store) RollbackContext(id string, steps int) (*WorkflowContext, error) {
	if steps <= 0 {
		steps = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	workflowID := id
	if wf, ok := s.byContext[id]; ok {
		workflowID = wf
	}
	snapshots, ok := s.history[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}

	idx := len(snapshots) - 1 - steps
	if idx < 0 {
		return nil, fmt.Errorf("%w: have %d snapshots, cannot roll back %d", ErrInsufficientHistory, len(snapshots), steps)
	}

	restored := snapshots[idx].Clone()
	s.contexts[workflowID] = restored
	s.history[workflowID] = snapshots[:idx+1]
	metrics.ContextRollbacks.Inc()

	s.logger.Info("Rolled back workflow context",
		zap.String("workflow_id", workflowID),
		zap.Int("steps", steps),
	)
	return restored.Clone(), nil
}

// DeleteContext removes the context, its history, and all index entries.
func (s *Store) DeleteContext(workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[workflowID]
	if !ok {
		return fmt.Errorf("%w: workflow %s", ErrContextNotFound, workflowID)
	}

	delete(s.contexts, workflowID)
	delete(s.history, workflowID)
	delete(s.byContext, ctx.ID)
	for _, workflows := range s.byAgent {
		delete(workflows, workflowID)
	}
	metrics.ContextsActive.Set(float64(len(s.contexts)))

	s.logger.Info("Deleted workflow context", zap.String("workflow_id", workflowID))
	return nil
}

// HistoryLength returns the number of retained snapshots for a workflow.
func (s *Store) HistoryLength(workflowID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history[workflowID])
}

// commit installs the next snapshot and trims history. Callers hold s.mu.
func (s *Store) commit(workflowID string, next *WorkflowContext) {
	s.contexts[workflowID] = next
	snapshots := append(s.history[workflowID], next.Clone())
	if len(snapshots) > s.maxHistory {
		snapshots = snapshots[len(snapshots)-s.maxHistory:]
	}
	s.history[workflowID] = snapshots
}

func (s *Store) indexAgent(agentID, workflowID string) {
	if agentID == "" {
		return
	}
	workflows, ok := s.byAgent[agentID]
	if !ok {
		workflows = make(map[string]struct{})
		s.byAgent[agentID] = workflows
	}
	workflows[workflowID] = struct{}{}
}

func applyUpdate(ctx *WorkflowContext, u Update) {
	if u.Status != nil {
		ctx.State.Status = *u.Status
	}
	ctx.State.CompletedSteps = appendUnique(ctx.State.CompletedSteps, u.CompletedSteps...)
	ctx.State.FailedSteps = appendUnique(ctx.State.FailedSteps, u.FailedSteps...)
	if u.ActiveAgents != nil {
		ctx.State.ActiveAgents = append([]string(nil), u.ActiveAgents...)
	}
	ctx.State.ActiveAgents = appendUnique(ctx.State.ActiveAgents, u.AddActiveAgents...)
	for _, agent := range u.RemoveActiveAgents {
		ctx.State.ActiveAgents = remove(ctx.State.ActiveAgents, agent)
	}
	if u.ResourceAllocations != nil {
		ctx.State.ResourceAllocations = append([]ResourceAllocation(nil), u.ResourceAllocations...)
	}
	if u.DependencyState != nil {
		ds := make(map[string][]string, len(u.DependencyState))
		for k, v := range u.DependencyState {
			ds[k] = append([]string(nil), v...)
		}
		ctx.State.DependencyState = ds
	}
	if u.Percentage != nil {
		ctx.Progress.Percentage = clamp(*u.Percentage, 0, 100)
	}
	if u.EstimatedCompletion != nil {
		ctx.Progress.EstimatedCompletion = *u.EstimatedCompletion
	}
	ctx.Progress.Milestones = appendUnique(ctx.Progress.Milestones, u.Milestones...)
	if u.Blockers != nil {
		ctx.Progress.Blockers = append([]string(nil), u.Blockers...)
	}
}

// validate enforces the data-model invariants on a candidate snapshot.
func validate(ctx *WorkflowContext) error {
	completed := make(map[string]struct{}, len(ctx.State.CompletedSteps))
	for _, step := range ctx.State.CompletedSteps {
		completed[step] = struct{}{}
	}
	for _, step := range ctx.State.FailedSteps {
		if _, ok := completed[step]; ok {
			return fmt.Errorf("%w: step %s is both completed and failed", ErrInvariantViolation, step)
		}
	}

	if ctx.RiskAssessment.OverallRisk == RiskCritical && len(ctx.RiskAssessment.RiskFactors) == 0 {
		return fmt.Errorf("%w: critical risk requires at least one risk factor", ErrInvariantViolation)
	}

	for _, agent := range ctx.State.ActiveAgents {
		if agent == "" {
			return fmt.Errorf("%w: active agent id must be non-empty", ErrInvariantViolation)
		}
	}
	return nil
}

// aggregateRisk returns the maximum severity among the factors, low when
// there are none.
func aggregateRisk(factors []RiskFactor) RiskLevel {
	overall := RiskLow
	for _, f := range factors {
		if f.Severity.Exceeds(overall) {
			overall = f.Severity
		}
	}
	return overall
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

func remove(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
