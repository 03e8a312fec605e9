// Package orchestrator turns declarative step graphs into dependency-ordered
// execution plans and drives them over the message bus, tracking every state
// change through the context store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/orchestrator/internal/bus"
	"github.com/agenthub/orchestrator/internal/contextstore"
	"github.com/agenthub/orchestrator/internal/metrics"
)

const (
	// DefaultMaxConcurrentWorkflows bounds admission control.
	DefaultMaxConcurrentWorkflows = 10
	// DefaultStepTimeout applies to steps that declare none.
	DefaultStepTimeout = 60 * time.Second
	// DefaultStuckTimeout is how long a running workflow may go without a
	// context update before the sweeper fails it.
	DefaultStuckTimeout = 30 * time.Minute
	// DefaultSweepInterval is how often the stuck-workflow sweeper runs.
	DefaultSweepInterval = time.Minute
)

// Config tunes admission, scheduling, and conflict resolution.
type Config struct {
	MaxConcurrentWorkflows int
	DefaultStepTimeout     time.Duration
	// AgentCapacities is capacity per agent type; absent types use
	// DefaultAgentCapacity.
	AgentCapacities      map[string]int
	DefaultAgentCapacity int
	// PreemptionGap is the number of risk ranks an incoming workflow must
	// exceed a capacity holder by before preemption is allowed.
	PreemptionGap int
	// RolePriorities overrides the default per-agent-type dispatch
	// priorities. Entries merge over the defaults.
	RolePriorities map[string]bus.Priority
	StuckTimeout  time.Duration
	SweepInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxConcurrentWorkflows <= 0 {
		c.MaxConcurrentWorkflows = DefaultMaxConcurrentWorkflows
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = DefaultStepTimeout
	}
	if c.DefaultAgentCapacity <= 0 {
		c.DefaultAgentCapacity = 1
	}
	if c.PreemptionGap <= 0 {
		c.PreemptionGap = 1
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = DefaultStuckTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	merged := make(map[string]bus.Priority, len(defaultRolePriorities)+len(c.RolePriorities))
	for agentType, p := range defaultRolePriorities {
		merged[agentType] = p
	}
	for agentType, p := range c.RolePriorities {
		merged[agentType] = p
	}
	c.RolePriorities = merged
}

// Dispatcher is the message-bus surface the orchestrator drives steps
// through.
type Dispatcher interface {
	SendRequest(ctx context.Context, from, to, action string, payload map[string]interface{}, opts bus.RequestOptions) (*bus.Message, error)
	BroadcastEvent(ctx context.Context, from, eventType string, payload map[string]interface{}, opts bus.BroadcastOptions) ([]string, error)
}

type workflowState struct {
	mu           sync.Mutex
	workflow     *AgentWorkflow
	plan         *ExecutionPlan
	queuedSteps  map[string]struct{}
	paused       bool
	resume       chan struct{}
	cancelled    bool
	cancelReason string
	currentGroup int
	lastActivity time.Time
	errs         []string
}

func (st *workflowState) status() contextstore.Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.workflow.Status
}

func (st *workflowState) setStatus(s contextstore.Status) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.workflow.Status = s
	st.workflow.UpdatedAt = time.Now()
	st.lastActivity = time.Now()
}

func (st *workflowState) touch() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastActivity = time.Now()
}

func (st *workflowState) addError(msg string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.errs = append(st.errs, msg)
}

// Orchestrator validates, schedules, and executes workflows. The bus and
// context store are explicit dependencies supplied at construction.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	bus    Dispatcher
	store  *contextstore.Store
	pool   *resourcePool

	mu             sync.RWMutex
	workflows      map[string]*workflowState
	plans          map[string]*ExecutionPlan
	planByWorkflow map[string]string
	hooks          []Hook

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an orchestrator. reg may be nil when no registry-backed
// scale tier is wanted.
func New(cfg Config, dispatcher Dispatcher, store *contextstore.Store, reg agentLister, logger *zap.Logger) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		cfg:            cfg,
		logger:         logger,
		bus:            dispatcher,
		store:          store,
		pool:           newResourcePool(cfg.AgentCapacities, cfg.DefaultAgentCapacity, cfg.PreemptionGap, reg, logger),
		workflows:      make(map[string]*workflowState),
		plans:          make(map[string]*ExecutionPlan),
		planByWorkflow: make(map[string]string),
		stopCh:         make(chan struct{}),
	}
}

// AddHook registers a dispatch hook. Hooks run in registration order; the
// first BeforeStep returning Continue=false fails the step.
func (o *Orchestrator) AddHook(h Hook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, h)
}

// Start launches the stuck-workflow sweeper.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.sweepLoop(ctx)
}

// Close stops background work and waits for it to finish.
func (o *Orchestrator) Close() {
	close(o.stopCh)
	o.wg.Wait()
}

// OrchestrateWorkflow admits, validates, and schedules a workflow. On
// success the workflow context exists, resources are reserved, and the
// returned plan is ready for ExecuteWorkflow. Validation failures create
// no state.
func (o *Orchestrator) OrchestrateWorkflow(ctx context.Context, wf *AgentWorkflow) (*ExecutionPlan, error) {
	if err := validateWorkflow(wf); err != nil {
		metrics.WorkflowsRejected.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	now := time.Now()
	st := &workflowState{
		workflow:     wf,
		queuedSteps:  make(map[string]struct{}),
		lastActivity: now,
	}

	// The admission slot is claimed under the same lock as the limit
	// check, so concurrent submissions cannot both pass it.
	o.mu.Lock()
	if o.activeLocked() >= o.cfg.MaxConcurrentWorkflows {
		o.mu.Unlock()
		metrics.WorkflowsRejected.WithLabelValues("max_concurrent").Inc()
		return nil, fmt.Errorf("%w: limit %d", ErrMaxConcurrentWorkflows, o.cfg.MaxConcurrentWorkflows)
	}
	if _, exists := o.workflows[wf.ID]; exists {
		o.mu.Unlock()
		metrics.WorkflowsRejected.WithLabelValues("duplicate").Inc()
		return nil, fmt.Errorf("%w: workflow %s already orchestrated", ErrWorkflowInvalid, wf.ID)
	}
	o.workflows[wf.ID] = st
	o.mu.Unlock()

	groups := computeParallelGroups(wf)
	schedule, estimatedCompletion := buildSchedule(wf, groups, now, o.cfg.DefaultStepTimeout, o.cfg.RolePriorities)

	if wf.Risk == "" {
		wf.Risk = contextstore.RiskLow
	}
	if _, err := o.store.CreateContext(wf.ID, wf.Intent, wf.Risk); err != nil {
		o.evict(wf.ID)
		return nil, fmt.Errorf("failed to create workflow context: %w", err)
	}

	// Reserve capacity for every step up front; conflicts are resolved and
	// recorded here, before anything executes.
	var allocations []contextstore.ResourceAllocation
	byID := make(map[string]WorkflowStep, len(wf.Steps))
	for _, step := range wf.Steps {
		byID[step.ID] = step
	}
	for i := range schedule {
		step := byID[schedule[i].StepID]
		alloc, resolution := o.pool.allocate(wf.ID, step, wf.Risk)
		if resolution != nil {
			if resolution.Strategy == ResolutionQueue {
				st.queuedSteps[step.ID] = struct{}{}
			}
			if resolution.Strategy == ResolutionScale {
				schedule[i].AgentID = alloc.AgentID
			}
			_, err := o.store.AddDecision(wf.ID, "orchestrator",
				fmt.Sprintf("conflict resolved via %s", resolution.Strategy),
				resolution.Detail, nil, 1.0)
			if err != nil {
				o.logger.Warn("Failed to record conflict decision", zap.Error(err))
			}
		}
		allocations = append(allocations, alloc)
	}

	dependencyState := make(map[string][]string, len(wf.Dependencies))
	for stepID, prereqs := range dependencyMap(wf) {
		dependencyState[stepID] = prereqs
	}
	if _, err := o.store.UpdateContext(contextstore.UpdateRequest{
		WorkflowID: wf.ID,
		Updates: contextstore.Update{
			ResourceAllocations: allocations,
			DependencyState:     dependencyState,
		},
		Source: "orchestrator",
		Reason: "schedule computed",
	}); err != nil {
		o.pool.releaseWorkflow(wf.ID)
		o.evict(wf.ID)
		return nil, err
	}

	plan := &ExecutionPlan{
		ID:                  uuid.New().String(),
		WorkflowID:          wf.ID,
		Schedule:            schedule,
		Dependencies:        append([]Dependency(nil), wf.Dependencies...),
		ParallelGroups:      groups,
		EstimatedCompletion: estimatedCompletion,
		CreatedAt:           now,
	}
	wf.ParallelGroups = groups
	wf.Status = contextstore.StatusPending
	wf.CreatedAt = now
	wf.UpdatedAt = now
	st.plan = plan

	o.mu.Lock()
	o.plans[plan.ID] = plan
	o.planByWorkflow[wf.ID] = plan.ID
	o.mu.Unlock()

	metrics.WorkflowsStarted.Inc()
	o.logger.Info("Workflow orchestrated",
		zap.String("workflow_id", wf.ID),
		zap.String("plan_id", plan.ID),
		zap.Int("steps", len(wf.Steps)),
		zap.Int("parallel_groups", len(groups)),
	)
	return plan, nil
}

// ExecuteWorkflow runs the plan group by group. Each group's steps are
// dispatched concurrently and awaited as a unit; a required step failing
// fails the workflow and later groups never start.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, planID string) error {
	o.mu.RLock()
	plan, ok := o.plans[planID]
	var st *workflowState
	if ok {
		st = o.workflows[plan.WorkflowID]
	}
	o.mu.RUnlock()
	if !ok || st == nil {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	if status := st.status(); status != contextstore.StatusPending {
		return fmt.Errorf("%w: cannot execute workflow in status %s", ErrInvalidTransition, status)
	}

	started := time.Now()
	o.transition(st, contextstore.StatusRunning, "execution started")
	o.emitEvent(ctx, "workflow_started", map[string]interface{}{
		"workflow_id": plan.WorkflowID,
		"plan_id":     planID,
	})

	byID := make(map[string]WorkflowStep, len(st.workflow.Steps))
	for _, step := range st.workflow.Steps {
		byID[step.ID] = step
	}
	scheduled := make(map[string]ScheduledStep, len(plan.Schedule))
	for _, s := range plan.Schedule {
		scheduled[s.StepID] = s
	}

	for groupIdx, group := range plan.ParallelGroups {
		if err := o.awaitResumable(ctx, st); err != nil {
			return err
		}
		if st.status() == contextstore.StatusCancelled {
			o.finish(ctx, st, plan, contextstore.StatusCancelled, started)
			return nil
		}

		st.mu.Lock()
		st.currentGroup = groupIdx
		st.mu.Unlock()

		// Capacity-queued steps run after their group peers settle so a
		// freed unit covers them.
		var immediate, deferred []WorkflowStep
		for _, stepID := range group {
			step := byID[stepID]
			if _, queued := st.queuedSteps[stepID]; queued {
				deferred = append(deferred, step)
			} else {
				immediate = append(immediate, step)
			}
		}

		requiredFailed := o.runSteps(ctx, st, scheduled, immediate, true)
		if !requiredFailed {
			requiredFailed = o.runSteps(ctx, st, scheduled, deferred, false)
		}

		if requiredFailed {
			o.finish(ctx, st, plan, contextstore.StatusFailed, started)
			return nil
		}
		if st.status() == contextstore.StatusCancelled {
			o.finish(ctx, st, plan, contextstore.StatusCancelled, started)
			return nil
		}
		o.updateProgress(st, plan)
	}

	o.finish(ctx, st, plan, contextstore.StatusCompleted, started)
	return nil
}

// runSteps dispatches the given steps concurrently and waits for all of
// them. It reports whether any required step failed. concurrent=false runs
// them one at a time (used for capacity-queued steps).
func (o *Orchestrator) runSteps(ctx context.Context, st *workflowState, scheduled map[string]ScheduledStep, steps []WorkflowStep, concurrent bool) bool {
	if len(steps) == 0 {
		return false
	}

	type result struct {
		step WorkflowStep
		err  error
	}
	results := make([]result, len(steps))

	if concurrent {
		var wg sync.WaitGroup
		for i, step := range steps {
			wg.Add(1)
			go func(i int, step WorkflowStep) {
				defer wg.Done()
				results[i] = result{step: step, err: o.executeStep(ctx, st, scheduled[step.ID], step)}
			}(i, step)
		}
		wg.Wait()
	} else {
		for i, step := range steps {
			results[i] = result{step: step, err: o.executeStep(ctx, st, scheduled[step.ID], step)}
		}
	}

	requiredFailed := false
	for _, res := range results {
		if res.err != nil && res.step.Required {
			requiredFailed = true
		}
	}
	return requiredFailed
}

// executeStep runs hooks, dispatches one step over the bus, and records the
// outcome in the context store. Results arriving after cancellation are
// discarded.
func (o *Orchestrator) executeStep(ctx context.Context, st *workflowState, sched ScheduledStep, step WorkflowStep) error {
	workflowID := st.workflow.ID
	agentID := sched.AgentID
	if agentID == "" {
		agentID = step.AgentType
	}
	defer o.pool.releaseStep(workflowID, step.AgentType, step.ID)

	started := time.Now()
	if err := o.runBeforeHooks(workflowID, step); err != nil {
		o.recordStepFailure(st, step, agentID, err)
		return err
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultStepTimeout
	}

	if _, err := o.store.UpdateContext(contextstore.UpdateRequest{
		WorkflowID: workflowID,
		Updates:    contextstore.Update{AddActiveAgents: []string{agentID}},
		Source:     "orchestrator",
		Reason:     fmt.Sprintf("dispatching step %s", step.ID),
	}); err != nil {
		o.logger.Warn("Failed to mark agent active", zap.String("step_id", step.ID), zap.Error(err))
	}

	payload := map[string]interface{}{
		"workflow_id": workflowID,
		"step_id":     step.ID,
		"parameters":  step.Parameters,
	}
	_, err := o.bus.SendRequest(ctx, "orchestrator", agentID, step.Action, payload, bus.RequestOptions{
		Priority: sched.Priority,
		Timeout:  timeout,
	})
	o.runAfterHooks(workflowID, step, err)
	st.touch()

	// Cancelled while in flight: the outcome is discarded, not recorded.
	if st.status() == contextstore.StatusCancelled {
		o.logger.Debug("Discarding step result for cancelled workflow",
			zap.String("workflow_id", workflowID),
			zap.String("step_id", step.ID),
		)
		return err
	}

	metrics.StepDuration.WithLabelValues(step.AgentType).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.StepsExecuted.WithLabelValues(step.AgentType, "failed").Inc()
		o.recordStepFailure(st, step, agentID, err)
		return err
	}

	metrics.StepsExecuted.WithLabelValues(step.AgentType, "completed").Inc()
	if _, uerr := o.store.UpdateContext(contextstore.UpdateRequest{
		WorkflowID: workflowID,
		Updates: contextstore.Update{
			CompletedSteps:     []string{step.ID},
			RemoveActiveAgents: []string{agentID},
		},
		Source: "orchestrator",
		Reason: fmt.Sprintf("step %s completed", step.ID),
	}); uerr != nil {
		o.logger.Error("Failed to record step completion", zap.String("step_id", step.ID), zap.Error(uerr))
	}
	if _, derr := o.store.AddDecision(workflowID, "orchestrator",
		fmt.Sprintf("step %s completed", step.ID),
		fmt.Sprintf("agent %s finished action %s", agentID, step.Action), nil, 1.0); derr != nil {
		o.logger.Warn("Failed to record completion decision", zap.Error(derr))
	}
	return nil
}

func (o *Orchestrator) recordStepFailure(st *workflowState, step WorkflowStep, agentID string, cause error) {
	workflowID := st.workflow.ID
	st.addError(fmt.Sprintf("step %s: %v", step.ID, cause))
	if _, err := o.store.UpdateContext(contextstore.UpdateRequest{
		WorkflowID: workflowID,
		Updates: contextstore.Update{
			FailedSteps:        []string{step.ID},
			RemoveActiveAgents: []string{agentID},
		},
		Source: "orchestrator",
		Reason: fmt.Sprintf("step %s failed", step.ID),
	}); err != nil {
		o.logger.Error("Failed to record step failure", zap.String("step_id", step.ID), zap.Error(err))
	}
	if _, err := o.store.AddDecision(workflowID, "orchestrator",
		fmt.Sprintf("step %s failed", step.ID), cause.Error(), nil, 1.0); err != nil {
		o.logger.Warn("Failed to record failure decision", zap.Error(err))
	}
}

// MonitorExecution derives the live status of a plan from the context store.
func (o *Orchestrator) MonitorExecution(planID string) (*ExecutionStatus, error) {
	o.mu.RLock()
	plan, ok := o.plans[planID]
	var st *workflowState
	if ok {
		st = o.workflows[plan.WorkflowID]
	}
	o.mu.RUnlock()
	if !ok || st == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	wfCtx, err := o.store.GetContext(plan.WorkflowID)
	if err != nil {
		return nil, err
	}

	total := len(plan.Schedule)
	progress := 0.0
	if total > 0 {
		progress = float64(len(wfCtx.State.CompletedSteps)) / float64(total) * 100
	}
	if progress > 100 {
		progress = 100
	}

	st.mu.Lock()
	currentGroup := st.currentGroup
	errs := append([]string(nil), st.errs...)
	st.mu.Unlock()

	return &ExecutionStatus{
		PlanID:         planID,
		WorkflowID:     plan.WorkflowID,
		Status:         wfCtx.State.Status,
		Progress:       progress,
		CurrentGroup:   currentGroup,
		CompletedSteps: wfCtx.State.CompletedSteps,
		FailedSteps:    wfCtx.State.FailedSteps,
		Errors:         errs,
	}, nil
}

// CancelWorkflow flips the workflow to cancelled and releases its capacity.
// In-flight requests are not interrupted; their results are discarded on
// arrival.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	st, err := o.state(workflowID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.workflow.Status.Terminal() {
		status := st.workflow.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: workflow already %s", ErrInvalidTransition, status)
	}
	st.cancelled = true
	st.cancelReason = reason
	if st.paused {
		st.paused = false
		close(st.resume)
	}
	st.mu.Unlock()

	o.transition(st, contextstore.StatusCancelled, reason)
	o.pool.releaseWorkflow(workflowID)
	o.emitEvent(ctx, "workflow_cancelled", map[string]interface{}{
		"workflow_id": workflowID,
		"reason":      reason,
	})
	o.logger.Info("Workflow cancelled",
		zap.String("workflow_id", workflowID),
		zap.String("reason", reason),
	)
	return nil
}

// PauseWorkflow stops new groups from dispatching. In-flight steps finish.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, workflowID string) error {
	st, err := o.state(workflowID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.workflow.Status != contextstore.StatusRunning {
		status := st.workflow.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: cannot pause workflow in status %s", ErrInvalidTransition, status)
	}
	st.paused = true
	st.resume = make(chan struct{})
	st.mu.Unlock()

	o.transition(st, contextstore.StatusPaused, "paused by caller")
	o.emitEvent(ctx, "workflow_paused", map[string]interface{}{"workflow_id": workflowID})
	return nil
}

// ResumeWorkflow releases a paused workflow back to running.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, workflowID string) error {
	st, err := o.state(workflowID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.workflow.Status != contextstore.StatusPaused {
		status := st.workflow.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: cannot resume workflow in status %s", ErrInvalidTransition, status)
	}
	st.paused = false
	close(st.resume)
	st.mu.Unlock()

	o.transition(st, contextstore.StatusRunning, "resumed by caller")
	o.emitEvent(ctx, "workflow_resumed", map[string]interface{}{"workflow_id": workflowID})
	return nil
}

// Conflicts returns recorded conflict resolutions, all of them when
// workflowID is empty.
func (o *Orchestrator) Conflicts(workflowID string) []ConflictResolution {
	return o.pool.conflicts(workflowID)
}

// ResourceUsage reports live capacity consumption per agent type.
func (o *Orchestrator) ResourceUsage() map[string]int {
	return o.pool.usage()
}

// SetAgentCapacity adjusts one agent type's capacity at runtime, so policy
// reloads apply without a restart. Non-positive restores the default.
func (o *Orchestrator) SetAgentCapacity(agentType string, capacity int) {
	o.pool.setCapacity(agentType, capacity)
	o.logger.Info("Agent capacity updated",
		zap.String("agent_type", agentType),
		zap.Int("capacity", capacity),
	)
}

// Workflow returns the tracked workflow for an ID.
func (o *Orchestrator) Workflow(workflowID string) (*AgentWorkflow, error) {
	st, err := o.state(workflowID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *st.workflow
	return &cp, nil
}

// Plan returns the execution plan for a workflow.
func (o *Orchestrator) Plan(workflowID string) (*ExecutionPlan, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	planID, ok := o.planByWorkflow[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return o.plans[planID], nil
}

func (o *Orchestrator) state(workflowID string) (*workflowState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return st, nil
}

// activeLocked counts non-terminal workflows. Callers hold o.mu.
// evict drops a reserved admission slot when orchestration fails partway.
func (o *Orchestrator) evict(workflowID string) {
	o.mu.Lock()
	delete(o.workflows, workflowID)
	o.mu.Unlock()
}

func (o *Orchestrator) activeLocked() int {
	n := 0
	for _, st := range o.workflows {
		if !st.status().Terminal() {
			n++
		}
	}
	return n
}

// awaitResumable blocks while the workflow is paused.
func (o *Orchestrator) awaitResumable(ctx context.Context, st *workflowState) error {
	for {
		st.mu.Lock()
		if !st.paused {
			st.mu.Unlock()
			return nil
		}
		resume := st.resume
		st.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

// transition records a status change in both the in-memory state and the
// context store.
func (o *Orchestrator) transition(st *workflowState, status contextstore.Status, reason string) {
	st.setStatus(status)
	s := status
	if _, err := o.store.UpdateContext(contextstore.UpdateRequest{
		WorkflowID: st.workflow.ID,
		Updates:    contextstore.Update{Status: &s},
		Source:     "orchestrator",
		Reason:     reason,
	}); err != nil {
		o.logger.Error("Failed to record status transition",
			zap.String("workflow_id", st.workflow.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) updateProgress(st *workflowState, plan *ExecutionPlan) {
	wfCtx, err := o.store.GetContext(plan.WorkflowID)
	if err != nil {
		return
	}
	total := len(plan.Schedule)
	if total == 0 {
		return
	}
	pct := float64(len(wfCtx.State.CompletedSteps)) / float64(total) * 100
	if _, err := o.store.UpdateContext(contextstore.UpdateRequest{
		WorkflowID: plan.WorkflowID,
		Updates:    contextstore.Update{Percentage: &pct},
		Source:     "orchestrator",
		Reason:     "group settled",
	}); err != nil {
		o.logger.Warn("Failed to update progress", zap.Error(err))
	}
}

// finish moves the workflow to a terminal status, releases resources, and
// emits the terminal lifecycle event.
func (o *Orchestrator) finish(ctx context.Context, st *workflowState, plan *ExecutionPlan, status contextstore.Status, started time.Time) {
	if st.status() != status {
		o.transition(st, status, fmt.Sprintf("workflow %s", status))
	}
	o.pool.releaseWorkflow(plan.WorkflowID)

	if status == contextstore.StatusCompleted {
		pct := 100.0
		if _, err := o.store.UpdateContext(contextstore.UpdateRequest{
			WorkflowID: plan.WorkflowID,
			Updates:    contextstore.Update{Percentage: &pct},
			Source:     "orchestrator",
			Reason:     "all groups settled",
		}); err != nil {
			o.logger.Warn("Failed to finalize progress", zap.Error(err))
		}
	}

	metrics.WorkflowsCompleted.WithLabelValues(string(status)).Inc()
	metrics.WorkflowDuration.Observe(time.Since(started).Seconds())
	o.emitEvent(ctx, "workflow_"+string(status), map[string]interface{}{
		"workflow_id": plan.WorkflowID,
		"plan_id":     plan.ID,
	})
	o.logger.Info("Workflow finished",
		zap.String("workflow_id", plan.WorkflowID),
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(started)),
	)
}

func (o *Orchestrator) runBeforeHooks(workflowID string, step WorkflowStep) error {
	o.mu.RLock()
	hooks := o.hooks
	o.mu.RUnlock()
	for _, h := range hooks {
		if res := h.BeforeStep(workflowID, step); !res.Continue {
			return fmt.Errorf("step %s vetoed: %s", step.ID, res.Reason)
		}
	}
	return nil
}

func (o *Orchestrator) runAfterHooks(workflowID string, step WorkflowStep, err error) {
	o.mu.RLock()
	hooks := o.hooks
	o.mu.RUnlock()
	for _, h := range hooks {
		h.AfterStep(workflowID, step, err)
	}
}

// emitEvent broadcasts a lifecycle event over the bus, best effort.
func (o *Orchestrator) emitEvent(ctx context.Context, eventType string, payload map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if _, err := o.bus.BroadcastEvent(ctx, "orchestrator", eventType, payload, bus.BroadcastOptions{}); err != nil {
		o.logger.Debug("Failed to broadcast lifecycle event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

// sweepLoop fails workflows that stop making progress.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweepStuck(ctx)
		}
	}
}

func (o *Orchestrator) sweepStuck(ctx context.Context) {
	now := time.Now()
	o.mu.RLock()
	var stuck []*workflowState
	for _, st := range o.workflows {
		st.mu.Lock()
		if st.workflow.Status == contextstore.StatusRunning && now.Sub(st.lastActivity) > o.cfg.StuckTimeout {
			stuck = append(stuck, st)
		}
		st.mu.Unlock()
	}
	o.mu.RUnlock()

	for _, st := range stuck {
		o.logger.Warn("Workflow stuck, failing it",
			zap.String("workflow_id", st.workflow.ID),
			zap.Duration("idle", now.Sub(st.lastActivity)),
		)
		o.transition(st, contextstore.StatusFailed, "no progress within stuck timeout")
		o.pool.releaseWorkflow(st.workflow.ID)
		metrics.WorkflowsCompleted.WithLabelValues("failed").Inc()
		o.emitEvent(ctx, "workflow_failed", map[string]interface{}{
			"workflow_id": st.workflow.ID,
			"reason":      "stuck",
		})
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrCircularDependency):
		return "circular_dependency"
	case errors.Is(err, ErrInvalidDependency):
		return "invalid_dependency"
	default:
		return "invalid_workflow"
	}
}
