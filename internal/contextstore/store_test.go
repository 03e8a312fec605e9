package contextstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(Config{}, zap.NewNop())
}

func statusPtr(s Status) *Status { return &s }

func TestCreateContext(t *testing.T) {
	s := newTestStore(t)

	ctx, err := s.CreateContext("wf-1", "deploy the thing", RiskMedium)
	require.NoError(t, err)
	assert.NotEmpty(t, ctx.ID)
	assert.Equal(t, "wf-1", ctx.WorkflowID)
	assert.Equal(t, StatusPending, ctx.State.Status)
	assert.Equal(t, RiskMedium, ctx.RiskAssessment.OverallRisk)
	assert.Equal(t, 1, s.HistoryLength("wf-1"))

	_, err = s.CreateContext("wf-1", "", RiskLow)
	assert.ErrorIs(t, err, ErrContextExists)
}

func TestUpdateContextUnknownWorkflow(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateContext(UpdateRequest{WorkflowID: "missing", Source: "test"})
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestUpdateContextMergesAndSnapshots(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	pct := 50.0
	updated, err := s.UpdateContext(UpdateRequest{
		WorkflowID: "wf-1",
		Updates: Update{
			Status:          statusPtr(StatusRunning),
			CompletedSteps:  []string{"s1"},
			AddActiveAgents: []string{"code_engineer-1"},
			Percentage:      &pct,
			Milestones:      []string{"group 0 dispatched"},
		},
		Source: "orchestrator",
		Reason: "step s1 completed",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, updated.State.Status)
	assert.Equal(t, []string{"s1"}, updated.State.CompletedSteps)
	assert.Equal(t, []string{"code_engineer-1"}, updated.State.ActiveAgents)
	assert.Equal(t, 50.0, updated.Progress.Percentage)
	assert.Equal(t, 2, s.HistoryLength("wf-1"))
}

func TestDisjointnessInvariantRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	_, err = s.UpdateContext(UpdateRequest{
		WorkflowID: "wf-1",
		Updates:    Update{CompletedSteps: []string{"s1"}},
		Source:     "orchestrator",
	})
	require.NoError(t, err)

	// Marking the same step failed must be rejected, prior snapshot intact.
	_, err = s.UpdateContext(UpdateRequest{
		WorkflowID: "wf-1",
		Updates:    Update{FailedSteps: []string{"s1"}},
		Source:     "orchestrator",
	})
	require.ErrorIs(t, err, ErrInvariantViolation)

	ctx, err := s.GetContext("wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ctx.State.CompletedSteps)
	assert.Empty(t, ctx.State.FailedSteps)
	assert.Equal(t, 2, s.HistoryLength("wf-1"))
}

func TestEmptyActiveAgentRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	_, err = s.UpdateContext(UpdateRequest{
		WorkflowID: "wf-1",
		Updates:    Update{ActiveAgents: []string{""}},
		Source:     "orchestrator",
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestPercentageClamped(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	over := 140.0
	ctx, err := s.UpdateContext(UpdateRequest{
		WorkflowID: "wf-1",
		Updates:    Update{Percentage: &over},
		Source:     "orchestrator",
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, ctx.Progress.Percentage)
}

func TestAddDecisionAppendsAuditTrail(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	ctx, err := s.AddDecision("wf-1", "security_validator", "block deployment",
		"unsigned artifact", []string{"allow with waiver"}, 0.9)
	require.NoError(t, err)
	require.Len(t, ctx.Decisions, 1)
	assert.Equal(t, "security_validator", ctx.Decisions[0].AgentID)
	assert.Equal(t, []string{"allow with waiver"}, ctx.Decisions[0].Alternatives)

	_, err = s.AddDecision("missing", "a", "d", "r", nil, 1)
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestUpdateRiskAssessmentRecomputesOverall(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	tests := []struct {
		name    string
		factors []RiskFactor
		want    RiskLevel
	}{
		{"no factors", nil, RiskLow},
		{"single medium", []RiskFactor{{Description: "new dependency", Severity: RiskMedium}}, RiskMedium},
		{"high dominates medium", []RiskFactor{
			{Description: "new dependency", Severity: RiskMedium},
			{Description: "prod credentials in scope", Severity: RiskHigh},
		}, RiskHigh},
		{"critical dominates all", []RiskFactor{
			{Description: "prod credentials in scope", Severity: RiskHigh},
			{Description: "irreversible migration", Severity: RiskCritical},
		}, RiskCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, err := s.UpdateRiskAssessment("wf-1", tt.factors, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ctx.RiskAssessment.OverallRisk)
		})
	}
}

func TestAddApproval(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	ctx, err := s.AddApproval("wf-1", Approval{Approver: "ops-lead", Decision: "approved"})
	require.NoError(t, err)
	require.Len(t, ctx.RiskAssessment.Approvals, 1)
	assert.NotEmpty(t, ctx.RiskAssessment.Approvals[0].ID)
	assert.False(t, ctx.RiskAssessment.Approvals[0].Timestamp.IsZero())
}

func TestQueryContexts(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)
	_, err = s.CreateContext("wf-2", "", RiskLow)
	require.NoError(t, err)

	_, err = s.UpdateContext(UpdateRequest{
		WorkflowID: "wf-1",
		Updates:    Update{Status: statusPtr(StatusRunning)},
		Source:     "code_engineer-1",
	})
	require.NoError(t, err)
	_, err = s.UpdateRiskAssessment("wf-2", []RiskFactor{{Description: "x", Severity: RiskHigh}}, nil)
	require.NoError(t, err)

	byStatus := s.QueryContexts(Filter{Status: StatusRunning})
	require.Len(t, byStatus, 1)
	assert.Equal(t, "wf-1", byStatus[0].WorkflowID)

	byRisk := s.QueryContexts(Filter{RiskLevel: RiskHigh})
	require.Len(t, byRisk, 1)
	assert.Equal(t, "wf-2", byRisk[0].WorkflowID)

	byAgent := s.QueryContexts(Filter{AgentID: "code_engineer-1"})
	require.Len(t, byAgent, 1)
	assert.Equal(t, "wf-1", byAgent[0].WorkflowID)

	assert.Len(t, s.QueryContexts(Filter{}), 2)
	assert.Empty(t, s.QueryContexts(Filter{AgentID: "nobody"}))
}

func TestRollbackRestoresEarlierSnapshot(t *testing.T) {
	s := newTestStore(t)
	created, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	// Three updates on top of the initial snapshot.
	for i, step := range []string{"s1", "s2", "s3"} {
		pct := float64((i + 1) * 25)
		_, err := s.UpdateContext(UpdateRequest{
			WorkflowID: "wf-1",
			Updates:    Update{CompletedSteps: []string{step}, Percentage: &pct},
			Source:     "orchestrator",
		})
		require.NoError(t, err)
	}

	// One step back lands exactly on the state after the second update.
	restored, err := s.RollbackContext(created.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, restored.State.CompletedSteps)
	assert.Equal(t, 50.0, restored.Progress.Percentage)

	current, err := s.GetContext("wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, current.State.CompletedSteps)
}

func TestRollbackInsufficientHistory(t *testing.T) {
	s := newTestStore(t)
	created, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	_, err = s.RollbackContext(created.ID, 5)
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = s.RollbackContext("unknown", 1)
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestHistoryBounded(t *testing.T) {
	s := New(Config{MaxHistory: 5}, zap.NewNop())
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		pct := float64(i)
		_, err := s.UpdateContext(UpdateRequest{
			WorkflowID: "wf-1",
			Updates:    Update{Percentage: &pct},
			Source:     "orchestrator",
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, s.HistoryLength("wf-1"))
}

func TestDeleteContext(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	require.NoError(t, s.DeleteContext("wf-1"))
	assert.Equal(t, 0, s.HistoryLength("wf-1"))
	_, err = s.GetContext("wf-1")
	assert.ErrorIs(t, err, ErrContextNotFound)
	assert.ErrorIs(t, s.DeleteContext("wf-1"), ErrContextNotFound)
}

func TestSnapshotsAreIsolatedFromCallers(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	ctx, err := s.UpdateContext(UpdateRequest{
		WorkflowID: "wf-1",
		Updates:    Update{CompletedSteps: []string{"s1"}},
		Source:     "orchestrator",
	})
	require.NoError(t, err)

	// Mutating the returned snapshot must not affect the stored one.
	ctx.State.CompletedSteps[0] = "tampered"
	ctx.Progress.Percentage = 99

	fresh, err := s.GetContext("wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, fresh.State.CompletedSteps)
	assert.Zero(t, fresh.Progress.Percentage)
}

func TestQueryTimeRange(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContext("wf-1", "", RiskLow)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	assert.Empty(t, s.QueryContexts(Filter{Since: future}))
	assert.Len(t, s.QueryContexts(Filter{Until: future}), 1)
}
