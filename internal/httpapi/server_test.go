package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agenthub/orchestrator/internal/bus"
	"github.com/agenthub/orchestrator/internal/contextstore"
	"github.com/agenthub/orchestrator/internal/orchestrator"
	"github.com/agenthub/orchestrator/internal/registry"
	"github.com/agenthub/orchestrator/internal/streaming"
	"github.com/agenthub/orchestrator/internal/workflowfile"
)

type stubDispatcher struct{}

func (d *stubDispatcher) SendRequest(ctx context.Context, from, to, action string, payload map[string]interface{}, opts bus.RequestOptions) (*bus.Message, error) {
	return &bus.Message{Type: bus.MessageResponse, Payload: map[string]interface{}{"ok": true}}, nil
}

func (d *stubDispatcher) BroadcastEvent(ctx context.Context, from, eventType string, payload map[string]interface{}, opts bus.BroadcastOptions) ([]string, error) {
	return nil, nil
}

type fixture struct {
	server *httptest.Server
	store  *contextstore.Store
	reg    *registry.Registry
	orch   *orchestrator.Orchestrator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := contextstore.New(contextstore.Config{}, logger)
	reg := registry.New(registry.Options{}, logger)
	orch := orchestrator.New(orchestrator.Config{}, &stubDispatcher{}, store, reg, logger)
	mgr := streaming.NewManager(16)
	srv := NewServer(orch, store, reg, mgr, nil, nil, opts, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, store: store, reg: reg, orch: orch}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func twoStepWorkflow(id string) submitRequest {
	execute := false
	return submitRequest{
		ID:     id,
		Intent: "ship feature",
		Steps: []orchestrator.WorkflowStep{
			{ID: "s1", AgentType: "code_engineer", Action: "implement", Order: 1, Required: true},
			{ID: "s2", AgentType: "test_agent", Action: "verify", Order: 2, Required: true},
		},
		Dependencies: []orchestrator.Dependency{{StepID: "s2", DependsOn: []string{"s1"}}},
		Execute:      &execute,
	}
}

func TestSubmitWorkflowReturnsPlan(t *testing.T) {
	f := newFixture(t, Options{})

	resp := f.post(t, "/api/v1/workflows", twoStepWorkflow("wf-1"), "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "wf-1", body["workflow_id"])
	groups, ok := body["parallel_groups"].([]interface{})
	require.True(t, ok)
	require.Len(t, groups, 2)

	plan, ok := body["plan"].(map[string]interface{})
	require.True(t, ok)
	schedule, ok := plan["schedule"].([]interface{})
	require.True(t, ok)
	assert.Len(t, schedule, 2)
}

func TestSubmitInvalidWorkflowRejected(t *testing.T) {
	f := newFixture(t, Options{})

	req := twoStepWorkflow("wf-cycle")
	req.Dependencies = append(req.Dependencies, orchestrator.Dependency{StepID: "s1", DependsOn: []string{"s2"}})
	resp := f.post(t, "/api/v1/workflows", req, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	resp := f.post(t, "/api/v1/workflows", twoStepWorkflow("wf-1"), "")
	resp.Body.Close()

	resp, err := http.Get(f.server.URL + "/api/v1/workflows/status?workflow_id=wf-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "wf-1", body["workflow_id"])
	assert.Equal(t, string(contextstore.StatusPending), body["status"])

	resp, err = http.Get(f.server.URL + "/api/v1/workflows/status?workflow_id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLifecycleEndpoints(t *testing.T) {
	f := newFixture(t, Options{})
	resp := f.post(t, "/api/v1/workflows", twoStepWorkflow("wf-1"), "")
	resp.Body.Close()

	// Pausing a pending workflow is an invalid transition.
	resp = f.post(t, "/api/v1/workflows/pause", lifecycleRequest{WorkflowID: "wf-1"}, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.post(t, "/api/v1/workflows/cancel", lifecycleRequest{WorkflowID: "wf-1", Reason: "operator"}, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	wc, err := f.store.GetContext("wf-1")
	require.NoError(t, err)
	assert.Equal(t, contextstore.StatusCancelled, wc.State.Status)
}

func TestConflictsEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	resp, err := http.Get(f.server.URL + "/api/v1/conflicts")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	_, present := body["conflicts"]
	assert.True(t, present)
}

func TestApprovalRecorded(t *testing.T) {
	f := newFixture(t, Options{})
	resp := f.post(t, "/api/v1/workflows", twoStepWorkflow("wf-1"), "")
	resp.Body.Close()

	resp = f.post(t, "/api/v1/approvals", approvalRequest{
		WorkflowID: "wf-1",
		Approver:   "release_manager",
		Approved:   true,
		Reason:     "low blast radius",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "approved", body["decision"])

	wc, err := f.store.GetContext("wf-1")
	require.NoError(t, err)
	require.Len(t, wc.RiskAssessment.Approvals, 1)
	assert.Equal(t, "release_manager", wc.RiskAssessment.Approvals[0].Approver)
}

func TestContextAndRollback(t *testing.T) {
	f := newFixture(t, Options{})
	resp := f.post(t, "/api/v1/workflows", twoStepWorkflow("wf-1"), "")
	resp.Body.Close()

	_, err := f.store.AddDecision("wf-1", "code_engineer", "use feature flag", "", nil, 0.9)
	require.NoError(t, err)

	resp, err = http.Get(f.server.URL + "/api/v1/contexts?workflow_id=wf-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.GreaterOrEqual(t, body["versions"].(float64), float64(2))

	resp = f.post(t, "/api/v1/contexts/rollback", rollbackRequest{WorkflowID: "wf-1", Steps: 1}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	wc, err := f.store.GetContext("wf-1")
	require.NoError(t, err)
	assert.Empty(t, wc.Decisions)
}

func TestAgentRegistrationAndHeartbeat(t *testing.T) {
	f := newFixture(t, Options{})

	resp := f.post(t, "/api/v1/agents", registerAgentRequest{ID: "ce-1", Type: "code_engineer"}, "")
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.post(t, "/api/v1/agents/heartbeat", map[string]string{"id": "ce-1"}, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(f.server.URL + "/api/v1/agents")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	agents := body["agents"].([]interface{})
	assert.Len(t, agents, 1)

	resp = f.post(t, "/api/v1/agents/heartbeat", map[string]string{"id": "ghost"}, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthTokenEnforced(t *testing.T) {
	f := newFixture(t, Options{AuthToken: "sekrit"})

	resp := f.post(t, "/api/v1/workflows", twoStepWorkflow("wf-1"), "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.post(t, "/api/v1/workflows", twoStepWorkflow("wf-1"), "sekrit")
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Reads stay open.
	getResp, err := http.Get(f.server.URL + "/api/v1/agents")
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestRateLimitRejects(t *testing.T) {
	f := newFixture(t, Options{RateLimit: 1, RateBurst: 2})

	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Get(f.server.URL + "/api/v1/resources")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited)
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := contextstore.New(contextstore.Config{}, logger)
	reg := registry.New(registry.Options{}, logger)
	orch := orchestrator.New(orchestrator.Config{}, &stubDispatcher{}, store, reg, logger)
	mgr := streaming.NewManager(16)
	srv := NewServer(orch, store, reg, mgr, nil, nil, Options{}, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream/sse?workflow_id=wf-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	mgr.Publish("wf-1", streaming.Event{Type: "workflow_started"})

	buf := make([]byte, 4096)
	var collected string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			collected += string(buf[:n])
		}
		if err != nil {
			break
		}
		if bytes.Contains([]byte(collected), []byte("event: workflow_started")) {
			break
		}
	}
	assert.Contains(t, collected, "event: workflow_started")
	assert.Contains(t, collected, fmt.Sprintf(`"workflow_id":"%s"`, "wf-1"))
}

func TestDefinitionSubmit(t *testing.T) {
	dir := t.TempDir()
	def := `
name: hotfix
version: "1.0"
intent: apply a hotfix
risk: medium
steps:
  - id: patch
    agent_type: code_engineer
    action: apply_patch
    order: 1
    required: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hotfix.yaml"), []byte(def), 0o644))
	defs := workflowfile.NewRegistry()
	require.NoError(t, defs.LoadDirectory(dir))

	logger := zaptest.NewLogger(t)
	store := contextstore.New(contextstore.Config{}, logger)
	reg := registry.New(registry.Options{}, logger)
	orch := orchestrator.New(orchestrator.Config{}, &stubDispatcher{}, store, reg, logger)
	srv := NewServer(orch, store, reg, streaming.NewManager(16), nil, defs, Options{}, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	f := &fixture{server: ts, store: store, reg: reg, orch: orch}

	resp, err := http.Get(ts.URL + "/api/v1/definitions")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Len(t, body["definitions"], 1)

	resp = f.post(t, "/api/v1/definitions/submit", definitionSubmitRequest{Name: "hotfix", ID: "wf-hotfix"}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "wf-hotfix", body["workflow_id"])
	assert.Equal(t, "hotfix@1.0", body["definition"])

	resp = f.post(t, "/api/v1/definitions/submit", definitionSubmitRequest{Name: "ghost"}, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, Options{})
	resp, err := http.Get(f.server.URL + "/api/v1/workflows/cancel")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
