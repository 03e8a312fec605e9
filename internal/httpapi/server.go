// Package httpapi exposes the orchestration runtime over HTTP: workflow
// submission and lifecycle control, conflict and context queries, agent
// registration, and live event streams (SSE and WebSocket).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agenthub/orchestrator/internal/audit"
	"github.com/agenthub/orchestrator/internal/contextstore"
	"github.com/agenthub/orchestrator/internal/orchestrator"
	"github.com/agenthub/orchestrator/internal/registry"
	"github.com/agenthub/orchestrator/internal/streaming"
	"github.com/agenthub/orchestrator/internal/workflowfile"
)

// Options configures the API server.
type Options struct {
	// AuthToken, when set, is required as a Bearer token on mutating routes.
	AuthToken string
	// RateLimit is the sustained request rate; RateBurst the burst allowance.
	// Zero disables rate limiting.
	RateLimit float64
	RateBurst int
}

// Server wires the domain components behind an http.Handler.
type Server struct {
	orch    *orchestrator.Orchestrator
	store   *contextstore.Store
	reg     *registry.Registry
	stream  *StreamingHandler
	sink    *audit.Sink            // optional
	defs    *workflowfile.Registry // optional
	logger  *zap.Logger
	opts    Options
	limiter *rate.Limiter
}

// NewServer creates the API server. sink and defs may be nil when audit
// persistence or declarative workflow files are disabled.
func NewServer(orch *orchestrator.Orchestrator, store *contextstore.Store, reg *registry.Registry, mgr *streaming.Manager, sink *audit.Sink, defs *workflowfile.Registry, opts Options, logger *zap.Logger) *Server {
	s := &Server{
		orch:   orch,
		store:  store,
		reg:    reg,
		stream: NewStreamingHandler(mgr, logger),
		sink:   sink,
		defs:   defs,
		logger: logger,
		opts:   opts,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit)
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/workflows", s.handleWorkflows)
	mux.HandleFunc("/api/v1/workflows/status", s.handleStatus)
	mux.HandleFunc("/api/v1/workflows/cancel", s.handleCancel)
	mux.HandleFunc("/api/v1/workflows/pause", s.handlePause)
	mux.HandleFunc("/api/v1/workflows/resume", s.handleResume)
	mux.HandleFunc("/api/v1/conflicts", s.handleConflicts)
	mux.HandleFunc("/api/v1/resources", s.handleResources)
	mux.HandleFunc("/api/v1/approvals", s.handleApprovals)
	mux.HandleFunc("/api/v1/contexts", s.handleContexts)
	mux.HandleFunc("/api/v1/contexts/rollback", s.handleRollback)
	mux.HandleFunc("/api/v1/audit", s.handleAudit)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agents/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/v1/definitions", s.handleDefinitions)
	mux.HandleFunc("/api/v1/definitions/submit", s.handleDefinitionSubmit)

	s.stream.RegisterRoutes(mux)

	return s.withRateLimit(mux)
}

// Start runs the server on addr in a goroutine and returns it for shutdown.
func Start(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("Starting API server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
		}
	}()
	return srv
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Streams are long-lived; one token at accept time is enough.
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.opts.AuthToken {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

// handleWorkflows submits a workflow (POST) or lists contexts (GET).
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitWorkflow(w, r)
	case http.MethodGet:
		s.listWorkflows(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type submitRequest struct {
	ID           string                      `json:"id,omitempty"`
	Intent       string                      `json:"intent"`
	Risk         contextstore.RiskLevel      `json:"risk,omitempty"`
	Steps        []orchestrator.WorkflowStep `json:"steps"`
	Dependencies []orchestrator.Dependency   `json:"dependencies,omitempty"`
	// Execute starts the workflow immediately after planning. Defaults true.
	Execute *bool `json:"execute,omitempty"`
}

func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wf := &orchestrator.AgentWorkflow{
		ID:           req.ID,
		Intent:       req.Intent,
		Risk:         req.Risk,
		Steps:        req.Steps,
		Dependencies: req.Dependencies,
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}

	plan, err := s.orch.OrchestrateWorkflow(r.Context(), wf)
	if err != nil {
		writeError(w, orchestrationStatus(err), err.Error())
		return
	}
	s.recordConflicts(wf.ID)

	if req.Execute == nil || *req.Execute {
		go func() {
			// The request context ends with the response; execution outlives it.
			if err := s.orch.ExecuteWorkflow(context.Background(), plan.ID); err != nil {
				s.logger.Warn("Workflow execution ended with error",
					zap.String("workflow_id", wf.ID),
					zap.Error(err),
				)
			}
		}()
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id":     wf.ID,
		"plan":            plan,
		"parallel_groups": wf.ParallelGroups,
	})
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := contextstore.Filter{
		WorkflowID: q.Get("workflow_id"),
		AgentID:    q.Get("agent_id"),
		Status:     contextstore.Status(q.Get("status")),
		RiskLevel:  contextstore.RiskLevel(q.Get("risk")),
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": s.store.QueryContexts(f)})
}

// handleStatus reports execution progress.
// GET /api/v1/workflows/status?workflow_id=<id>
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.URL.Query().Get("workflow_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_id required")
		return
	}
	plan, err := s.orch.Plan(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	status, err := s.orch.MonitorExecution(plan.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type lifecycleRequest struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(req lifecycleRequest) error {
		return s.orch.CancelWorkflow(r.Context(), req.WorkflowID, req.Reason)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(req lifecycleRequest) error {
		return s.orch.PauseWorkflow(r.Context(), req.WorkflowID)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(req lifecycleRequest) error {
		return s.orch.ResumeWorkflow(r.Context(), req.WorkflowID)
	})
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, apply func(lifecycleRequest) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	var req lifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id required")
		return
	}
	if err := apply(req); err != nil {
		writeError(w, orchestrationStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": req.WorkflowID, "status": "ok"})
}

// handleConflicts lists resolved resource conflicts.
// GET /api/v1/conflicts?workflow_id=<id>
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	conflicts := s.orch.Conflicts(r.URL.Query().Get("workflow_id"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"in_use": s.orch.ResourceUsage()})
}

type approvalRequest struct {
	WorkflowID string `json:"workflow_id"`
	Approver   string `json:"approver"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// handleApprovals records a human approval decision against the workflow
// context and resumes a paused workflow on approval.
func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	var req approvalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkflowID == "" || req.Approver == "" {
		writeError(w, http.StatusBadRequest, "workflow_id and approver are required")
		return
	}

	decision := "rejected"
	if req.Approved {
		decision = "approved"
	}
	approval := contextstore.Approval{
		ID:        uuid.New().String(),
		Approver:  req.Approver,
		Decision:  decision,
		Reason:    req.Reason,
		Timestamp: time.Now(),
	}
	if _, err := s.store.AddApproval(req.WorkflowID, approval); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.sink != nil {
		if err := s.sink.RecordApproval(req.WorkflowID, approval); err != nil {
			s.logger.Warn("Failed to persist approval", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approval_id": approval.ID,
		"workflow_id": req.WorkflowID,
		"decision":    decision,
	})
}

// handleContexts returns one workflow context with its version history length.
// GET /api/v1/contexts?workflow_id=<id>
func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.URL.Query().Get("workflow_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_id required")
		return
	}
	wc, err := s.store.GetContext(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"context":  wc,
		"versions": s.store.HistoryLength(id),
	})
}

type rollbackRequest struct {
	WorkflowID string `json:"workflow_id"`
	Steps      int    `json:"steps"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	var req rollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkflowID == "" || req.Steps <= 0 {
		writeError(w, http.StatusBadRequest, "workflow_id and positive steps are required")
		return
	}
	wc, err := s.store.RollbackContext(req.WorkflowID, req.Steps)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"context": wc})
}

// handleAudit loads persisted audit records for a workflow.
// GET /api/v1/audit?workflow_id=<id>&limit=<n>
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.sink == nil {
		writeError(w, http.StatusNotImplemented, "audit persistence disabled")
		return
	}
	id := r.URL.Query().Get("workflow_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "workflow_id required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.sink.Recent(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

type registerAgentRequest struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// handleAgents registers an agent (POST) or lists all agents (GET).
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.reg.All()})
	case http.MethodPost:
		if !s.authorized(w, r) {
			return
		}
		var req registerAgentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		info, err := s.reg.Register(req.ID, req.Type, req.Capabilities)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, info)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleHeartbeat refreshes an agent's liveness.
// POST /api/v1/agents/heartbeat {"id": "<agent-id>"}
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.reg.Heartbeat(req.ID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": req.ID, "status": "ok"})
}

// handleDefinitions lists loaded declarative workflow definitions.
// GET /api/v1/definitions
func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.defs == nil {
		writeError(w, http.StatusNotImplemented, "workflow definitions disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"definitions": s.defs.List()})
}

type definitionSubmitRequest struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	ID      string `json:"id,omitempty"`
}

// handleDefinitionSubmit instantiates a loaded definition as a new workflow
// and starts it.
func (s *Server) handleDefinitionSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	if s.defs == nil {
		writeError(w, http.StatusNotImplemented, "workflow definitions disabled")
		return
	}
	var req definitionSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, ok := s.defs.Find(req.Name, req.Version)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no definition named '%s'", req.Name))
		return
	}

	wf := entry.Definition.Workflow()
	wf.ID = req.ID
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	plan, err := s.orch.OrchestrateWorkflow(r.Context(), wf)
	if err != nil {
		writeError(w, orchestrationStatus(err), err.Error())
		return
	}
	s.recordConflicts(wf.ID)
	go func() {
		if err := s.orch.ExecuteWorkflow(context.Background(), plan.ID); err != nil {
			s.logger.Warn("Workflow execution ended with error",
				zap.String("workflow_id", wf.ID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id": wf.ID,
		"definition":  entry.Key,
		"plan":        plan,
	})
}

// recordConflicts persists any conflict resolutions logged during planning.
func (s *Server) recordConflicts(workflowID string) {
	if s.sink == nil {
		return
	}
	for _, res := range s.orch.Conflicts(workflowID) {
		if err := s.sink.RecordResolution(res); err != nil {
			s.logger.Warn("Failed to persist conflict resolution", zap.Error(err))
		}
	}
}

func orchestrationStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrWorkflowNotFound), errors.Is(err, orchestrator.ErrPlanNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrMaxConcurrentWorkflows):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
