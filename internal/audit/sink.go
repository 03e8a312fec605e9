// Package audit persists workflow decisions, risk assessments, and conflict
// resolutions to Postgres through an asynchronous write queue, so the hot
// path never blocks on the database.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/agenthub/orchestrator/internal/contextstore"
	"github.com/agenthub/orchestrator/internal/metrics"
	"github.com/agenthub/orchestrator/internal/orchestrator"
)

// ErrSinkClosed is returned when recording after Close
var ErrSinkClosed = errors.New("audit sink closed")

// Config tunes the sink.
type Config struct {
	// QueueSize bounds the async write queue. A full queue drops the entry
	// with a metric rather than blocking the caller.
	QueueSize int
	// Workers is the number of write workers.
	Workers int
}

const (
	defaultQueueSize = 256
	defaultWorkers   = 4
	writeTimeout     = 5 * time.Second
)

type entryKind string

const (
	kindDecision   entryKind = "decision"
	kindRisk       entryKind = "risk"
	kindApproval   entryKind = "approval"
	kindResolution entryKind = "resolution"
)

type entry struct {
	kind       entryKind
	workflowID string
	agentID    string
	payload    interface{}
	recordedAt time.Time
}

// Sink writes audit records to Postgres asynchronously.
type Sink struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue  chan entry
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New connects to Postgres and starts the write workers.
func New(dsn string, cfg Config, logger *zap.Logger) (*Sink, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	return NewWithDB(db, cfg, logger), nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB, cfg Config, logger *zap.Logger) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	s := &Sink{
		db:     db,
		logger: logger,
		queue:  make(chan entry, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// DB exposes the underlying connection for health probes.
func (s *Sink) DB() *sqlx.DB { return s.db }

// Close drains the queue and closes the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	s.wg.Wait()
	close(s.stopCh)
	return s.db.Close()
}

// RecordDecision queues one decision-log entry.
func (s *Sink) RecordDecision(workflowID string, d contextstore.Decision) error {
	return s.enqueue(entry{
		kind:       kindDecision,
		workflowID: workflowID,
		agentID:    d.AgentID,
		payload:    d,
		recordedAt: time.Now(),
	})
}

// RecordRiskAssessment queues a risk assessment snapshot.
func (s *Sink) RecordRiskAssessment(workflowID string, ra contextstore.RiskAssessment) error {
	return s.enqueue(entry{
		kind:       kindRisk,
		workflowID: workflowID,
		payload:    ra,
		recordedAt: time.Now(),
	})
}

// RecordApproval queues an approval record.
func (s *Sink) RecordApproval(workflowID string, a contextstore.Approval) error {
	return s.enqueue(entry{
		kind:       kindApproval,
		workflowID: workflowID,
		agentID:    a.Approver,
		payload:    a,
		recordedAt: time.Now(),
	})
}

// RecordResolution queues a conflict resolution record.
func (s *Sink) RecordResolution(res orchestrator.ConflictResolution) error {
	return s.enqueue(entry{
		kind:       kindResolution,
		workflowID: res.WorkflowID,
		payload:    res,
		recordedAt: time.Now(),
	})
}

func (s *Sink) enqueue(e entry) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.mu.Unlock()

	select {
	case s.queue <- e:
		metrics.AuditQueueDepth.Set(float64(len(s.queue)))
		return nil
	default:
		metrics.AuditWrites.WithLabelValues(string(e.kind), "dropped").Inc()
		s.logger.Warn("Audit queue full, dropping entry",
			zap.String("kind", string(e.kind)),
			zap.String("workflow_id", e.workflowID),
		)
		return nil
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for e := range s.queue {
		metrics.AuditQueueDepth.Set(float64(len(s.queue)))
		if err := s.write(e); err != nil {
			metrics.AuditWrites.WithLabelValues(string(e.kind), "error").Inc()
			s.logger.Error("Audit write failed",
				zap.String("kind", string(e.kind)),
				zap.String("workflow_id", e.workflowID),
				zap.Error(err),
			)
			continue
		}
		metrics.AuditWrites.WithLabelValues(string(e.kind), "ok").Inc()
	}
}

func (s *Sink) write(e entry) error {
	payload, err := json.Marshal(e.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (kind, workflow_id, agent_id, payload, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(e.kind), e.workflowID, e.agentID, payload, e.recordedAt,
	)
	return err
}

// Recent loads the newest audit entries for a workflow.
func (s *Sink) Recent(ctx context.Context, workflowID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Record
	err := s.db.SelectContext(ctx, &out,
		`SELECT kind, workflow_id, agent_id, payload, recorded_at
		 FROM audit_log WHERE workflow_id = $1
		 ORDER BY recorded_at DESC LIMIT $2`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit records: %w", err)
	}
	return out, nil
}

// Record is one persisted audit entry.
type Record struct {
	Kind       string          `db:"kind" json:"kind"`
	WorkflowID string          `db:"workflow_id" json:"workflow_id"`
	AgentID    string          `db:"agent_id" json:"agent_id,omitempty"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	RecordedAt time.Time       `db:"recorded_at" json:"recorded_at"`
}
