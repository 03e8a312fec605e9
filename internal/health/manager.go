package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers on an interval and caches the latest
// results for probe endpoints.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
	results  map[string]CheckResult

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager checking every interval (default 15s).
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Manager{
		logger:   logger,
		interval: interval,
		checkers: make(map[string]Checker),
		results:  make(map[string]CheckResult),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a checker. Re-registering a name replaces the prior checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
	m.logger.Info("Health checker registered", zap.String("component", c.Name()))
}

// Unregister removes a checker and its cached result.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	delete(m.checkers, name)
	delete(m.results, name)
	m.mu.Unlock()
}

// Start runs an immediate round of checks and then checks periodically.
func (m *Manager) Start(ctx context.Context) {
	m.runChecks(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runChecks(ctx)
			}
		}
	}()
}

// Stop ends periodic checking.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Overall aggregates the latest results: any critical failure is unhealthy,
// any failure at all is degraded.
func (m *Manager) Overall() Overall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Overall{
		Status:     StatusHealthy,
		Ready:      true,
		Live:       true,
		Components: make(map[string]CheckResult, len(m.results)),
		Timestamp:  time.Now(),
	}
	for name, res := range m.results {
		out.Components[name] = res
		switch res.Status {
		case StatusUnhealthy:
			if res.Critical {
				out.Status = StatusUnhealthy
				out.Ready = false
				out.Message = fmt.Sprintf("%s unhealthy", name)
			} else if out.Status == StatusHealthy {
				out.Status = StatusDegraded
			}
		case StatusDegraded:
			if out.Status == StatusHealthy {
				out.Status = StatusDegraded
			}
		}
	}
	return out
}

// Ready reports whether every critical component is serving.
func (m *Manager) Ready() bool {
	return m.Overall().Ready
}

func (m *Manager) runChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
		res := c.Check(checkCtx)
		cancel()
		if res.Timestamp.IsZero() {
			res.Timestamp = time.Now()
		}
		res.Component = c.Name()
		res.Critical = c.IsCritical()

		m.mu.Lock()
		m.results[c.Name()] = res
		m.mu.Unlock()

		if res.Status != StatusHealthy {
			m.logger.Warn("Health check not healthy",
				zap.String("component", c.Name()),
				zap.String("status", res.Status.String()),
				zap.String("error", res.Error),
			)
		}
	}
}

// Handler serves /healthz, /readyz and /livez style endpoints.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		overall := m.Overall()
		code := http.StatusOK
		if overall.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(overall)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if m.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
