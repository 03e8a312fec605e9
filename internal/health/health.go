// Package health runs periodic component checks and exposes aggregate
// readiness and liveness for probes.
package health

import (
	"context"
	"time"
)

// CheckStatus grades one component's health.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string                 `json:"component"`
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Critical  bool                   `json:"critical"`
}

// Checker is one component's health probe. Critical checks failing mark the
// whole service unhealthy; non-critical failures only degrade it.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	IsCritical() bool
	Timeout() time.Duration
}

// Overall is the aggregate service health.
type Overall struct {
	Status    CheckStatus            `json:"status"`
	Ready     bool                   `json:"ready"`
	Live      bool                   `json:"live"`
	Message   string                 `json:"message,omitempty"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
