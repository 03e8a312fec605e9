package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/agenthub/orchestrator/internal/bus"
	"github.com/agenthub/orchestrator/internal/registry"
)

// BusChecker watches queue depth on the message bus. A bus near capacity
// indicates slow or missing agents.
type BusChecker struct {
	bus      *bus.Bus
	capacity int
}

func NewBusChecker(b *bus.Bus, capacity int) *BusChecker {
	return &BusChecker{bus: b, capacity: capacity}
}

func (c *BusChecker) Name() string           { return "bus" }
func (c *BusChecker) IsCritical() bool       { return true }
func (c *BusChecker) Timeout() time.Duration { return time.Second }

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	queued := c.bus.QueuedMessages()
	res := CheckResult{
		Status:   StatusHealthy,
		Message:  "bus serving",
		Details:  map[string]interface{}{"queued": queued, "capacity": c.capacity},
		Duration: time.Since(start),
	}
	if c.capacity > 0 {
		switch {
		case queued >= c.capacity:
			res.Status = StatusUnhealthy
			res.Message = "queue full"
		case queued > c.capacity*8/10:
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("queue at %d of %d", queued, c.capacity)
		}
	}
	return res
}

// RedisChecker pings the audit-trail Redis.
type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string           { return "redis" }
func (c *RedisChecker) IsCritical() bool       { return false }
func (c *RedisChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.client.Ping(ctx).Err()
	res := CheckResult{Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = "redis ping failed"
		return res
	}
	if res.Duration > 100*time.Millisecond {
		res.Status = StatusDegraded
		res.Message = "redis responding with high latency"
		return res
	}
	res.Status = StatusHealthy
	res.Message = "redis healthy"
	return res
}

// RegistryChecker degrades when too few registered agents are healthy.
type RegistryChecker struct {
	registry *registry.Registry
}

func NewRegistryChecker(r *registry.Registry) *RegistryChecker {
	return &RegistryChecker{registry: r}
}

func (c *RegistryChecker) Name() string           { return "registry" }
func (c *RegistryChecker) IsCritical() bool       { return false }
func (c *RegistryChecker) Timeout() time.Duration { return time.Second }

func (c *RegistryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	agents := c.registry.All()
	healthy := 0
	for _, a := range agents {
		if a.Status == registry.StatusHealthy {
			healthy++
		}
	}
	res := CheckResult{
		Duration: time.Since(start),
		Details:  map[string]interface{}{"agents": len(agents), "healthy": healthy},
	}
	switch {
	case len(agents) == 0:
		res.Status = StatusDegraded
		res.Message = "no agents registered"
	case healthy == 0:
		res.Status = StatusUnhealthy
		res.Message = "no healthy agents"
	case healthy < len(agents):
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("%d of %d agents healthy", healthy, len(agents))
	default:
		res.Status = StatusHealthy
		res.Message = "all agents healthy"
	}
	return res
}

// PostgresChecker pings the audit sink database.
type PostgresChecker struct {
	db *sqlx.DB
}

func NewPostgresChecker(db *sqlx.DB) *PostgresChecker {
	return &PostgresChecker{db: db}
}

func (c *PostgresChecker) Name() string           { return "postgres" }
func (c *PostgresChecker) IsCritical() bool       { return false }
func (c *PostgresChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *PostgresChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.db.PingContext(ctx)
	res := CheckResult{Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = "postgres ping failed"
		return res
	}
	res.Status = StatusHealthy
	res.Message = "postgres healthy"
	return res
}
