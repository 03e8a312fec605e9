package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agenthub/orchestrator/internal/audit"
	"github.com/agenthub/orchestrator/internal/bus"
	"github.com/agenthub/orchestrator/internal/circuitbreaker"
	"github.com/agenthub/orchestrator/internal/config"
	"github.com/agenthub/orchestrator/internal/contextstore"
	"github.com/agenthub/orchestrator/internal/health"
	"github.com/agenthub/orchestrator/internal/httpapi"
	"github.com/agenthub/orchestrator/internal/orchestrator"
	"github.com/agenthub/orchestrator/internal/registry"
	"github.com/agenthub/orchestrator/internal/streaming"
	"github.com/agenthub/orchestrator/internal/workflowfile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional Redis-backed message trail and health probe.
	var (
		trail       *bus.Trail
		redisClient *redis.Client
	)
	if cfg.Bus.Redis.Enabled {
		trail, err = bus.NewTrail(cfg.Bus.Redis.Addr, cfg.Bus.Redis.Password, logger)
		if err != nil {
			logger.Fatal("Failed to connect message trail", zap.Error(err))
		}
		defer trail.Close()
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
		})
		defer redisClient.Close()
	}

	b := bus.New(bus.Options{
		Capacity:   cfg.Bus.Capacity,
		DefaultTTL: cfg.Bus.DefaultTTL,
		Trail:      trail,
	}, logger)
	b.Start(ctx)
	defer b.Close()

	store := contextstore.New(contextstore.Config{MaxHistory: cfg.ContextStore.MaxHistory}, logger)

	reg := registry.New(registry.Options{
		HeartbeatInterval:    cfg.Registry.HeartbeatInterval,
		MissedBeforeDegraded: cfg.Registry.MissedBeforeDegraded,
	}, logger)
	reg.Start(ctx)
	defer reg.Close()

	// Agent requests cross the bus through per-agent circuit breakers.
	dispatcher := circuitbreaker.NewDispatcherWrapper(b, circuitbreaker.DefaultConfig(), logger)

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentWorkflows: cfg.Orchestrator.MaxConcurrentWorkflows,
		DefaultStepTimeout:     cfg.Orchestrator.DefaultStepTimeout,
		AgentCapacities:        cfg.Orchestrator.AgentCapacities,
		DefaultAgentCapacity:   cfg.Orchestrator.DefaultAgentCapacity,
		PreemptionGap:          cfg.Orchestrator.PreemptionGap,
		RolePriorities:         rolePriorities(cfg.Orchestrator.RolePriorities),
		StuckTimeout:           cfg.Orchestrator.StuckTimeout,
		SweepInterval:          cfg.Orchestrator.SweepInterval,
	}, dispatcher, store, reg, logger)
	orch.Start(ctx)
	defer orch.Close()

	// Lifecycle broadcasts fan out to SSE/WebSocket subscribers.
	streamMgr := streaming.NewManager(0)
	b.RegisterHandler("event_stream", streamMgr.BusHandler())

	// Optional audit persistence.
	var sink *audit.Sink
	if cfg.Audit.Enabled {
		sink, err = audit.New(cfg.Audit.PostgresDSN, audit.Config{QueueSize: cfg.Audit.QueueSize}, logger)
		if err != nil {
			logger.Fatal("Failed to connect audit sink", zap.Error(err))
		}
		defer sink.Close()
		orch.AddHook(audit.NewHook(sink))
	}

	// Declarative workflow definitions, when a directory is provided.
	var defs *workflowfile.Registry
	if dir := os.Getenv("WORKFLOW_DIR"); dir != "" {
		defs = workflowfile.NewRegistry()
		if err := defs.LoadDirectory(dir); err != nil {
			logger.Warn("Some workflow definitions failed to load", zap.Error(err))
		}
		logger.Info("Workflow definitions loaded",
			zap.String("dir", dir),
			zap.Int("count", len(defs.List())),
		)
	}

	// Hot-reloadable scheduling policy: capacities.yaml maps agent types to
	// capacity overrides.
	if dir := os.Getenv("POLICY_DIR"); dir != "" {
		mgr, err := config.NewManager(dir, logger)
		if err != nil {
			logger.Fatal("Failed to create policy watcher", zap.Error(err))
		}
		mgr.OnChange("capacities.yaml", func(event config.ChangeEvent) error {
			for agentType, raw := range event.Values {
				if capacity, ok := toInt(raw); ok {
					orch.SetAgentCapacity(agentType, capacity)
				}
			}
			return nil
		})
		if err := mgr.Start(); err != nil {
			logger.Fatal("Failed to start policy watcher", zap.Error(err))
		}
		defer mgr.Stop()
	}

	// Health checks plus Prometheus metrics on the admin listener.
	hm := health.NewManager(0, logger)
	hm.Register(health.NewBusChecker(b, cfg.Bus.Capacity))
	hm.Register(health.NewRegistryChecker(reg))
	if redisClient != nil {
		hm.Register(health.NewRedisChecker(redisClient))
	}
	if sink != nil {
		hm.Register(health.NewPostgresChecker(sink.DB()))
	}
	hm.Start(ctx)

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.Handle("/", hm.Handler())
	adminSrv := httpapi.Start(cfg.HTTP.AdminAddr, adminMux, logger)

	api := httpapi.NewServer(orch, store, reg, streamMgr, sink, defs, httpapi.Options{
		AuthToken: os.Getenv("API_AUTH_TOKEN"),
		RateLimit: cfg.HTTP.RateLimit,
		RateBurst: cfg.HTTP.RateBurst,
	}, logger)
	apiSrv := httpapi.Start(cfg.HTTP.Addr, api.Handler(), logger)

	logger.Info("Orchestration runtime ready",
		zap.String("api_addr", cfg.HTTP.Addr),
		zap.String("admin_addr", cfg.HTTP.AdminAddr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown", zap.Error(err))
	}
	cancel()
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

// rolePriorities resolves configured priority names per agent type.
func rolePriorities(names map[string]string) map[string]bus.Priority {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bus.Priority, len(names))
	for agentType, name := range names {
		out[agentType] = bus.ParsePriority(name)
	}
	return out
}

// toInt accepts the numeric types YAML decoding may produce.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
