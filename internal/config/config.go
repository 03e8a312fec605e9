// Package config loads the service configuration from YAML with environment
// overrides, and hot-reloads scheduling policy files at runtime.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Bus          BusConfig          `mapstructure:"bus"`
	ContextStore ContextStoreConfig `mapstructure:"context_store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Audit        AuditConfig        `mapstructure:"audit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BusConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ContextStoreConfig struct {
	MaxHistory int `mapstructure:"max_history"`
}

type OrchestratorConfig struct {
	MaxConcurrentWorkflows int            `mapstructure:"max_concurrent_workflows"`
	DefaultStepTimeout     time.Duration  `mapstructure:"default_step_timeout"`
	DefaultAgentCapacity   int            `mapstructure:"default_agent_capacity"`
	AgentCapacities        map[string]int `mapstructure:"agent_capacities"`
	PreemptionGap          int            `mapstructure:"preemption_gap"`
	// RolePriorities maps agent types to priority names (low, medium,
	// high, critical), overriding the built-in role ordering.
	RolePriorities map[string]string `mapstructure:"role_priorities"`
	StuckTimeout   time.Duration     `mapstructure:"stuck_timeout"`
	SweepInterval  time.Duration     `mapstructure:"sweep_interval"`
}

type RegistryConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MissedBeforeDegraded int           `mapstructure:"missed_before_degraded"`
}

type HTTPConfig struct {
	Addr      string  `mapstructure:"addr"`
	AdminAddr string  `mapstructure:"admin_addr"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type AuditConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	QueueSize   int    `mapstructure:"queue_size"`
}

// Load reads the config file at CONFIG_PATH (default config/agenthub.yaml).
// Every key can be overridden with an AGENTHUB_-prefixed environment
// variable, dots and nesting replaced by underscores. A missing file is not
// an error; defaults and env apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/agenthub.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(underlying(err)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("bus.capacity", 1000)
	v.SetDefault("bus.default_ttl", "5m")
	v.SetDefault("bus.request_timeout", "30s")
	v.SetDefault("bus.redis.enabled", false)
	v.SetDefault("bus.redis.addr", "localhost:6379")

	v.SetDefault("context_store.max_history", 100)

	v.SetDefault("orchestrator.max_concurrent_workflows", 10)
	v.SetDefault("orchestrator.default_step_timeout", "60s")
	v.SetDefault("orchestrator.default_agent_capacity", 2)
	v.SetDefault("orchestrator.preemption_gap", 1)
	v.SetDefault("orchestrator.stuck_timeout", "30m")
	v.SetDefault("orchestrator.sweep_interval", "1m")

	v.SetDefault("registry.heartbeat_interval", "15s")
	v.SetDefault("registry.missed_before_degraded", 2)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.admin_addr", ":9090")
	v.SetDefault("http.rate_limit", 50.0)
	v.SetDefault("http.rate_burst", 100)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.queue_size", 256)
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Bus.Capacity <= 0 {
		return fmt.Errorf("bus.capacity must be positive, got %d", c.Bus.Capacity)
	}
	if c.ContextStore.MaxHistory <= 0 {
		return fmt.Errorf("context_store.max_history must be positive, got %d", c.ContextStore.MaxHistory)
	}
	if c.Orchestrator.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_workflows must be positive, got %d", c.Orchestrator.MaxConcurrentWorkflows)
	}
	for agentType, capacity := range c.Orchestrator.AgentCapacities {
		if capacity <= 0 {
			return fmt.Errorf("orchestrator.agent_capacities.%s must be positive, got %d", agentType, capacity)
		}
	}
	if c.Audit.Enabled && c.Audit.PostgresDSN == "" {
		return fmt.Errorf("audit.postgres_dsn is required when audit.enabled")
	}
	return nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
