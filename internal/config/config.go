// Package config loads Rivet's runtime configuration for the orchestrator
// and runner binaries from environment variables, with an optional YAML
// file overlay for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface. Orchestrator and runner each
// read the subset they need; unused fields are harmless zero values.
type Config struct {
	Server          ServerConfig     `yaml:"server"`
	Store           StoreConfig      `yaml:"store"`
	Scheduling      SchedulingConfig `yaml:"scheduling"`
	Container       ContainerConfig  `yaml:"container"`
	Logging         LoggingConfig    `yaml:"logging"`
	OrchestratorURL string           `yaml:"orchestrator_url" envconfig:"ORCHESTRATOR_URL" default:"http://localhost:8080"`
}

// ServerConfig configures the orchestrator's HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	Host            string        `yaml:"host" envconfig:"HOST" default:"0.0.0.0"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// StoreConfig selects and configures the orchestrator's persistence backend.
// The backend itself is an external collaborator per the spec; "memory" is
// the default and is what every test in this module exercises.
type StoreConfig struct {
	Backend     string `yaml:"backend" envconfig:"STORE_BACKEND" default:"memory"` // memory | postgres
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`
}

// SchedulingConfig holds the timing knobs named in spec §6.
type SchedulingConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	HeartbeatTTL        time.Duration `yaml:"heartbeat_ttl" envconfig:"HEARTBEAT_TTL" default:"30s"`
	HeartbeatMaxBackoff time.Duration `yaml:"heartbeat_max_backoff" envconfig:"HEARTBEAT_MAX_BACKOFF" default:"1m"`
	ClaimTTL            time.Duration `yaml:"claim_ttl" envconfig:"CLAIM_TTL" default:"5m"`
	LogSendInterval     time.Duration `yaml:"log_send_interval" envconfig:"LOG_SEND_INTERVAL" default:"2s"`
	LogBatchMax         int           `yaml:"log_batch_max" envconfig:"LOG_BATCH_MAX" default:"200"`
	MaxParallelJobs     int           `yaml:"max_parallel_jobs" envconfig:"MAX_PARALLEL_JOBS" default:"4"`
	ReaperInterval      time.Duration `yaml:"reaper_interval" envconfig:"REAPER_INTERVAL" default:"15s"`
	ScheduledPageSize   int           `yaml:"scheduled_page_size" envconfig:"SCHEDULED_PAGE_SIZE" default:"50"`
}

// ContainerConfig configures the runner's container stack and engine.
type ContainerConfig struct {
	DefaultImage  string `yaml:"default_image" envconfig:"DEFAULT_CONTAINER_IMAGE" default:"alpine:latest"`
	EngineBin     string `yaml:"engine_bin" envconfig:"CONTAINER_ENGINE_BIN" default:"docker"`
	WorkspaceRoot string `yaml:"workspace_root" envconfig:"WORKSPACE_ROOT" default:"/tmp/rivet-workspaces"`
}

// LoggingConfig configures the process-wide slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT" default:"json"` // json | text
}

// Load reads configuration from (in order of increasing precedence) built-in
// defaults, an optional YAML file, and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	for _, path := range []string{"rivet.yml", "rivet.yaml", "/etc/rivet/config.yml"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		break
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	return cfg, nil
}
