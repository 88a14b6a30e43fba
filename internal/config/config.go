package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/observability"
	"gopkg.in/yaml.v3"
)

// ClientConfig holds submitter client settings
type ClientConfig struct {
	Address string        `json:"address" yaml:"address"`
	Session string        `json:"session" yaml:"session"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Default task options for submitted batches
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`
	MaxRetries  int32         `json:"max_retries" yaml:"max_retries"`
	Priority    int32         `json:"priority" yaml:"priority"`
	PartitionID string        `json:"partition_id" yaml:"partition_id"`
}

// WorkerConfig holds worker daemon settings
type WorkerConfig struct {
	Listen       string   `json:"listen" yaml:"listen"`
	AgentAddress string   `json:"agent_address" yaml:"agent_address"`
	Handler      string   `json:"handler" yaml:"handler"` // echo, exec
	Command      []string `json:"command" yaml:"command"`
	WorkDir      string   `json:"work_dir" yaml:"work_dir"`
	TaskLogFile  string   `json:"task_log_file" yaml:"task_log_file"`
}

// AgentConfig holds dev agent settings
type AgentConfig struct {
	Listen        string `json:"listen" yaml:"listen"`
	WorkerAddress string `json:"worker_address" yaml:"worker_address"`
	MaxChunkSize  int    `json:"max_chunk_size" yaml:"max_chunk_size"`
	Concurrency   int    `json:"concurrency" yaml:"concurrency"`
}

// StoreConfig selects and tunes the data store backend
type StoreConfig struct {
	Backend       string        `json:"backend" yaml:"backend"` // memory, redis, tiered
	MemoryEntries int           `json:"memory_entries" yaml:"memory_entries"`
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	Redis         RedisConfig   `json:"redis" yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// DaemonConfig holds settings shared by the daemons
type DaemonConfig struct {
	HTTPAddr  string `json:"http_addr" yaml:"http_addr"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Namespace string    `json:"namespace" yaml:"namespace"`
	Buckets   []float64 `json:"buckets" yaml:"buckets"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Client        ClientConfig         `json:"client" yaml:"client"`
	Worker        WorkerConfig         `json:"worker" yaml:"worker"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Store         StoreConfig          `json:"store" yaml:"store"`
	Daemon        DaemonConfig         `json:"daemon" yaml:"daemon"`
	Metrics       MetricsConfig        `json:"metrics" yaml:"metrics"`
	Observability observability.Config `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Address: "localhost:7400",
			Timeout: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Listen:       "localhost:7500",
			AgentAddress: "localhost:7400",
			Handler:      "echo",
		},
		Agent: AgentConfig{
			Listen:        "localhost:7400",
			WorkerAddress: "localhost:7500",
			MaxChunkSize:  84 * 1024,
			Concurrency:   4,
		},
		Store: StoreConfig{
			Backend:       "memory",
			MemoryEntries: 4096,
			TTL:           time.Hour,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "quasar:",
			},
		},
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "quasar",
		},
		Observability: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "quasar",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. The format is
// chosen by extension; anything other than .yaml/.yml is read as JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUASAR_ADDRESS"); v != "" {
		cfg.Client.Address = v
	}
	if v := os.Getenv("QUASAR_SESSION"); v != "" {
		cfg.Client.Session = v
	}
	if v := os.Getenv("QUASAR_PARTITION"); v != "" {
		cfg.Client.PartitionID = v
	}
	if v := os.Getenv("QUASAR_WORKER_LISTEN"); v != "" {
		cfg.Worker.Listen = v
	}
	if v := os.Getenv("QUASAR_AGENT_ADDRESS"); v != "" {
		cfg.Worker.AgentAddress = v
	}
	if v := os.Getenv("QUASAR_WORKER_HANDLER"); v != "" {
		cfg.Worker.Handler = v
	}
	if v := os.Getenv("QUASAR_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = strings.Fields(v)
	}
	if v := os.Getenv("QUASAR_AGENT_LISTEN"); v != "" {
		cfg.Agent.Listen = v
	}
	if v := os.Getenv("QUASAR_WORKER_ADDRESS"); v != "" {
		cfg.Agent.WorkerAddress = v
	}
	if v := os.Getenv("QUASAR_MAX_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxChunkSize = n
		}
	}
	if v := os.Getenv("QUASAR_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("QUASAR_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("QUASAR_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("QUASAR_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("QUASAR_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("QUASAR_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("QUASAR_TRACING"); v != "" {
		cfg.Observability.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("QUASAR_OTEL_ENDPOINT"); v != "" {
		cfg.Observability.Endpoint = v
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.MaxChunkSize <= 0 || c.Agent.MaxChunkSize > chunk.MaxChunkSizeLimit {
		errs = append(errs, fmt.Errorf("agent.max_chunk_size must be in 1..%d, got %d", chunk.MaxChunkSizeLimit, c.Agent.MaxChunkSize))
	}
	if c.Agent.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("agent.concurrency must be positive, got %d", c.Agent.Concurrency))
	}
	switch c.Store.Backend {
	case "memory", "redis", "tiered":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, redis, tiered", c.Store.Backend))
	}
	switch c.Worker.Handler {
	case "echo":
	case "exec":
		if len(c.Worker.Command) == 0 {
			errs = append(errs, errors.New("worker.command is required for the exec handler"))
		}
	default:
		errs = append(errs, fmt.Errorf("worker.handler %q is not one of echo, exec", c.Worker.Handler))
	}
	switch c.Daemon.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("daemon.log_format %q is not one of text, json", c.Daemon.LogFormat))
	}
	return errors.Join(errs...)
}
