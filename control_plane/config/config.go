// Package config loads the process configuration from YAML with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/itskum47/FleetForge/control_plane/workflow"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig        `yaml:"log"`
	Redis     RedisConfig      `yaml:"redis"`
	Database  DatabaseConfig   `yaml:"database"`
	API       APIConfig        `yaml:"api"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Server    ServerConfig     `yaml:"server"`
	Keys      KeysConfig       `yaml:"keys"`
	Snapshots SnapshotConfig   `yaml:"snapshots"`
	Workflows []WorkflowConfig `yaml:"workflows" validate:"dive"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// RedisConfig with an empty Addr selects the in-process store, which is
// only correct for a single worker process.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// DatabaseConfig with an empty URL keeps run records in memory.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type APIConfig struct {
	URL      string `yaml:"url" validate:"required,url"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Eauth    string `yaml:"eauth" validate:"required"`
	// RateLimitPerMinute caps calls to the control plane across all workers.
	// Zero disables the limiter.
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" validate:"gte=0"`
	PingTimeout        time.Duration `yaml:"ping_timeout" validate:"gte=0"`
}

type SchedulerConfig struct {
	Concurrency      int `yaml:"concurrency" validate:"gte=1"`
	QueueThreshold   int `yaml:"queue_threshold" validate:"gte=1"`
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=0"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" validate:"required"`
	// OperatorToken, when set, is required as a bearer token on run endpoints.
	OperatorToken string `yaml:"operator_token"`
}

type KeysConfig struct {
	EnforcerPath      string        `yaml:"enforcer_path"`
	EnforcerArgs      []string      `yaml:"enforcer_args"`
	UninstallFunction string        `yaml:"uninstall_function"`
	UninstallArgs     []string      `yaml:"uninstall_args"`
	UninstallTimeout  time.Duration `yaml:"uninstall_timeout" validate:"gte=0"`
}

type SnapshotConfig struct {
	Provider        string            `yaml:"provider" validate:"omitempty,oneof=hetzner script"`
	HetznerToken    string            `yaml:"hetzner_token" validate:"required_if=Provider hetzner"`
	HetznerEndpoint string            `yaml:"hetzner_endpoint" validate:"omitempty,url"`
	Servers         map[string]int64  `yaml:"servers"`
	ScriptPath      string            `yaml:"script_path" validate:"required_if=Provider script"`
	ScriptArgs      []string          `yaml:"script_args"`
	ScriptCmdArgs   []string          `yaml:"script_command_args"`
	ScriptTargets   map[string]string `yaml:"script_targets"`
	PollInterval    time.Duration     `yaml:"poll_interval" validate:"gte=0"`
}

// WorkflowConfig schedules a plan every Every. Zero Every means the plan
// only runs on demand.
type WorkflowConfig struct {
	workflow.Plan `yaml:",inline"`
	Every         time.Duration `yaml:"every" validate:"gte=0"`
	Priority      int           `yaml:"priority" validate:"gte=0,lte=10"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		API: APIConfig{
			URL:                "http://localhost:8000",
			User:               "fleetforge",
			Eauth:              "pam",
			RateLimitPerMinute: 600,
			PingTimeout:        10 * time.Second,
		},
		Scheduler: SchedulerConfig{Concurrency: 10, QueueThreshold: 1000, FailureThreshold: 20},
		Server:    ServerConfig{Listen: ":8080"},
	}
}

// Load reads path (optional), applies environment overrides and validates
// the result. All failures are configuration errors.
func Load(path string) (*Config, error) {
	const op = "config.load"
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, resilience.Wrap(resilience.KindConfiguration, op, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, resilience.Wrap(resilience.KindConfiguration, op, fmt.Errorf("%s: %w", path, err))
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, resilience.Wrap(resilience.KindConfiguration, op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, resilience.Wrap(resilience.KindConfiguration, op, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks struct constraints and every workflow plan.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Workflows))
	for i := range c.Workflows {
		w := &c.Workflows[i]
		if err := w.Plan.Validate(); err != nil {
			return fmt.Errorf("workflow %d: %w", i, err)
		}
		if seen[w.Name] {
			return fmt.Errorf("workflow %q defined twice", w.Name)
		}
		seen[w.Name] = true
		if w.Snapshot.Required && w.Class.Protected() && c.Snapshots.Provider == "" {
			return fmt.Errorf("workflow %q requires snapshots but no snapshot provider is configured", w.Name)
		}
	}
	return nil
}

// Workflow returns the configured workflow called name.
func (c *Config) Workflow(name string) (WorkflowConfig, bool) {
	for _, w := range c.Workflows {
		if w.Name == name {
			return w, true
		}
	}
	return WorkflowConfig{}, false
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("DATABASE_URL", &cfg.Database.URL)
	str("FLEET_API_URL", &cfg.API.URL)
	str("FLEET_API_USER", &cfg.API.User)
	str("FLEET_API_PASSWORD", &cfg.API.Password)
	str("FLEET_API_EAUTH", &cfg.API.Eauth)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("HCLOUD_TOKEN", &cfg.Snapshots.HetznerToken)
	str("FLEET_OPERATOR_TOKEN", &cfg.Server.OperatorToken)

	if err := num("SCHEDULER_CONCURRENCY", &cfg.Scheduler.Concurrency); err != nil {
		return err
	}
	if err := num("CIRCUIT_BREAKER_THRESHOLD", &cfg.Scheduler.QueueThreshold); err != nil {
		return err
	}
	return num("RATE_LIMIT_PER_MINUTE", &cfg.API.RateLimitPerMinute)
}
