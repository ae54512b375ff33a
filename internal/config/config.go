// ABOUTME: Configuration loading and parsing for the RPA orchestrator.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RDP       RDPConfig       `yaml:"rdp"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agent     AgentConfig     `yaml:"agent"`
	Session   SessionConfig   `yaml:"session"`
	Job       JobConfig       `yaml:"job"`
	History   HistoryConfig   `yaml:"history"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the ingress listener address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// RDPConfig holds the session port range base.
type RDPConfig struct {
	BasePort int `yaml:"base_port"`
}

// SchedulerConfig holds dispatch loop timing.
type SchedulerConfig struct {
	Tick        time.Duration `yaml:"-"`
	SendTimeout time.Duration `yaml:"-"`

	TickRaw        string `yaml:"tick"`
	SendTimeoutRaw string `yaml:"send_timeout"`
}

// AgentConfig holds fleet lifecycle settings.
type AgentConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-"`

	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	RecycleAfterJobs    int    `yaml:"recycle_after_jobs"`
	DefaultCount        int    `yaml:"default_count"`
}

// SessionConfig holds session recycling thresholds.
type SessionConfig struct {
	InactivityTimeout time.Duration `yaml:"-"`

	InactivityTimeoutRaw string `yaml:"inactivity_timeout"`
	MaxJobs              int    `yaml:"max_jobs"`
}

// JobConfig holds job execution bounds.
type JobConfig struct {
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// HistoryConfig bounds how many terminal jobs are retained.
type HistoryConfig struct {
	MaxCompleted int `yaml:"max_completed"`
}

// TransportConfig holds circuit breaker settings.
type TransportConfig struct {
	CircuitCooldown time.Duration `yaml:"-"`

	CircuitFailures    int    `yaml:"circuit_failures"`
	CircuitCooldownRaw string `yaml:"circuit_cooldown"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every documented default filled in.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{HTTPAddr: "localhost:8080"},
		RDP:       RDPConfig{BasePort: 3390},
		Scheduler: SchedulerConfig{Tick: 5 * time.Second, SendTimeout: 10 * time.Second},
		Agent: AgentConfig{
			HeartbeatTimeout: 5 * time.Minute,
			RecycleAfterJobs: 50,
			DefaultCount:     2,
		},
		Session: SessionConfig{
			InactivityTimeout: 2 * time.Hour,
			MaxJobs:           50,
		},
		Job:     JobConfig{Timeout: 30 * time.Minute},
		History: HistoryConfig{MaxCompleted: 1000},
		Transport: TransportConfig{
			CircuitFailures: 5,
			CircuitCooldown: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file and returns the parsed Config on top of
// the defaults. Environment variables in the format ${VAR_NAME} are
// expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required fields are present and sane.
// Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.RDP.BasePort <= 0 || c.RDP.BasePort > 65535 {
		return fmt.Errorf("rdp.base_port must be a valid port, got %d", c.RDP.BasePort)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	if c.Agent.RecycleAfterJobs <= 0 {
		return fmt.Errorf("agent.recycle_after_jobs must be positive")
	}
	if c.History.MaxCompleted <= 0 {
		return fmt.Errorf("history.max_completed must be positive")
	}
	if c.Transport.CircuitFailures <= 0 {
		return fmt.Errorf("transport.circuit_failures must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values, leaving defaults in place when a field is absent.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Scheduler.TickRaw, "scheduler.tick", &cfg.Scheduler.Tick},
		{cfg.Scheduler.SendTimeoutRaw, "scheduler.send_timeout", &cfg.Scheduler.SendTimeout},
		{cfg.Agent.HeartbeatTimeoutRaw, "agent.heartbeat_timeout", &cfg.Agent.HeartbeatTimeout},
		{cfg.Session.InactivityTimeoutRaw, "session.inactivity_timeout", &cfg.Session.InactivityTimeout},
		{cfg.Job.TimeoutRaw, "job.timeout", &cfg.Job.Timeout},
		{cfg.Transport.CircuitCooldownRaw, "transport.circuit_cooldown", &cfg.Transport.CircuitCooldown},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
