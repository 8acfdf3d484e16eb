// Package config assembles the single typed Config struct the rest of the
// orchestrator depends on. It is built once, at process start, from (in
// increasing priority) an optional YAML file, a .env file, and the process
// environment; no other package reads os.Getenv directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultStateDir         = ".orchestrate/state"
	DefaultSwitchboardDir   = ".orchestrate/switchboard"
	DefaultSchedulerHome    = ".orchestrate/scheduler"
	DefaultSwitchboardPort  = 7077
	DefaultAgentName        = "default"
	DefaultQualityGateTimeout = 5 * time.Minute
	DefaultOutputPattern    = "*.md"
	DefaultSampleSize       = 5
)

// Config is the consolidated runtime configuration. It is constructed once
// by Load and passed down by value/reference; no component reads the
// environment on its own.
type Config struct {
	// State & scheduling
	StateDir      string `json:"state_dir" yaml:"state_dir" mapstructure:"state_dir"`
	SchedulerHome string `json:"scheduler_home" yaml:"scheduler_home" mapstructure:"scheduler_home"`

	// Switchboard
	SwitchboardPort int    `json:"switchboard_port" yaml:"switchboard_port" mapstructure:"switchboard_port"`
	SwitchboardURL  string `json:"switchboard_url" yaml:"switchboard_url" mapstructure:"switchboard_url"`
	SwitchboardWS   string `json:"switchboard_ws" yaml:"switchboard_ws" mapstructure:"switchboard_ws"`
	SwitchboardDir  string `json:"switchboard_dir" yaml:"switchboard_dir" mapstructure:"switchboard_dir"`
	AgentName       string `json:"agent_name" yaml:"agent_name" mapstructure:"agent_name"`

	// Monitor
	TaskMonitorAPIURL  string `json:"task_monitor_api_url" yaml:"task_monitor_api_url" mapstructure:"task_monitor_api_url"`
	TaskMonitorEnabled bool   `json:"task_monitor_enabled" yaml:"task_monitor_enabled" mapstructure:"task_monitor_enabled"`

	// Quality gate / verifier
	OutputDir           string        `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`
	OutputPattern       string        `json:"output_pattern" yaml:"output_pattern" mapstructure:"output_pattern"`
	SampleSize          int           `json:"sample_size" yaml:"sample_size" mapstructure:"sample_size"`
	QualityGateTimeout  time.Duration `json:"quality_gate_timeout" yaml:"quality_gate_timeout" mapstructure:"quality_gate_timeout"`
	QualityGateDisabled bool          `json:"quality_gate_disabled" yaml:"quality_gate_disabled" mapstructure:"quality_gate_disabled"`

	// External program paths
	AgentCmd       string `json:"agent_cmd" yaml:"agent_cmd" mapstructure:"agent_cmd"`
	VerifierCmd    string `json:"verifier_cmd" yaml:"verifier_cmd" mapstructure:"verifier_cmd"`
	MemoryCmd      string `json:"memory_cmd" yaml:"memory_cmd" mapstructure:"memory_cmd"`
	ArchiverCmd    string `json:"archiver_cmd" yaml:"archiver_cmd" mapstructure:"archiver_cmd"`
	BudgetCheckCmd string `json:"budget_check_cmd" yaml:"budget_check_cmd" mapstructure:"budget_check_cmd"`

	LogLevel string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
}

// Default returns a Config populated with the documented defaults; Load
// layers file/env values on top of this.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		StateDir:           filepath.Join(home, DefaultStateDir),
		SchedulerHome:      filepath.Join(home, DefaultSchedulerHome),
		SwitchboardPort:    DefaultSwitchboardPort,
		SwitchboardDir:     filepath.Join(home, DefaultSwitchboardDir),
		AgentName:          DefaultAgentName,
		OutputPattern:      DefaultOutputPattern,
		SampleSize:         DefaultSampleSize,
		QualityGateTimeout: DefaultQualityGateTimeout,
		LogLevel:           "info",
	}
}

// Load assembles a Config: defaults, then an optional config file
// ($HOME/orchestrate.yaml or ./orchestrate.yaml via viper), then a .env
// file in the working directory, then process environment variables.
// Each layer overrides the previous one field-by-field when set.
func Load() (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("orchestrate")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return cfg, fmt.Errorf("config: read config file: %w", err)
		}
	} else {
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("config: decode config file: %w", err)
		}
	}

	if err := LoadDotEnv(".env"); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*dst = parsed
			}
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*dst = parsed
			} else if secs, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(secs) * time.Second
			}
		}
	}

	str("SCHEDULER_HOME", &cfg.SchedulerHome)
	str("ORCHESTRATE_STATE_DIR", &cfg.StateDir)
	integer("SWITCHBOARD_PORT", &cfg.SwitchboardPort)
	str("SWITCHBOARD_URL", &cfg.SwitchboardURL)
	str("SWITCHBOARD_WS", &cfg.SwitchboardWS)
	str("AGENT_NAME", &cfg.AgentName)
	str("TASK_MONITOR_API_URL", &cfg.TaskMonitorAPIURL)
	boolean("TASK_MONITOR_ENABLED", &cfg.TaskMonitorEnabled)
	str("OUTPUT_DIR", &cfg.OutputDir)
	str("OUTPUT_PATTERN", &cfg.OutputPattern)
	integer("SAMPLE_SIZE", &cfg.SampleSize)
	duration("QUALITY_GATE_TIMEOUT", &cfg.QualityGateTimeout)
	boolean("QUALITY_GATE_DISABLED", &cfg.QualityGateDisabled)
	str("ORCHESTRATE_AGENT_CMD", &cfg.AgentCmd)
	str("ORCHESTRATE_VERIFIER_CMD", &cfg.VerifierCmd)
	str("ORCHESTRATE_MEMORY_CMD", &cfg.MemoryCmd)
	str("ORCHESTRATE_ARCHIVER_CMD", &cfg.ArchiverCmd)
	str("ORCHESTRATE_BUDGET_CHECK_CMD", &cfg.BudgetCheckCmd)
	str("ORCHESTRATE_LOG_LEVEL", &cfg.LogLevel)

	if cfg.SwitchboardURL == "" {
		cfg.SwitchboardURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.SwitchboardPort)
	}
	if cfg.SwitchboardWS == "" {
		cfg.SwitchboardWS = fmt.Sprintf("ws://127.0.0.1:%d", cfg.SwitchboardPort)
	}
}

// LoadDotEnv reads simple KEY=VALUE lines from path and applies them to the
// process environment, never overwriting a variable already set. Blank
// lines and lines starting with # are ignored. Missing files return the
// underlying os.IsNotExist error unchanged so callers can treat it as
// optional.
func LoadDotEnv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("config: setenv %s: %w", key, err)
		}
	}
	return nil
}
