// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates rover's on-disk configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	conductorerrors "github.com/tombee/rover-autopilot/pkg/errors"
)

// LLMConfig controls retry and timeout behavior shared by every provider
// created through CreateProvider.
type LLMConfig struct {
	// MaxRetries is the number of retry attempts after a transient failure.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// RetryBackoffBase is the initial delay between retries; it doubles on
	// each subsequent attempt.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base" json:"retry_backoff_base"`

	// RequestTimeout bounds a single completion call.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// DefaultLLMConfig returns conservative retry defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		MaxRetries:       3,
		RetryBackoffBase: 2 * time.Second,
		RequestTimeout:   90 * time.Second,
	}
}

// AutopilotConfig holds the scheduling engine's settings. The run command
// applies DataDir, MaxConcurrentSandboxes and the log rotation fields. The
// stage intervals, MaxConcurrentAICalls and PollIntervalSeconds are loaded,
// defaulted and validated but not read by the runtime, whose stage periods
// are fixed.
type AutopilotConfig struct {
	// DataDir is the root of the on-disk project state tree. Defaults to
	// "~/.local/share/rover" when empty.
	DataDir string `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`

	// CoordinatorInterval is the tick period for the coordinator stage.
	CoordinatorInterval time.Duration `yaml:"coordinator_interval" json:"coordinator_interval"`

	// PlannerInterval is the tick period for the planner stage.
	PlannerInterval time.Duration `yaml:"planner_interval" json:"planner_interval"`

	// WorkflowInterval is the tick period for the workflow-launch stage.
	WorkflowInterval time.Duration `yaml:"workflow_interval" json:"workflow_interval"`

	// CommitterInterval is the tick period for the committer stage.
	CommitterInterval time.Duration `yaml:"committer_interval" json:"committer_interval"`

	// ResolverInterval is the tick period for the resolver stage.
	ResolverInterval time.Duration `yaml:"resolver_interval" json:"resolver_interval"`

	// PushInterval is the tick period for the push stage.
	PushInterval time.Duration `yaml:"push_interval" json:"push_interval"`

	// NotifyInterval is the tick period for the notify stage.
	NotifyInterval time.Duration `yaml:"notify_interval" json:"notify_interval"`

	// MaxConcurrentSandboxes bounds the number of sandboxes that may run at
	// once across all projects.
	MaxConcurrentSandboxes int `yaml:"max_concurrent_sandboxes" json:"max_concurrent_sandboxes"`

	// MaxConcurrentAICalls bounds in-flight AI agent invocations across
	// coordinator, planner, resolver and notify stages.
	MaxConcurrentAICalls int `yaml:"max_concurrent_ai_calls" json:"max_concurrent_ai_calls"`

	// PollIntervalSeconds is the event source poll period.
	PollIntervalSeconds int `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`

	// LogRotateMaxBytes bounds the size of a project's log.jsonl before it
	// is rotated.
	LogRotateMaxBytes int64 `yaml:"log_rotate_max_bytes" json:"log_rotate_max_bytes"`

	// LogRotateKeep is the number of rotated log copies retained.
	LogRotateKeep int `yaml:"log_rotate_keep" json:"log_rotate_keep"`
}

// DefaultAutopilotConfig returns the scheduling defaults described in the
// autopilot's concurrency and resource model.
func DefaultAutopilotConfig() AutopilotConfig {
	return AutopilotConfig{
		CoordinatorInterval:    30 * time.Second,
		PlannerInterval:        30 * time.Second,
		WorkflowInterval:       15 * time.Second,
		CommitterInterval:      15 * time.Second,
		ResolverInterval:       20 * time.Second,
		PushInterval:           20 * time.Second,
		NotifyInterval:         30 * time.Second,
		MaxConcurrentSandboxes: 3,
		MaxConcurrentAICalls:   2,
		PollIntervalSeconds:    60,
		LogRotateMaxBytes:      5 * 1024 * 1024,
		LogRotateKeep:          3,
	}
}

// Config is rover's top-level configuration document.
type Config struct {
	LLM        LLMConfig      `yaml:"llm" json:"llm"`
	Providers  ProvidersMap   `yaml:"providers" json:"providers"`
	Agents     AgentMappings  `yaml:"agents,omitempty" json:"agents,omitempty"`
	Autopilot  AutopilotConfig `yaml:"autopilot" json:"autopilot"`
	Log        LogConfig      `yaml:"log" json:"log"`
}

// LogConfig controls the structured logger used across every component.
type LogConfig struct {
	// Level is one of "trace", "debug", "info", "warn", "error".
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format is "json" or "text".
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// Default returns a Config populated with sane defaults and no providers.
func Default() *Config {
	return &Config{
		LLM:       DefaultLLMConfig(),
		Providers: ProvidersMap{},
		Autopilot: DefaultAutopilotConfig(),
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads and parses a config file at path. A missing file is not an
// error; it yields the default configuration so a fresh install can start
// without one.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, &conductorerrors.ConfigError{
			Key:    path,
			Reason: "failed to read config file",
			Cause:  err,
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &conductorerrors.ConfigError{
			Key:    path,
			Reason: "failed to parse config file as YAML",
			Cause:  err,
		}
	}

	applyDefaults(cfg)

	return cfg, nil
}

// LoadDefault loads the config file at the XDG config path.
func LoadDefault() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, &conductorerrors.ConfigError{
			Key:    "config_path",
			Reason: "failed to resolve config directory",
			Cause:  err,
		}
	}
	return Load(path)
}

// applyDefaults fills in zero-valued fields left empty by a partial
// user-supplied document, so a config file only needs to override what it
// cares about.
func applyDefaults(cfg *Config) {
	defaults := DefaultAutopilotConfig()

	if cfg.Autopilot.CoordinatorInterval == 0 {
		cfg.Autopilot.CoordinatorInterval = defaults.CoordinatorInterval
	}
	if cfg.Autopilot.PlannerInterval == 0 {
		cfg.Autopilot.PlannerInterval = defaults.PlannerInterval
	}
	if cfg.Autopilot.WorkflowInterval == 0 {
		cfg.Autopilot.WorkflowInterval = defaults.WorkflowInterval
	}
	if cfg.Autopilot.CommitterInterval == 0 {
		cfg.Autopilot.CommitterInterval = defaults.CommitterInterval
	}
	if cfg.Autopilot.ResolverInterval == 0 {
		cfg.Autopilot.ResolverInterval = defaults.ResolverInterval
	}
	if cfg.Autopilot.PushInterval == 0 {
		cfg.Autopilot.PushInterval = defaults.PushInterval
	}
	if cfg.Autopilot.NotifyInterval == 0 {
		cfg.Autopilot.NotifyInterval = defaults.NotifyInterval
	}
	if cfg.Autopilot.MaxConcurrentSandboxes == 0 {
		cfg.Autopilot.MaxConcurrentSandboxes = defaults.MaxConcurrentSandboxes
	}
	if cfg.Autopilot.MaxConcurrentAICalls == 0 {
		cfg.Autopilot.MaxConcurrentAICalls = defaults.MaxConcurrentAICalls
	}
	if cfg.Autopilot.PollIntervalSeconds == 0 {
		cfg.Autopilot.PollIntervalSeconds = defaults.PollIntervalSeconds
	}
	if cfg.Autopilot.LogRotateMaxBytes == 0 {
		cfg.Autopilot.LogRotateMaxBytes = defaults.LogRotateMaxBytes
	}
	if cfg.Autopilot.LogRotateKeep == 0 {
		cfg.Autopilot.LogRotateKeep = defaults.LogRotateKeep
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = DefaultLLMConfig().MaxRetries
	}
	if cfg.LLM.RetryBackoffBase == 0 {
		cfg.LLM.RetryBackoffBase = DefaultLLMConfig().RetryBackoffBase
	}
	if cfg.LLM.RequestTimeout == 0 {
		cfg.LLM.RequestTimeout = DefaultLLMConfig().RequestTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Autopilot.MaxConcurrentSandboxes < 1 {
		return &conductorerrors.ValidationError{
			Field:      "autopilot.max_concurrent_sandboxes",
			Message:    "must be at least 1",
			Suggestion: "set autopilot.max_concurrent_sandboxes to a positive integer",
		}
	}
	if c.Autopilot.MaxConcurrentAICalls < 1 {
		return &conductorerrors.ValidationError{
			Field:      "autopilot.max_concurrent_ai_calls",
			Message:    "must be at least 1",
			Suggestion: "set autopilot.max_concurrent_ai_calls to a positive integer",
		}
	}
	for name, p := range c.Providers {
		if p.Type == "" {
			return &conductorerrors.ValidationError{
				Field:      fmt.Sprintf("providers.%s.type", name),
				Message:    "provider type is required",
				Suggestion: "set type to one of: claude-code, anthropic, openai, ollama",
			}
		}
	}
	return nil
}
