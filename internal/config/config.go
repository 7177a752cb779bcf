/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package config loads the single immutable configuration document
// (spec.md §6) from YAML with environment-variable overrides for
// secrets. Config is read once at startup and passed by reference
// thereafter — nothing in this module mutates a loaded Config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry the "30s"/"5m" string
// form (yaml.v3 has no built-in duration decoding).
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("config: invalid duration %q", value.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Governance holds the orchestrator's resource knobs.
type Governance struct {
	MaxRetries         int      `yaml:"max_retries"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	TaskTimeout        Duration `yaml:"task_timeout"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	ApprovalTimeout    Duration `yaml:"approval_timeout"`
	MaxOscillations    int      `yaml:"max_oscillations"`
}

// LLM holds the default model-call configuration the planner and
// orchestrator use when a caller doesn't override it.
type LLM struct {
	Provider       string   `yaml:"provider"`
	Model          string   `yaml:"model"`
	MaxTokens      int32    `yaml:"max_tokens"`
	Temperature    float64  `yaml:"temperature"`
	APIBase        string   `yaml:"api_base,omitempty"`
	FallbackModels []string `yaml:"fallback_models,omitempty"`
	NumRetries     int      `yaml:"num_retries,omitempty"`

	// APIKey is never read from YAML; it is resolved from the
	// environment variable named by Auth.APIKeyEnv at load time.
	APIKey string `yaml:"-"`
}

// Auth guards the control RPC when exposed on a network (spec.md §1
// notes wire transport is out of scope, but the auth knob is part of
// the configuration schema regardless of which transport carries it).
type Auth struct {
	Enabled   bool   `yaml:"enabled"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ToolOverride customizes the policy gate's classification for one tool.
type ToolOverride struct {
	ActionClass           string `yaml:"action_class"`
	AlwaysRequireApproval bool   `yaml:"always_require_approval"`
}

// Policy configures the L5 gate's defaults and per-tool overrides.
type Policy struct {
	Level3IrreversibleRequiresApproval bool                    `yaml:"level3_irreversible_requires_approval"`
	ToolOverrides                      map[string]ToolOverride `yaml:"tool_overrides,omitempty"`
	DeniedPatterns                     []string                `yaml:"denied_patterns,omitempty"`
}

// Sentinel holds the per-pattern anomaly thresholds (spec.md §4.12).
type Sentinel struct {
	LoopWindow           Duration `yaml:"loop_window"`
	LoopThreshold        int      `yaml:"loop_threshold"`
	RunawayWindow        Duration `yaml:"runaway_window"`
	RunawayEventCeiling  int      `yaml:"runaway_event_ceiling"`
	CostWindow           Duration `yaml:"cost_window"`
	CostTokenBudget      int64    `yaml:"cost_token_budget"`
	CostDollarBudget     float64  `yaml:"cost_dollar_budget"`
	KPIDegradationRatio  float64  `yaml:"kpi_degradation_ratio"`
	FlaggedActionClasses []string `yaml:"flagged_action_classes,omitempty"`
	FlaggedTools         []string `yaml:"flagged_tools,omitempty"`
}

// Config is the complete, immutable configuration document (spec.md §6).
type Config struct {
	VaultPath  string     `yaml:"vault_path"`
	Governance Governance `yaml:"governance"`
	LLM        LLM        `yaml:"llm"`
	Auth       Auth       `yaml:"auth"`
	Policy     Policy     `yaml:"policy"`
	Sentinel   Sentinel   `yaml:"sentinel"`
}

// Default returns the conservative-default configuration used when no
// file is supplied (tests, quick starts).
func Default() *Config {
	return &Config{
		VaultPath: "./vault",
		Governance: Governance{
			MaxRetries:         3,
			MaxConcurrentTasks: 4,
			TaskTimeout:        Duration(10 * time.Minute),
			HeartbeatInterval:  Duration(30 * time.Second),
			ApprovalTimeout:    Duration(24 * time.Hour),
			MaxOscillations:    3,
		},
		LLM: LLM{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4",
			MaxTokens:   4096,
			Temperature: 0.2,
			NumRetries:  2,
		},
		Auth: Auth{
			Enabled:   false,
			APIKeyEnv: "LEGATOR_API_KEY",
		},
		Policy: Policy{
			Level3IrreversibleRequiresApproval: true,
		},
		Sentinel: Sentinel{
			LoopWindow:          Duration(10 * time.Minute),
			LoopThreshold:       5,
			RunawayWindow:       Duration(1 * time.Minute),
			RunawayEventCeiling: 200,
			CostWindow:          Duration(1 * time.Hour),
			CostTokenBudget:     2_000_000,
		},
	}
}

// Load reads a Config from a YAML file over Default(), so any field the
// file omits keeps its default, then applies environment overrides for
// secrets.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEGATOR_VAULT_PATH"); v != "" {
		cfg.VaultPath = v
	}
	keyEnv := cfg.Auth.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "LEGATOR_API_KEY"
	}
	if v := os.Getenv(keyEnv); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LEGATOR_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
}

// Validate rejects configurations that would make the engine unsafe to
// run (e.g. a governance knob of zero that would stall the orchestrator).
func (c *Config) Validate() error {
	if c.VaultPath == "" {
		return fmt.Errorf("config: vault_path must not be empty")
	}
	if c.Governance.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("config: governance.max_concurrent_tasks must be > 0")
	}
	if c.Governance.MaxRetries < 0 {
		return fmt.Errorf("config: governance.max_retries must be >= 0")
	}
	return nil
}
