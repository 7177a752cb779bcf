/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Governance.MaxConcurrentTasks <= 0 || cfg.Governance.MaxRetries < 0 {
		t.Errorf("governance defaults = %+v", cfg.Governance)
	}
	if !cfg.Policy.Level3IrreversibleRequiresApproval {
		t.Error("irreversible approval must default on")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VaultPath == "" {
		t.Error("vault path should default")
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
vault_path: /data/vault
governance:
  max_retries: 7
  max_concurrent_tasks: 2
  task_timeout: 5m
llm:
  provider: openai
  model: gpt-test
  max_tokens: 1000
policy:
  level3_irreversible_requires_approval: true
  denied_patterns:
    - "sql.drop*"
sentinel:
  loop_threshold: 9
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VaultPath != "/data/vault" {
		t.Errorf("vault path = %q", cfg.VaultPath)
	}
	if cfg.Governance.MaxRetries != 7 || cfg.Governance.MaxConcurrentTasks != 2 {
		t.Errorf("governance = %+v", cfg.Governance)
	}
	if cfg.Governance.TaskTimeout.Std() != 5*time.Minute {
		t.Errorf("task timeout = %v", cfg.Governance.TaskTimeout)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-test" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if len(cfg.Policy.DeniedPatterns) != 1 {
		t.Errorf("denied patterns = %v", cfg.Policy.DeniedPatterns)
	}
	if cfg.Sentinel.LoopThreshold != 9 {
		t.Errorf("loop threshold = %d", cfg.Sentinel.LoopThreshold)
	}
	// Unset fields keep defaults.
	if cfg.Governance.HeartbeatInterval.Std() != 30*time.Second {
		t.Errorf("heartbeat interval = %v, want default", cfg.Governance.HeartbeatInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEGATOR_VAULT_PATH", "/env/vault")
	t.Setenv("LEGATOR_API_KEY", "sekret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VaultPath != "/env/vault" {
		t.Errorf("vault path = %q, want env override", cfg.VaultPath)
	}
	if cfg.LLM.APIKey != "sekret" {
		t.Error("api key not resolved from env")
	}
}

func TestValidateRejectsBadGovernance(t *testing.T) {
	cfg := Default()
	cfg.Governance.MaxConcurrentTasks = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero max_concurrent_tasks should be rejected")
	}

	cfg = Default()
	cfg.VaultPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty vault_path should be rejected")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/no/such/config.yaml"); err == nil {
		t.Fatal("missing config file should fail")
	}
}
