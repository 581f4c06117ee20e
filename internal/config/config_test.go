package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/shed"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rampart.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Engine.StageTimeout != 50*time.Millisecond || !cfg.Engine.FailFast {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Incremental.ChunkSize != 4096 || cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("unexpected component defaults: %+v %+v", cfg.Incremental, cfg.Breaker)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
log_level: debug
http_addr: ":9000"
checkpoint_backend: pebble
checkpoint_dir: /var/lib/rampart
engine:
  max_concurrency: 8
  stage_timeout: 120ms
  fail_fast: false
  block_severity: critical
breaker:
  recovery_timeout: 1m
shed:
  minimum_guards: 3
  tiers:
    xss: 2
incremental:
  chunk_size: 1024
  families: [injection, entropy]
policies:
  guards:
    file_operations:
      enabled: false
    ssrf:
      priority: 99
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.HTTPAddr != ":9000" || cfg.CheckpointBackend != BackendPebble {
		t.Errorf("top-level fields not loaded: %+v", cfg)
	}
	if cfg.Engine.MaxConcurrency != 8 || cfg.Engine.StageTimeout != 120*time.Millisecond || cfg.Engine.FailFast {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if !cfg.Engine.FailOpen {
		t.Error("fields absent from the file should keep their defaults")
	}
	if cfg.Breaker.RecoveryTimeout != time.Minute || cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
	if cfg.Incremental.ChunkSize != 1024 || len(cfg.Incremental.Families) != 2 {
		t.Errorf("incremental = %+v", cfg.Incremental)
	}

	fo := cfg.Policies.GetGuardPolicy("file_operations")
	if fo.Enabled == nil || *fo.Enabled {
		t.Errorf("file_operations policy = %+v", fo)
	}
	if p := cfg.Policies.GetGuardPolicy("ssrf").Priority; p == nil || *p != 99 {
		t.Errorf("ssrf priority = %v", p)
	}

	ec := cfg.EngineConfig()
	if ec.Aggregator.BlockSeverity != engine.ThreatCritical || ec.Executor.MaxConcurrency != 8 {
		t.Errorf("EngineConfig = %+v", ec)
	}

	sc := cfg.ShedConfig()
	if sc.Tiers["xss"] != shed.TierHigh || sc.Tiers["sql_injection"] != shed.TierCritical || sc.MinimumGuards != 3 {
		t.Errorf("ShedConfig = %+v", sc)
	}
}

func TestLoad_PathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, writeFile(t, "http_addr: \":7000\"\n"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "engine:\n  max_concurrency: 8\n")
	t.Setenv("RAMPART_MAX_CONCURRENCY", "2")
	t.Setenv("RAMPART_STAGE_TIMEOUT", "75")
	t.Setenv("RAMPART_FAIL_OPEN", "false")
	t.Setenv("RAMPART_BREAKER_RECOVERY_TIMEOUT", "45s")
	t.Setenv("RAMPART_SHED_CPU_THRESHOLD", "0.6")
	t.Setenv("RAMPART_API_KEY_HASHES", " a, b ,,c ")
	t.Setenv("RAMPART_CHUNK_SIZE", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxConcurrency != 2 {
		t.Errorf("MaxConcurrency = %d, want 2", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.StageTimeout != 75*time.Millisecond {
		t.Errorf("StageTimeout = %v, want 75ms", cfg.Engine.StageTimeout)
	}
	if cfg.Engine.FailOpen {
		t.Error("FailOpen should be overridden to false")
	}
	if cfg.Breaker.RecoveryTimeout != 45*time.Second {
		t.Errorf("RecoveryTimeout = %v", cfg.Breaker.RecoveryTimeout)
	}
	if cfg.Shed.CPUThreshold != 0.6 {
		t.Errorf("CPUThreshold = %v", cfg.Shed.CPUThreshold)
	}
	if len(cfg.APIKeyHashes) != 3 || cfg.APIKeyHashes[1] != "b" {
		t.Errorf("APIKeyHashes = %q", cfg.APIKeyHashes)
	}
	if cfg.Incremental.ChunkSize != 4096 {
		t.Errorf("unparseable env should keep the previous value, got %d", cfg.Incremental.ChunkSize)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("malformed yaml", func(t *testing.T) {
		if _, err := Load(writeFile(t, "engine: [")); err == nil {
			t.Error("expected error")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Engine.MaxConcurrency = 0 }},
		{"zero stage timeout", func(c *Config) { c.Engine.StageTimeout = 0 }},
		{"bad block severity", func(c *Config) { c.Engine.BlockSeverity = "severe" }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"inverted pressure cutoffs", func(c *Config) { c.Shed.ModeratePressure = 0.9; c.Shed.SeverePressure = 0.8 }},
		{"tier out of range", func(c *Config) { c.Shed.Tiers = map[string]int{"xss": 7} }},
		{"early threshold above one", func(c *Config) { c.Incremental.EarlyTerminationThreshold = 1.5 }},
		{"unknown backend", func(c *Config) { c.CheckpointBackend = "s3" }},
		{"redis backend without addr", func(c *Config) { c.CheckpointBackend = BackendRedis }},
		{"pebble backend without dir", func(c *Config) { c.CheckpointBackend = BackendPebble; c.CheckpointDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
