package atoll

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, role := range []Role{RoleOrchestrator, RoleSubAgent, RoleSentinel, RoleCompaction} {
		if _, err := cfg.ResolveModel(role); err != nil {
			t.Errorf("role %q does not resolve: %v", role, err)
		}
	}
}

func TestParseConfigMergesPartialFile(t *testing.T) {
	cfg, err := ParseConfig([]byte("limits:\n  max_iterations: 3\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Limits.MaxIterations != 3 {
		t.Errorf("got max_iterations %d, want 3", cfg.Limits.MaxIterations)
	}
	if cfg.Limits.ContextUtilizationTarget != 0.85 {
		t.Errorf("got utilization %v, want default 0.85", cfg.Limits.ContextUtilizationTarget)
	}
	if len(cfg.Models) != 2 {
		t.Errorf("got %d models, want default catalog of 2", len(cfg.Models))
	}
}

func TestParseConfigModelsReplaceCatalog(t *testing.T) {
	data := []byte(`
models:
  - id: claude-sonnet
    tier: standard
    supports_tools: true
    max_context_tokens: 200000
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Models) != 1 {
		t.Fatalf("got %d models, want declared catalog to replace defaults", len(cfg.Models))
	}
	if cfg.Models[0].ID != "claude-sonnet" {
		t.Errorf("got model %q, want %q", cfg.Models[0].ID, "claude-sonnet")
	}
}

func TestParseConfigRejectsBadYAML(t *testing.T) {
	if _, err := ParseConfig([]byte("models: [unterminated")); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero utilization",
			mutate:  func(c *Config) { c.Limits.ContextUtilizationTarget = 0 },
			wantErr: "context_utilization_target",
		},
		{
			name:    "utilization above one",
			mutate:  func(c *Config) { c.Limits.ContextUtilizationTarget = 1.5 },
			wantErr: "context_utilization_target",
		},
		{
			name:    "zero iterations",
			mutate:  func(c *Config) { c.Limits.MaxIterations = 0 },
			wantErr: "max_iterations",
		},
		{
			name: "empty model id",
			mutate: func(c *Config) {
				c.Models = append(c.Models, ModelSpec{Tier: TierFast})
			},
			wantErr: "empty id",
		},
		{
			name: "duplicate model id",
			mutate: func(c *Config) {
				c.Models = append(c.Models, ModelSpec{ID: "gpt-4o", Tier: TierFast})
			},
			wantErr: "duplicate model id",
		},
		{
			name: "unknown model tier",
			mutate: func(c *Config) {
				c.Models = append(c.Models, ModelSpec{ID: "x", Tier: "turbo"})
			},
			wantErr: "unknown tier",
		},
		{
			name:    "role mapped to unknown tier",
			mutate:  func(c *Config) { c.Defaults[RoleSentinel] = "turbo" },
			wantErr: "unknown tier",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveModel(t *testing.T) {
	cfg := DefaultConfig()

	m, err := cfg.ResolveModel(RoleOrchestrator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "gpt-4o" {
		t.Errorf("got %q, want %q", m.ID, "gpt-4o")
	}

	m, err = cfg.ResolveModel(RoleSentinel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "gpt-4o-mini" {
		t.Errorf("got %q, want %q", m.ID, "gpt-4o-mini")
	}

	if _, err := cfg.ResolveModel(Role("installer")); err == nil {
		t.Error("expected error for unmapped role, got nil")
	}

	cfg.Defaults[RoleOrchestrator] = TierDeep
	if _, err := cfg.ResolveModel(RoleOrchestrator); err == nil {
		t.Error("expected error when no model matches the tier, got nil")
	}
}

func TestSentinelModelFallbackChain(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.SentinelModel(); got != "gpt-4o-mini" {
		t.Errorf("got %q, want %q", got, "gpt-4o-mini")
	}

	delete(cfg.Defaults, RoleSentinel)
	if got := cfg.SentinelModel(); got != "gpt-4o-mini" {
		t.Errorf("compaction fallback: got %q, want %q", got, "gpt-4o-mini")
	}

	delete(cfg.Defaults, RoleCompaction)
	if got := cfg.SentinelModel(); got != FallbackSentinelModel {
		t.Errorf("hardcoded fallback: got %q, want %q", got, FallbackSentinelModel)
	}
}

func TestContextTokens(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ContextTokens("gpt-4o"); got != 128000 {
		t.Errorf("got %d, want 128000", got)
	}
	if got := cfg.ContextTokens("never-heard-of-it"); got != DefaultMaxContextTokens {
		t.Errorf("got %d, want default %d", got, DefaultMaxContextTokens)
	}
}

func TestLimitsConfigDurations(t *testing.T) {
	l := LimitsConfig{FuseWindowMS: 60_000, ConversationWindowMS: 300_000}
	if got := l.FuseWindow(); got != time.Minute {
		t.Errorf("got %v, want %v", got, time.Minute)
	}
	if got := l.ConversationWindow(); got != 5*time.Minute {
		t.Errorf("got %v, want %v", got, 5*time.Minute)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	data := "limits:\n  max_agents_per_turn: 4\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Limits.MaxAgentsPerTurn != 4 {
		t.Errorf("got %d, want 4", cfg.Limits.MaxAgentsPerTurn)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}
