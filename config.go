package atoll

import (
	"fmt"
	"os"
	"sort"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Role identifies which part of the runtime a model request is for.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleSubAgent     Role = "sub_agent"
	RoleSentinel     Role = "sentinel"
	RoleCompaction   Role = "compaction"
)

// Model tiers, cheapest to most capable.
const (
	TierFast     = "fast"
	TierStandard = "standard"
	TierDeep     = "deep"
)

// FallbackSentinelModel is used when neither the sentinel nor the
// compaction role resolves to a configured model.
const FallbackSentinelModel = "gpt-4o-mini"

// DefaultMaxContextTokens is assumed for models not present in the
// configuration, e.g. an explicit model_override.
const DefaultMaxContextTokens = 128000

// ModelSpec describes one configured model.
type ModelSpec struct {
	ID               string   `yaml:"id"`
	Tier             string   `yaml:"tier"`
	UseCases         []string `yaml:"use_cases,omitempty"`
	SupportsTools    bool     `yaml:"supports_tools"`
	MaxContextTokens int      `yaml:"max_context_tokens"`
	CostTier         int      `yaml:"cost_tier,omitempty"`
}

// LimitsConfig holds the four-level limit thresholds plus the context
// budget knobs. Durations are expressed in milliseconds in YAML.
type LimitsConfig struct {
	ContextUtilizationTarget float64 `yaml:"context_utilization_target"`
	ResponseReserveTokens    int     `yaml:"response_reserve_tokens"`
	MaxIterations            int     `yaml:"max_iterations"`
	MaxAgentsPerTurn         int     `yaml:"max_agents_per_turn"`
	MaxSkillCallsPerTurn     int     `yaml:"max_skill_calls_per_turn"`
	AgentMaxToolCalls        int     `yaml:"agent_max_tool_calls"`
	FuseThreshold            int     `yaml:"fuse_threshold"`
	FuseWindowMS             int     `yaml:"fuse_window_ms"`
	ConversationMaxCalls     int     `yaml:"conversation_max_calls"`
	ConversationWindowMS     int     `yaml:"conversation_window_ms"`
}

// FuseWindow returns the fuse window as a duration.
func (l LimitsConfig) FuseWindow() time.Duration {
	return time.Duration(l.FuseWindowMS) * time.Millisecond
}

// ConversationWindow returns the per-conversation window as a duration.
func (l LimitsConfig) ConversationWindow() time.Duration {
	return time.Duration(l.ConversationWindowMS) * time.Millisecond
}

// Config is the runtime configuration: role defaults, the model catalog,
// and limit thresholds.
type Config struct {
	// Defaults maps each role to a model tier.
	Defaults map[Role]string `yaml:"defaults"`
	Models   []ModelSpec     `yaml:"models"`
	Limits   LimitsConfig    `yaml:"limits"`
}

// DefaultConfig returns the built-in configuration. Loaded files are
// merged over it, so partial files are valid.
func DefaultConfig() Config {
	return Config{
		Defaults: map[Role]string{
			RoleOrchestrator: TierStandard,
			RoleSubAgent:     TierStandard,
			RoleSentinel:     TierFast,
			RoleCompaction:   TierFast,
		},
		Models: []ModelSpec{
			{
				ID:               "gpt-4o",
				Tier:             TierStandard,
				UseCases:         []string{"orchestration", "agents"},
				SupportsTools:    true,
				MaxContextTokens: 128000,
				CostTier:         2,
			},
			{
				ID:               "gpt-4o-mini",
				Tier:             TierFast,
				UseCases:         []string{"classification", "compaction"},
				SupportsTools:    true,
				MaxContextTokens: 128000,
				CostTier:         1,
			},
		},
		Limits: LimitsConfig{
			ContextUtilizationTarget: 0.85,
			ResponseReserveTokens:    2048,
			MaxIterations:            10,
			MaxAgentsPerTurn:         10,
			MaxSkillCallsPerTurn:     30,
			AgentMaxToolCalls:        DefaultMaxToolCalls,
			FuseThreshold:            5,
			FuseWindowMS:             60_000,
			ConversationMaxCalls:     DefaultWindowMaxCalls,
			ConversationWindowMS:     int(DefaultWindowSpan / time.Millisecond),
		},
	}
}

// ParseConfig decodes YAML and merges it over DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	def := DefaultConfig()
	if len(cfg.Models) > 0 {
		// A file that declares models replaces the catalog wholesale.
		def.Models = nil
	}
	if err := mergo.Merge(&cfg, def); err != nil {
		return Config{}, fmt.Errorf("config: merge defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// Validate reports the first structural problem in the configuration.
func (c Config) Validate() error {
	if c.Limits.ContextUtilizationTarget <= 0 || c.Limits.ContextUtilizationTarget > 1 {
		return fmt.Errorf("config: context_utilization_target must be in (0, 1], got %v",
			c.Limits.ContextUtilizationTarget)
	}
	if c.Limits.MaxIterations < 1 {
		return fmt.Errorf("config: max_iterations must be at least 1, got %d", c.Limits.MaxIterations)
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("config: model with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("config: duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		switch m.Tier {
		case TierFast, TierStandard, TierDeep:
		default:
			return fmt.Errorf("config: model %q has unknown tier %q", m.ID, m.Tier)
		}
	}
	roles := make([]Role, 0, len(c.Defaults))
	for role := range c.Defaults {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	for _, role := range roles {
		tier := c.Defaults[role]
		switch tier {
		case TierFast, TierStandard, TierDeep:
		default:
			return fmt.Errorf("config: role %q mapped to unknown tier %q", role, tier)
		}
	}
	return nil
}

// ResolveModel returns the first configured model matching the tier the
// role maps to.
func (c Config) ResolveModel(role Role) (ModelSpec, error) {
	tier, ok := c.Defaults[role]
	if !ok {
		return ModelSpec{}, fmt.Errorf("config: no default tier for role %q", role)
	}
	for _, m := range c.Models {
		if m.Tier == tier {
			return m, nil
		}
	}
	return ModelSpec{}, fmt.Errorf("config: no model with tier %q for role %q", tier, role)
}

// ModelByID looks a model up by identifier.
func (c Config) ModelByID(id string) (ModelSpec, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// SentinelModel returns the model identifier for classification calls:
// the sentinel role, then the compaction role, then a hardcoded fallback.
func (c Config) SentinelModel() string {
	if m, err := c.ResolveModel(RoleSentinel); err == nil {
		return m.ID
	}
	if m, err := c.ResolveModel(RoleCompaction); err == nil {
		return m.ID
	}
	return FallbackSentinelModel
}

// ContextTokens returns the context window size for a model identifier,
// falling back to DefaultMaxContextTokens for unknown models.
func (c Config) ContextTokens(modelID string) int {
	if m, ok := c.ModelByID(modelID); ok && m.MaxContextTokens > 0 {
		return m.MaxContextTokens
	}
	return DefaultMaxContextTokens
}
