// Package config loads the application-shell configuration for cmd/atoll.
// Runtime model/limit settings live in the YAML file the engine consumes;
// this TOML layer covers everything the shell wires up around it.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Skills   SkillsConfig   `toml:"skills"`
	Files    FilesConfig    `toml:"files"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	// RPM and TPM cap requests and tokens per minute. Zero disables the cap.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`   // sqlite file path
	URL    string `toml:"url"`    // postgres connection string
}

type EngineConfig struct {
	// RuntimeConfig is the YAML file holding model registry and limits.
	RuntimeConfig string `toml:"runtime_config"`
	Mode          string `toml:"mode"` // "multi_agent" or "single_loop"
	UserID        string `toml:"user_id"`
	Channel       string `toml:"channel"`
}

type SkillsConfig struct {
	Dir      string   `toml:"dir"`
	ReadOnly []string `toml:"read_only"`
	Disabled []string `toml:"disabled"`
}

type FilesConfig struct {
	Dir string `toml:"dir"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input       float64 `toml:"input"`
	CachedInput float64 `toml:"cached_input"`
	CacheWrite  float64 `toml:"cache_write"`
	Output      float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:      LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "atoll.db"},
		Engine:   EngineConfig{RuntimeConfig: "atoll.yaml", Mode: "multi_agent", UserID: "local", Channel: "shell"},
		Skills:   SkillsConfig{Dir: "skills"},
		Files:    FilesConfig{Dir: "."},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "atoll.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ATOLL_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ATOLL_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("ATOLL_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("ATOLL_DATABASE_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.URL = v
	}
	if v := os.Getenv("ATOLL_SKILLS_DIR"); v != "" {
		cfg.Skills.Dir = v
	}
	if v := os.Getenv("ATOLL_RUNTIME_CONFIG"); v != "" {
		cfg.Engine.RuntimeConfig = v
	}
	if os.Getenv("ATOLL_OBSERVER_ENABLED") == "true" || os.Getenv("ATOLL_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
