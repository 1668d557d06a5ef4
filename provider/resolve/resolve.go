// Package resolve creates providers from provider-agnostic configuration,
// so the shell never imports a concrete provider package directly.
package resolve

import (
	"fmt"
	"log/slog"

	atoll "github.com/helmshore/atoll"
	"github.com/helmshore/atoll/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "openrouter", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string // fallback model for requests that do not select one
	BaseURL  string // auto-filled for known providers

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64

	Logger *slog.Logger
}

// Provider creates an atoll.Provider from a provider-agnostic Config.
func Provider(cfg Config) (atoll.Provider, error) {
	switch cfg.Provider {
	case "openai", "openrouter", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func openaiCompatProvider(cfg Config) atoll.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}
	if cfg.Logger != nil {
		provOpts = append(provOpts, openaicompat.WithLogger(cfg.Logger))
	}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
