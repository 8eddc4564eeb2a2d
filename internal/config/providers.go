package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider adapter kinds understood by the registry.
const (
	KindOpenAICompat = "openai-compat"
	KindAnthropic    = "anthropic"
	KindStub         = "stub"
)

// ProviderSpec declares one fan-out registry entry. APIKeyEnv names the
// environment variable holding the key; it is resolved exactly once while
// building the registry, never at call time.
type ProviderSpec struct {
	Name          string `yaml:"name"`
	Kind          string `yaml:"kind"`
	Model         string `yaml:"model"`
	BaseURL       string `yaml:"base_url,omitempty"`
	APIKeyEnv     string `yaml:"api_key_env,omitempty"`
	JSONMode      bool   `yaml:"json_mode"`
	Enabled       bool   `yaml:"enabled"`
	DeepeningOnly bool   `yaml:"deepening_only"`
	MaxTokens     int    `yaml:"max_tokens,omitempty"`

	// APIKey is the resolved secret; populated by LoadProviders, never
	// serialized back.
	APIKey string `yaml:"-"`
}

// ProviderRegistry is the parsed providers file. The first enabled
// openai-compat entry is the distinguished default adapter.
type ProviderRegistry struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// Default returns the distinguished default entry (used by FAST_MODE and
// as the deepening fallback).
func (r ProviderRegistry) Default() (ProviderSpec, bool) {
	for _, p := range r.Providers {
		if p.Enabled && p.Kind == KindOpenAICompat && !p.DeepeningOnly {
			return p, true
		}
	}
	for _, p := range r.Providers {
		if p.Enabled {
			return p, true
		}
	}
	return ProviderSpec{}, false
}

// ByName looks a registry entry up regardless of enablement.
func (r ProviderRegistry) ByName(name string) (ProviderSpec, bool) {
	for _, p := range r.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderSpec{}, false
}

// LoadProviders reads the registry from cfg.ProvidersFile, or builds the
// default registry from the gateway keys when no file is configured.
func LoadProviders(cfg Config) (ProviderRegistry, error) {
	if cfg.ProvidersFile == "" {
		return defaultRegistry(cfg), nil
	}
	// #nosec G304 -- path comes from deployment configuration
	content, err := os.ReadFile(cfg.ProvidersFile)
	if err != nil {
		return ProviderRegistry{}, fmt.Errorf("op=config.LoadProviders: read %s: %w", cfg.ProvidersFile, err)
	}
	var reg ProviderRegistry
	if err := yaml.Unmarshal(content, &reg); err != nil {
		return ProviderRegistry{}, fmt.Errorf("op=config.LoadProviders: parse %s: %w", cfg.ProvidersFile, err)
	}
	if len(reg.Providers) == 0 {
		return ProviderRegistry{}, fmt.Errorf("op=config.LoadProviders: %s declares no providers", cfg.ProvidersFile)
	}
	for i := range reg.Providers {
		p := &reg.Providers[i]
		if p.Name == "" || p.Kind == "" {
			return ProviderRegistry{}, fmt.Errorf("op=config.LoadProviders: provider %d missing name or kind", i)
		}
		switch p.Kind {
		case KindOpenAICompat, KindAnthropic, KindStub:
		default:
			return ProviderRegistry{}, fmt.Errorf("op=config.LoadProviders: provider %s has unknown kind %q", p.Name, p.Kind)
		}
		if p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		} else {
			switch p.Kind {
			case KindAnthropic:
				p.APIKey = cfg.AnthropicAPIKey
			default:
				p.APIKey = cfg.LLMAPIKey
			}
		}
		if p.BaseURL == "" {
			switch p.Kind {
			case KindAnthropic:
				p.BaseURL = cfg.AnthropicBaseURL
			default:
				p.BaseURL = cfg.LLMBaseURL
			}
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = cfg.LLMMaxTokens
		}
	}
	return reg, nil
}

// defaultRegistry derives registry entries from RESEARCH_MODELS against
// the default gateway, plus an anthropic entry when its key is present.
func defaultRegistry(cfg Config) ProviderRegistry {
	var reg ProviderRegistry
	for i, model := range cfg.ResearchModels {
		name := model
		if i == 0 {
			name = "default"
		}
		reg.Providers = append(reg.Providers, ProviderSpec{
			Name:      name,
			Kind:      KindOpenAICompat,
			Model:     model,
			BaseURL:   cfg.LLMBaseURL,
			APIKey:    cfg.LLMAPIKey,
			JSONMode:  true,
			Enabled:   true,
			MaxTokens: cfg.LLMMaxTokens,
		})
	}
	if cfg.AnthropicAPIKey != "" {
		reg.Providers = append(reg.Providers, ProviderSpec{
			Name:      "anthropic",
			Kind:      KindAnthropic,
			Model:     "claude-3-5-haiku-latest",
			BaseURL:   cfg.AnthropicBaseURL,
			APIKey:    cfg.AnthropicAPIKey,
			Enabled:   true,
			MaxTokens: cfg.LLMMaxTokens,
		})
	}
	return reg
}
