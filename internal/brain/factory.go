package brain

import (
	"fmt"
	"strings"
)

// Config controls generator construction.
type Config struct {
	// Provider is one of auto, anthropic, openai or mock.
	Provider        string
	Model           string
	MaxTokens       int
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
}

func NewGenerator(cfg Config) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "auto":
		return newAutoGenerator(cfg), nil
	case "anthropic":
		return NewAnthropicGenerator(AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	case "openai":
		return newOpenAI(cfg)
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported brain provider %q", cfg.Provider)
	}
}

func newOpenAI(cfg Config) (*OpenAIGenerator, error) {
	return NewOpenAIGenerator(OpenAIConfig{
		APIKey:    cfg.OpenAIAPIKey,
		BaseURL:   cfg.OpenAIBaseURL,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	})
}

// newAutoGenerator prefers Anthropic, backs it with OpenAI when both keys are
// present, and ends at the mock when nothing is configured. The model name
// only applies to the primary provider.
func newAutoGenerator(cfg Config) Generator {
	var secondary Generator
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" || strings.TrimSpace(cfg.OpenAIBaseURL) != "" {
		openaiCfg := cfg
		if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
			openaiCfg.Model = ""
		}
		if g, err := newOpenAI(openaiCfg); err == nil {
			secondary = g
		}
	}

	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		primary, err := NewAnthropicGenerator(AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
		if err == nil {
			if secondary != nil {
				return NewFallbackGenerator(primary, secondary)
			}
			return primary
		}
	}
	if secondary != nil {
		return secondary
	}
	return NewMockGenerator()
}
