package embedding

import (
	"fmt"
	"strings"
)

// Config selects an embedding provider.
type Config struct {
	// Provider is one of mock, openai or ollama.
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
}

func New(cfg Config) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "mock":
		return NewMockEmbedder(cfg.Dimensions), nil
	case "openai":
		return NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case "ollama":
		return NewOllamaEmbedder(OllamaConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
