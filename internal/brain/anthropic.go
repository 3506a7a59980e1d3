package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ent0n29/mnemos/internal/reliability"
)

const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultMaxTokens      = 1024
)

// AnthropicConfig configures the Messages API generator.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// AnthropicGenerator calls the Anthropic Messages API once per prompt.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic generator requires an api key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// One attempt per turn; the client decides whether to resend.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

func (g *AnthropicGenerator) Generate(ctx context.Context, segments []Segment) (string, error) {
	system, dialogue, err := splitBackground(segments)
	if err != nil {
		return "", err
	}

	messages := make([]anthropic.MessageParam, 0, len(dialogue))
	for _, s := range dialogue {
		block := anthropic.NewTextBlock(s.Text)
		if s.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			err = errors.Join(err, &reliability.StatusError{Provider: "anthropic", StatusCode: apiErr.StatusCode})
		}
		return "", fmt.Errorf("%w: anthropic: %w", ErrGeneration, err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("%w: anthropic returned no text", ErrGeneration)
	}
	return text, nil
}
