package brain

import (
	"context"
	"fmt"
	"strings"
)

// MockGenerator provides deterministic local replies when no model is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, segments []Segment) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrGeneration, ctx.Err())
	default:
	}
	return buildMockReply(segments), nil
}

func buildMockReply(segments []Segment) string {
	var (
		heard    string
		remember string
	)
	for _, s := range segments {
		switch s.Role {
		case RoleUser:
			heard = strings.TrimSpace(s.Text)
		case RoleBackground:
			// Remembered text follows the instruction paragraph, if any.
			body := s.Text
			if _, after, ok := strings.Cut(body, "\n\n"); ok {
				body = after
			}
			lines := strings.Split(strings.TrimSpace(body), "\n")
			if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
				remember = last
			}
		}
	}
	if heard == "" {
		heard = "nothing yet"
	}
	if remember == "" {
		return fmt.Sprintf("I heard you: %s", heard)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", heard, remember)
}
