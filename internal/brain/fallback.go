package brain

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGenerator asks the primary generator first and the secondary one
// when the primary fails for any reason other than cancellation.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

// Primary returns the preferred generator used before fallback.
func (g *FallbackGenerator) Primary() Generator {
	if g == nil {
		return nil
	}
	return g.primary
}

// Secondary returns the fallback generator.
func (g *FallbackGenerator) Secondary() Generator {
	if g == nil {
		return nil
	}
	return g.fallback
}

func (g *FallbackGenerator) Generate(ctx context.Context, segments []Segment) (string, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.fallback != nil {
			return g.fallback.Generate(ctx, segments)
		}
		return "", fmt.Errorf("%w: fallback generator misconfigured", ErrGeneration)
	}

	text, err := g.primary.Generate(ctx, segments)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || g.fallback == nil {
		return "", err
	}
	text, fallbackErr := g.fallback.Generate(ctx, segments)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return text, nil
}
