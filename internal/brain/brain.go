// Package brain is the generative model client: an ordered list of role-tagged
// segments in, generated text out.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrGeneration wraps every generator failure.
var ErrGeneration = errors.New("generation failed")

// Role tags a prompt segment.
type Role string

const (
	// RoleBackground carries instructions or retrieved memory, not dialogue.
	RoleBackground Role = "background"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
)

// Segment is one piece of the prompt.
type Segment struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Generator produces the assistant reply for a prompt.
type Generator interface {
	Generate(ctx context.Context, segments []Segment) (string, error)
}

// splitBackground separates background segments from the dialogue and drops
// dialogue that opens with the assistant, since chat APIs expect a user first.
func splitBackground(segments []Segment) (background string, dialogue []Segment, err error) {
	var parts []string
	for _, s := range segments {
		switch s.Role {
		case RoleBackground:
			if strings.TrimSpace(s.Text) != "" {
				parts = append(parts, s.Text)
			}
		case RoleUser, RoleAssistant:
			if len(dialogue) == 0 && s.Role == RoleAssistant {
				continue
			}
			dialogue = append(dialogue, s)
		default:
			return "", nil, fmt.Errorf("%w: unknown segment role %q", ErrGeneration, s.Role)
		}
	}
	if len(dialogue) == 0 {
		return "", nil, fmt.Errorf("%w: prompt has no user segment", ErrGeneration)
	}
	return strings.Join(parts, "\n\n"), dialogue, nil
}
