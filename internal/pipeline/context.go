package pipeline

import (
	"strings"

	"github.com/ent0n29/mnemos/internal/brain"
	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/transcript"
)

const longTermPreamble = "these are some previous messages from the chat, use them to generate a response\n\n"

// ConversationContext is assembled fresh for every turn and never stored.
type ConversationContext struct {
	// ShortTerm holds the most recent turns of the chat, oldest first.
	ShortTerm []transcript.Turn
	// LongTerm holds semantically related records, best match first.
	LongTerm []memory.Match
}

// Segments renders the prompt: one background preamble carrying long-term
// memory, then the short-term transcript. The preamble is sent even when
// nothing was retrieved.
func (c ConversationContext) Segments() []brain.Segment {
	out := make([]brain.Segment, 0, len(c.ShortTerm)+1)
	texts := make([]string, 0, len(c.LongTerm))
	for _, m := range c.LongTerm {
		texts = append(texts, m.SourceText)
	}
	out = append(out, brain.Segment{
		Role: brain.RoleBackground,
		Text: longTermPreamble + strings.Join(texts, "\n"),
	})
	for _, t := range c.ShortTerm {
		role := brain.RoleUser
		if t.Role == transcript.RoleAssistant {
			role = brain.RoleAssistant
		}
		out = append(out, brain.Segment{Role: role, Text: t.Content})
	}
	return out
}
