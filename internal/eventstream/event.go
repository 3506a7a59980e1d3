// Package eventstream publishes transport-neutral events about persisted turns.
package eventstream

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mnemos/internal/transcript"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeTurnPersisted is emitted after a conversation turn is persisted.
	EventTypeTurnPersisted = "mnemos.turn.persisted"
)

// ErrNilTurnEvent indicates a nil turn event payload was provided to a publisher.
var ErrNilTurnEvent = errors.New("nil turn event")

// TurnPersistedEvent is the payload for one durably stored turn.
type TurnPersistedEvent struct {
	SchemaVersion int         `json:"schema_version"`
	EventType     string      `json:"event_type"`
	EventID       string      `json:"event_id"`
	EmittedAt     time.Time   `json:"emitted_at"`
	UserID        string      `json:"user_id"`
	Turn          TurnPayload `json:"turn"`
}

type TurnPayload struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	AuthorID  string    `json:"author_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurnPersisted wraps a stored turn. userID is the owner of the exchange,
// which differs from the author for assistant turns.
func NewTurnPersisted(userID string, t transcript.Turn) *TurnPersistedEvent {
	return &TurnPersistedEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeTurnPersisted,
		EventID:       "evt_" + uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		UserID:        userID,
		Turn: TurnPayload{
			ID:        t.ID,
			ChatID:    t.ChatID,
			AuthorID:  t.AuthorID,
			Role:      string(t.Role),
			Content:   t.Content,
			CreatedAt: t.CreatedAt,
		},
	}
}
