package transcript

import (
	"context"
	"errors"
	"time"
)

// Role tags who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SystemAuthor is the author id recorded on generated turns.
const SystemAuthor = "system"

// DefaultChatTitle is used when a chat is created without a title.
const DefaultChatTitle = "New chat"

var ErrChatNotFound = errors.New("chat not found")

// Chat is a conversation owned by exactly one user.
type Chat struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Turn is one immutable message of a chat.
type Turn struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	AuthorID  string    `json:"author_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn is the input to AppendTurn; the store assigns ID and CreatedAt.
type NewTurn struct {
	ChatID   string
	AuthorID string
	Role     Role
	Content  string
}

// Store persists chats and their turns.
//
// AppendTurn also bumps the chat's LastActivityAt. RecentTurns and ListTurns
// return turns oldest first.
type Store interface {
	CreateChat(ctx context.Context, ownerID, title string) (Chat, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	ListChats(ctx context.Context, ownerID string) ([]Chat, error)
	AppendTurn(ctx context.Context, turn NewTurn) (Turn, error)
	RecentTurns(ctx context.Context, chatID string, limit int) ([]Turn, error)
	ListTurns(ctx context.Context, chatID string) ([]Turn, error)
	Close() error
}
