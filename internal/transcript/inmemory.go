package transcript

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process transcript store for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	chats map[string]*Chat
	turns map[string][]Turn
	now   func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats: make(map[string]*Chat),
		turns: make(map[string][]Turn),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) CreateChat(_ context.Context, ownerID, title string) (Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultChatTitle
	}
	now := s.now()
	c := &Chat{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Title:          title,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = c
	return *c, nil
}

func (s *InMemoryStore) GetChat(_ context.Context, chatID string) (Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, ErrChatNotFound
	}
	return *c, nil
}

func (s *InMemoryStore) ListChats(_ context.Context, ownerID string) ([]Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chat, 0)
	for _, c := range s.chats {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, in NewTurn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[in.ChatID]
	if !ok {
		return Turn{}, ErrChatNotFound
	}
	t := Turn{
		ID:        uuid.NewString(),
		ChatID:    in.ChatID,
		AuthorID:  in.AuthorID,
		Role:      in.Role,
		Content:   in.Content,
		CreatedAt: s.now(),
	}
	s.turns[in.ChatID] = append(s.turns[in.ChatID], t)
	c.LastActivityAt = t.CreatedAt
	return t, nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, chatID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[chatID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Turn, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) ListTurns(ctx context.Context, chatID string) ([]Turn, error) {
	return s.RecentTurns(ctx, chatID, 0)
}

func (s *InMemoryStore) Close() error { return nil }
