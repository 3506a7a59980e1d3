package auth

import (
	"context"
	"strings"
	"sync"
)

// Directory resolves user ids to identities.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Identity, error)
}

// MemoryDirectory is a fixed set of users, used for development and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]Identity
}

func NewMemoryDirectory(users ...Identity) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]Identity, len(users))}
	for _, u := range users {
		d.users[u.UserID] = u
	}
	return d
}

// ParseDevUsers reads a comma-separated list of id or id:Display Name pairs.
func ParseDevUsers(raw string) []Identity {
	var out []Identity
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, _ := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, Identity{UserID: id, DisplayName: strings.TrimSpace(name)})
	}
	return out
}

func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.users[userID]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return id, nil
}

func (d *MemoryDirectory) Add(id Identity) {
	d.mu.Lock()
	d.users[id.UserID] = id
	d.mu.Unlock()
}
