package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("connection not found")

// Manager is the registry of live connections. Its janitor ends connections
// that stay idle past the inactivity timeout with no turn in flight.
type Manager struct {
	mu                sync.RWMutex
	conns             map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(Connection)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		conns:             make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(Connection)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Open registers a connection. cancel is called when the janitor expires it.
func (m *Manager) Open(userID string, cancel context.CancelFunc) Connection {
	now := m.now()
	e := &entry{
		conn: Connection{
			ID:             uuid.NewString(),
			UserID:         userID,
			ConnectedAt:    now,
			LastActivityAt: now,
		},
		cancel: cancel,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[e.conn.ID] = e
	return e.conn
}

func (m *Manager) Get(id string) (Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return e.conn, nil
}

func (m *Manager) Touch(id string) error {
	return m.update(id, func(c *Connection) {})
}

// BeginTurn marks a turn in flight; the janitor leaves the connection alone
// until the matching EndTurn.
func (m *Manager) BeginTurn(id string) error {
	return m.update(id, func(c *Connection) {
		c.ActiveTurns++
		c.TurnCount++
	})
}

func (m *Manager) EndTurn(id string) error {
	return m.update(id, func(c *Connection) {
		if c.ActiveTurns > 0 {
			c.ActiveTurns--
		}
	})
}

func (m *Manager) update(id string, fn func(*Connection)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	fn(&e.conn)
	e.conn.LastActivityAt = m.now()
	return nil
}

// Close removes a connection from the registry.
func (m *Manager) Close(id string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	delete(m.conns, id)
	return e.conn, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.conns {
		if e.conn.ActiveTurns > 0 {
			continue
		}
		if now.Sub(e.conn.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		delete(m.conns, id)
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		if e.cancel != nil {
			e.cancel()
		}
		if hook != nil {
			hook(e.conn)
		}
	}
}
