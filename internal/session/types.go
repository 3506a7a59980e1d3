// Package session tracks live websocket connections.
package session

import (
	"context"
	"time"
)

// Connection is a snapshot of one live connection.
type Connection struct {
	ID             string    `json:"connection_id"`
	UserID         string    `json:"user_id"`
	ActiveTurns    int       `json:"active_turns"`
	TurnCount      int       `json:"turn_count"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	conn   Connection
	cancel context.CancelFunc
}
