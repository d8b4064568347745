// Package store defines the persistence interface for session and event
// history and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the bridge.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]Session, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)
	UpdateSessionState(ctx context.Context, id, state string, exitCode *int) error
	SetSessionCommand(ctx context.Context, id, command string) error

	// Events
	AppendEvent(ctx context.Context, ev *Event) (int64, error)
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error)

	// Data retention
	PurgeOldSessions(ctx context.Context, before time.Time) (int64, error)
	PurgeOldEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session records one client connection and the process it drove.
type Session struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	State     string    `json:"state"` // "awaiting_connect", "running", "terminated"
	ExitCode  *int      `json:"exit_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one lifecycle event within a session: spawn, exit, timeout,
// limit breach.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
