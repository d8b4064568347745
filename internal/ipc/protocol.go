// Package ipc serves bridge status over a local Unix socket using
// JSON-Lines, for the status subcommand and any local tooling.
package ipc

import (
	"encoding/json"
	"time"
)

// Request is a JSON-Lines request from a local client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is sent back to the client.
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"` // "result" or "error" or "event"
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusResult is returned by the "status" method.
type StatusResult struct {
	Addr          string    `json:"addr"`
	Uptime        string    `json:"uptime"`
	StartedAt     time.Time `json:"started_at"`
	Sessions      int       `json:"sessions"`
	MaxSessions   int       `json:"max_sessions"`
	AuthMode      string    `json:"auth_mode"`
	StorageDriver string    `json:"storage_driver"`
	Version       string    `json:"version"`
}

// SessionInfo describes a single live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Command   string    `json:"command,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Pending   int       `json:"pending"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionsResult is returned by the "sessions" method.
type SessionsResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SubscribeParams are sent with the "subscribe" method.
type SubscribeParams struct {
	Events []string `json:"events"`
}

// TerminateParams are sent with the "terminate" method.
type TerminateParams struct {
	SessionID string `json:"session_id"`
}

// TerminateResult is returned by the "terminate" method.
type TerminateResult struct {
	Terminated bool `json:"terminated"`
}

// Event wraps an event bus event for IPC transport.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StateProvider is the interface the IPC server uses to query and control
// bridge state.
type StateProvider interface {
	Status() StatusResult
	Sessions() []SessionInfo
	// Terminate tears down one session; false when the id is unknown.
	Terminate(sessionID string) bool
}
