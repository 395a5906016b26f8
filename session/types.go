package session

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Meta holds metadata for one agent conversation pinned to a canvas.
type Meta struct {
	ID       string `json:"id"`
	CanvasID string `json:"canvas_id"`
	Title    string `json:"title"`
	WorkDir  string `json:"work_dir,omitempty"`
	// AgentSessionID is the identifier the agent process reported for this
	// conversation; empty until the first turn ran.
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent describes one mutation of the session index.
type ChangeEvent struct {
	Op      ChangeOp `json:"op"`
	Session Meta     `json:"session"`
}

// ChangeListener receives index mutations, e.g. to notify connected
// clients.
type ChangeListener interface {
	OnSessionChange(event ChangeEvent)
}
