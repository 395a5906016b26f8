// Package agent defines the external coding-agent call primitive: one
// streaming invocation per turn, fed new submissions while it is already
// streaming.
package agent

import (
	"context"
	"time"
)

// Submission is one user input unit. Immutable once enqueued.
type Submission struct {
	// ID identifies this submission across events and transcript entries.
	ID string
	// SessionID is the external conversation identifier. Empty until the
	// process reports one; the multiplexer fills it in before sending.
	SessionID string
	// CanvasID names the canvas whose chat widget produced the input.
	CanvasID string
	// Content is the prompt text.
	Content string
	// At is the enqueue timestamp.
	At time.Time
}

// LaunchOptions is the process-launch configuration for a session. Set once
// at session construction, immutable thereafter.
type LaunchOptions struct {
	// WorkDir is the working directory for the agent process.
	WorkDir string
	// CanvasID tags transcript entries written for this session.
	CanvasID string
	// SessionID is a prior external identifier to resume, empty for a new
	// conversation.
	SessionID string
	// Resume selects --resume over --session-id when SessionID is set.
	Resume bool
	// PermissionMode is passed through to the CLI when non-empty.
	PermissionMode string
}

// Runner opens one streaming invocation of the external agent per turn.
type Runner interface {
	Start(ctx context.Context, opts LaunchOptions) (Turn, error)
}

// Turn is one live invocation. Send may be called while events are already
// streaming; the events channel closes when the invocation ends.
type Turn interface {
	Send(sub Submission) error
	Events() <-chan Event
	Close()
}
