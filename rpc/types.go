// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket
// communication. These types represent the params and result structures for
// all RPC methods.
package rpc

import (
	"encoding/json"
	"time"

	"github.com/loomboard/server/agent"
	"github.com/loomboard/server/mux"
	"github.com/loomboard/server/session"
)

// Client → Server

type AuthParams struct {
	Token string `json:"token"`
}

type SubmitParams struct {
	// SessionID may be empty: the submission then starts a fresh
	// conversation, and its identifier arrives in the chat.init
	// notification.
	SessionID string `json:"session_id"`
	CanvasID  string `json:"canvas_id,omitempty"`
	Content   string `json:"content"`
	WorkDir   string `json:"work_dir,omitempty"`
}

type SubmitResult struct {
	SubmissionID string `json:"submission_id"`
	// SessionID echoes the session the submission landed in, which matters
	// when the submit created one implicitly.
	SessionID string `json:"session_id"`
}

type DisposeParams struct {
	SessionID string `json:"session_id"`
}

type SessionCreateParams struct {
	CanvasID string `json:"canvas_id,omitempty"`
	Title    string `json:"title,omitempty"`
	WorkDir  string `json:"work_dir,omitempty"`
}

type SessionParams struct {
	SessionID string `json:"session_id"`
}

type SessionRenameParams struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

type SessionListResult struct {
	Sessions []session.Meta `json:"sessions"`
}

type HistoryResult struct {
	Entries []HistoryEntry `json:"entries"`
}

type HistoryEntry struct {
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

type FSSubscribeParams struct {
	Path string `json:"path"`
}

type FSSubscribeResult struct {
	WatchID string `json:"watch_id"`
}

type FSUnsubscribeParams struct {
	WatchID string `json:"watch_id"`
}

// Server → Client notifications
//
// Each agent event type maps to its own method so clients can dispatch
// without sniffing payload shapes.

const (
	MethodInit       = "chat.init"
	MethodText       = "chat.text"
	MethodToolCall   = "chat.tool_call"
	MethodToolResult = "chat.tool_result"
	MethodSystem     = "chat.system"
	MethodError      = "chat.error"
	MethodResult     = "chat.result"
	MethodSaved      = "chat.saved"

	MethodSessionChanged = "session.changed"
	MethodFSChanged      = "fs.changed"
)

type InitParams struct {
	SessionID string `json:"session_id"`
}

type TextParams struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type ToolCallParams struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	ToolUseID string          `json:"tool_use_id"`
}

type ToolResultParams struct {
	SessionID  string `json:"session_id"`
	ToolUseID  string `json:"tool_use_id"`
	ToolResult string `json:"tool_result"`
}

type SystemParams struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type ErrorParams struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

type ResultParams struct {
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Content   string `json:"content"`
}

type SavedParams struct {
	SessionID    string `json:"session_id"`
	SubmissionID string `json:"submission_id"`
}

type SessionChangedParams struct {
	Op      session.ChangeOp `json:"op"`
	Session session.Meta     `json:"session"`
}

type FSChangedParams struct {
	WatchID string `json:"watch_id"`
	Path    string `json:"path"`
	// Op is the coalesced set of operations seen during the debounce
	// window, e.g. "create|write".
	Op string `json:"op"`
}

// NotifyMethod maps a multiplexer event to its notification method and
// params. The sessionID argument fills in events that predate the process
// reporting an identifier.
func NotifyMethod(sessionID string, ev mux.Event) (string, interface{}) {
	if ev.Saved != nil {
		id := ev.Saved.SessionID
		if id == "" {
			id = sessionID
		}
		return MethodSaved, SavedParams{SessionID: id, SubmissionID: ev.Saved.SubmissionID}
	}

	e := ev.Agent
	if e == nil {
		return "", nil
	}
	id := e.SessionID
	if id == "" {
		id = sessionID
	}

	switch e.Type {
	case agent.EventTypeInit:
		return MethodInit, InitParams{SessionID: id}
	case agent.EventTypeText:
		return MethodText, TextParams{SessionID: id, Content: e.Content}
	case agent.EventTypeToolCall:
		return MethodToolCall, ToolCallParams{SessionID: id, ToolName: e.ToolName, ToolInput: e.ToolInput, ToolUseID: e.ToolUseID}
	case agent.EventTypeToolResult:
		return MethodToolResult, ToolResultParams{SessionID: id, ToolUseID: e.ToolUseID, ToolResult: e.ToolResult}
	case agent.EventTypeSystem:
		return MethodSystem, SystemParams{SessionID: id, Content: e.Content}
	case agent.EventTypeError:
		return MethodError, ErrorParams{SessionID: id, Error: e.Error}
	case agent.EventTypeResult:
		return MethodResult, ResultParams{SessionID: id, IsError: e.IsError, Content: e.Content}
	default:
		return MethodSystem, SystemParams{SessionID: id, Content: e.Content}
	}
}
