package agent

import "encoding/json"

// EventType defines the type of agent event.
type EventType string

const (
	// EventTypeInit is the first event of an invocation and carries the
	// authoritative session identifier.
	EventTypeInit       EventType = "init"
	EventTypeText       EventType = "text"
	EventTypeToolCall   EventType = "tool_call"
	EventTypeToolResult EventType = "tool_result"
	EventTypeSystem     EventType = "system"
	EventTypeError      EventType = "error"
	// EventTypeResult is the terminal event of a turn.
	EventTypeResult EventType = "result"
)

// Event is a unified event from the agent process stream.
type Event struct {
	Type       EventType       `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	Error      string          `json:"error,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	// IsError marks a failed terminal result.
	IsError bool `json:"is_error,omitempty"`
}

// Terminal reports whether the event settles the current turn.
func (e Event) Terminal() bool {
	return e.Type == EventTypeResult
}

// AssistantOutput reports whether the event is assistant-produced content
// that must be persisted to the transcript before forwarding.
func (e Event) AssistantOutput() bool {
	switch e.Type {
	case EventTypeText, EventTypeToolCall, EventTypeToolResult:
		return true
	default:
		return false
	}
}
