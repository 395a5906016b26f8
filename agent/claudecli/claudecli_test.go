package claudecli

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/loomboard/server/agent"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []agent.Event
	}{
		{
			name:     "empty line",
			input:    "",
			expected: nil,
		},
		{
			name:  "invalid json falls back to raw text",
			input: "not json",
			expected: []agent.Event{{
				Type:    agent.EventTypeText,
				Content: "not json",
			}},
		},
		{
			name:  "system init carries session id",
			input: `{"type":"system","subtype":"init","cwd":"/tmp","session_id":"sess-1"}`,
			expected: []agent.Event{{
				Type:      agent.EventTypeInit,
				SessionID: "sess-1",
			}},
		},
		{
			name:  "successful result",
			input: `{"type":"result","subtype":"success","result":"All done","session_id":"sess-1"}`,
			expected: []agent.Event{{
				Type:      agent.EventTypeResult,
				Content:   "All done",
				SessionID: "sess-1",
			}},
		},
		{
			name:  "failed result",
			input: `{"type":"result","subtype":"error_during_execution","session_id":"sess-1"}`,
			expected: []agent.Event{{
				Type:      agent.EventTypeResult,
				IsError:   true,
				SessionID: "sess-1",
			}},
		},
		{
			name:  "assistant text message",
			input: `{"type":"assistant","session_id":"sess-1","message":{"content":[{"type":"text","text":"Hello World"}]}}`,
			expected: []agent.Event{{
				Type:      agent.EventTypeText,
				Content:   "Hello World",
				SessionID: "sess-1",
			}},
		},
		{
			name:  "assistant text blocks are joined",
			input: `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"},{"type":"text","text":" World"}]}}`,
			expected: []agent.Event{{
				Type:    agent.EventTypeText,
				Content: "Hello World",
			}},
		},
		{
			name:     "assistant message with empty content",
			input:    `{"type":"assistant","message":{"content":[]}}`,
			expected: nil,
		},
		{
			name:  "assistant tool use",
			input: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_123","name":"Read","input":{"file":"main.go"}}]}}`,
			expected: []agent.Event{{
				Type:      agent.EventTypeToolCall,
				ToolUseID: "toolu_123",
				ToolName:  "Read",
				ToolInput: json.RawMessage(`{"file":"main.go"}`),
			}},
		},
		{
			name:  "assistant text and tool use in one message",
			input: `{"type":"assistant","message":{"content":[{"type":"text","text":"reading"},{"type":"tool_use","id":"toolu_456","name":"Read","input":{"path":"main.go"}}]}}`,
			expected: []agent.Event{
				{
					Type:    agent.EventTypeText,
					Content: "reading",
				},
				{
					Type:      agent.EventTypeToolCall,
					ToolUseID: "toolu_456",
					ToolName:  "Read",
					ToolInput: json.RawMessage(`{"path":"main.go"}`),
				},
			},
		},
		{
			name:  "user tool result",
			input: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_123","content":"file contents"}]}}`,
			expected: []agent.Event{{
				Type:       agent.EventTypeToolResult,
				ToolUseID:  "toolu_123",
				ToolResult: "file contents",
			}},
		},
		{
			name:  "user tool result with structured content keeps raw json",
			input: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_9","content":[{"type":"text","text":"x"}]}]}}`,
			expected: []agent.Event{{
				Type:       agent.EventTypeToolResult,
				ToolUseID:  "toolu_9",
				ToolResult: `[{"type":"text","text":"x"}]`,
			}},
		},
		{
			name:     "control requests are ignored",
			input:    `{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool"}}`,
			expected: nil,
		},
		{
			name:  "non-init system event passes through",
			input: `{"type":"system","subtype":"compact_boundary","session_id":"sess-1"}`,
			expected: []agent.Event{{
				Type:      agent.EventTypeSystem,
				Content:   `{"type":"system","subtype":"compact_boundary","session_id":"sess-1"}`,
				SessionID: "sess-1",
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseLine([]byte(tt.input))
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("parseLine() = %+v, want %+v", got, tt.expected)
			}
		})
	}
}

type nopWriteCloser struct {
	*bytes.Buffer
}

func (nopWriteCloser) Close() error { return nil }

func TestTurnSend(t *testing.T) {
	var buf bytes.Buffer
	tr := &turn{stdin: nopWriteCloser{&buf}}

	if err := tr.Send(agent.Submission{Content: "hello"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	line := buf.Bytes()
	if len(line) == 0 || line[len(line)-1] != '\n' {
		t.Fatal("expected newline-terminated message")
	}

	var msg userMessage
	if err := json.Unmarshal(bytes.TrimSpace(line), &msg); err != nil {
		t.Fatalf("invalid JSON written to stdin: %v", err)
	}
	if msg.Type != "user" || msg.Message.Role != "user" {
		t.Errorf("unexpected envelope: %+v", msg)
	}
	if len(msg.Message.Content) != 1 || msg.Message.Content[0].Text != "hello" {
		t.Errorf("unexpected content: %+v", msg.Message.Content)
	}
}
