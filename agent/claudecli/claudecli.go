// Package claudecli drives the Claude Code CLI as the external agent
// backend, one streaming invocation per turn over stream-json stdin/stdout.
package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loomboard/server/agent"
	"github.com/loomboard/server/runtime"
)

const stderrReadTimeout = 5 * time.Second

// scanBufSize bounds a single stream-json line.
const scanBufSize = 1024 * 1024

// Runner implements agent.Runner on top of the resolved CLI runtime.
type Runner struct {
	resolve runtime.ResolveFunc
}

// New creates a Runner. A nil resolve uses the process-wide resolver.
func New(resolve runtime.ResolveFunc) *Runner {
	if resolve == nil {
		resolve = runtime.Resolve
	}
	return &Runner{resolve: resolve}
}

// Start launches one CLI invocation and begins streaming its events.
func (r *Runner) Start(ctx context.Context, opts agent.LaunchOptions) (agent.Turn, error) {
	desc, err := r.resolve()
	if err != nil {
		return nil, err
	}

	argv := append(append([]string{}, desc.Argv...),
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	)
	if opts.PermissionMode != "" {
		argv = append(argv, "--permission-mode", opts.PermissionMode)
	}
	if opts.SessionID != "" {
		if opts.Resume {
			argv = append(argv, "--resume", opts.SessionID)
		} else {
			argv = append(argv, "--session-id", opts.SessionID)
		}
	}

	procCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)
	cmd.Dir = opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	slog.Info("agent process started", "pid", cmd.Process.Pid, "workDir", opts.WorkDir, "resume", opts.Resume)

	events := make(chan agent.Event)
	t := &turn{
		events: events,
		stdin:  stdin,
		cancel: cancel,
	}

	// When procCtx is cancelled (via Close or the session context),
	// CommandContext kills the process, closing stdout and unwinding
	// streamOutput.
	go func() {
		defer close(events)
		defer cancel()

		stderrCh := readStderr(stderr)
		streamOutput(procCtx, stdout, events)
		waitForProcess(procCtx, cmd, stderrCh, events)
	}()

	return t, nil
}

// turn is one live CLI invocation.
type turn struct {
	events  chan agent.Event
	stdin   io.WriteCloser
	stdinMu sync.Mutex
	cancel  func()
	once    sync.Once
}

func (t *turn) Events() <-chan agent.Event {
	return t.events
}

// Send writes one user message to the running invocation.
func (t *turn) Send(sub agent.Submission) error {
	msg := userMessage{
		Type: "user",
		Message: userContent{
			Role: "user",
			Content: []textContent{
				{Type: "text", Text: sub.Content},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// Close ends the invocation. Stdin closes first so the process can exit on
// its own; the context kill is the backstop.
func (t *turn) Close() {
	t.once.Do(func() {
		t.stdinMu.Lock()
		t.stdin.Close()
		t.stdinMu.Unlock()
		t.cancel()
	})
}

func readStderr(stderr io.Reader) <-chan string {
	ch := make(chan string, 1)
	go func() {
		var content strings.Builder
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			content.WriteString(scanner.Text())
			content.WriteString("\n")
		}
		ch <- content.String()
	}()
	return ch
}

func streamOutput(ctx context.Context, stdout io.Reader, events chan<- agent.Event) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanBufSize), scanBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		for _, event := range parseLine(line) {
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Error("stdout scanner error", "error", err)
	}
}

func waitForProcess(ctx context.Context, cmd *exec.Cmd, stderrCh <-chan string, events chan<- agent.Event) {
	var stderrContent string
	select {
	case stderrContent = <-stderrCh:
	case <-time.After(stderrReadTimeout):
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == nil {
			errMsg := strings.TrimSpace(stderrContent)
			if errMsg == "" {
				errMsg = err.Error()
			}
			select {
			case events <- agent.Event{Type: agent.EventTypeError, Error: errMsg}:
			case <-ctx.Done():
			}
		}
	}

	slog.Debug("agent process exited")
}

// --- wire types ---

type userMessage struct {
	Type    string      `json:"type"`
	Message userContent `json:"message"`
}

type userContent struct {
	Role    string        `json:"role"`
	Content []textContent `json:"content"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cliEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

type cliMessage struct {
	Content []cliContentBlock `json:"content"`
}

type cliContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// parseLine parses one line of stream-json output into zero or more events.
func parseLine(line []byte) []agent.Event {
	if len(line) == 0 {
		return nil
	}

	var event cliEvent
	if err := json.Unmarshal(line, &event); err != nil {
		slog.Error("failed to parse stream-json line", "error", err)
		// Fallback: surface raw content as text rather than dropping it.
		return []agent.Event{{
			Type:    agent.EventTypeText,
			Content: string(line),
		}}
	}

	switch event.Type {
	case "system":
		if event.Subtype == "init" {
			return []agent.Event{{
				Type:      agent.EventTypeInit,
				SessionID: event.SessionID,
			}}
		}
		return []agent.Event{{
			Type:      agent.EventTypeSystem,
			Content:   string(line),
			SessionID: event.SessionID,
		}}
	case "assistant":
		return parseAssistantEvent(event)
	case "user":
		return parseUserEvent(event)
	case "result":
		return []agent.Event{{
			Type:      agent.EventTypeResult,
			Content:   event.Result,
			IsError:   event.IsError || event.Subtype != "success",
			SessionID: event.SessionID,
		}}
	case "control_request", "control_response":
		// Interactive permission plumbing is handled by --permission-mode.
		return nil
	default:
		slog.Info("unknown stream-json event type", "type", event.Type)
		return []agent.Event{{
			Type:    agent.EventTypeText,
			Content: string(line),
		}}
	}
}

func parseAssistantEvent(event cliEvent) []agent.Event {
	if event.Message == nil {
		slog.Error("assistant event without message", "subtype", event.Subtype)
		return nil
	}

	var msg cliMessage
	if err := json.Unmarshal(event.Message, &msg); err != nil {
		slog.Error("failed to parse assistant message", "error", err)
		return []agent.Event{{
			Type:      agent.EventTypeText,
			Content:   string(event.Message),
			SessionID: event.SessionID,
		}}
	}

	var events []agent.Event
	var textParts []string

	flushText := func() {
		if len(textParts) == 0 {
			return
		}
		events = append(events, agent.Event{
			Type:      agent.EventTypeText,
			Content:   strings.Join(textParts, ""),
			SessionID: event.SessionID,
		})
		textParts = nil
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}
		case "tool_use", "server_tool_use":
			flushText()
			events = append(events, agent.Event{
				Type:      agent.EventTypeToolCall,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
				SessionID: event.SessionID,
			})
		}
	}
	flushText()

	return events
}

func parseUserEvent(event cliEvent) []agent.Event {
	if event.Message == nil {
		return nil
	}

	var msg cliMessage
	if err := json.Unmarshal(event.Message, &msg); err != nil {
		slog.Error("failed to parse user message", "error", err)
		return nil
	}

	var events []agent.Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		// Content is JSON: either a plain string or an array/object.
		var content string
		if err := json.Unmarshal(block.Content, &content); err != nil {
			content = string(block.Content)
		}
		events = append(events, agent.Event{
			Type:       agent.EventTypeToolResult,
			ToolUseID:  block.ToolUseID,
			ToolResult: content,
			SessionID:  event.SessionID,
		})
	}

	return events
}
