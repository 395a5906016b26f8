package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loomboard/server/agent"
	"github.com/loomboard/server/mux"
	"github.com/loomboard/server/rpc"
	"github.com/loomboard/server/runtime"
	"github.com/loomboard/server/session"
	"github.com/loomboard/server/transcript"
	"github.com/loomboard/server/watch"
	"github.com/sourcegraph/jsonrpc2"
)

// scriptedRunner fakes the agent process: each Send answers with a scripted
// event sequence.
type scriptedRunner struct {
	mu     sync.Mutex
	script func(emit func(agent.Event), sub agent.Submission)
	starts int
}

type scriptedTurn struct {
	runner *scriptedRunner
	events chan agent.Event
	once   sync.Once
}

func (r *scriptedRunner) Start(ctx context.Context, opts agent.LaunchOptions) (agent.Turn, error) {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	t := &scriptedTurn{runner: r, events: make(chan agent.Event, 256)}
	go func() {
		<-ctx.Done()
		t.Close()
	}()
	return t, nil
}

func (t *scriptedTurn) Send(sub agent.Submission) error {
	t.runner.mu.Lock()
	script := t.runner.script
	t.runner.mu.Unlock()
	if script != nil {
		script(func(ev agent.Event) { t.events <- ev }, sub)
	}
	return nil
}

func (t *scriptedTurn) Events() <-chan agent.Event { return t.events }

func (t *scriptedTurn) Close() {
	t.once.Do(func() { close(t.events) })
}

type testEnv struct {
	t           *testing.T
	runner      *scriptedRunner
	sessions    *session.FileStore
	transcripts *transcript.Store
	workDir     string
	server      *httptest.Server
	conn        *websocket.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	reqID       int
}

func newTestEnv(t *testing.T, runner *scriptedRunner) *testEnv {
	dataDir := t.TempDir()
	workDir := t.TempDir()

	sessions, err := session.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	transcripts, err := transcript.Open(filepath.Join(dataDir, "transcript.db"))
	if err != nil {
		t.Fatalf("failed to open transcript store: %v", err)
	}

	pool := mux.NewPool(mux.Config{
		Runner: runner,
		Resolve: func() (runtime.Descriptor, error) {
			return runtime.Descriptor{Path: "/usr/local/bin/claude", Argv: []string{"/usr/local/bin/claude"}}, nil
		},
		Sink: transcripts,
	})

	fsWatcher := watch.NewFSWatcher(workDir)
	if err := fsWatcher.Start(); err != nil {
		t.Fatalf("failed to start fs watcher: %v", err)
	}
	sessionList := watch.NewSessionListWatcher(sessions)
	if err := sessionList.Start(); err != nil {
		t.Fatalf("failed to start session list watcher: %v", err)
	}

	h := NewRPCHandler(Config{
		Token:       "test-token",
		DevMode:     true,
		WorkDir:     workDir,
		Pool:        pool,
		Sessions:    sessions,
		Transcripts: transcripts,
		FSWatcher:   fsWatcher,
		SessionList: sessionList,
	})
	server := httptest.NewServer(h)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}

	env := &testEnv{
		t:           t,
		runner:      runner,
		sessions:    sessions,
		transcripts: transcripts,
		workDir:     workDir,
		server:      server,
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
	}

	// Authenticate
	resp := env.call("auth", rpc.AuthParams{Token: "test-token"})
	if resp.Error != nil {
		t.Fatalf("auth failed: %s", resp.Error.Message)
	}

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
		server.Close()
		pool.Shutdown()
		fsWatcher.Stop()
		sessionList.Stop()
		transcripts.Close()
	})

	return env
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc2.Error `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (e *testEnv) nextID() int {
	e.reqID++
	return e.reqID
}

func (e *testEnv) call(method string, params interface{}) rpcResponse {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      e.nextID(),
		Method:  method,
		Params:  params,
	}
	data, _ := json.Marshal(req)
	if err := e.conn.Write(e.ctx, websocket.MessageText, data); err != nil {
		e.t.Fatalf("failed to send: %v", err)
	}

	_, respData, err := e.conn.Read(e.ctx)
	if err != nil {
		e.t.Fatalf("failed to read: %v", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		e.t.Fatalf("failed to unmarshal response: %v", err)
	}
	return resp
}

func (e *testEnv) readNotification() rpcNotification {
	_, data, err := e.conn.Read(e.ctx)
	if err != nil {
		e.t.Fatalf("failed to read: %v", err)
	}

	var notif rpcNotification
	if err := json.Unmarshal(data, &notif); err != nil {
		e.t.Fatalf("failed to unmarshal notification: %v", err)
	}
	return notif
}

func mustUnmarshal[T any](t *testing.T, data json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	return v
}

func helloScript(agentID string) func(emit func(agent.Event), sub agent.Submission) {
	return func(emit func(agent.Event), sub agent.Submission) {
		emit(agent.Event{Type: agent.EventTypeInit, SessionID: agentID})
		emit(agent.Event{Type: agent.EventTypeText, Content: "hello from the agent", SessionID: agentID})
		emit(agent.Event{Type: agent.EventTypeResult, Content: "all done", SessionID: agentID})
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnvNoAuth(t)

	resp := env.call("session.list", struct{}{})
	if resp.Error == nil {
		t.Fatal("expected error for unauthenticated request")
	}
}

func newTestEnvNoAuth(t *testing.T) *testEnv {
	h := NewRPCHandler(Config{Token: "test-token", DevMode: true})
	server := httptest.NewServer(h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
		server.Close()
	})
	return &testEnv{t: t, server: server, conn: conn, ctx: ctx, cancel: cancel}
}

func TestAuthInvalidToken(t *testing.T) {
	env := newTestEnvNoAuth(t)

	resp := env.call("auth", rpc.AuthParams{Token: "wrong"})
	if resp.Error == nil {
		t.Fatal("expected error for bad token")
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	resp := env.call("session.create", rpc.SessionCreateParams{CanvasID: "canvas-1", Title: "Board work"})
	if resp.Error != nil {
		t.Fatalf("create failed: %s", resp.Error.Message)
	}
	created := mustUnmarshal[session.Meta](t, resp.Result)
	if created.ID == "" || created.CanvasID != "canvas-1" || created.Title != "Board work" {
		t.Fatalf("unexpected session: %+v", created)
	}

	resp = env.call("session.rename", rpc.SessionRenameParams{SessionID: created.ID, Title: "Renamed"})
	if resp.Error != nil {
		t.Fatalf("rename failed: %s", resp.Error.Message)
	}

	resp = env.call("session.list", struct{}{})
	if resp.Error != nil {
		t.Fatalf("list failed: %s", resp.Error.Message)
	}
	list := mustUnmarshal[rpc.SessionListResult](t, resp.Result)
	if len(list.Sessions) != 1 || list.Sessions[0].Title != "Renamed" {
		t.Fatalf("unexpected list: %+v", list.Sessions)
	}

	resp = env.call("session.delete", rpc.SessionParams{SessionID: created.ID})
	if resp.Error != nil {
		t.Fatalf("delete failed: %s", resp.Error.Message)
	}

	resp = env.call("session.list", struct{}{})
	list = mustUnmarshal[rpc.SessionListResult](t, resp.Result)
	if len(list.Sessions) != 0 {
		t.Fatalf("expected empty list, got %+v", list.Sessions)
	}
}

func TestSessionRenameNotFound(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	resp := env.call("session.rename", rpc.SessionRenameParams{SessionID: "missing", Title: "x"})
	if resp.Error == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestSubmitStreamsTurn(t *testing.T) {
	runner := &scriptedRunner{script: helloScript("agent-sess-1")}
	env := newTestEnv(t, runner)

	resp := env.call("chat.submit", rpc.SubmitParams{CanvasID: "canvas-1", Content: "hello"})
	if resp.Error != nil {
		t.Fatalf("submit failed: %s", resp.Error.Message)
	}
	result := mustUnmarshal[rpc.SubmitResult](t, resp.Result)
	if result.SubmissionID == "" || result.SessionID == "" {
		t.Fatalf("unexpected submit result: %+v", result)
	}

	wantMethods := []string{rpc.MethodSaved, rpc.MethodInit, rpc.MethodText, rpc.MethodResult}
	for _, want := range wantMethods {
		notif := env.readNotification()
		if notif.Method != want {
			t.Fatalf("notification = %q, want %q", notif.Method, want)
		}
		if want == rpc.MethodResult {
			params := mustUnmarshal[rpc.ResultParams](t, notif.Params)
			if params.Content != "all done" || params.IsError {
				t.Errorf("unexpected result params: %+v", params)
			}
		}
	}

	// The agent-reported identifier is recorded on the stored session.
	deadline := time.Now().Add(5 * time.Second)
	for {
		meta, found, _ := env.sessions.Get(result.SessionID)
		if found && meta.AgentSessionID == "agent-sess-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent session id not recorded, got %+v", meta)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Transcript history is served through session.history.
	resp = env.call("session.history", rpc.SessionParams{SessionID: result.SessionID})
	if resp.Error != nil {
		t.Fatalf("history failed: %s", resp.Error.Message)
	}
	history := mustUnmarshal[rpc.HistoryResult](t, resp.Result)
	if len(history.Entries) != 2 { // user submission + assistant text
		t.Fatalf("expected 2 history entries, got %d", len(history.Entries))
	}
}

func TestNotificationsCarryAdoptedSessionID(t *testing.T) {
	runner := &scriptedRunner{script: func(emit func(agent.Event), sub agent.Submission) {
		emit(agent.Event{Type: agent.EventTypeInit, SessionID: "agent-sess-9"})
		// No session id on the text event: the handler must fill in the one
		// the agent just reported.
		emit(agent.Event{Type: agent.EventTypeText, Content: "untagged line"})
		emit(agent.Event{Type: agent.EventTypeResult, Content: "done", SessionID: "agent-sess-9"})
	}}
	env := newTestEnv(t, runner)

	resp := env.call("chat.submit", rpc.SubmitParams{Content: "hello"})
	if resp.Error != nil {
		t.Fatalf("submit failed: %s", resp.Error.Message)
	}

	for _, want := range []string{rpc.MethodSaved, rpc.MethodInit, rpc.MethodText, rpc.MethodResult} {
		notif := env.readNotification()
		if notif.Method != want {
			t.Fatalf("notification = %q, want %q", notif.Method, want)
		}
		if want == rpc.MethodText {
			params := mustUnmarshal[rpc.TextParams](t, notif.Params)
			if params.SessionID != "agent-sess-9" {
				t.Errorf("text notification session = %q, want the adopted id", params.SessionID)
			}
		}
	}
}

func TestSubmitOnExistingSessionResumes(t *testing.T) {
	runner := &scriptedRunner{script: helloScript("agent-sess-2")}
	env := newTestEnv(t, runner)

	resp := env.call("chat.submit", rpc.SubmitParams{Content: "first"})
	result := mustUnmarshal[rpc.SubmitResult](t, resp.Result)
	for i := 0; i < 4; i++ {
		env.readNotification()
	}

	resp = env.call("chat.submit", rpc.SubmitParams{SessionID: result.SessionID, Content: "second"})
	if resp.Error != nil {
		t.Fatalf("second submit failed: %s", resp.Error.Message)
	}
	again := mustUnmarshal[rpc.SubmitResult](t, resp.Result)
	if again.SessionID != result.SessionID {
		t.Fatalf("second submit landed in %q, want %q", again.SessionID, result.SessionID)
	}
}

func TestSubmitUnknownSession(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	resp := env.call("chat.submit", rpc.SubmitParams{SessionID: "missing", Content: "hello"})
	if resp.Error == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestSubmitRequiresContent(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	resp := env.call("chat.submit", rpc.SubmitParams{})
	if resp.Error == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestDispose(t *testing.T) {
	runner := &scriptedRunner{script: helloScript("agent-sess-3")}
	env := newTestEnv(t, runner)

	resp := env.call("chat.submit", rpc.SubmitParams{Content: "hello"})
	result := mustUnmarshal[rpc.SubmitResult](t, resp.Result)
	for i := 0; i < 4; i++ {
		env.readNotification()
	}

	resp = env.call("chat.dispose", rpc.DisposeParams{SessionID: result.SessionID})
	if resp.Error != nil {
		t.Fatalf("dispose failed: %s", resp.Error.Message)
	}

	// Disposing is not deleting: the stored session survives and a new
	// submit relinks it.
	resp = env.call("chat.submit", rpc.SubmitParams{SessionID: result.SessionID, Content: "again"})
	if resp.Error != nil {
		t.Fatalf("submit after dispose failed: %s", resp.Error.Message)
	}
}

func TestFSSubscribe(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	if err := os.WriteFile(filepath.Join(env.workDir, "notes.md"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	resp := env.call("fs.subscribe", rpc.FSSubscribeParams{Path: "notes.md"})
	if resp.Error != nil {
		t.Fatalf("subscribe failed: %s", resp.Error.Message)
	}
	sub := mustUnmarshal[rpc.FSSubscribeResult](t, resp.Result)
	if sub.WatchID == "" {
		t.Fatal("expected watch id")
	}

	resp = env.call("fs.unsubscribe", rpc.FSUnsubscribeParams{WatchID: sub.WatchID})
	if resp.Error != nil {
		t.Fatalf("unsubscribe failed: %s", resp.Error.Message)
	}
}

func TestFSSubscribeMissingPath(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	resp := env.call("fs.subscribe", rpc.FSSubscribeParams{Path: "does-not-exist"})
	if resp.Error == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t, &scriptedRunner{})

	resp := env.call("nope", struct{}{})
	if resp.Error == nil || resp.Error.Code != jsonrpc2.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}
