// Package ws exposes the server over JSON-RPC 2.0 on a WebSocket. Every
// connection must authenticate before any other method is accepted.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loomboard/server/agent"
	"github.com/loomboard/server/mux"
	"github.com/loomboard/server/rpc"
	"github.com/loomboard/server/session"
	"github.com/loomboard/server/transcript"
	"github.com/loomboard/server/watch"
	"github.com/sourcegraph/jsonrpc2"
)

// TranscriptReader serves persisted conversation history.
type TranscriptReader interface {
	History(ctx context.Context, sessionID string) ([]transcript.Entry, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Config wires an RPCHandler's collaborators.
type Config struct {
	Token       string
	DevMode     bool
	WorkDir     string // default working directory for new sessions
	Pool        *mux.Pool
	Sessions    session.Store
	Transcripts TranscriptReader
	FSWatcher   *watch.FSWatcher
	SessionList *watch.SessionListWatcher
}

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	cfg Config

	// links maps a stored session id to its live multiplexer instance. The
	// multiplexer keys sessions by the agent-reported identifier, which a
	// fresh session does not have yet, so the handler keeps its own edge.
	linkMu sync.Mutex
	links  map[string]*mux.Session
}

// NewRPCHandler creates a new JSON-RPC handler.
func NewRPCHandler(cfg Config) *RPCHandler {
	return &RPCHandler{
		cfg:   cfg,
		links: make(map[string]*mux.Session),
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.cfg.DevMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	connID := uuid.Must(uuid.NewV7()).String()
	log := slog.With("connId", connID)
	log.Info("new websocket connection")

	stream := newWebSocketStream(wsConn)

	handler := &rpcMethodHandler{
		RPCHandler:    h,
		connID:        connID,
		log:           log,
		authenticated: false,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))

	<-rpcConn.DisconnectNotify()

	if h.cfg.FSWatcher != nil {
		h.cfg.FSWatcher.CleanupConnection(connID)
	}
	if h.cfg.SessionList != nil {
		h.cfg.SessionList.CleanupConnection(connID)
	}
	log.Info("connection closed")
}

// link returns the live multiplexer session for a stored session,
// constructing one keyed to its agent-reported identifier if needed.
func (h *RPCHandler) link(meta session.Meta, workDir string) *mux.Session {
	h.linkMu.Lock()
	defer h.linkMu.Unlock()

	if s, ok := h.links[meta.ID]; ok {
		return s
	}

	if workDir == "" {
		workDir = h.cfg.WorkDir
	}
	s := h.cfg.Pool.Acquire(meta.AgentSessionID, agent.LaunchOptions{
		WorkDir:  workDir,
		CanvasID: meta.CanvasID,
	})
	h.links[meta.ID] = s
	return s
}

func (h *RPCHandler) unlink(sessionID string) *mux.Session {
	h.linkMu.Lock()
	defer h.linkMu.Unlock()
	s := h.links[sessionID]
	delete(h.links, sessionID)
	return s
}

// rpcMethodHandler handles JSON-RPC method calls for one connection.
type rpcMethodHandler struct {
	*RPCHandler
	connID        string
	log           *slog.Logger
	authenticated bool
	authMu        sync.Mutex
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	case "chat.submit":
		h.handleSubmit(ctx, conn, req)
	case "chat.dispose":
		h.handleDispose(ctx, conn, req)
	case "session.create":
		h.handleSessionCreate(ctx, conn, req)
	case "session.list":
		h.handleSessionList(ctx, conn, req)
	case "session.delete":
		h.handleSessionDelete(ctx, conn, req)
	case "session.rename":
		h.handleSessionRename(ctx, conn, req)
	case "session.history":
		h.handleSessionHistory(ctx, conn, req)
	case "session.subscribe":
		h.handleSessionSubscribe(ctx, conn, req)
	case "session.unsubscribe":
		h.handleSessionUnsubscribe(ctx, conn, req)
	case "fs.subscribe":
		h.handleFSSubscribe(ctx, conn, req)
	case "fs.unsubscribe":
		h.handleFSUnsubscribe(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.cfg.Token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.setAuthenticated()
	h.log.Info("authenticated")

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSubmit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SubmitParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.Content == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "content required")
		return
	}

	meta, err := h.resolveSession(ctx, params)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	log := h.log.With("sessionId", meta.ID)

	sub := agent.Submission{
		ID:        uuid.NewString(),
		SessionID: meta.AgentSessionID,
		CanvasID:  meta.CanvasID,
		Content:   params.Content,
		At:        time.Now(),
	}

	s := h.link(meta, params.WorkDir)
	events, err := s.Submit(ctx, sub)
	if errors.Is(err, mux.ErrDisposed) {
		// Stale link to an instance torn down elsewhere; relink once.
		h.unlink(meta.ID)
		s = h.link(meta, params.WorkDir)
		events, err = s.Submit(ctx, sub)
	}
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	log.Info("submission accepted", "submissionId", sub.ID, "length", len(params.Content))

	if err := conn.Reply(ctx, req.ID, rpc.SubmitResult{SubmissionID: sub.ID, SessionID: meta.ID}); err != nil {
		log.Error("failed to send submit response", "error", err)
	}

	go h.forwardEvents(conn, meta, events)
}

// resolveSession looks up the stored session for a submit, creating one when
// no session id was given.
func (h *rpcMethodHandler) resolveSession(ctx context.Context, params rpc.SubmitParams) (session.Meta, error) {
	if params.SessionID == "" {
		workDir := params.WorkDir
		if workDir == "" {
			workDir = h.cfg.WorkDir
		}
		return h.cfg.Sessions.Create(ctx, session.CreateParams{
			CanvasID: params.CanvasID,
			WorkDir:  workDir,
		})
	}

	meta, found, err := h.cfg.Sessions.Get(params.SessionID)
	if err != nil {
		return session.Meta{}, err
	}
	if !found {
		return session.Meta{}, session.ErrSessionNotFound
	}
	return meta, nil
}

// forwardEvents streams one turn's events to the client as notifications
// until the turn settles. The first event carrying the agent-reported
// identifier also records it on the stored session.
func (h *rpcMethodHandler) forwardEvents(conn *jsonrpc2.Conn, meta session.Meta, events <-chan mux.Event) {
	agentID := meta.AgentSessionID
	for ev := range events {
		if agentID == "" {
			if id := agentSessionID(ev); id != "" {
				if err := h.cfg.Sessions.SetAgentSessionID(context.Background(), meta.ID, id); err != nil {
					h.log.Error("failed to record agent session id", "sessionId", meta.ID, "error", err)
				}
				agentID = id
			}
		}

		method, params := rpc.NotifyMethod(agentID, ev)
		if method == "" {
			continue
		}
		if err := conn.Notify(context.Background(), method, params); err != nil {
			h.log.Debug("failed to notify client", "method", method, "error", err)
			return
		}
	}
}

func agentSessionID(ev mux.Event) string {
	if ev.Agent != nil {
		return ev.Agent.SessionID
	}
	if ev.Saved != nil {
		return ev.Saved.SessionID
	}
	return ""
}

func (h *rpcMethodHandler) handleDispose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.DisposeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if s := h.unlink(params.SessionID); s != nil {
		s.Dispose()
	}
	h.log.Info("session disposed", "sessionId", params.SessionID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send dispose response", "error", err)
	}
}

// Session management handlers

func (h *rpcMethodHandler) handleSessionCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionCreateParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}

	workDir := params.WorkDir
	if workDir == "" {
		workDir = h.cfg.WorkDir
	}

	sess, err := h.cfg.Sessions.Create(ctx, session.CreateParams{
		CanvasID: params.CanvasID,
		Title:    params.Title,
		WorkDir:  workDir,
	})
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to create session")
		return
	}

	h.log.Info("session created", "sessionId", sess.ID)

	if err := conn.Reply(ctx, req.ID, sess); err != nil {
		h.log.Error("failed to send session create response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	sessions, err := h.cfg.Sessions.List()
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to list sessions")
		return
	}

	if err := conn.Reply(ctx, req.ID, rpc.SessionListResult{Sessions: sessions}); err != nil {
		h.log.Error("failed to send session list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if s := h.unlink(params.SessionID); s != nil {
		s.Dispose()
	}

	if err := h.cfg.Sessions.Delete(ctx, params.SessionID); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to delete session")
		return
	}
	if h.cfg.Transcripts != nil {
		if err := h.cfg.Transcripts.DeleteSession(ctx, params.SessionID); err != nil {
			h.log.Error("failed to delete transcript", "sessionId", params.SessionID, "error", err)
		}
	}

	h.log.Info("session deleted", "sessionId", params.SessionID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send session delete response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionRename(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionRenameParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if params.Title == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "title required")
		return
	}

	if err := h.cfg.Sessions.Rename(ctx, params.SessionID, params.Title); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "session not found")
			return
		}
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to rename session")
		return
	}

	h.log.Info("session renamed", "sessionId", params.SessionID, "title", params.Title)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send session rename response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionHistory(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	meta, found, err := h.cfg.Sessions.Get(params.SessionID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to get session")
		return
	}
	if !found {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "session not found")
		return
	}

	// The transcript is keyed by the agent-reported identifier; a session
	// that never ran a turn has no history.
	result := rpc.HistoryResult{Entries: []rpc.HistoryEntry{}}
	if meta.AgentSessionID != "" && h.cfg.Transcripts != nil {
		entries, err := h.cfg.Transcripts.History(ctx, meta.AgentSessionID)
		if err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to read history")
			return
		}
		for _, e := range entries {
			result.Entries = append(result.Entries, rpc.HistoryEntry{At: e.At, Payload: e.Payload})
		}
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send history response", "error", err)
	}
}

// Watch handlers

func (h *rpcMethodHandler) handleSessionSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	id, sessions, err := h.cfg.SessionList.Subscribe(conn, h.connID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to subscribe")
		return
	}

	result := struct {
		WatchID  string         `json:"watch_id"`
		Sessions []session.Meta `json:"sessions"`
	}{WatchID: id, Sessions: sessions}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send session subscribe response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.FSUnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	h.cfg.SessionList.Unsubscribe(params.WatchID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send session unsubscribe response", "error", err)
	}
}

func (h *rpcMethodHandler) handleFSSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.FSSubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	id, err := h.cfg.FSWatcher.Subscribe(params.Path, conn, h.connID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}

	if err := conn.Reply(ctx, req.ID, rpc.FSSubscribeResult{WatchID: id}); err != nil {
		h.log.Error("failed to send fs subscribe response", "error", err)
	}
}

func (h *rpcMethodHandler) handleFSUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.FSUnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	h.cfg.FSWatcher.Unsubscribe(params.WatchID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send fs unsubscribe response", "error", err)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
