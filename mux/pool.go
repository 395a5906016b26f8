// Package mux multiplexes concurrent prompt submissions onto one long-lived
// agent process stream per conversation, with turn-based semantics: a
// submission either opens a fresh turn, joins the turn already in flight, or
// rides out the close of a settling turn.
package mux

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomboard/server/agent"
	"github.com/loomboard/server/runtime"
)

// ErrDisposed is returned to waiters and submitters of a disposed session.
var ErrDisposed = errors.New("session disposed")

// Sink receives transcript entries for forwarded events. Append failures are
// logged by the caller and never block forwarding.
type Sink interface {
	Append(ctx context.Context, sessionID, canvasID string, at time.Time, payload any) error
}

// Config wires a Pool's collaborators.
type Config struct {
	// Runner opens one external agent invocation per turn.
	Runner agent.Runner
	// Resolve locates the agent runtime before a turn starts. Nil uses the
	// process-wide memoized resolver.
	Resolve runtime.ResolveFunc
	// Sink persists submissions and assistant output. May be nil.
	Sink Sink
}

// Pool is the process-wide session registry: one live Session per external
// conversation identifier.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewPool creates an empty registry.
func NewPool(cfg Config) *Pool {
	if cfg.Resolve == nil {
		cfg.Resolve = runtime.Resolve
	}
	return &Pool{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the live session for id, constructing one if needed.
// A non-empty mapped id returns the existing instance and ignores opts (the
// instance's own options win). An empty id always constructs a fresh
// instance, which registers itself once the process reports its identifier
// on the first turn.
func (p *Pool) Acquire(id string, opts agent.LaunchOptions) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id != "" {
		if s, ok := p.sessions[id]; ok {
			return s
		}
	}

	s := newSession(p, id, opts)
	if id != "" {
		p.sessions[id] = s
	}
	return s
}

// Get returns the mapped session without constructing one.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Submit acquires (or reuses) the session for id and enqueues one
// submission. See Session.Submit.
func (p *Pool) Submit(ctx context.Context, id string, opts agent.LaunchOptions, sub agent.Submission) (*Session, <-chan Event, error) {
	s := p.Acquire(id, opts)
	ch, err := s.Submit(ctx, sub)
	if err != nil {
		return nil, nil, err
	}
	return s, ch, nil
}

// Release removes the mapping for id and disposes the session. Releasing an
// unknown or already-released id is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	s := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()

	if s == nil {
		slog.Debug("release of unknown session", "sessionId", id)
		return
	}
	s.Dispose()
	slog.Info("session released", "sessionId", id)
}

// Shutdown disposes every registered session.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Dispose()
	}
	slog.Info("session pool shut down", "sessionsDisposed", len(sessions))
}

// adopt registers the authoritative process-reported identifier for a
// session created without one. The first registration for a key wins.
func (p *Pool) adopt(id string, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[id]; !ok {
		p.sessions[id] = s
	}
}

// drop removes the mapping for id if it still points at s.
func (p *Pool) drop(id string, s *Session) {
	if id == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[id] == s {
		delete(p.sessions, id)
	}
}
