package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomboard/server/agent"
)

// TurnState is the lifecycle state of a session's current turn.
type TurnState int

const (
	// StateIdle means no process invocation is attached.
	StateIdle TurnState = iota
	// StateOpen means a consumer loop is pumping the queue and forwarding
	// events.
	StateOpen
	// StateClosing means a terminal event was observed but the loop has not
	// yet confirmed the queue is empty; one more submission may still
	// reopen it.
	StateClosing
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// TurnResult is the terminal outcome of one turn.
type TurnResult struct {
	SessionID string
	IsError   bool
	Payload   string
}

// Event is what Submit callers receive: either an upstream agent event or a
// synthetic confirmation that a queued submission reached the transcript.
// Exactly one field is non-nil.
type Event struct {
	Agent *agent.Event
	Saved *SavedSubmission
}

// SavedSubmission confirms a submission was persisted to the transcript.
type SavedSubmission struct {
	SubmissionID string `json:"submission_id"`
	SessionID    string `json:"session_id"`
}

// eventBuffer sizes each caller's event channel.
const eventBuffer = 64

// Session owns one conversation's queue, turn state and consumer loop. A
// session instance is shared by every concurrent caller holding the same
// identifier; all mutations below mu are serialized through it, and the
// queue is drained only by the session's own pump goroutine.
type Session struct {
	pool *Pool
	opts agent.LaunchOptions

	// ctx spans the session's whole lifetime and is cancelled only by
	// disposal, never by turn completion.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queueCond *sync.Cond
	id        string
	queue     []agent.Submission
	state     TurnState
	turn      *turn
	// lastResult and lastErr hold the most recently settled turn's outcome,
	// retained so a caller joining after settlement reads it without
	// re-entering a wait. Both are cleared when a new turn starts.
	lastResult *TurnResult
	lastErr    error
	disposed   bool
}

// turn tracks one consumer-loop lifetime. Subscribers and the settled waiter
// are shared for as long as the same loop keeps consuming, even across a
// terminal event that reopened because the queue was not empty.
type turn struct {
	settled      *waiter
	disconnected *waiter
	subs         []chan Event
	// unsaved holds submissions already sent to the process before it
	// reported a session identifier; they are persisted on the first event
	// that carries one.
	unsaved []agent.Submission
	stopped bool
}

func newSession(p *Pool, id string, opts agent.LaunchOptions) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		pool:   p,
		opts:   opts,
		id:     id,
		ctx:    ctx,
		cancel: cancel,
	}
	s.queueCond = sync.NewCond(&s.mu)
	return s
}

// ID returns the external session identifier, empty until the process has
// reported one.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current turn state.
func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Options returns the launch configuration fixed at construction.
func (s *Session) Options() agent.LaunchOptions {
	return s.opts
}

// Submit enqueues one submission and returns the event stream of the turn
// it joined. The channel closes when that turn settles. A runtime
// resolution failure is returned synchronously and leaves the queue
// untouched.
func (s *Session) Submit(ctx context.Context, sub agent.Submission) (<-chan Event, error) {
	for {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return nil, ErrDisposed
		}

		switch s.state {
		case StateIdle:
			// Fresh turn: fail fast before touching any state.
			if _, err := s.pool.cfg.Resolve(); err != nil {
				s.mu.Unlock()
				return nil, err
			}
			s.lastResult = nil
			s.lastErr = nil
			s.queue = append(s.queue, sub)
			t := &turn{settled: newWaiter(), disconnected: newWaiter()}
			ch := make(chan Event, eventBuffer)
			t.subs = append(t.subs, ch)
			s.turn = t
			s.state = StateOpen
			s.mu.Unlock()

			go s.consume(t)
			return ch, nil

		case StateOpen:
			s.queue = append(s.queue, sub)
			ch := make(chan Event, eventBuffer)
			s.turn.subs = append(s.turn.subs, ch)
			s.queueCond.Broadcast()
			s.mu.Unlock()
			return ch, nil

		case StateClosing:
			// The loop saw a terminal event and may be about to exit. Park
			// the item, attach now so no event is missed if the loop keeps
			// going, and wait for the close decision.
			s.queue = append(s.queue, sub)
			t := s.turn
			ch := make(chan Event, eventBuffer)
			t.subs = append(t.subs, ch)
			disconnected := t.disconnected
			s.queueCond.Broadcast()
			s.mu.Unlock()

			if _, err := disconnected.wait(ctx); err != nil {
				s.mu.Lock()
				s.removeQueuedLocked(sub.ID)
				s.mu.Unlock()
				return nil, err
			}

			s.mu.Lock()
			if s.removeQueuedLocked(sub.ID) {
				// Still queued, so the turn settled without consuming the
				// item: start over as a fresh submit.
				s.mu.Unlock()
				continue
			}
			// The loop reopened and drained the item; the channel attached
			// above carries its events.
			s.mu.Unlock()
			return ch, nil
		}

		s.mu.Unlock()
		return nil, fmt.Errorf("invalid turn state %v", s.state)
	}
}

// Wait blocks until the current turn settles. If the session is idle it
// returns the cached result of the last settled turn (nil when no turn has
// run) without creating a new wait.
func (s *Session) Wait(ctx context.Context) (*TurnResult, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}
	if s.state == StateIdle || s.turn == nil {
		res, err := s.lastResult, s.lastErr
		s.mu.Unlock()
		return res, err
	}
	settled := s.turn.settled
	s.mu.Unlock()

	return settled.wait(ctx)
}

// Dispose aborts in-flight work, removes the session from the registry and
// rejects every pending waiter. Idempotent.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	t := s.turn
	s.turn = nil
	s.state = StateIdle
	s.queue = nil
	if t != nil {
		t.stopped = true
	}
	id := s.id
	s.queueCond.Broadcast()
	s.mu.Unlock()

	s.cancel()
	if t != nil {
		t.settled.reject(ErrDisposed)
		t.disconnected.reject(ErrDisposed)
	}
	s.pool.drop(id, s)
	slog.Info("session disposed", "sessionId", id)
}

// consume is the stream loop for one turn. At most one consume loop is
// active per session at any instant; it returns only once the turn has
// settled or failed.
func (s *Session) consume(t *turn) {
	at, err := s.pool.cfg.Runner.Start(s.ctx, s.launchOptions())
	if err != nil {
		s.failTurn(t, err)
		return
	}
	defer at.Close()

	go s.pump(t, at)

	for ev := range at.Events() {
		ev := ev
		switch {
		case ev.Type == agent.EventTypeError:
			s.failTurn(t, errors.New(ev.Error))
			return
		case ev.Terminal():
			if s.finishOrContinue(t, ev) {
				return
			}
		default:
			s.handleEvent(t, ev)
		}
	}

	// The stream ended without a terminal event: the process died out from
	// under us.
	if s.ctx.Err() != nil {
		s.failTurn(t, ErrDisposed)
		return
	}
	s.failTurn(t, errors.New("agent stream ended before the turn settled"))
}

// pump feeds queued submissions to the live invocation in enqueue order,
// blocking while the queue is empty. It exits when the turn stops.
func (s *Session) pump(t *turn, at agent.Turn) {
	for {
		s.mu.Lock()
		// Draining is gated on the open state, not just a non-empty queue: a
		// submission parked during the close window must stay queued until
		// the loop has committed to reopening.
		for !t.stopped && (len(s.queue) == 0 || s.state != StateOpen) {
			s.queueCond.Wait()
		}
		if t.stopped {
			s.mu.Unlock()
			return
		}
		sub := s.queue[0]
		s.queue = s.queue[1:]
		known := s.id != ""
		if known {
			sub.SessionID = s.id
		} else {
			t.unsaved = append(t.unsaved, sub)
		}
		s.mu.Unlock()

		if err := at.Send(sub); err != nil {
			slog.Warn("failed to send submission", "submissionId", sub.ID, "error", err)
			return
		}

		if known {
			s.persistSubmission(sub)
			s.forward(t, Event{Saved: &SavedSubmission{SubmissionID: sub.ID, SessionID: sub.SessionID}})
		}
	}
}

// handleEvent persists and forwards one non-terminal event.
func (s *Session) handleEvent(t *turn, ev agent.Event) {
	if ev.SessionID != "" {
		s.adoptID(t, ev.SessionID)
	}
	if ev.AssistantOutput() {
		s.persistEvent(ev)
	}
	s.forward(t, Event{Agent: &ev})
}

// finishOrContinue handles a terminal event and reports whether the loop
// should exit. The session lock is deliberately dropped while the terminal
// event is forwarded: a submission landing in that window observes
// StateClosing and reopens this same loop instead of racing a new one.
func (s *Session) finishOrContinue(t *turn, ev agent.Event) bool {
	if ev.SessionID != "" {
		s.adoptID(t, ev.SessionID)
	}

	s.mu.Lock()
	if s.disposed {
		s.closeSubsLocked(t)
		return true
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.forward(t, Event{Agent: &ev})

	res := &TurnResult{
		SessionID: ev.SessionID,
		IsError:   ev.IsError,
		Payload:   ev.Content,
	}
	if res.SessionID == "" {
		res.SessionID = s.ID()
	}

	s.mu.Lock()
	if s.disposed {
		s.closeSubsLocked(t)
		return true
	}
	if len(s.queue) > 0 {
		// One more submission arrived between the terminal event and now:
		// this loop keeps consuming it rather than closing.
		s.state = StateOpen
		parked := t.disconnected
		t.disconnected = newWaiter()
		s.queueCond.Broadcast()
		s.mu.Unlock()

		parked.resolve(res)
		slog.Debug("turn reopened by late submission", "sessionId", res.SessionID)
		return false
	}

	s.state = StateIdle
	s.lastResult = res
	s.turn = nil
	t.stopped = true
	subs := t.subs
	t.subs = nil
	s.queueCond.Broadcast()
	s.mu.Unlock()

	t.settled.resolve(res)
	t.disconnected.resolve(res)
	for _, ch := range subs {
		close(ch)
	}
	slog.Debug("turn settled", "sessionId", res.SessionID, "isError", res.IsError)
	return true
}

// closeSubsLocked detaches and closes every subscriber channel so callers
// ranging over them unwind even when the turn ends by disposal. Called with
// the lock held; releases it.
func (s *Session) closeSubsLocked(t *turn) {
	subs := t.subs
	t.subs = nil
	s.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// failTurn tears the turn down after an upstream failure. The queue is not
// re-queued: submissions are fire-once, and the session returns to Idle
// ready for a genuinely new turn.
func (s *Session) failTurn(t *turn, err error) {
	s.mu.Lock()
	if s.turn == t {
		s.turn = nil
	}
	s.state = StateIdle
	s.lastErr = err
	s.queue = nil
	t.stopped = true
	subs := t.subs
	t.subs = nil
	s.queueCond.Broadcast()
	s.mu.Unlock()

	t.settled.reject(err)
	t.disconnected.reject(err)

	ev := Event{Agent: &agent.Event{Type: agent.EventTypeError, Error: err.Error()}}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
	slog.Warn("turn failed", "sessionId", s.ID(), "error", err)
}

// adoptID records the authoritative process-reported identifier, registers
// it with the pool on the session's first turn, and persists any
// submissions that were sent before the identifier was known. Persistence
// happens before the triggering event is forwarded.
func (s *Session) adoptID(t *turn, id string) {
	s.mu.Lock()
	first := s.id == ""
	if first {
		s.id = id
	}
	unsaved := t.unsaved
	t.unsaved = nil
	s.mu.Unlock()

	if first {
		s.pool.adopt(id, s)
		slog.Info("session identifier adopted", "sessionId", id)
	}

	for _, sub := range unsaved {
		sub.SessionID = id
		s.persistSubmission(sub)
		s.forward(t, Event{Saved: &SavedSubmission{SubmissionID: sub.ID, SessionID: id}})
	}
}

// forward fans one event out to every caller attached to the turn.
func (s *Session) forward(t *turn, ev Event) {
	s.mu.Lock()
	subs := make([]chan Event, len(t.subs))
	copy(subs, t.subs)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) persistSubmission(sub agent.Submission) {
	if s.pool.cfg.Sink == nil {
		return
	}
	at := sub.At
	if at.IsZero() {
		at = time.Now()
	}
	record := map[string]any{
		"type":          "user",
		"submission_id": sub.ID,
		"content":       sub.Content,
	}
	if err := s.pool.cfg.Sink.Append(s.ctx, sub.SessionID, s.canvasID(sub), at, record); err != nil {
		slog.Error("failed to persist submission", "submissionId", sub.ID, "error", err)
	}
}

func (s *Session) persistEvent(ev agent.Event) {
	if s.pool.cfg.Sink == nil {
		return
	}
	sessionID := ev.SessionID
	if sessionID == "" {
		sessionID = s.ID()
	}
	if err := s.pool.cfg.Sink.Append(s.ctx, sessionID, s.opts.CanvasID, time.Now(), ev); err != nil {
		slog.Error("failed to persist event", "type", ev.Type, "error", err)
	}
}

func (s *Session) canvasID(sub agent.Submission) string {
	if sub.CanvasID != "" {
		return sub.CanvasID
	}
	return s.opts.CanvasID
}

// launchOptions derives per-turn launch options: subsequent turns resume
// the conversation reported by the first one.
func (s *Session) launchOptions() agent.LaunchOptions {
	opts := s.opts
	s.mu.Lock()
	if s.id != "" {
		opts.SessionID = s.id
		opts.Resume = true
	}
	s.mu.Unlock()
	return opts
}

// removeQueuedLocked reports whether the submission was still queued.
func (s *Session) removeQueuedLocked(subID string) bool {
	for i, queued := range s.queue {
		if queued.ID == subID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}
