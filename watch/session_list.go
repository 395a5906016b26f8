package watch

import (
	"log/slog"

	"github.com/loomboard/server/rpc"
	"github.com/loomboard/server/session"
	"github.com/sourcegraph/jsonrpc2"
)

// SessionListWatcher notifies subscribers when the session index changes.
// Uses a channel-based async notification pattern to avoid blocking the
// session store's mutex during network I/O.
type SessionListWatcher struct {
	*BaseWatcher
	store   session.Store
	eventCh chan session.ChangeEvent
}

func NewSessionListWatcher(store session.Store) *SessionListWatcher {
	w := &SessionListWatcher{
		BaseWatcher: NewBaseWatcher("sl"),
		store:       store,
		eventCh:     make(chan session.ChangeEvent, 64), // Buffer to avoid blocking
	}
	store.SetChangeListener(w)
	return w
}

func (w *SessionListWatcher) Start() error {
	go w.eventLoop()
	slog.Info("SessionListWatcher started")
	return nil
}

func (w *SessionListWatcher) Stop() {
	w.Cancel()
	slog.Info("SessionListWatcher stopped")
}

func (w *SessionListWatcher) CleanupConnection(connID string) {
	w.BaseWatcher.CleanupConnection(connID)
}

// eventLoop processes session change events asynchronously.
func (w *SessionListWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case event := <-w.eventCh:
			w.notifyChange(event)
		}
	}
}

// notifyChange sends notifications to all subscribers.
func (w *SessionListWatcher) notifyChange(event session.ChangeEvent) {
	if !w.HasSubscriptions() {
		return
	}

	w.NotifyAll(rpc.MethodSessionChanged, func(sub *Subscription) any {
		return rpc.SessionChangedParams{
			Op:      event.Op,
			Session: event.Session,
		}
	})

	slog.Debug("notified session list change", "operation", event.Op)
}

// Subscribe registers a subscriber and returns the subscription ID along
// with the current session list.
func (w *SessionListWatcher) Subscribe(conn *jsonrpc2.Conn, connID string) (string, []session.Meta, error) {
	id := w.GenerateID()
	sub := &Subscription{
		ID:     id,
		Path:   "*",
		ConnID: connID,
		Conn:   conn,
	}
	// Add subscription BEFORE getting the list to avoid missing events
	// that occur between List() and AddSubscription().
	w.AddSubscription(sub)

	sessions, err := w.store.List()
	if err != nil {
		w.RemoveSubscription(id)
		return "", nil, err
	}

	slog.Debug("session list subscription added", "watchId", id, "connId", connID)
	return id, sessions, nil
}

func (w *SessionListWatcher) Unsubscribe(id string) {
	w.RemoveSubscription(id)
}

// OnSessionChange implements session.ChangeListener.
// This method is called from the session store's mutex, so it must not
// block. Events are queued to the channel for async processing.
func (w *SessionListWatcher) OnSessionChange(event session.ChangeEvent) {
	// Skip if watcher is stopped
	if w.Context().Err() != nil {
		return
	}

	// Non-blocking send: if the buffer is full the event is dropped, which
	// should be rare with a reasonable buffer size.
	select {
	case w.eventCh <- event:
	default:
		slog.Warn("session list change event dropped (buffer full)", "operation", event.Op)
	}
}
