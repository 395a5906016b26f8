package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loomboard/server/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

// debounceInterval coalesces a burst of writes into one notification.
const debounceInterval = 100 * time.Millisecond

// pendingChange accumulates the operations seen on one path while its
// debounce timer runs.
type pendingChange struct {
	timer *time.Timer
	ops   fsnotify.Op
}

// FSWatcher streams filesystem changes under the working directory to
// subscribed connections. Paths are watched on demand: the fsnotify watch
// for a path lives exactly as long as it has subscribers.
type FSWatcher struct {
	*BaseWatcher
	workDir string
	watcher *fsnotify.Watcher

	pathMu   sync.RWMutex
	pathSubs map[string][]string // relative path -> subscription ids

	pendingMu sync.Mutex
	pending   map[string]*pendingChange
}

func NewFSWatcher(workDir string) *FSWatcher {
	return &FSWatcher{
		BaseWatcher: NewBaseWatcher("w"),
		workDir:     workDir,
		pathSubs:    make(map[string][]string),
		pending:     make(map[string]*pendingChange),
	}
}

func (w *FSWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	go w.eventLoop()
	slog.Info("FSWatcher started", "workDir", w.workDir)
	return nil
}

func (w *FSWatcher) Stop() {
	w.Cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.pendingMu.Lock()
	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.pending = make(map[string]*pendingChange)
	w.pendingMu.Unlock()

	slog.Info("FSWatcher stopped")
}

func (w *FSWatcher) Subscribe(path string, conn *jsonrpc2.Conn, connID string) (string, error) {
	fullPath := filepath.Join(w.workDir, path)
	if _, err := os.Stat(fullPath); err != nil {
		return "", err
	}

	id := w.GenerateID()
	// Register before wiring fsnotify so an event firing immediately still
	// finds the subscription.
	sub := &Subscription{ID: id, Path: path, ConnID: connID, Conn: conn}
	w.AddSubscription(sub)

	w.pathMu.Lock()
	if len(w.pathSubs[path]) == 0 {
		if err := w.watcher.Add(fullPath); err != nil {
			w.pathMu.Unlock()
			w.RemoveSubscription(id)
			return "", err
		}
		slog.Debug("started watching path", "path", path)
	}
	w.pathSubs[path] = append(w.pathSubs[path], id)
	w.pathMu.Unlock()

	slog.Debug("subscription added", "watchId", id, "path", path, "connId", connID)
	return id, nil
}

func (w *FSWatcher) Unsubscribe(id string) {
	sub := w.RemoveSubscription(id)
	if sub == nil {
		return
	}

	w.pathMu.Lock()
	defer w.pathMu.Unlock()
	w.dropPathSub(id, sub.Path)
}

func (w *FSWatcher) CleanupConnection(connID string) {
	removed := w.BaseWatcher.CleanupConnection(connID)
	if len(removed) == 0 {
		return
	}

	w.pathMu.Lock()
	defer w.pathMu.Unlock()
	for _, sub := range removed {
		w.dropPathSub(sub.ID, sub.Path)
	}
}

// dropPathSub forgets one subscription's interest in a path and tears the
// fsnotify watch down with the last one. Caller holds pathMu.
func (w *FSWatcher) dropPathSub(id, path string) {
	ids := w.pathSubs[path]
	for i, v := range ids {
		if v == id {
			w.pathSubs[path] = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	if len(w.pathSubs[path]) == 0 {
		delete(w.pathSubs, path)
		w.watcher.Remove(filepath.Join(w.workDir, path))
		slog.Debug("stopped watching path", "path", path)
	}

	slog.Debug("subscription removed", "watchId", id, "path", path)
}

func (w *FSWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", "error", err)
		}
	}
}

// handleEvent folds one raw fsnotify event into the per-path debounce
// window, accumulating the operation kinds seen during it.
func (w *FSWatcher) handleEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.workDir, event.Name)
	if err != nil {
		slog.Error("failed to get relative path", "path", event.Name, "error", err)
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if p, ok := w.pending[relPath]; ok {
		p.ops |= event.Op
		p.timer.Reset(debounceInterval)
		return
	}
	p := &pendingChange{ops: event.Op}
	p.timer = time.AfterFunc(debounceInterval, func() { w.flush(relPath) })
	w.pending[relPath] = p
}

// flush fires the coalesced notification for one path once its debounce
// window closes.
func (w *FSWatcher) flush(path string) {
	w.pendingMu.Lock()
	p, ok := w.pending[path]
	delete(w.pending, path)
	w.pendingMu.Unlock()
	if !ok {
		return
	}
	w.notifyPath(path, p.ops)
}

func (w *FSWatcher) notifyPath(path string, ops fsnotify.Op) {
	w.pathMu.RLock()
	ids := make([]string, len(w.pathSubs[path]))
	copy(ids, w.pathSubs[path])
	w.pathMu.RUnlock()

	if len(ids) == 0 {
		return
	}

	op := opLabel(ops)
	allSubs := w.GetAllSubscriptions()
	subsMap := make(map[string]*Subscription, len(allSubs))
	for _, sub := range allSubs {
		subsMap[sub.ID] = sub
	}

	var notified int
	for _, id := range ids {
		if sub, ok := subsMap[id]; ok {
			err := sub.Conn.Notify(context.Background(), rpc.MethodFSChanged, rpc.FSChangedParams{
				WatchID: sub.ID,
				Path:    path,
				Op:      op,
			})
			if err != nil {
				slog.Debug("failed to notify subscriber", "watchId", sub.ID, "error", err)
			}
			notified++
		}
	}

	slog.Debug("notified path change", "path", path, "op", op, "subscribers", notified)
}

// opLabel renders an accumulated operation mask wire-friendly, e.g.
// "create|write".
func opLabel(ops fsnotify.Op) string {
	var parts []string
	for _, c := range []struct {
		op   fsnotify.Op
		name string
	}{
		{fsnotify.Create, "create"},
		{fsnotify.Write, "write"},
		{fsnotify.Remove, "remove"},
		{fsnotify.Rename, "rename"},
		{fsnotify.Chmod, "chmod"},
	} {
		if ops.Has(c.op) {
			parts = append(parts, c.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}
