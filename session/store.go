package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Store interface {
	// Metadata reads (memory only)
	List() ([]Meta, error)
	Get(sessionID string) (Meta, bool, error)

	// Metadata writes (with I/O)
	Create(ctx context.Context, params CreateParams) (Meta, error)
	Delete(ctx context.Context, sessionID string) error
	Rename(ctx context.Context, sessionID string, title string) error
	SetAgentSessionID(ctx context.Context, sessionID string, agentSessionID string) error

	// Change notification
	SetChangeListener(listener ChangeListener)
}

// CreateParams configures a new session. An empty ID gets a generated one.
type CreateParams struct {
	ID       string
	CanvasID string
	Title    string
	WorkDir  string
}

type indexData struct {
	Sessions []Meta `json:"sessions"`
}

// FileStore is NOT safe for multiple instances sharing the same dataDir.
// Use a single instance per data directory.
type FileStore struct {
	dataDir  string
	mu       sync.RWMutex
	sessions []Meta // in-memory cache
	listener ChangeListener
}

func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "sessions"), 0755); err != nil {
		return nil, err
	}

	store := &FileStore{dataDir: dataDir}

	idx, err := store.readIndexFromDisk()
	if err != nil {
		return nil, err
	}
	store.sessions = idx.Sessions

	return store, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dataDir, "sessions", "index.json")
}

func (s *FileStore) readIndexFromDisk() (indexData, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return indexData{Sessions: []Meta{}}, nil
	}
	if err != nil {
		return indexData{}, err
	}

	var idx indexData
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexData{}, err
	}
	return idx, nil
}

func (s *FileStore) persistIndex() error {
	idx := indexData{Sessions: s.sessions}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(), data, 0644)
}

func (s *FileStore) SetChangeListener(listener ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *FileStore) notifyChange(event ChangeEvent) {
	if s.listener != nil {
		s.listener.OnSessionChange(event)
	}
}

func (s *FileStore) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Meta, len(s.sessions))
	copy(result, s.sessions)

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	return result, nil
}

func (s *FileStore) Get(sessionID string) (Meta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.ID == sessionID {
			return sess, true, nil
		}
	}
	return Meta{}, false, nil
}

func (s *FileStore) Create(ctx context.Context, params CreateParams) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	title := params.Title
	if title == "" {
		title = "New Session"
	}

	now := time.Now()
	sess := Meta{
		ID:        id,
		CanvasID:  params.CanvasID,
		Title:     title,
		WorkDir:   params.WorkDir,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.sessions = append([]Meta{sess}, s.sessions...)

	if err := s.persistIndex(); err != nil {
		s.sessions = s.sessions[1:]
		return Meta{}, err
	}

	s.notifyChange(ChangeEvent{Op: OpCreate, Session: sess})
	return sess, nil
}

func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newSessions := make([]Meta, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.ID != sessionID {
			newSessions = append(newSessions, sess)
		}
	}
	s.sessions = newSessions

	if err := s.persistIndex(); err != nil {
		return err
	}

	s.notifyChange(ChangeEvent{Op: OpDelete, Session: Meta{ID: sessionID}})
	return nil
}

func (s *FileStore) Rename(ctx context.Context, sessionID string, title string) error {
	return s.update(ctx, sessionID, func(m *Meta) {
		m.Title = title
	})
}

func (s *FileStore) SetAgentSessionID(ctx context.Context, sessionID string, agentSessionID string) error {
	return s.update(ctx, sessionID, func(m *Meta) {
		m.AgentSessionID = agentSessionID
	})
}

func (s *FileStore) update(ctx context.Context, sessionID string, apply func(*Meta)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.sessions {
		if s.sessions[i].ID == sessionID {
			apply(&s.sessions[i])
			s.sessions[i].UpdatedAt = time.Now()
			if err := s.persistIndex(); err != nil {
				return err
			}
			s.notifyChange(ChangeEvent{Op: OpUpdate, Session: s.sessions[i]})
			return nil
		}
	}

	return ErrSessionNotFound
}
