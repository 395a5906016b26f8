// Package transcript persists the conversation record: user submissions
// and assistant output, in arrival order, keyed by session.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one persisted transcript record.
type Entry struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	CanvasID  string          `json:"canvas_id"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// Store provides a SQLite-backed transcript log.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcript (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			canvas_id TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript(session_id);
	`)
	if err != nil {
		return fmt.Errorf("create transcript table: %w", err)
	}
	return nil
}

// Append records one payload for a session. The payload is stored as JSON.
func (s *Store) Append(ctx context.Context, sessionID, canvasID string, at time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcript (id, session_id, canvas_id, at, payload)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), sessionID, canvasID, at.UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

// History returns every entry for a session in insertion order.
func (s *Store) History(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, canvas_id, at, payload
		FROM transcript
		WHERE session_id = ?
		ORDER BY rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at, payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.CanvasID, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", at, err)
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteSession removes every entry for a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcript WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete transcript entries: %w", err)
	}
	return nil
}
