// Package sessions persists per-conversation history. Each session is an
// append-only log of role/content turns keyed by "channel:chat_id", stored
// in SQLite so history survives restarts.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Message is one persisted conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is an ordered append-only log of turns for one conversation.
// During a request the agent loop owns the session exclusively; the manager
// serializes concurrent access per key.
type Session struct {
	Key       string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddMessage appends a turn to the session.
func (s *Session) AddMessage(role, content string) {
	now := time.Now()
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: now})
	s.UpdatedAt = now
}

// History returns the persisted turns in chronological order.
func (s *Session) History() []Message {
	return s.Messages
}

// Manager loads and saves sessions. Loaded sessions are cached in memory;
// Save writes through to the database.
type Manager struct {
	db    *sql.DB
	mu    sync.Mutex
	cache map[string]*Session
}

// NewManager opens (creating if needed) the session database at dir/sessions.db.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			key        TEXT PRIMARY KEY,
			messages   TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	return &Manager{db: db, cache: make(map[string]*Session)}, nil
}

// GetOrCreate returns the session for key, loading it from the database or
// creating a fresh one.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[key]; ok {
		return s, nil
	}

	s, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		now := time.Now()
		s = &Session{Key: key, CreatedAt: now, UpdatedAt: now}
	}
	m.cache[key] = s
	return s, nil
}

func (m *Manager) load(ctx context.Context, key string) (*Session, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT messages, created_at, updated_at FROM sessions WHERE key = ?`, key)

	var raw string
	s := &Session{Key: key}
	err := row.Scan(&raw, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), &s.Messages); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", key, err)
	}
	return s, nil
}

// Save writes the session through to the database.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", s.Key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO sessions (key, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at
	`, s.Key, string(raw), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.Key, err)
	}
	m.cache[s.Key] = s
	return nil
}

// List returns all session keys ordered by most recent activity.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT key FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (m *Manager) Close() error {
	return m.db.Close()
}
