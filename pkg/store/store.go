// Package store provides SQLite-backed persistence for gateway settings
// and chat history.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"atlas/pkg/logx"
	"atlas/pkg/record"
)

// CurrentSchemaVersion defines the schema version for migration support.
const CurrentSchemaVersion = 1

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection. Safe for concurrent use; SQLite's
// single-writer constraint is enforced through the connection pool.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the database at dbPath and ensures the schema
// is current.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// SQLite supports only one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logx.NewLogger("store")}
	if err := s.migrate(); err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s.logger.Info("database opened: %s", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	if version == 0 {
		return s.createSchema()
	}
	return fmt.Errorf("unsupported schema version %d (current is %d)", version, CurrentSchemaVersion)
}

func (s *Store) schemaVersion() (int, error) {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return 0, fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err = s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) createSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chat_sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	sources    TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session
	ON chat_messages(session_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("reset schema version: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// Settings operations.

// SetSetting upserts one settings key.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting reads one settings key. Returns ErrNotFound if absent.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// AllSettings returns every settings key/value pair.
func (s *Store) AllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

// Chat history operations.

// ChatSession is one conversation thread.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is one turn of a conversation, with the records that
// grounded an assistant answer.
type ChatMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Sources   []record.Record `json:"sources,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateSession creates a new chat session.
func (s *Store) CreateSession(title string) (*ChatSession, error) {
	session := &ChatSession{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO chat_sessions (id, title, created_at) VALUES (?, ?, ?)`,
		session.ID, session.Title, session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// EnsureSession creates a session with the given ID if it does not
// exist yet. Client-supplied session ids arrive here.
func (s *Store) EnsureSession(id, title string) error {
	_, err := s.db.Exec(`INSERT INTO chat_sessions (id, title, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, title, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", id, err)
	}
	return nil
}

// GetSession returns one session by ID.
func (s *Store) GetSession(id string) (*ChatSession, error) {
	var sess ChatSession
	err := s.db.QueryRow(`SELECT id, title, created_at FROM chat_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Title, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(limit int) ([]ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, title, created_at FROM chat_sessions
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ChatSession
	for rows.Next() {
		var sess ChatSession
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck
		return ErrNotFound
	}
	return nil
}

// AppendMessage stores one conversation turn.
func (s *Store) AppendMessage(sessionID, role, content string, sources []record.Record) (*ChatMessage, error) {
	msg := &ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Sources:   sources,
		CreatedAt: time.Now().UTC(),
	}

	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("marshal sources: %w", err)
	}
	if sources == nil {
		sourcesJSON = []byte("[]")
	}

	_, err = s.db.Exec(`INSERT INTO chat_messages (id, session_id, role, content, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, string(sourcesJSON), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ClearHistory deletes every message of a session and reports how many
// were removed. The session row itself stays.
func (s *Store) ClearHistory(sessionID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM chat_messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear history for %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear history for %s: %w", sessionID, err)
	}
	return n, nil
}

// History returns the most recent limit messages of a session in
// chronological order.
func (s *Store) History(sessionID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	// Take the newest rows, then reverse into chronological order.
	rows, err := s.db.Query(`SELECT id, session_id, role, content, sources, created_at
		FROM chat_messages WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", sessionID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var sourcesJSON string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &sourcesJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(sourcesJSON), &msg.Sources); err != nil {
			s.logger.Warn("corrupt sources JSON on message %s: %v", msg.ID, err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
