// Package history persists conversation turns in SQLite.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	// SQLite driver (required for database/sql registration).
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

// Message is one stored conversation turn.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the conversation database.
type Store struct {
	db *sql.DB
}

// Open opens the history database, creating it and its schema as
// needed.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeHistoryUnavailable,
				"failed to create history directory", apperrors.CategorySystem)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeHistoryUnavailable,
			"failed to open history database", apperrors.CategorySystem)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, apperrors.Wrap(err, apperrors.CodeHistoryUnavailable,
				"failed to configure history database", apperrors.CategorySystem)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeHistoryUnavailable,
			"failed to initialize history schema", apperrors.CategorySystem)
	}

	return &Store{db: db}, nil
}

// writePolicy retries brief SQLITE_BUSY spells; WAL mode still
// serializes writers.
var writePolicy = &apperrors.Policy{
	MaxAttempts:  3,
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     100 * time.Millisecond,
	Multiplier:   2.0,
	RetryIf:      apperrors.IsRetryable,
}

// Append records one turn of a session.
func (s *Store) Append(ctx context.Context, sessionID, role, content string) error {
	err := apperrors.Do(ctx, writePolicy, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content) VALUES (?, ?, ?)`,
			sessionID, role, content)
		return err
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeHistoryWriteFailed,
			"failed to append message", apperrors.CategorySystem)
	}
	return nil
}

// Messages returns the most recent turns of a session in
// chronological order. limit <= 0 means no limit.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `SELECT id, session_id, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeHistoryUnavailable,
			"failed to read messages", apperrors.CategorySystem)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse newest-first into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Sessions returns distinct session ids, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM messages GROUP BY session_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
