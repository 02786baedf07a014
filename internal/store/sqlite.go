package store

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

	"github.com/ashureev/flipside/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		result_json TEXT,
		error_json TEXT,
		input_type TEXT NOT NULL DEFAULT '',
		content_length INTEGER NOT NULL DEFAULT 0,
		backend_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		belief_before INTEGER,
		belief_after INTEGER,
		state_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSession creates or updates a session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess domain.Session) error {
	query := `
	INSERT INTO sessions (id, status, result_json, error_json, input_type, content_length, backend_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		result_json = excluded.result_json,
		error_json = excluded.error_json,
		backend_id = COALESCE(excluded.backend_id, sessions.backend_id),
		updated_at = excluded.updated_at`

	var result any
	if !sess.Result.Empty() {
		result = string(sess.Result)
	}
	var errJSON any
	if sess.Error != nil {
		data, err := json.Marshal(sess.Error)
		if err != nil {
			return fmt.Errorf("encode session error: %w", err)
		}
		errJSON = string(data)
	}
	var backendID any
	if sess.BackendID != "" {
		backendID = sess.BackendID
	}

	updated := sess.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	return withRetry(ctx, "save session", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, string(sess.Status), result, errJSON,
			string(sess.Input.Type), sess.Input.ContentLength, backendID,
			sess.CreatedAt.UnixNano(), updated.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `
		SELECT id, status, result_json, error_json, input_type, content_length,
		       backend_id, created_at, updated_at
		FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var (
		sess                 domain.Session
		status, inputType    string
		result, errJSON      sql.NullString
		backendID            sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&sess.ID, &status, &result, &errJSON, &inputType, &sess.Input.ContentLength,
		&backendID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Status = domain.SessionStatus(status)
	sess.Input.Type = domain.ContentType(inputType)
	sess.BackendID = backendID.String
	sess.CreatedAt = time.Unix(0, createdAt)
	sess.UpdatedAt = time.Unix(0, updatedAt)
	if result.Valid {
		sess.Result = domain.AnalysisResult(result.String)
	}
	if errJSON.Valid {
		var info domain.ErrorInfo
		if err := json.Unmarshal([]byte(errJSON.String), &info); err != nil {
			return nil, fmt.Errorf("decode session error: %w", err)
		}
		sess.Error = &info
	}

	return &sess, nil
}

// SaveConversation creates or updates the conversation of a session.
func (s *SQLiteStore) SaveConversation(ctx context.Context, state domain.ConversationState) error {
	query := `
		INSERT INTO conversations (session_id, phase, belief_before, belief_after, state_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			phase = excluded.phase,
			belief_before = excluded.belief_before,
			belief_after = excluded.belief_after,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	var before, after any
	if state.BeliefScoreBefore != nil {
		before = *state.BeliefScoreBefore
	}
	if state.BeliefScoreAfter != nil {
		after = *state.BeliefScoreAfter
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	return withRetry(ctx, "save conversation", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx, query,
			state.SessionID, string(state.Phase), before, after, string(data), updated.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		return nil
	})
}

// GetConversation retrieves a conversation by session id.
func (s *SQLiteStore) GetConversation(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM conversations WHERE session_id = ?`, sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	var state domain.ConversationState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &state, nil
}

// CleanupExpired removes sessions and conversations older than olderThan.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).UnixNano()

	var total int64
	err := withRetry(ctx, "cleanup archive", func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		total = 0
		for _, query := range []string{
			`DELETE FROM sessions WHERE updated_at < ?`,
			`DELETE FROM conversations WHERE updated_at < ?`,
		} {
			res, err := s.db.ExecContext(ctx, query, threshold)
			if err != nil {
				return fmt.Errorf("cleanup expired records: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			total += n
		}
		return nil
	})
	return total, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
