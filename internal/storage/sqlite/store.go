package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/storage"
)

// Store is a SQLite cache backing store and lifecycle event log.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTTL expires entries ttl after they were added.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new SQLite store
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lifecycle_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_execution ON lifecycle_events(execution_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Add(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	now := s.now()
	var expires sql.NullInt64
	if s.ttl > 0 {
		expires = sql.NullInt64{Int64: now.Add(s.ttl).UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, created_at = excluded.created_at
	`, key, value, expires, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to add cache entry: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, false, err
	}

	var (
		value   []byte
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	if expires.Valid && s.now().UnixNano() >= expires.Int64 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = ? AND expires_at = ?`, key, expires.Int64); err != nil {
			return nil, false, fmt.Errorf("failed to evict cache entry: %w", err)
		}
		return nil, false, nil
	}

	return value, true, nil
}

func (s *Store) Remove(ctx context.Context, key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to remove cache entry: %w", err)
	}
	// Drop an expired row without reporting it as present.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("failed to remove cache entry: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) AppendLifecycleEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	var data []byte
	if event.Data != nil {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (execution_id, pipeline, type, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.ExecutionID, event.Pipeline, string(event.Type), nullString(data), event.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}
	return nil
}

// ListLifecycleEvents returns the events of an execution in append order.
// An empty executionID lists every event. Data is returned as json.RawMessage.
func (s *Store) ListLifecycleEvents(ctx context.Context, executionID string) ([]*domain.LifecycleEvent, error) {
	query := `SELECT execution_id, pipeline, type, data, created_at FROM lifecycle_events`
	var args []any
	if executionID != "" {
		query += ` WHERE execution_id = ?`
		args = append(args, executionID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []*domain.LifecycleEvent
	for rows.Next() {
		var (
			ev        domain.LifecycleEvent
			eventType string
			data      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.ExecutionID, &ev.Pipeline, &eventType, &data, &createdAt); err != nil {
			return nil, err
		}
		ev.Type = domain.PipelineEventKind(eventType)
		ev.Timestamp = time.Unix(0, createdAt)
		if data.Valid {
			ev.Data = json.RawMessage(data.String)
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
