package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteTimeLayout is the format used for expiry columns that are compared
// with datetime('now') inside queries. Always UTC.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Per-connection settings go through repeated _pragma parameters so
	// every pooled connection gets foreign keys and WAL.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if strings.Contains(s.cfg.Path, ":memory:") {
		// Each pooled connection would otherwise open its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// CreateSession creates a new session record
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, input_hash, source, status, total_operations, started_at, completed_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.InputHash,
		session.Source,
		session.Status,
		session.TotalOperations,
		session.StartedAt,
		session.CompletedAt,
		session.Error,
		session.CreatedAt,
		session.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, input_hash, source, status, total_operations, started_at, completed_at, error, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	session := &Session{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.InputHash,
		&session.Source,
		&session.Status,
		&session.TotalOperations,
		&session.StartedAt,
		&session.CompletedAt,
		&session.Error,
		&session.CreatedAt,
		&session.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// UpdateSessionStatus updates the status of a session. Terminal statuses
// also stamp the completion time.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errMsg *string) error {
	query := `
		UPDATE sessions
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}

	return nil
}

// ListSessions lists sessions with pagination, newest first
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	query := `
		SELECT id, input_hash, source, status, total_operations, started_at, completed_at, error, created_at, updated_at
		FROM sessions
		ORDER BY datetime(started_at) DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session := &Session{}
		err := rows.Scan(
			&session.ID,
			&session.InputHash,
			&session.Source,
			&session.Status,
			&session.TotalOperations,
			&session.StartedAt,
			&session.CompletedAt,
			&session.Error,
			&session.CreatedAt,
			&session.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// FindResumable returns the most recent non-terminal session with the given
// input hash, or nil when no such session exists.
func (s *SQLiteStore) FindResumable(ctx context.Context, inputHash string) (*Session, error) {
	query := `
		SELECT id, input_hash, source, status, total_operations, started_at, completed_at, error, created_at, updated_at
		FROM sessions
		WHERE input_hash = ? AND status IN (?, ?)
		ORDER BY datetime(started_at) DESC
		LIMIT 1
	`

	session := &Session{}
	err := s.db.QueryRowContext(ctx, query, inputHash, SessionStatusPending, SessionStatusRunning).Scan(
		&session.ID,
		&session.InputHash,
		&session.Source,
		&session.Status,
		&session.TotalOperations,
		&session.StartedAt,
		&session.CompletedAt,
		&session.Error,
		&session.CreatedAt,
		&session.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find resumable session: %w", err)
	}

	return session, nil
}

// DeleteSession deletes a session and, via cascade, its changelog entries
// and checkpoints
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}

	return nil
}

// AppendResult appends one operation result to the session's changelog
func (s *SQLiteStore) AppendResult(ctx context.Context, sessionID string, result *engine.OperationResult) error {
	query := `
		INSERT INTO changelog (
			session_id, operation_id, resource_type, path, kind, status,
			success, resource_id, error, before_state, after_state,
			attempts, batch_seq, dry_run, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var errMsg *string
	if result.Error != nil {
		msg := result.Error.Error()
		errMsg = &msg
	}

	before, err := marshalState(result.Before)
	if err != nil {
		return fmt.Errorf("failed to encode before state: %w", err)
	}
	after, err := marshalState(result.After)
	if err != nil {
		return fmt.Errorf("failed to encode after state: %w", err)
	}

	appliedAt := result.CompletedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, query,
		sessionID,
		result.OperationID,
		result.ResourceType,
		result.Path,
		result.Kind,
		result.Status,
		result.Success,
		result.ResourceID,
		errMsg,
		before,
		after,
		result.Attempts,
		result.BatchSeq,
		result.DryRun,
		appliedAt.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to append changelog entry: %w", err)
	}

	return nil
}

// MarkBatchComplete records that a plan batch reached a terminal state
func (s *SQLiteStore) MarkBatchComplete(ctx context.Context, sessionID string, batchSeq int, completed []string) error {
	if completed == nil {
		completed = []string{}
	}

	ids, err := json.Marshal(completed)
	if err != nil {
		return fmt.Errorf("failed to encode operation ids: %w", err)
	}

	query := `
		INSERT INTO checkpoints (session_id, batch_seq, operation_ids, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, batch_seq) DO UPDATE SET
			operation_ids = excluded.operation_ids,
			completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query, sessionID, batchSeq, string(ids), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark batch complete: %w", err)
	}

	return nil
}

// CompletedOperations returns the IDs of operations that already succeeded
// in a session. Dry-run rows never count toward resume.
func (s *SQLiteStore) CompletedOperations(ctx context.Context, sessionID string) (map[string]bool, error) {
	query := `
		SELECT DISTINCT operation_id
		FROM changelog
		WHERE session_id = ? AND success = 1 AND dry_run = 0
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed operations: %w", err)
	}
	defer rows.Close()

	completed := map[string]bool{}
	for rows.Next() {
		var opID string
		if err := rows.Scan(&opID); err != nil {
			return nil, fmt.Errorf("failed to scan operation id: %w", err)
		}
		completed[opID] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completed operations: %w", err)
	}

	return completed, nil
}

// ListCheckpoints lists the batch checkpoints of a session in batch order
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	query := `
		SELECT session_id, batch_seq, operation_ids, completed_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY batch_seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []*Checkpoint{}
	for rows.Next() {
		cp := &Checkpoint{}
		var ids string
		if err := rows.Scan(&cp.SessionID, &cp.BatchSeq, &ids, &cp.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &cp.OperationIDs); err != nil {
			return nil, fmt.Errorf("failed to decode operation ids: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}

	return checkpoints, nil
}

// ChangelogForSession returns a session's changelog entries in append order
func (s *SQLiteStore) ChangelogForSession(ctx context.Context, sessionID string) ([]*ChangelogEntry, error) {
	query := `
		SELECT id, session_id, operation_id, resource_type, path, kind, status,
		       success, resource_id, error, before_state, after_state,
		       attempts, batch_seq, dry_run, applied_at
		FROM changelog
		WHERE session_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load changelog: %w", err)
	}
	defer rows.Close()

	entries := []*ChangelogEntry{}
	for rows.Next() {
		entry := &ChangelogEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.OperationID,
			&entry.ResourceType,
			&entry.Path,
			&entry.Kind,
			&entry.Status,
			&entry.Success,
			&entry.ResourceID,
			&entry.Error,
			&entry.Before,
			&entry.After,
			&entry.Attempts,
			&entry.BatchSeq,
			&entry.DryRun,
			&entry.AppliedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan changelog entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changelog: %w", err)
	}

	return entries, nil
}

// ResolverCache is a persistent path cache view over the store. Entries
// expire after the configured TTL; expired rows are invisible to readers.
type ResolverCache struct {
	store *SQLiteStore
	ttl   time.Duration
}

// ResolverCache returns a cache view with the given TTL. A non-positive
// TTL disables expiry.
func (s *SQLiteStore) ResolverCache(ttl time.Duration) *ResolverCache {
	return &ResolverCache{store: s, ttl: ttl}
}

// Get returns the cached identifier for a path, with a hit indicator
func (c *ResolverCache) Get(ctx context.Context, path string, resourceType string) (int64, bool, error) {
	query := `
		SELECT resource_id
		FROM resolver_cache
		WHERE path = ? AND resource_type = ?
		  AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
	`

	var id int64
	err := c.store.db.QueryRowContext(ctx, query, path, resourceType).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	return id, true, nil
}

// Put stores or refreshes a cache entry
func (c *ResolverCache) Put(ctx context.Context, path string, resourceType string, id int64) error {
	query := `
		INSERT INTO resolver_cache (path, resource_type, resource_id, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path, resource_type) DO UPDATE SET
			resource_id = excluded.resource_id,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	var expiresAt *string
	if c.ttl > 0 {
		formatted := now.Add(c.ttl).Format(sqliteTimeLayout)
		expiresAt = &formatted
	}

	_, err := c.store.db.ExecContext(ctx, query, path, resourceType, id, expiresAt, now.Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	return nil
}

// Invalidate drops every cache entry for a path
func (c *ResolverCache) Invalidate(ctx context.Context, path string) error {
	query := `DELETE FROM resolver_cache WHERE path = ?`

	if _, err := c.store.db.ExecContext(ctx, query, path); err != nil {
		return fmt.Errorf("failed to invalidate cache entry: %w", err)
	}

	return nil
}

// PurgeExpiredCache deletes all expired resolver cache rows
func (s *SQLiteStore) PurgeExpiredCache(ctx context.Context) (int64, error) {
	query := `DELETE FROM resolver_cache WHERE expires_at IS NOT NULL AND datetime(expires_at) <= datetime('now')`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// marshalState encodes a payload snapshot as JSON, nil maps to NULL
func marshalState(state map[string]interface{}) (*string, error) {
	if state == nil {
		return nil, nil
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}

	encoded := string(raw)
	return &encoded, nil
}
