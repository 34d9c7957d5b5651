package stores

import (
	"context"
	"time"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// SessionStatus represents the lifecycle state of a reconciliation session
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the session has reached a final state. Only
// non-terminal sessions are candidates for resume.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// Session represents one reconciliation run against the remote store
type Session struct {
	ID              string        `json:"id"`
	InputHash       string        `json:"input_hash"` // SHA-256 of the canonicalized input records
	Source          string        `json:"source"`     // input origin, display only
	Status          SessionStatus `json:"status"`
	TotalOperations int           `json:"total_operations"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	Error           *string       `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ChangelogEntry is one appended operation result. Entries are append-only;
// a resumed session that retries a failed operation adds a second row.
type ChangelogEntry struct {
	ID           int64                  `json:"id"`
	SessionID    string                 `json:"session_id"`
	OperationID  string                 `json:"operation_id"`
	ResourceType string                 `json:"resource_type"`
	Path         string                 `json:"path"`
	Kind         engine.OperationKind   `json:"kind"`
	Status       engine.OperationStatus `json:"status"`
	Success      bool                   `json:"success"`
	ResourceID   int64                  `json:"resource_id,omitempty"`
	Error        *string                `json:"error,omitempty"`
	Before       *string                `json:"before,omitempty"` // JSON blob
	After        *string                `json:"after,omitempty"`  // JSON blob
	Attempts     int                    `json:"attempts"`
	BatchSeq     int                    `json:"batch_seq"`
	DryRun       bool                   `json:"dry_run,omitempty"`
	AppliedAt    time.Time              `json:"applied_at"`
}

// Checkpoint records that every operation of a plan batch reached a
// terminal state, with the IDs that completed successfully.
type Checkpoint struct {
	SessionID    string    `json:"session_id"`
	BatchSeq     int       `json:"batch_seq"`
	OperationIDs []string  `json:"operation_ids"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, errMsg *string) error
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)
	FindResumable(ctx context.Context, inputHash string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Checkpoint stream consumed during execution and replayed on resume
	engine.CheckpointSink
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)

	// Changelog operations
	ChangelogForSession(ctx context.Context, sessionID string) ([]*ChangelogEntry, error)

	// Resolver cache maintenance
	PurgeExpiredCache(ctx context.Context) (int64, error)
}
