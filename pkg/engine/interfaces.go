package engine

import (
	"context"
	"time"
)

// RemoteClient is the address-management API as the engine sees it. The
// engine fixes no transport or wire format; implementations must surface a
// throttled EngineError for rate limiting and distinguish not-found from
// transient failures through the error classification.
type RemoteClient interface {
	// Get fetches the current state of a resource by identifier.
	Get(ctx context.Context, resourceType string, id int64) (map[string]interface{}, error)

	// GetByPath resolves a resource path to its remote identifier. A
	// missing path returns a permanent error carrying ErrCodeNotFound.
	GetByPath(ctx context.Context, path string, resourceType string) (int64, error)

	// Create creates a resource under the given parent and returns the
	// assigned identifier.
	Create(ctx context.Context, resourceType string, parentID int64, payload map[string]interface{}) (int64, error)

	// Update modifies an existing resource.
	Update(ctx context.Context, resourceType string, id int64, payload map[string]interface{}) error

	// Delete removes an existing resource.
	Delete(ctx context.Context, resourceType string, id int64) error

	// List returns the resources of a type under a parent, optionally
	// filtered by field values.
	List(ctx context.Context, resourceType string, parentID int64, filter map[string]string) ([]map[string]interface{}, error)
}

// Handler executes operations for one resource type. Handlers fill in the
// result's resource identifier and before/after snapshots; the executor
// owns status, timing and retry bookkeeping.
type Handler interface {
	// Create provisions a new resource from the operation payload.
	Create(ctx context.Context, client RemoteClient, op *Operation) (*OperationResult, error)

	// Update applies the operation payload to an existing resource.
	Update(ctx context.Context, client RemoteClient, op *Operation) (*OperationResult, error)

	// Delete removes the resource named by the operation.
	Delete(ctx context.Context, client RemoteClient, op *Operation) (*OperationResult, error)
}

// HandlerRegistry looks up handlers by resource type. Registration happens
// at startup; lookups must be safe for concurrent use during execution.
type HandlerRegistry interface {
	// Get returns the handler for a resource type.
	Get(resourceType string) (Handler, bool)

	// Register binds a handler to a resource type. Registering a type
	// twice is an error.
	Register(resourceType string, handler Handler) error

	// Types returns all registered resource types in sorted order.
	Types() []string
}

// SnapshotProvider returns the current remote state corresponding to a
// desired-state record. A nil map with a nil error means the resource does
// not exist. The returned map must include the remote identifier under the
// "id" key when the resource exists.
type SnapshotProvider interface {
	Current(ctx context.Context, record *Record) (map[string]interface{}, error)
}

// CheckpointSink receives the append-only stream of operation results and
// answers resume queries. Implementations persist; the engine only calls.
type CheckpointSink interface {
	// AppendResult records one operation result for a session.
	AppendResult(ctx context.Context, sessionID string, result *OperationResult) error

	// MarkBatchComplete records that every operation in a batch reached a
	// terminal state, with the IDs that completed successfully.
	MarkBatchComplete(ctx context.Context, sessionID string, batchSeq int, completed []string) error

	// CompletedOperations returns the set of operation IDs already
	// checkpointed as successfully completed for a session.
	CompletedOperations(ctx context.Context, sessionID string) (map[string]bool, error)
}

// SafetyPolicy decides whether an operation on a resource type is
// permitted. A nil return permits the operation; a violation returns a
// permanent error carrying ErrCodeSafetyViolation. The diff engine consults
// it for protected-delete handling and the executor re-checks it
// immediately before dispatch.
type SafetyPolicy interface {
	Check(ctx context.Context, resourceType string, kind OperationKind) error
}

// ResolverCache is the persistent path-to-identifier cache behind the
// resolver. It survives process restarts; entries may expire server-side.
type ResolverCache interface {
	// Get returns the cached identifier for a path, with a hit indicator.
	Get(ctx context.Context, path string, resourceType string) (int64, bool, error)

	// Put stores or refreshes a cache entry.
	Put(ctx context.Context, path string, resourceType string, id int64) error

	// Invalidate drops the cache entry for a path.
	Invalidate(ctx context.Context, path string) error
}

// Catalog exposes per-resource-type metadata: comparable fields and their
// normalization classes, parent and reference declarations, and protection
// tiers. The engine hard-codes no resource type.
type Catalog interface {
	// Spec returns the specification for a resource type.
	Spec(resourceType string) (*ResourceSpec, bool)

	// Types returns all declared resource types in sorted order.
	Types() []string
}

// EventPublisher receives execution timeline events. Implementations must
// not block the caller; publishing is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Metrics receives engine measurements. A nil Metrics disables collection;
// every engine component tolerates that.
type Metrics interface {
	// OperationCompleted records one terminal operation outcome.
	OperationCompleted(resourceType string, kind OperationKind, status OperationStatus, duration time.Duration)

	// OperationRetried records one retry attempt.
	OperationRetried(resourceType string, class ErrorClass)

	// BatchCompleted records a finished plan batch.
	BatchCompleted(phase Phase, size int, duration time.Duration)

	// ThrottleCeiling records the current concurrency ceiling.
	ThrottleCeiling(ceiling int)

	// ThrottleInFlight records the current in-flight operation count.
	ThrottleInFlight(inFlight int)

	// DeferredResolved records one deferred reference resolution.
	DeferredResolved(resourceType string)
}
