// Package engine provides the core types and components of the ipamctl
// reconciliation engine.
//
// # Overview
//
// ipamctl reconciles a declarative desired state (records parsed from bulk
// input) against the live state of a hierarchical address-management service
// reachable through a rate-limited HTTP API. The engine runs as a pipeline:
//
//  1. Resolve - Map resource paths to remote identifiers (Resolver)
//  2. Diff - Compare desired and current state into typed operations (DiffEngine)
//  3. Graph - Build a cycle-checked dependency DAG with execution depths (GraphBuilder)
//  4. Plan - Order the DAG into phases and parallelizable batches (BuildPlan)
//  5. Execute - Drive batches through resource handlers with adaptive
//     concurrency, retry and deferred-identifier resolution (Executor)
//
// The Runner composes the pipeline end to end for one session.
//
// # Core Domain Types
//
//   - Record: One desired-state row from the input set
//   - Operation: A single typed mutation (create/update/delete) with payload
//   - DeferredRef: A placeholder for an identifier produced later in the run
//   - PendingResources: Registry of paths whose creators run in this session
//   - DependencyGraph: The cycle-checked DAG over operations
//   - ExecutionPlan / ExecutionBatch: Ordered phases and concurrent batches
//   - OperationResult: Immutable outcome of one operation, with before/after
//     state for rollback generation
//
// # Collaborator Interfaces
//
// The engine holds no transport, persistence or policy logic of its own. It
// consumes collaborators through narrow interfaces:
//
//   - RemoteClient: The address-management API (get/create/update/delete/list)
//   - Handler / HandlerRegistry: Per-resource-type operation execution
//   - SnapshotProvider: Current-state lookup feeding the diff
//   - CheckpointSink: Append-only result stream and resume support
//   - SafetyPolicy: Permit/deny check for destructive operations
//   - ResolverCache: Persistent path-to-identifier cache
//   - Catalog: Per-resource-type field and normalization metadata
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary remote failures, retried with backoff
//   - Throttled: Rate limiting; drops the concurrency ceiling, retried
//     without consuming the retry budget
//   - Conflict: Create target already exists; converted to update once
//   - Permanent: Validation, not-found, policy and dependency failures
//
// Use the helper predicates to classify errors:
//
//	if IsTransient(err) {
//	    // Retry the operation
//	}
//
// # Ordering Guarantees
//
// All deletes complete before any create or update begins; deletes run
// child-before-parent, creates parent-before-child. Within the create phase
// an operation holding a DeferredRef is never dispatched before its source
// operation has succeeded and confirmed its identifier. Results are appended
// in batch order, so result lists are deterministic even though intra-batch
// completion order is not.
//
// # Thread Safety
//
// The DependencyGraph and ExecutionPlan are immutable during execution. The
// Resolver serializes per-path resolution and is safe for concurrent
// callers. The Throttle is the single source of truth for the concurrency
// ceiling and is adjusted only by its own timer-driven controller.
package engine
