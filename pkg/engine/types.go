package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record represents one desired-state row from the input set.
type Record struct {
	// ID is the caller-supplied unique row identifier. It becomes the
	// operation ID and is used for result correlation and rollback.
	ID string `json:"id"`

	// ResourceType selects the handler and catalog entry for this record.
	ResourceType string `json:"resource_type"`

	// Action is the declared intent (create/update/delete/upsert).
	Action RecordAction `json:"action"`

	// Path is the full resource path from the configuration root,
	// e.g. "prod/10.0.0.0/8" or "prod/example.com/www".
	Path string `json:"path"`

	// ParentPath is the path of the containing resource. Empty for
	// top-level resources; filled during the pending scan for CIDR types
	// whose parent is implied by containment.
	ParentPath string `json:"parent_path,omitempty"`

	// Name is the identifying name of the resource within its parent.
	Name string `json:"name"`

	// Fields holds the desired field values keyed by field name.
	Fields map[string]interface{} `json:"fields"`

	// DependsOn lists record IDs that must complete before this one, in
	// addition to whatever ordering the engine derives from parentage and
	// references.
	DependsOn []string `json:"depends_on,omitempty"`
}

// DeferredRef is a placeholder for an identifier that will exist once its
// source operation (a create in the same run) completes.
type DeferredRef struct {
	// SourceOperationID is the create operation expected to produce the
	// identifier.
	SourceOperationID string `json:"source_operation_id"`

	// LookupKey is the resource path used to re-resolve once the source
	// completes.
	LookupKey string `json:"lookup_key"`

	// ResourceType is the type of the referenced resource.
	ResourceType string `json:"resource_type"`
}

// ResolvedRef is the outcome of a path resolution: either a concrete remote
// identifier or a deferred reference to an operation in the current run.
type ResolvedRef struct {
	// ID is the concrete remote identifier. Zero when deferred or absent.
	ID int64 `json:"id,omitempty"`

	// Deferred is set when the referenced resource is created by another
	// operation in this run.
	Deferred *DeferredRef `json:"deferred,omitempty"`
}

// IsDeferred returns true if the reference awaits a source operation.
func (r ResolvedRef) IsDeferred() bool {
	return r.Deferred != nil
}

// IsZero returns true if the reference is neither resolved nor deferred.
func (r ResolvedRef) IsZero() bool {
	return r.ID == 0 && r.Deferred == nil
}

// Operation represents one desired mutation against the remote store.
type Operation struct {
	// ID is the unique operation token, taken from the source record.
	ID string `json:"id"`

	// Kind is the mutation type (create/update/delete/noop).
	Kind OperationKind `json:"kind"`

	// ResourceType selects the handler for this operation.
	ResourceType string `json:"resource_type"`

	// ResourceID is the resolved remote identifier. Present for update and
	// delete; zero for create until the remote store assigns one.
	ResourceID int64 `json:"resource_id,omitempty"`

	// Path is the full resource path from the configuration root.
	Path string `json:"path"`

	// ParentPath is the path of the containing resource. The graph builder
	// uses it to order operations against their containers.
	ParentPath string `json:"parent_path,omitempty"`

	// Name is the identifying name of the resource within its parent.
	Name string `json:"name,omitempty"`

	// ParentRef is the containing resource: a concrete identifier or a
	// deferred reference to a create in the same run.
	ParentRef ResolvedRef `json:"parent_ref"`

	// Payload holds the field values sent to the remote API. Never mutated
	// in place; the executor deep-copies it before resolving deferred
	// references so retries stay idempotent.
	Payload map[string]interface{} `json:"payload"`

	// DeferredFields maps payload field names to deferred references whose
	// identifiers are substituted after their sources complete.
	DeferredFields map[string]DeferredRef `json:"deferred_fields,omitempty"`

	// DependsOn lists operation IDs this operation must follow. Never
	// contains the operation's own ID; immutable once graphed.
	DependsOn []string `json:"depends_on,omitempty"`

	// NoopReason explains why a noop operation required no mutation.
	NoopReason string `json:"noop_reason,omitempty"`
}

// ClonePayload returns a deep copy of the operation payload. The executor
// resolves deferred references into the copy only.
func (o *Operation) ClonePayload() map[string]interface{} {
	return DeepCopyPayload(o.Payload)
}

// DeferredRefs returns every deferred reference the operation holds: the
// parent reference plus any deferred payload fields.
func (o *Operation) DeferredRefs() []DeferredRef {
	var refs []DeferredRef
	if o.ParentRef.IsDeferred() {
		refs = append(refs, *o.ParentRef.Deferred)
	}
	for _, ref := range o.DeferredFields {
		refs = append(refs, ref)
	}
	return refs
}

// DeepCopyPayload returns a recursive copy of a payload map. Nested maps
// and slices are copied; scalar values are shared.
func DeepCopyPayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return DeepCopyPayload(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// OperationResult is the immutable outcome of one operation. The executor
// only appends results, never overwrites them.
type OperationResult struct {
	// OperationID correlates the result with its operation and source row.
	OperationID string `json:"operation_id"`

	// Kind is the mutation type that was attempted.
	Kind OperationKind `json:"kind"`

	// ResourceType is the resource type of the operation.
	ResourceType string `json:"resource_type"`

	// Path is the resource path of the operation.
	Path string `json:"path"`

	// Status is the terminal status the operation reached.
	Status OperationStatus `json:"status"`

	// Success indicates the operation completed without error.
	Success bool `json:"success"`

	// ResourceID is the remote identifier produced or acted upon.
	ResourceID int64 `json:"resource_id,omitempty"`

	// Error is the classified failure, if any.
	Error *EngineError `json:"error,omitempty"`

	// Before is the payload snapshot prior to the mutation, for rollback.
	Before map[string]interface{} `json:"before,omitempty"`

	// After is the payload snapshot after the mutation, for rollback.
	After map[string]interface{} `json:"after,omitempty"`

	// Attempts counts dispatch attempts including the final one.
	Attempts int `json:"attempts"`

	// BatchSeq is the plan batch the operation executed in.
	BatchSeq int `json:"batch_seq"`

	// DryRun marks synthetic results produced without remote mutation.
	DryRun bool `json:"dry_run,omitempty"`

	// StartedAt is when dispatch began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the operation reached its terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total elapsed execution time.
	Duration time.Duration `json:"duration"`
}

// ExecutionBatch is a set of operations with no dependency edges among them
// that may run concurrently, plus a sequence number defining inter-batch
// order.
type ExecutionBatch struct {
	// Seq is the position of the batch in the plan. Batches run strictly
	// in sequence.
	Seq int `json:"seq"`

	// Phase is the super-phase the batch belongs to: deletes first, then
	// creates and updates.
	Phase Phase `json:"phase"`

	// Depth is the graph depth shared by the batch's operations.
	Depth int `json:"depth"`

	// Operations are the members of the batch in deterministic order.
	Operations []*Operation `json:"operations"`
}

// OperationIDs returns the batch member IDs in batch order.
func (b *ExecutionBatch) OperationIDs() []string {
	ids := make([]string, len(b.Operations))
	for i, op := range b.Operations {
		ids[i] = op.ID
	}
	return ids
}

// ExecutionPlan is the ordered list of batches produced by the planner.
type ExecutionPlan struct {
	// Batches are executed strictly in order.
	Batches []*ExecutionBatch `json:"batches"`

	// Summary provides operation counts for the plan.
	Summary PlanSummary `json:"summary"`
}

// PlanSummary provides statistics about an execution plan.
type PlanSummary struct {
	// Total is the number of scheduled operations.
	Total int `json:"total"`

	// Creates is the number of create operations.
	Creates int `json:"creates"`

	// Updates is the number of update operations.
	Updates int `json:"updates"`

	// Deletes is the number of delete operations.
	Deletes int `json:"deletes"`

	// DeleteBatches is the number of batches in the delete phase.
	DeleteBatches int `json:"delete_batches"`

	// ApplyBatches is the number of batches in the create/update phase.
	ApplyBatches int `json:"apply_batches"`
}

// Fingerprint returns a stable digest of the plan's batch structure. Two
// plans over the same operations and batch-size limit always produce the
// same fingerprint.
func (p *ExecutionPlan) Fingerprint() string {
	var sb strings.Builder
	for _, batch := range p.Batches {
		fmt.Fprintf(&sb, "%d:%s:%d[", batch.Seq, batch.Phase, batch.Depth)
		sb.WriteString(strings.Join(batch.OperationIDs(), ","))
		sb.WriteString("]\n")
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// EdgeReason identifies why a dependency edge exists.
type EdgeReason string

const (
	// EdgeReasonParent marks parent-path containment edges.
	EdgeReasonParent EdgeReason = "parent"

	// EdgeReasonDeferred marks edges from a deferred reference's source.
	EdgeReasonDeferred EdgeReason = "deferred"

	// EdgeReasonReference marks cross-record reference edges.
	EdgeReasonReference EdgeReason = "reference"

	// EdgeReasonExplicit marks caller-declared depends-on edges.
	EdgeReasonExplicit EdgeReason = "explicit"
)

// GraphEdge is a directed "From must run before To" constraint.
type GraphEdge struct {
	// From is the operation that must complete first.
	From string `json:"from"`

	// To is the dependent operation.
	To string `json:"to"`

	// Reason identifies the edge source.
	Reason EdgeReason `json:"reason"`
}

// GraphNode is one operation inside the dependency graph.
type GraphNode struct {
	// Operation is the graphed operation.
	Operation *Operation `json:"operation"`

	// Depth is the longest-path distance from a root node.
	Depth int `json:"depth"`

	// Dependencies lists operation IDs this node waits for.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependents lists operation IDs waiting for this node.
	Dependents []string `json:"dependents,omitempty"`
}

// Event is one entry in the execution timeline.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// SessionID is the session the event belongs to.
	SessionID string `json:"session_id"`

	// OperationID is the related operation, if any.
	OperationID string `json:"operation_id,omitempty"`

	// ResourceType is the related resource type, if any.
	ResourceType string `json:"resource_type,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the severity level (info/warning/error).
	Level string `json:"level"`
}

// RunSummary provides aggregate statistics for one run.
type RunSummary struct {
	// Total is the number of input records considered.
	Total int `json:"total"`

	// Succeeded is the number of operations that completed successfully.
	Succeeded int `json:"succeeded"`

	// Failed is the number of operations that failed terminally.
	Failed int `json:"failed"`

	// Skipped is the number of operations skipped due to failed
	// dependencies.
	Skipped int `json:"skipped"`

	// Noops is the number of records already in the desired state.
	Noops int `json:"noops"`

	// Invalid is the number of records rejected during validation.
	Invalid int `json:"invalid"`

	// Resumed is the number of operations skipped because a previous
	// session already completed them.
	Resumed int `json:"resumed"`
}

// RunResult is the complete outcome of one reconciliation run.
type RunResult struct {
	// SessionID identifies the run.
	SessionID string `json:"session_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// DryRun marks runs executed without remote mutation.
	DryRun bool `json:"dry_run"`

	// Plan is the executed plan, kept for rendering and audits.
	Plan *ExecutionPlan `json:"plan,omitempty"`

	// Results are the per-operation outcomes in batch order.
	Results []OperationResult `json:"results"`

	// Summary provides aggregate counts.
	Summary RunSummary `json:"summary"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total elapsed run time.
	Duration time.Duration `json:"duration"`
}

// NormalizationClass selects how a field value is canonicalized before
// diff comparison.
type NormalizationClass string

const (
	// NormalizeName compares names case- and whitespace-insensitively.
	NormalizeName NormalizationClass = "name"

	// NormalizeCIDR compares CIDR prefixes in canonical masked form.
	NormalizeCIDR NormalizationClass = "cidr"

	// NormalizeAddress compares IP addresses in canonical form.
	NormalizeAddress NormalizationClass = "address"

	// NormalizeFQDN compares domain names case-insensitively and ignores
	// a trailing dot.
	NormalizeFQDN NormalizationClass = "fqdn"

	// NormalizeMultiValue compares comma-separated value lists ignoring
	// order and surrounding whitespace.
	NormalizeMultiValue NormalizationClass = "multivalue"

	// NormalizeVerbatim compares values after numeric canonicalization
	// only.
	NormalizeVerbatim NormalizationClass = "verbatim"
)

// ResourceSpec describes one resource type as declared by the catalog.
type ResourceSpec struct {
	// Type is the resource type tag.
	Type string `json:"type"`

	// IdentifyingFields are always included in update payloads.
	IdentifyingFields []string `json:"identifying_fields,omitempty"`

	// Fields maps comparable field names to their normalization class.
	// Fields absent from the map are ignored by the diff.
	Fields map[string]NormalizationClass `json:"fields"`

	// RequiredFields must be present on create records.
	RequiredFields []string `json:"required_fields,omitempty"`

	// ParentTypes lists the resource types that may contain this type.
	ParentTypes []string `json:"parent_types,omitempty"`

	// ReferenceFields maps payload fields to the resource type they name,
	// producing reference edges in the dependency graph.
	ReferenceFields map[string]string `json:"reference_fields,omitempty"`

	// Protection is the deletion-protection tier of the type.
	Protection ProtectionTier `json:"protection"`

	// CIDRScoped marks types whose parent is implied by CIDR containment
	// rather than an explicit parent column.
	CIDRScoped bool `json:"cidr_scoped,omitempty"`
}

// SortedFieldNames returns the comparable field names in stable order.
func (s *ResourceSpec) SortedFieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
