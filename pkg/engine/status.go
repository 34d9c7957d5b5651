package engine

import (
	"encoding/json"
	"fmt"
)

// OperationKind represents the type of mutation an operation performs.
type OperationKind string

const (
	// OperationCreate indicates a new resource should be created.
	OperationCreate OperationKind = "create"

	// OperationUpdate indicates an existing resource should be updated.
	OperationUpdate OperationKind = "update"

	// OperationDelete indicates an existing resource should be deleted.
	OperationDelete OperationKind = "delete"

	// OperationNoop indicates no mutation is needed (resource already in
	// desired state). Noop operations are never scheduled.
	OperationNoop OperationKind = "noop"
)

// IsDestructive returns true if the operation removes a resource.
func (k OperationKind) IsDestructive() bool {
	return k == OperationDelete
}

// IsMutating returns true if the operation changes remote state.
func (k OperationKind) IsMutating() bool {
	return k == OperationCreate || k == OperationUpdate || k == OperationDelete
}

// Validate checks if the operation kind is valid.
func (k OperationKind) Validate() error {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %s", k)
	}
}

// OperationStatus represents the execution state of an operation.
type OperationStatus string

const (
	// StatusPlanned indicates the operation is scheduled but not yet started.
	StatusPlanned OperationStatus = "planned"

	// StatusDeferredWait indicates the operation holds an unresolved
	// deferred reference and is waiting for its source to complete.
	StatusDeferredWait OperationStatus = "deferred_wait"

	// StatusReady indicates all references are resolved and the operation
	// is eligible for dispatch.
	StatusReady OperationStatus = "ready"

	// StatusRunning indicates the operation is currently executing.
	StatusRunning OperationStatus = "running"

	// StatusSucceeded indicates the operation completed successfully.
	StatusSucceeded OperationStatus = "succeeded"

	// StatusFailed indicates the operation failed terminally.
	StatusFailed OperationStatus = "failed"

	// StatusSkippedDependency indicates the operation was skipped because a
	// dependency failed or was itself skipped.
	StatusSkippedDependency OperationStatus = "skipped_dependency_failed"
)

// IsTerminal returns true if the status represents a final state.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkippedDependency
}

// IsActive returns true if the operation has not yet reached a terminal state.
func (s OperationStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Validate checks if the operation status is valid.
func (s OperationStatus) Validate() error {
	switch s {
	case StatusPlanned, StatusDeferredWait, StatusReady, StatusRunning,
		StatusSucceeded, StatusFailed, StatusSkippedDependency:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// Phase identifies which super-phase of the plan a batch belongs to.
type Phase string

const (
	// PhaseDelete is the first super-phase: all deletes, child before parent.
	PhaseDelete Phase = "delete"

	// PhaseApply is the second super-phase: creates and updates, parent
	// before child.
	PhaseApply Phase = "apply"
)

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	switch p {
	case PhaseDelete, PhaseApply:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// RunStatus represents the overall status of a reconciliation run.
type RunStatus string

const (
	// RunStatusPending indicates the run is prepared but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every operation succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed with no successes, or a
	// fatal pre-execution error occurred.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates the run completed with a mix of
	// successes and failures or skips.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// IsActive returns true if the run is pending or executing.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// RecordAction represents the caller-declared intent of an input record.
type RecordAction string

const (
	// ActionCreate requests creation of a new resource.
	ActionCreate RecordAction = "create"

	// ActionUpdate requests modification of an existing resource.
	ActionUpdate RecordAction = "update"

	// ActionDelete requests removal of an existing resource.
	ActionDelete RecordAction = "delete"

	// ActionUpsert requests create-or-update depending on current state.
	// A blank action column normalizes to upsert.
	ActionUpsert RecordAction = "upsert"
)

// Validate checks if the record action is valid.
func (a RecordAction) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionUpsert:
		return nil
	default:
		return fmt.Errorf("invalid record action: %s", a)
	}
}

// Kind maps a record action to the operation kind it declares. Upsert maps
// to create; the diff decides the real kind once remote state is known.
func (a RecordAction) Kind() OperationKind {
	switch a {
	case ActionUpdate:
		return OperationUpdate
	case ActionDelete:
		return OperationDelete
	default:
		return OperationCreate
	}
}

// UpdateMode controls how the diff treats records whose target state
// disagrees with the declared action.
type UpdateMode string

const (
	// UpdateModeUpsert creates missing update targets and updates existing
	// create targets. This is the default.
	UpdateModeUpsert UpdateMode = "upsert"

	// UpdateModeCreateOnly turns a create against an existing resource
	// into a noop instead of an update.
	UpdateModeCreateOnly UpdateMode = "create_only"

	// UpdateModeUpdateOnly fails an update whose target does not exist
	// instead of creating it.
	UpdateModeUpdateOnly UpdateMode = "update_only"
)

// Validate checks if the update mode is valid.
func (m UpdateMode) Validate() error {
	switch m {
	case UpdateModeUpsert, UpdateModeCreateOnly, UpdateModeUpdateOnly:
		return nil
	default:
		return fmt.Errorf("invalid update mode: %s", m)
	}
}

// FailurePolicy controls how far execution proceeds after a failure.
type FailurePolicy string

const (
	// FailurePolicyFailGroup stops only the failed operation's dependent
	// subtree; unrelated operations continue. This is the default.
	FailurePolicyFailGroup FailurePolicy = "fail_group"

	// FailurePolicyFailFast stops scheduling new batches after the first
	// failure.
	FailurePolicyFailFast FailurePolicy = "fail_fast"

	// FailurePolicyContinue runs every batch regardless of failures;
	// dependent subtrees are still skipped.
	FailurePolicyContinue FailurePolicy = "continue"
)

// Validate checks if the failure policy is valid.
func (p FailurePolicy) Validate() error {
	switch p {
	case FailurePolicyFailGroup, FailurePolicyFailFast, FailurePolicyContinue:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}

// ProtectionTier classifies how strongly a resource type is guarded
// against deletion.
type ProtectionTier string

const (
	// ProtectionCritical marks types whose deletion is always refused.
	ProtectionCritical ProtectionTier = "critical"

	// ProtectionHighRisk marks types whose deletion requires an explicit
	// override.
	ProtectionHighRisk ProtectionTier = "high_risk"

	// ProtectionNone marks unrestricted leaf types.
	ProtectionNone ProtectionTier = "none"
)

// Validate checks if the protection tier is valid.
func (t ProtectionTier) Validate() error {
	switch t {
	case ProtectionCritical, ProtectionHighRisk, ProtectionNone:
		return nil
	default:
		return fmt.Errorf("invalid protection tier: %s", t)
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeBatchStarted indicates a plan batch has started execution.
	EventTypeBatchStarted EventType = "batch_started"

	// EventTypeBatchCompleted indicates a plan batch has completed.
	EventTypeBatchCompleted EventType = "batch_completed"

	// EventTypeOperationStarted indicates an operation has started.
	EventTypeOperationStarted EventType = "operation_started"

	// EventTypeOperationCompleted indicates an operation succeeded.
	EventTypeOperationCompleted EventType = "operation_completed"

	// EventTypeOperationFailed indicates an operation failed.
	EventTypeOperationFailed EventType = "operation_failed"

	// EventTypeOperationSkipped indicates an operation was skipped.
	EventTypeOperationSkipped EventType = "operation_skipped"

	// EventTypeOperationRetried indicates an operation is being retried.
	EventTypeOperationRetried EventType = "operation_retried"

	// EventTypeThrottleAdjusted indicates the concurrency ceiling changed.
	EventTypeThrottleAdjusted EventType = "throttle_adjusted"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeOperationFailed:
		return "error"
	case EventTypeOperationSkipped, EventTypeWarning:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OperationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OperationStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OperationStatus(str)
	return s.Validate()
}
