package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DiffPolicy controls how desired records are turned into operations.
type DiffPolicy struct {
	// SafeMode converts deletes of protected resource types into noops
	// instead of letting them fail at execution time.
	SafeMode bool

	// UpdateMode restricts which kinds of mutation the run may produce.
	UpdateMode UpdateMode
}

// DiffEngine compares a desired record against the current remote state and
// produces the operation, if any, that reconciles the two. Records that
// match remote state produce noop operations, which the caller reports but
// never schedules.
type DiffEngine struct {
	resolver  *Resolver
	snapshots SnapshotProvider
	catalog   Catalog
	safety    SafetyPolicy
	policy    DiffPolicy
	logger    zerolog.Logger
}

// NewDiffEngine builds a diff engine. safety may be nil, in which case safe
// mode has nothing to protect and deletes pass through.
func NewDiffEngine(resolver *Resolver, snapshots SnapshotProvider, catalog Catalog, safety SafetyPolicy, policy DiffPolicy, logger zerolog.Logger) *DiffEngine {
	if policy.UpdateMode == "" {
		policy.UpdateMode = UpdateModeUpsert
	}
	return &DiffEngine{
		resolver:  resolver,
		snapshots: snapshots,
		catalog:   catalog,
		safety:    safety,
		policy:    policy,
		logger:    logger.With().Str("component", "diff").Logger(),
	}
}

// Diff produces the operation that reconciles record with remote state.
func (d *DiffEngine) Diff(ctx context.Context, record *Record) (*Operation, error) {
	spec, ok := d.catalog.Spec(record.ResourceType)
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown resource type %q", record.ResourceType), nil).
			WithCode(ErrCodeValidation).WithOperation(record.ID)
	}

	current, err := d.snapshots.Current(ctx, record)
	if err != nil {
		return nil, err
	}

	switch {
	case record.Action == ActionDelete:
		return d.diffDelete(ctx, record, current, spec)
	case current == nil:
		if record.Action == ActionUpdate || d.policy.UpdateMode == UpdateModeUpdateOnly {
			return nil, NewPermanentError("resource does not exist and the run cannot create it", nil).
				WithCode(ErrCodeNotFound).WithOperation(record.ID).WithPath(record.Path)
		}
		return d.diffCreate(ctx, record, spec)
	default:
		if record.Action == ActionCreate || d.policy.UpdateMode == UpdateModeCreateOnly {
			id, _ := currentID(current)
			op := noopOperation(record, "resource already exists and the run cannot update it")
			op.ResourceID = id
			return op, nil
		}
		return d.diffUpdate(record, current, spec)
	}
}

func (d *DiffEngine) diffCreate(ctx context.Context, record *Record, spec *ResourceSpec) (*Operation, error) {
	op := &Operation{
		ID:           record.ID,
		Kind:         OperationCreate,
		ResourceType: record.ResourceType,
		Path:         record.Path,
		ParentPath:   record.ParentPath,
		Name:         record.Name,
		Payload:      copyFields(record.Fields),
		DependsOn:    append([]string(nil), record.DependsOn...),
	}

	if record.ParentPath != "" {
		hint := ""
		if len(spec.ParentTypes) == 1 {
			hint = spec.ParentTypes[0]
		}
		ref, err := d.resolver.Resolve(ctx, record.ParentPath, hint)
		if err != nil {
			if IsNotFound(err) {
				return nil, NewPermanentError(fmt.Sprintf("parent %q does not exist", record.ParentPath), err).
					WithCode(ErrCodeNotFound).WithOperation(record.ID).WithPath(record.Path)
			}
			return nil, err
		}
		op.ParentRef = ref
	}
	return op, nil
}

func (d *DiffEngine) diffUpdate(record *Record, current map[string]interface{}, spec *ResourceSpec) (*Operation, error) {
	id, err := currentID(current)
	if err != nil {
		return nil, NewPermanentError("remote snapshot is missing an identifier", err).
			WithCode(ErrCodeInternal).WithOperation(record.ID).WithPath(record.Path)
	}

	changed := make(map[string]interface{})
	for _, field := range spec.SortedFieldNames() {
		desired, ok := record.Fields[field]
		if !ok {
			continue
		}
		class := spec.Fields[field]
		if NormalizeValue(desired, class) != NormalizeValue(current[field], class) {
			changed[field] = desired
		}
	}

	if len(changed) == 0 {
		op := noopOperation(record, "no differences against remote state")
		op.ResourceID = id
		return op, nil
	}

	payload := changed
	for _, field := range spec.IdentifyingFields {
		if v, ok := record.Fields[field]; ok {
			payload[field] = v
		}
	}

	return &Operation{
		ID:           record.ID,
		Kind:         OperationUpdate,
		ResourceType: record.ResourceType,
		ResourceID:   id,
		Path:         record.Path,
		ParentPath:   record.ParentPath,
		Name:         record.Name,
		Payload:      payload,
		DependsOn:    append([]string(nil), record.DependsOn...),
	}, nil
}

func (d *DiffEngine) diffDelete(ctx context.Context, record *Record, current map[string]interface{}, spec *ResourceSpec) (*Operation, error) {
	if current == nil {
		return noopOperation(record, "resource already absent"), nil
	}
	id, err := currentID(current)
	if err != nil {
		return nil, NewPermanentError("remote snapshot is missing an identifier", err).
			WithCode(ErrCodeInternal).WithOperation(record.ID).WithPath(record.Path)
	}

	// Safe mode downgrades protected deletes here so they never enter the
	// dependency graph. Without safe mode the executor's final guard still
	// rejects them, as a failure rather than a noop.
	if d.policy.SafeMode && d.safety != nil {
		if err := d.safety.Check(ctx, record.ResourceType, OperationDelete); err != nil {
			d.logger.Warn().
				Str("record", record.ID).
				Str("resource_type", record.ResourceType).
				Str("path", record.Path).
				Msg("safe mode converted protected delete to noop")
			op := noopOperation(record, "safe mode: "+err.Error())
			op.ResourceID = id
			return op, nil
		}
	}

	return &Operation{
		ID:           record.ID,
		Kind:         OperationDelete,
		ResourceType: record.ResourceType,
		ResourceID:   id,
		Path:         record.Path,
		ParentPath:   record.ParentPath,
		Name:         record.Name,
		DependsOn:    append([]string(nil), record.DependsOn...),
	}, nil
}

func noopOperation(record *Record, reason string) *Operation {
	return &Operation{
		ID:           record.ID,
		Kind:         OperationNoop,
		ResourceType: record.ResourceType,
		Path:         record.Path,
		ParentPath:   record.ParentPath,
		Name:         record.Name,
		NoopReason:   reason,
	}
}

// currentID extracts the remote identifier from a snapshot. Snapshots
// arrive from JSON decoding as well as native maps, so numeric types vary.
func currentID(current map[string]interface{}) (int64, error) {
	v, ok := current["id"]
	if !ok {
		return 0, fmt.Errorf("snapshot has no id field")
	}
	switch id := v.(type) {
	case int64:
		return id, nil
	case int:
		return int64(id), nil
	case float64:
		return int64(id), nil
	case string:
		var parsed int64
		if _, err := fmt.Sscanf(id, "%d", &parsed); err != nil {
			return 0, fmt.Errorf("snapshot id %q is not numeric", id)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("snapshot id has unsupported type %T", v)
	}
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = deepCopyValue(v)
	}
	return out
}
