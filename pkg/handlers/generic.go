package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// Generic is the built-in handler for catalog resource types. It maps the
// three operation kinds directly onto remote client calls and captures the
// before/after snapshots the changelog and rollback generation need.
type Generic struct {
	logger zerolog.Logger
}

var _ engine.Handler = (*Generic)(nil)

// NewGeneric returns the built-in catalog-type handler.
func NewGeneric(logger zerolog.Logger) *Generic {
	return &Generic{logger: logger}
}

// Create provisions the resource under its resolved parent. Conflicts
// bubble up untouched so the executor can convert the create into an
// update against the existing resource.
func (g *Generic) Create(ctx context.Context, client engine.RemoteClient, op *engine.Operation) (*engine.OperationResult, error) {
	id, err := client.Create(ctx, op.ResourceType, op.ParentRef.ID, op.Payload)
	if err != nil {
		return nil, err
	}
	return &engine.OperationResult{
		ResourceID: id,
		After:      op.Payload,
	}, nil
}

// Update fetches the current state for the changelog's before snapshot,
// then applies the payload.
func (g *Generic) Update(ctx context.Context, client engine.RemoteClient, op *engine.Operation) (*engine.OperationResult, error) {
	before, err := client.Get(ctx, op.ResourceType, op.ResourceID)
	if err != nil {
		return nil, err
	}
	if err := client.Update(ctx, op.ResourceType, op.ResourceID, op.Payload); err != nil {
		return nil, err
	}
	return &engine.OperationResult{
		ResourceID: op.ResourceID,
		Before:     before,
		After:      op.Payload,
	}, nil
}

// Delete removes the resource, keeping its last state as the before
// snapshot. A resource that vanished since the diff snapshot already
// matches the desired end state, so the delete reports success without a
// mutation.
func (g *Generic) Delete(ctx context.Context, client engine.RemoteClient, op *engine.Operation) (*engine.OperationResult, error) {
	before, err := client.Get(ctx, op.ResourceType, op.ResourceID)
	if err != nil {
		if engine.IsNotFound(err) {
			g.logger.Debug().
				Str("path", op.Path).
				Int64("resource_id", op.ResourceID).
				Msg("delete target already absent")
			return &engine.OperationResult{ResourceID: op.ResourceID}, nil
		}
		return nil, err
	}

	if err := client.Delete(ctx, op.ResourceType, op.ResourceID); err != nil {
		if engine.IsNotFound(err) {
			return &engine.OperationResult{ResourceID: op.ResourceID, Before: before}, nil
		}
		return nil, err
	}
	return &engine.OperationResult{
		ResourceID: op.ResourceID,
		Before:     before,
	}, nil
}
