package handlers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// Registry maps resource types to their handlers. Registration happens at
// startup; lookups during execution are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]engine.Handler
	logger   zerolog.Logger
}

var _ engine.HandlerRegistry = (*Registry)(nil)

// NewRegistry returns an empty handler registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]engine.Handler),
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// Register binds a handler to a resource type. A type can only be bound
// once; a plugin claiming a built-in type is a configuration defect, not
// an override.
func (r *Registry) Register(resourceType string, handler engine.Handler) error {
	if resourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %q is nil", resourceType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[resourceType]; exists {
		return fmt.Errorf("handler for %q already registered", resourceType)
	}
	r.handlers[resourceType] = handler
	return nil
}

// Get returns the handler for a resource type.
func (r *Registry) Get(resourceType string) (engine.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[resourceType]
	return handler, ok
}

// Types returns all registered resource types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterBuiltins binds the generic handler to every type the catalog
// declares. Called before plugin loading so plugins cannot shadow catalog
// types.
func (r *Registry) RegisterBuiltins(catalog engine.Catalog) error {
	generic := NewGeneric(r.logger)
	for _, resourceType := range catalog.Types() {
		if err := r.Register(resourceType, generic); err != nil {
			return err
		}
	}
	r.logger.Debug().Int("types", len(catalog.Types())).Msg("built-in handlers registered")
	return nil
}
