package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Resolver maps hierarchical resource paths to remote identifiers. Lookups
// consult, in order: identifiers confirmed during this run, the persistent
// cache, the pending-resource registry (which yields a deferred reference
// instead of an identifier), and finally the remote API. Paths are unique
// across the tree, so the resolver keys everything by path alone; the
// resource type travels with the lookup as a hint for the remote search.
//
// A per-path lock serializes concurrent lookups of the same path so the
// remote API sees at most one live lookup per path for the lifetime of a
// run. All methods are safe for concurrent use.
type Resolver struct {
	client  RemoteClient
	cache   ResolverCache
	pending *PendingResources
	logger  zerolog.Logger

	mu        sync.Mutex
	confirmed map[string]int64
	cancelled map[string]string
	locks     map[string]*sync.Mutex
}

// NewResolver builds a resolver over the given collaborators. cache and
// pending may be nil; a nil cache simply disables the persistent tier.
func NewResolver(client RemoteClient, cache ResolverCache, pending *PendingResources, logger zerolog.Logger) *Resolver {
	return &Resolver{
		client:    client,
		cache:     cache,
		pending:   pending,
		logger:    logger.With().Str("component", "resolver").Logger(),
		confirmed: make(map[string]int64),
		cancelled: make(map[string]string),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Resolve translates a path into either a concrete identifier or a deferred
// reference to the operation that will create it. A path that cannot be
// found in any tier fails with a not-found error.
func (r *Resolver) Resolve(ctx context.Context, path, resourceType string) (ResolvedRef, error) {
	if path == "" {
		return ResolvedRef{}, NewPermanentError("cannot resolve empty path", nil).WithCode(ErrCodeValidation)
	}

	lock := r.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if id, ok := r.confirmed[path]; ok {
		r.mu.Unlock()
		return ResolvedRef{ID: id}, nil
	}
	if reason, ok := r.cancelled[path]; ok {
		r.mu.Unlock()
		return ResolvedRef{}, NewPermanentError("path belongs to a cancelled creation: "+reason, nil).
			WithCode(ErrCodeNotFound).WithPath(path)
	}
	r.mu.Unlock()

	if r.cache != nil {
		id, ok, err := r.cache.Get(ctx, path, resourceType)
		if err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("resolver cache read failed, falling through")
		} else if ok {
			r.remember(path, id)
			return ResolvedRef{ID: id}, nil
		}
	}

	if r.pending != nil {
		if opID, ok := r.pending.Lookup(path); ok {
			return ResolvedRef{Deferred: &DeferredRef{
				SourceOperationID: opID,
				LookupKey:         path,
				ResourceType:      resourceType,
			}}, nil
		}
	}

	id, err := r.client.GetByPath(ctx, path, resourceType)
	if err != nil {
		if IsNotFound(err) {
			return ResolvedRef{}, NewPermanentError("path does not resolve to an existing resource", err).
				WithCode(ErrCodeNotFound).WithPath(path)
		}
		return ResolvedRef{}, err
	}

	r.remember(path, id)
	if r.cache != nil {
		if err := r.cache.Put(ctx, path, resourceType, id); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("resolver cache write failed")
		}
	}
	return ResolvedRef{ID: id}, nil
}

// ConfirmCreate records that path now resolves to id. Called when a create
// operation succeeds, and during the diff phase when an upsert turns out to
// target an existing resource. The pending entry for the path is removed so
// later resolutions return the identifier directly.
func (r *Resolver) ConfirmCreate(ctx context.Context, path, resourceType string, id int64) {
	if path == "" || id == 0 {
		return
	}
	r.remember(path, id)
	if r.pending != nil {
		r.pending.Remove(path)
	}
	if r.cache != nil {
		if err := r.cache.Put(ctx, path, resourceType, id); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("resolver cache write failed")
		}
	}
}

// CancelCreate records that the operation owning path will never succeed.
// Deferred references to the path fail at resolution time from here on.
func (r *Resolver) CancelCreate(path, reason string) {
	if path == "" {
		return
	}
	r.mu.Lock()
	r.cancelled[path] = reason
	delete(r.confirmed, path)
	r.mu.Unlock()
	if r.pending != nil {
		r.pending.Remove(path)
	}
}

// DeferredValue returns the confirmed identifier for a deferred reference.
// It reports false when the source operation has not confirmed, was
// cancelled, or failed.
func (r *Resolver) DeferredValue(ref DeferredRef) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, cancelled := r.cancelled[ref.LookupKey]; cancelled {
		return 0, false
	}
	id, ok := r.confirmed[ref.LookupKey]
	return id, ok
}

// Invalidate drops every in-memory and cached mapping for path. Called
// after a delete succeeds so later runs re-resolve instead of reusing a
// stale identifier.
func (r *Resolver) Invalidate(ctx context.Context, path string) {
	r.mu.Lock()
	delete(r.confirmed, path)
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, path); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("resolver cache invalidation failed")
		}
	}
}

func (r *Resolver) remember(path string, id int64) {
	r.mu.Lock()
	r.confirmed[path] = id
	r.mu.Unlock()
}

func (r *Resolver) pathLock(path string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[path] = lock
	}
	return lock
}
