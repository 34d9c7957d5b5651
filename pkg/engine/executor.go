package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExecutorDeps groups the executor's collaborators. Checkpoint, Safety,
// Metrics and Events may be nil; the executor degrades to not recording,
// not guarding, not measuring or not announcing respectively.
type ExecutorDeps struct {
	Client     RemoteClient
	Handlers   HandlerRegistry
	Resolver   *Resolver
	Throttle   *Throttle
	Checkpoint CheckpointSink
	Safety     SafetyPolicy
	Events     EventPublisher
	Metrics    Metrics
	Logger     zerolog.Logger
}

// ExecutorConfig controls one execution run.
type ExecutorConfig struct {
	// SessionID identifies the run for checkpoints and events.
	SessionID string

	// DryRun makes dispatch synthesize results instead of calling the
	// remote store. Everything else behaves identically.
	DryRun bool

	// MaxRetries bounds transient retries per operation. Rate limiting
	// does not consume this budget.
	MaxRetries int

	// RetryBaseDelay seeds the exponential backoff.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps a single backoff wait.
	RetryMaxDelay time.Duration

	// MaxWorkers caps the per-batch worker pool. Zero means the
	// throttle's hard ceiling.
	MaxWorkers int

	// FailurePolicy controls how failures propagate across the plan.
	FailurePolicy FailurePolicy

	// Completed holds operation IDs already checkpointed by a previous
	// attempt of this session. They are skipped and counted as resumed.
	Completed map[string]bool
}

// Executor walks an execution plan batch by batch. Operations inside a
// batch run concurrently on a worker pool gated by the throttle; batches
// themselves are strictly sequential, so every operation's dependencies
// have reached a terminal state before it is dispatched.
type Executor struct {
	client     RemoteClient
	handlers   HandlerRegistry
	resolver   *Resolver
	throttle   *Throttle
	checkpoint CheckpointSink
	safety     SafetyPolicy
	events     EventPublisher
	metrics    Metrics
	cfg        ExecutorConfig
	logger     zerolog.Logger

	mu         sync.RWMutex
	status     map[string]OperationStatus
	results    map[string]*OperationResult
	hadFailure bool
}

// NewExecutor creates an executor for one run.
func NewExecutor(deps ExecutorDeps, cfg ExecutorConfig) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailurePolicyFailGroup
	}
	return &Executor{
		client:     deps.Client,
		handlers:   deps.Handlers,
		resolver:   deps.Resolver,
		throttle:   deps.Throttle,
		checkpoint: deps.Checkpoint,
		safety:     deps.Safety,
		events:     deps.Events,
		metrics:    deps.Metrics,
		cfg:        cfg,
		logger:     deps.Logger.With().Str("component", "executor").Str("session", cfg.SessionID).Logger(),
		status:     make(map[string]OperationStatus),
		results:    make(map[string]*OperationResult),
	}
}

// Execute runs the plan and returns per-operation results in batch order.
// The returned error is non-nil only when the run stopped early, for
// cancellation; individual operation failures are reported in the results.
func (e *Executor) Execute(ctx context.Context, plan *ExecutionPlan, graph *DependencyGraph) ([]OperationResult, error) {
	if plan == nil || graph == nil {
		return nil, NewPermanentError("execute requires a plan and a graph", nil).
			WithCode(ErrCodeValidation)
	}

	e.initStatuses(plan)
	ordered := make([]OperationResult, 0, graph.Size())

	for _, batch := range plan.Batches {
		if err := ctx.Err(); err != nil {
			return ordered, err
		}
		if e.stopScheduling() {
			e.logger.Warn().Int("batch", batch.Seq).Msg("fail-fast tripped, remaining batches abandoned")
			break
		}

		pending := e.pendingOperations(batch)
		if len(pending) == 0 {
			continue
		}

		e.publishEvent(ctx, EventTypeBatchStarted, nil,
			fmt.Sprintf("batch %d started: %d operations, %s phase, depth %d", batch.Seq, len(pending), batch.Phase, batch.Depth))
		start := time.Now()

		e.runBatch(ctx, pending, graph)

		completed := make([]string, 0, len(pending))
		for _, op := range batch.Operations {
			res, ok := e.result(op.ID)
			if !ok {
				continue
			}
			res.BatchSeq = batch.Seq
			ordered = append(ordered, *res)
			if e.checkpoint != nil {
				if err := e.checkpoint.AppendResult(ctx, e.cfg.SessionID, res); err != nil {
					e.logger.Error().Err(err).Str("operation", op.ID).Msg("checkpoint append failed")
				}
			}
			if res.Success {
				completed = append(completed, op.ID)
			}
		}
		if e.checkpoint != nil {
			if err := e.checkpoint.MarkBatchComplete(ctx, e.cfg.SessionID, batch.Seq, completed); err != nil {
				e.logger.Error().Err(err).Int("batch", batch.Seq).Msg("checkpoint batch mark failed")
			}
		}

		if e.metrics != nil {
			e.metrics.BatchCompleted(batch.Phase, len(batch.Operations), time.Since(start))
		}
		e.publishEvent(ctx, EventTypeBatchCompleted, nil,
			fmt.Sprintf("batch %d completed: %d/%d succeeded", batch.Seq, len(completed), len(pending)))
	}

	return ordered, ctx.Err()
}

// Status returns an operation's current lifecycle status.
func (e *Executor) Status(id string) (OperationStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.status[id]
	return status, ok
}

func (e *Executor) initStatuses(plan *ExecutionPlan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, batch := range plan.Batches {
		for _, op := range batch.Operations {
			if e.cfg.Completed[op.ID] {
				e.status[op.ID] = StatusSucceeded
			} else {
				e.status[op.ID] = StatusPlanned
			}
		}
	}
}

func (e *Executor) pendingOperations(batch *ExecutionBatch) []*Operation {
	out := make([]*Operation, 0, len(batch.Operations))
	for _, op := range batch.Operations {
		if !e.cfg.Completed[op.ID] {
			out = append(out, op)
		}
	}
	return out
}

// runBatch executes one batch on a bounded worker pool. Concurrency within
// the pool is further gated per-request by the throttle.
func (e *Executor) runBatch(ctx context.Context, ops []*Operation, graph *DependencyGraph) {
	workers := len(ops)
	if max := e.maxWorkers(); workers > max {
		workers = max
	}

	queue := make(chan *Operation, len(ops))
	for _, op := range ops {
		queue <- op
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range queue {
				if ctx.Err() != nil {
					return
				}
				e.runOperation(ctx, op, graph)
			}
		}()
	}
	wg.Wait()
}

func (e *Executor) maxWorkers() int {
	if e.cfg.MaxWorkers > 0 {
		return e.cfg.MaxWorkers
	}
	if e.throttle != nil {
		return e.throttle.MaxCeiling()
	}
	return DefaultMaxBatchSize
}

// runOperation drives a single operation from planned to a terminal state.
func (e *Executor) runOperation(ctx context.Context, op *Operation, graph *DependencyGraph) {
	if failedDep, blocked := e.blockedBy(op, graph); blocked {
		e.finalizeSkip(ctx, op, failedDep)
		return
	}

	// Final safety guard. Safe mode downgraded protected deletes during
	// the diff; anything that still arrives here is a hard failure.
	if e.safety != nil && op.Kind.IsMutating() {
		if err := e.safety.Check(ctx, op.ResourceType, op.Kind); err != nil {
			e.finalizeFailure(ctx, op, asSafetyError(err, op), 0, time.Time{})
			return
		}
	}

	if len(op.DeferredRefs()) > 0 {
		e.setStatus(op.ID, StatusDeferredWait)
	}
	payload, parentID, derr := e.resolveDeferred(op)
	if derr != nil {
		e.finalizeFailure(ctx, op, derr, 0, time.Time{})
		return
	}
	e.setStatus(op.ID, StatusReady)

	e.dispatchWithRetry(ctx, op, payload, parentID)
}

// blockedBy reports whether any direct dependency of op failed or was
// skipped. Under the continue policy nothing blocks; truly unexecutable
// operations still fail at deferred resolution.
func (e *Executor) blockedBy(op *Operation, graph *DependencyGraph) (string, bool) {
	if e.cfg.FailurePolicy == FailurePolicyContinue {
		return "", false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, dep := range graph.Dependencies(op.ID) {
		if e.cfg.Completed[dep] {
			continue
		}
		if e.status[dep] != StatusSucceeded {
			return dep, true
		}
	}
	return "", false
}

// resolveDeferred deep-copies the payload and substitutes confirmed
// identifiers for every deferred reference the operation holds. The
// original operation is never mutated, so a retried or resumed dispatch
// starts from the same inputs.
func (e *Executor) resolveDeferred(op *Operation) (map[string]interface{}, int64, *EngineError) {
	payload := op.ClonePayload()
	if payload == nil && op.Kind != OperationDelete {
		payload = make(map[string]interface{})
	}

	parentID := op.ParentRef.ID
	if op.ParentRef.IsDeferred() {
		ref := *op.ParentRef.Deferred
		id, ok := e.resolver.DeferredValue(ref)
		if !ok {
			return nil, 0, NewPermanentError(
				fmt.Sprintf("deferred parent %q was never confirmed", ref.LookupKey), nil).
				WithCode(ErrCodeDeferredFailed).WithOperation(op.ID).WithPath(op.Path)
		}
		parentID = id
		payload["parent_id"] = id
		if e.metrics != nil {
			e.metrics.DeferredResolved(op.ResourceType)
		}
	}

	for field, ref := range op.DeferredFields {
		id, ok := e.resolver.DeferredValue(ref)
		if !ok {
			return nil, 0, NewPermanentError(
				fmt.Sprintf("deferred field %q references %q which was never confirmed", field, ref.LookupKey), nil).
				WithCode(ErrCodeDeferredFailed).WithOperation(op.ID).WithPath(op.Path)
		}
		payload[field] = id
		if e.metrics != nil {
			e.metrics.DeferredResolved(op.ResourceType)
		}
	}

	return payload, parentID, nil
}

// dispatchWithRetry runs the dispatch loop for one operation: acquire a
// throttle permit, dispatch, classify the outcome. Transient failures
// retry with exponential backoff up to the budget. Rate limiting drops the
// throttle and waits without consuming budget. An already-exists conflict
// on a create re-resolves the path and retries once as an update.
func (e *Executor) dispatchWithRetry(ctx context.Context, op *Operation, payload map[string]interface{}, parentID int64) {
	logger := e.logger.With().Str("operation", op.ID).Str("path", op.Path).Logger()

	kind := op.Kind
	resourceID := op.ResourceID
	converted := false
	attempts := 0
	retries := 0
	started := time.Now()
	var lastErr *EngineError

	for {
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = NewTransientError("run cancelled before dispatch", ctx.Err()).WithCode(ErrCodeTimeout)
			}
			e.finalizeFailure(ctx, op, lastErr, attempts, started)
			return
		}

		permit, err := e.throttle.Acquire(ctx)
		if err != nil {
			if lastErr == nil {
				lastErr = classifyError(err, op)
			}
			e.finalizeFailure(ctx, op, lastErr, attempts, started)
			return
		}

		if attempts == 0 {
			e.setStatus(op.ID, StatusRunning)
			e.publishEvent(ctx, EventTypeOperationStarted, op, fmt.Sprintf("%s %s started", kind, op.Path))
		}
		attempts++

		attemptStart := time.Now()
		result, err := e.dispatch(ctx, op, kind, resourceID, parentID, payload)
		e.throttle.Release(permit, time.Since(attemptStart), err == nil)

		if err == nil {
			e.finalizeSuccess(ctx, op, kind, result, attempts, started)
			return
		}

		engErr := classifyError(err, op)
		lastErr = engErr

		switch {
		case IsThrottled(engErr):
			// Pushback from the remote store, not an operation defect:
			// drop the throttle and wait without touching the retry budget.
			hint := RetryAfterHint(engErr)
			e.throttle.RateLimited(hint)
			wait := hint
			if wait <= 0 {
				wait = e.cfg.RetryBaseDelay
			}
			logger.Warn().Dur("wait", wait).Int("attempt", attempts).Msg("rate limited, backing off")
			e.noteRetry(ctx, op, engErr)
			if !sleepContext(ctx, wait) {
				e.finalizeFailure(ctx, op, engErr, attempts, started)
				return
			}

		case IsConflict(engErr) && kind == OperationCreate && !converted:
			// The resource appeared since the snapshot was taken.
			// Re-resolve and retry once as an update against it.
			id, rerr := e.client.GetByPath(ctx, op.Path, op.ResourceType)
			if rerr != nil {
				logger.Error().Err(rerr).Msg("conflict re-resolution failed")
				e.finalizeFailure(ctx, op, engErr, attempts, started)
				return
			}
			converted = true
			kind = OperationUpdate
			resourceID = id
			logger.Info().Int64("resource_id", id).Msg("create conflict converted to update")
			e.noteRetry(ctx, op, engErr)

		case IsTransient(engErr) && retries < e.cfg.MaxRetries:
			retries++
			backoff := e.backoffDelay(retries, engErr.Class)
			logger.Warn().Err(engErr).Dur("backoff", backoff).
				Int("retry", retries).Int("max_retries", e.cfg.MaxRetries).
				Msg("transient failure, retrying")
			e.noteRetry(ctx, op, engErr)
			if !sleepContext(ctx, backoff) {
				e.finalizeFailure(ctx, op, engErr, attempts, started)
				return
			}

		default:
			e.finalizeFailure(ctx, op, engErr, attempts, started)
			return
		}
	}
}

// dispatch performs one attempt. Dry runs synthesize a plausible result
// without touching the remote store.
func (e *Executor) dispatch(ctx context.Context, op *Operation, kind OperationKind, resourceID, parentID int64, payload map[string]interface{}) (*OperationResult, error) {
	if e.cfg.DryRun {
		return e.syntheticResult(op, kind, resourceID, payload), nil
	}

	handler, ok := e.handlers.Get(op.ResourceType)
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("no handler registered for resource type %q", op.ResourceType), nil).
			WithCode(ErrCodeHandlerMissing).WithOperation(op.ID)
	}

	dispatchOp := *op
	dispatchOp.Kind = kind
	dispatchOp.ResourceID = resourceID
	dispatchOp.ParentRef = ResolvedRef{ID: parentID}
	dispatchOp.Payload = payload
	dispatchOp.DeferredFields = nil

	switch kind {
	case OperationCreate:
		return handler.Create(ctx, e.client, &dispatchOp)
	case OperationUpdate:
		return handler.Update(ctx, e.client, &dispatchOp)
	case OperationDelete:
		return handler.Delete(ctx, e.client, &dispatchOp)
	default:
		return nil, NewPermanentError(fmt.Sprintf("operation kind %q is not dispatchable", kind), nil).
			WithCode(ErrCodeInternal).WithOperation(op.ID)
	}
}

// syntheticResult fabricates the result a successful dispatch would have
// produced. Created resources get a deterministic pseudo-identifier so
// dependents can resolve deferred references during the same dry run.
func (e *Executor) syntheticResult(op *Operation, kind OperationKind, resourceID int64, payload map[string]interface{}) *OperationResult {
	res := &OperationResult{
		OperationID:  op.ID,
		Kind:         kind,
		ResourceType: op.ResourceType,
		Path:         op.Path,
		Status:       StatusSucceeded,
		Success:      true,
		DryRun:       true,
	}
	switch kind {
	case OperationCreate:
		res.ResourceID = syntheticID(op.ID)
		res.After = payload
	case OperationUpdate:
		res.ResourceID = resourceID
		res.After = payload
	case OperationDelete:
		res.ResourceID = resourceID
	}
	return res
}

// syntheticID derives a stable pseudo-identifier from an operation ID.
func syntheticID(opID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(opID))
	id := int64(h.Sum64() & (1<<62 - 1))
	if id == 0 {
		id = 1
	}
	return id
}

func (e *Executor) finalizeSuccess(ctx context.Context, op *Operation, kind OperationKind, result *OperationResult, attempts int, started time.Time) {
	if result == nil {
		result = &OperationResult{}
	}
	result.OperationID = op.ID
	if result.Kind == "" {
		result.Kind = kind
	}
	result.ResourceType = op.ResourceType
	result.Path = op.Path
	result.Status = StatusSucceeded
	result.Success = true
	result.Attempts = attempts
	result.DryRun = e.cfg.DryRun
	result.StartedAt = started
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(started)

	// Confirm the mapping before the status flips so a dependent that
	// dispatches afterwards always resolves.
	if op.Kind == OperationDelete {
		e.resolver.Invalidate(ctx, op.Path)
	} else if result.ResourceID != 0 {
		e.resolver.ConfirmCreate(ctx, op.Path, op.ResourceType, result.ResourceID)
	}

	e.storeResult(op.ID, result)
	e.setStatus(op.ID, StatusSucceeded)

	if e.metrics != nil {
		e.metrics.OperationCompleted(op.ResourceType, kind, StatusSucceeded, result.Duration)
	}
	e.publishEvent(ctx, EventTypeOperationCompleted, op, fmt.Sprintf("%s %s succeeded", kind, op.Path))
	e.logger.Debug().
		Str("operation", op.ID).
		Str("kind", string(kind)).
		Str("path", op.Path).
		Int64("resource_id", result.ResourceID).
		Int("attempts", attempts).
		Msg("operation succeeded")
}

func (e *Executor) finalizeFailure(ctx context.Context, op *Operation, engErr *EngineError, attempts int, started time.Time) {
	now := time.Now()
	if started.IsZero() {
		started = now
	}
	result := &OperationResult{
		OperationID:  op.ID,
		Kind:         op.Kind,
		ResourceType: op.ResourceType,
		Path:         op.Path,
		Status:       StatusFailed,
		Success:      false,
		Error:        engErr,
		Attempts:     attempts,
		DryRun:       e.cfg.DryRun,
		StartedAt:    started,
		CompletedAt:  now,
		Duration:     now.Sub(started),
	}

	// The path this create would have produced never materializes, which
	// transitively fails every holder of a matching deferred reference.
	if op.Kind == OperationCreate {
		e.resolver.CancelCreate(op.Path, fmt.Sprintf("operation %s failed", op.ID))
	}

	e.storeResult(op.ID, result)
	e.setStatus(op.ID, StatusFailed)
	e.noteFailure()

	if e.metrics != nil {
		e.metrics.OperationCompleted(op.ResourceType, op.Kind, StatusFailed, result.Duration)
	}
	e.publishEvent(ctx, EventTypeOperationFailed, op, engErr.Error())
	e.logger.Error().
		Err(engErr).
		Str("operation", op.ID).
		Str("kind", string(op.Kind)).
		Str("path", op.Path).
		Int("attempts", attempts).
		Msg("operation failed")
}

func (e *Executor) finalizeSkip(ctx context.Context, op *Operation, failedDep string) {
	code := ErrCodeDependencyFailed
	for _, ref := range op.DeferredRefs() {
		if ref.SourceOperationID == failedDep {
			code = ErrCodeDeferredFailed
			break
		}
	}
	engErr := NewPermanentError(fmt.Sprintf("dependency %s did not succeed", failedDep), nil).
		WithCode(code).WithOperation(op.ID).WithPath(op.Path)

	now := time.Now()
	result := &OperationResult{
		OperationID:  op.ID,
		Kind:         op.Kind,
		ResourceType: op.ResourceType,
		Path:         op.Path,
		Status:       StatusSkippedDependency,
		Success:      false,
		Error:        engErr,
		DryRun:       e.cfg.DryRun,
		StartedAt:    now,
		CompletedAt:  now,
	}

	if op.Kind == OperationCreate {
		e.resolver.CancelCreate(op.Path, fmt.Sprintf("operation %s skipped: dependency %s failed", op.ID, failedDep))
	}

	e.storeResult(op.ID, result)
	e.setStatus(op.ID, StatusSkippedDependency)
	e.noteFailure()

	if e.metrics != nil {
		e.metrics.OperationCompleted(op.ResourceType, op.Kind, StatusSkippedDependency, 0)
	}
	e.publishEvent(ctx, EventTypeOperationSkipped, op, engErr.Message)
	e.logger.Warn().
		Str("operation", op.ID).
		Str("failed_dependency", failedDep).
		Msg("operation skipped, dependency failed")
}

func (e *Executor) noteRetry(ctx context.Context, op *Operation, engErr *EngineError) {
	if e.metrics != nil {
		e.metrics.OperationRetried(op.ResourceType, engErr.Class)
	}
	e.publishEvent(ctx, EventTypeOperationRetried, op, engErr.Message)
}

// backoffDelay computes the exponential backoff for a retry attempt with
// up to 25% jitter. Conflict retries start from a higher base to give the
// competing writer time to finish.
func (e *Executor) backoffDelay(retry int, class ErrorClass) time.Duration {
	base := e.cfg.RetryBaseDelay
	if class == ErrorClassConflict {
		base *= 2
	}
	backoff := base * time.Duration(1<<uint(retry-1))
	if backoff > e.cfg.RetryMaxDelay || backoff <= 0 {
		backoff = e.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
	return backoff + jitter
}

func (e *Executor) setStatus(id string, status OperationStatus) {
	e.mu.Lock()
	e.status[id] = status
	e.mu.Unlock()
}

func (e *Executor) storeResult(id string, result *OperationResult) {
	e.mu.Lock()
	e.results[id] = result
	e.mu.Unlock()
}

func (e *Executor) result(id string) (*OperationResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result, ok := e.results[id]
	return result, ok
}

func (e *Executor) noteFailure() {
	e.mu.Lock()
	e.hadFailure = true
	e.mu.Unlock()
}

func (e *Executor) stopScheduling() bool {
	if e.cfg.FailurePolicy != FailurePolicyFailFast {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hadFailure
}

func (e *Executor) publishEvent(ctx context.Context, eventType EventType, op *Operation, message string) {
	if e.events == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: e.cfg.SessionID,
		Message:   message,
		Level:     eventType.Severity(),
	}
	if op != nil {
		event.OperationID = op.ID
		event.ResourceType = op.ResourceType
	}
	// Publish asynchronously so a slow subscriber never blocks dispatch.
	go func() {
		_ = e.events.Publish(ctx, event)
	}()
}

// classifyError normalizes an arbitrary error into an EngineError.
func classifyError(err error, op *Operation) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		if engErr.OperationID == "" {
			engErr = engErr.WithOperation(op.ID)
		}
		return engErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("operation context ended", err).
			WithCode(ErrCodeTimeout).WithOperation(op.ID)
	}
	return NewPermanentError("operation failed", err).
		WithCode(ErrCodeInternal).WithOperation(op.ID)
}

func asSafetyError(err error, op *Operation) *EngineError {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return NewPermanentError("safety policy rejected operation", err).
		WithCode(ErrCodeSafetyViolation).WithOperation(op.ID).WithPath(op.Path)
}

// sleepContext waits for d or until ctx ends, reporting whether the full
// wait elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
