package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunnerDeps groups the collaborators a run needs. Snapshots, Client,
// Handlers and Catalog are required; the rest may be nil.
type RunnerDeps struct {
	Client     RemoteClient
	Handlers   HandlerRegistry
	Snapshots  SnapshotProvider
	Catalog    Catalog
	Cache      ResolverCache
	Checkpoint CheckpointSink
	Safety     SafetyPolicy
	Events     EventPublisher
	Metrics    Metrics
	Logger     zerolog.Logger
}

// RunnerConfig controls one reconciliation run end to end.
type RunnerConfig struct {
	// SessionID identifies the run. Generated when empty.
	SessionID string

	// Root is the configuration root path records hang under when they
	// name no parent of their own.
	Root string

	// DryRun plans and simulates without remote writes.
	DryRun bool

	// SafeMode downgrades protected deletes to noops during the diff.
	SafeMode bool

	// UpdateMode restricts which mutations the run may produce.
	UpdateMode UpdateMode

	// FailurePolicy controls failure propagation during execution.
	FailurePolicy FailurePolicy

	// MaxBatchSize caps operations per execution batch.
	MaxBatchSize int

	// MaxRetries bounds transient retries per operation.
	MaxRetries int

	// RetryBaseDelay seeds the executor's exponential backoff.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps a single backoff wait.
	RetryMaxDelay time.Duration

	// Throttle tunes the adaptive concurrency limiter.
	Throttle ThrottleConfig

	// Resume loads checkpointed results for SessionID and skips the
	// operations they cover.
	Resume bool
}

// Runner wires the full pipeline: validate, resolve, diff, graph, plan,
// execute. One Runner may serve many runs; each Run call builds its own
// resolver and executor so concurrent runs do not share mutable state.
type Runner struct {
	deps RunnerDeps
	cfg  RunnerConfig
	log  zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(deps RunnerDeps, cfg RunnerConfig) *Runner {
	return &Runner{
		deps: deps,
		cfg:  cfg,
		log:  deps.Logger.With().Str("component", "runner").Logger(),
	}
}

// Plan builds the execution plan for records without executing anything.
// It shares every stage with Run up to the execution boundary, so the plan
// it returns is exactly the plan a subsequent Run would execute.
func (r *Runner) Plan(ctx context.Context, records []Record) (*ExecutionPlan, *DependencyGraph, []OperationResult, error) {
	prep, err := r.prepare(ctx, records)
	if err != nil {
		return nil, nil, nil, err
	}
	return prep.plan, prep.graph, prep.preResults, nil
}

// Run reconciles records against the remote store and returns the full
// run result. The returned error is non-nil only for run-fatal conditions:
// a dependency cycle, a plan build failure, or cancellation. Per-operation
// failures land in the result with the run status reflecting them.
func (r *Runner) Run(ctx context.Context, records []Record) (*RunResult, error) {
	sessionID := r.cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	result := &RunResult{
		SessionID: sessionID,
		Status:    RunStatusRunning,
		DryRun:    r.cfg.DryRun,
		StartedAt: time.Now(),
	}
	result.Summary.Total = len(records)

	r.publishRunEvent(ctx, sessionID, EventTypeRunStarted,
		fmt.Sprintf("run started: %d records, dry_run=%v", len(records), r.cfg.DryRun))

	prep, err := r.prepare(ctx, records)
	if err != nil {
		result.Status = RunStatusFailed
		result.CompletedAt = time.Now()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
		r.publishRunEvent(ctx, sessionID, EventTypeRunFailed, err.Error())
		return result, err
	}
	result.Plan = prep.plan

	completed := map[string]bool{}
	if r.cfg.Resume && r.deps.Checkpoint != nil {
		loaded, err := r.deps.Checkpoint.CompletedOperations(ctx, sessionID)
		if err != nil {
			r.log.Warn().Err(err).Str("session", sessionID).Msg("could not load checkpoint, running from scratch")
		} else {
			completed = loaded
		}
	}

	throttle := NewThrottle(r.cfg.Throttle, r.deps.Logger, r.deps.Metrics)
	throttle.Start(ctx)
	defer throttle.Stop()

	executor := NewExecutor(ExecutorDeps{
		Client:     r.deps.Client,
		Handlers:   r.deps.Handlers,
		Resolver:   prep.resolver,
		Throttle:   throttle,
		Checkpoint: r.deps.Checkpoint,
		Safety:     r.deps.Safety,
		Events:     r.deps.Events,
		Metrics:    r.deps.Metrics,
		Logger:     r.deps.Logger,
	}, ExecutorConfig{
		SessionID:      sessionID,
		DryRun:         r.cfg.DryRun,
		MaxRetries:     r.cfg.MaxRetries,
		RetryBaseDelay: r.cfg.RetryBaseDelay,
		RetryMaxDelay:  r.cfg.RetryMaxDelay,
		FailurePolicy:  r.cfg.FailurePolicy,
		Completed:      completed,
	})

	execResults, execErr := executor.Execute(ctx, prep.plan, prep.graph)

	result.Results = append(prep.preResults, execResults...)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	tallySummary(result, prep.plan, completed)

	switch {
	case execErr != nil && ctx.Err() != nil:
		result.Status = RunStatusCancelled
	case result.Summary.Failed > 0 || result.Summary.Invalid > 0:
		if result.Summary.Succeeded > 0 || result.Summary.Resumed > 0 {
			result.Status = RunStatusPartial
		} else {
			result.Status = RunStatusFailed
		}
	case result.Summary.Skipped > 0:
		result.Status = RunStatusPartial
	default:
		result.Status = RunStatusSucceeded
	}

	eventType := EventTypeRunCompleted
	if result.Status == RunStatusFailed {
		eventType = EventTypeRunFailed
	}
	r.publishRunEvent(ctx, sessionID, eventType,
		fmt.Sprintf("run %s: %d succeeded, %d failed, %d skipped, %d noop",
			result.Status, result.Summary.Succeeded, result.Summary.Failed,
			result.Summary.Skipped, result.Summary.Noops))

	r.log.Info().
		Str("session", sessionID).
		Str("status", string(result.Status)).
		Int("succeeded", result.Summary.Succeeded).
		Int("failed", result.Summary.Failed).
		Int("skipped", result.Summary.Skipped).
		Int("noops", result.Summary.Noops).
		Dur("duration", result.Duration).
		Msg("run finished")

	return result, execErr
}

// preparedRun carries everything the planning stages produce.
type preparedRun struct {
	resolver   *Resolver
	plan       *ExecutionPlan
	graph      *DependencyGraph
	preResults []OperationResult
}

// prepare runs validation, parent assignment, diffing, graph construction
// and planning. It is shared by Plan and Run.
func (r *Runner) prepare(ctx context.Context, records []Record) (*preparedRun, error) {
	valid, preResults := r.validateRecords(records)

	pending := BuildPendingResources(valid)
	AssignParents(valid, r.deps.Catalog, r.cfg.Root)

	cache := r.deps.Cache
	if r.cfg.DryRun && cache != nil {
		// Dry runs read the cache for plan parity but must never write
		// simulated identifiers into it.
		cache = readOnlyCache{inner: cache}
	}
	resolver := NewResolver(r.deps.Client, cache, pending, r.deps.Logger)
	for i := range preResults {
		resolver.CancelCreate(preResults[i].Path, "record failed validation")
	}

	diff := NewDiffEngine(resolver, r.deps.Snapshots, r.deps.Catalog, r.deps.Safety, DiffPolicy{
		SafeMode:   r.cfg.SafeMode,
		UpdateMode: r.cfg.UpdateMode,
	}, r.deps.Logger)

	var ops []*Operation
	noops := make(map[string]bool)
	for i := range valid {
		rec := &valid[i]
		op, err := diff.Diff(ctx, rec)
		if err != nil {
			resolver.CancelCreate(rec.Path, "diff failed")
			preResults = append(preResults, failedRecordResult(rec, classifyError(err, &Operation{ID: rec.ID})))
			continue
		}
		// A resource that already exists resolves concretely from here
		// on, even for operations diffed earlier in this loop: deferred
		// values are read at dispatch time.
		if op.ResourceID != 0 && op.Kind != OperationNoop {
			resolver.ConfirmCreate(ctx, rec.Path, rec.ResourceType, op.ResourceID)
		}
		if op.Kind == OperationNoop {
			if op.ResourceID != 0 {
				resolver.ConfirmCreate(ctx, rec.Path, rec.ResourceType, op.ResourceID)
			}
			noops[op.ID] = true
			preResults = append(preResults, noopResult(op))
			continue
		}
		ops = append(ops, op)
	}

	// An explicit dependency on a record that diffed to a noop is already
	// satisfied; stripping it keeps the graph to operations that execute.
	for _, op := range ops {
		if len(op.DependsOn) == 0 {
			continue
		}
		kept := op.DependsOn[:0]
		for _, dep := range op.DependsOn {
			if !noops[dep] {
				kept = append(kept, dep)
			}
		}
		op.DependsOn = kept
	}

	ops, pruned := pruneMissingDependencies(ops)
	for _, p := range pruned {
		resolver.CancelCreate(p.op.Path, "depends on a missing operation")
		preResults = append(preResults, failedRecordResult(&Record{
			ID:           p.op.ID,
			ResourceType: p.op.ResourceType,
			Path:         p.op.Path,
		}, NewPermanentError(fmt.Sprintf("depends on %s, which is not part of this run", p.missing), nil).
			WithCode(ErrCodeDependencyFailed).WithOperation(p.op.ID).WithPath(p.op.Path)))
	}

	graph, err := NewGraphBuilder().Build(ops, r.deps.Catalog)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(graph, PlanConfig{MaxBatchSize: r.cfg.MaxBatchSize})
	if err != nil {
		return nil, err
	}

	return &preparedRun{
		resolver:   resolver,
		plan:       plan,
		graph:      graph,
		preResults: preResults,
	}, nil
}

// validateRecords splits records into schedulable ones and per-record
// validation failures. A validation failure dooms only that record and,
// through deferred-reference cancellation, its dependents.
func (r *Runner) validateRecords(records []Record) ([]Record, []OperationResult) {
	valid := make([]Record, 0, len(records))
	var invalid []OperationResult
	seenIDs := make(map[string]bool, len(records))

	for i := range records {
		rec := records[i]
		var verr *EngineError
		switch {
		case rec.ID == "":
			verr = NewPermanentError("record has no id", nil).WithCode(ErrCodeValidation)
		case seenIDs[rec.ID]:
			verr = NewPermanentError(fmt.Sprintf("duplicate record id %q", rec.ID), nil).
				WithCode(ErrCodeValidation).WithOperation(rec.ID)
		case rec.ResourceType == "":
			verr = NewPermanentError("record has no resource type", nil).
				WithCode(ErrCodeValidation).WithOperation(rec.ID)
		case rec.Path == "":
			verr = NewPermanentError("record has no path", nil).
				WithCode(ErrCodeValidation).WithOperation(rec.ID)
		default:
			verr = r.validateAgainstCatalog(&rec)
		}
		if rec.ID != "" {
			seenIDs[rec.ID] = true
		}

		if verr != nil {
			invalid = append(invalid, failedRecordResult(&rec, verr))
			continue
		}
		valid = append(valid, rec)
	}
	return valid, invalid
}

func (r *Runner) validateAgainstCatalog(rec *Record) *EngineError {
	if rec.Action == "" {
		rec.Action = ActionUpsert
	}
	if err := rec.Action.Validate(); err != nil {
		return NewPermanentError(fmt.Sprintf("record action %q is invalid", rec.Action), err).
			WithCode(ErrCodeValidation).WithOperation(rec.ID)
	}
	spec, ok := r.deps.Catalog.Spec(rec.ResourceType)
	if !ok {
		return NewPermanentError(fmt.Sprintf("unknown resource type %q", rec.ResourceType), nil).
			WithCode(ErrCodeValidation).WithOperation(rec.ID)
	}
	if rec.Action == ActionCreate || rec.Action == ActionUpsert {
		for _, field := range spec.RequiredFields {
			if _, ok := rec.Fields[field]; !ok {
				return NewPermanentError(fmt.Sprintf("required field %q is missing", field), nil).
					WithCode(ErrCodeValidation).WithOperation(rec.ID).WithPath(rec.Path)
			}
		}
	}
	return nil
}

type prunedOp struct {
	op      *Operation
	missing string
}

// pruneMissingDependencies drops operations whose explicit depends-on
// targets are absent, cascading through chains of such operations so the
// graph builder only ever sees resolvable declarations.
func pruneMissingDependencies(ops []*Operation) ([]*Operation, []prunedOp) {
	known := make(map[string]bool, len(ops))
	for _, op := range ops {
		known[op.ID] = true
	}

	var pruned []prunedOp
	for {
		removed := false
		kept := ops[:0]
		for _, op := range ops {
			missing := ""
			for _, dep := range op.DependsOn {
				if !known[dep] {
					missing = dep
					break
				}
			}
			if missing == "" {
				kept = append(kept, op)
				continue
			}
			delete(known, op.ID)
			pruned = append(pruned, prunedOp{op: op, missing: missing})
			removed = true
		}
		ops = kept
		if !removed {
			return ops, pruned
		}
	}
}

func tallySummary(result *RunResult, plan *ExecutionPlan, completed map[string]bool) {
	for i := range result.Results {
		res := &result.Results[i]
		switch {
		case res.Kind == OperationNoop:
			result.Summary.Noops++
		case res.Status == StatusSucceeded:
			result.Summary.Succeeded++
		case res.Status == StatusSkippedDependency:
			result.Summary.Skipped++
		case res.Error != nil && res.Error.Code == ErrCodeValidation && res.Attempts == 0:
			result.Summary.Invalid++
		default:
			result.Summary.Failed++
		}
	}
	if len(completed) > 0 && plan != nil {
		for _, batch := range plan.Batches {
			for _, op := range batch.Operations {
				if completed[op.ID] {
					result.Summary.Resumed++
				}
			}
		}
	}
}

func failedRecordResult(rec *Record, engErr *EngineError) OperationResult {
	now := time.Now()
	return OperationResult{
		OperationID:  rec.ID,
		Kind:         rec.Action.Kind(),
		ResourceType: rec.ResourceType,
		Path:         rec.Path,
		Status:       StatusFailed,
		Success:      false,
		Error:        engErr,
		BatchSeq:     -1,
		StartedAt:    now,
		CompletedAt:  now,
	}
}

func noopResult(op *Operation) OperationResult {
	now := time.Now()
	return OperationResult{
		OperationID:  op.ID,
		Kind:         OperationNoop,
		ResourceType: op.ResourceType,
		Path:         op.Path,
		Status:       StatusSucceeded,
		Success:      true,
		ResourceID:   op.ResourceID,
		BatchSeq:     -1,
		StartedAt:    now,
		CompletedAt:  now,
	}
}

func (r *Runner) publishRunEvent(ctx context.Context, sessionID string, eventType EventType, message string) {
	if r.deps.Events == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Message:   message,
		Level:     eventType.Severity(),
	}
	go func() {
		_ = r.deps.Events.Publish(ctx, event)
	}()
}

// readOnlyCache passes reads to the wrapped cache and drops writes.
type readOnlyCache struct {
	inner ResolverCache
}

func (c readOnlyCache) Get(ctx context.Context, path, resourceType string) (int64, bool, error) {
	return c.inner.Get(ctx, path, resourceType)
}

func (c readOnlyCache) Put(ctx context.Context, path, resourceType string, id int64) error {
	return nil
}

func (c readOnlyCache) Invalidate(ctx context.Context, path string) error {
	return nil
}

// InputHash fingerprints a record set. Sessions use it to decide whether a
// resume request matches the inputs the checkpoint was written against.
// The hash is order-insensitive across records and key-order-insensitive
// within fields.
func InputHash(records []Record) string {
	lines := make([]string, 0, len(records))
	for i := range records {
		rec := &records[i]
		fields := make([]string, 0, len(rec.Fields))
		for k := range rec.Fields {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		deps := append([]string(nil), rec.DependsOn...)
		sort.Strings(deps)
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s|%s|%s|%s|%s|%s", rec.ID, rec.ResourceType, rec.Action, rec.Path, rec.ParentPath, rec.Name)
		for _, k := range fields {
			fmt.Fprintf(&sb, "|%s=%v", k, rec.Fields[k])
		}
		for _, dep := range deps {
			fmt.Fprintf(&sb, "|dep=%s", dep)
		}
		lines = append(lines, sb.String())
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
