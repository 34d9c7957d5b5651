package engine

import (
	"sort"
)

// DefaultMaxBatchSize caps how many operations share a batch when the
// caller does not configure a limit.
const DefaultMaxBatchSize = 25

// PlanConfig controls plan construction.
type PlanConfig struct {
	// MaxBatchSize caps operations per batch. Zero or negative selects
	// DefaultMaxBatchSize.
	MaxBatchSize int
}

// BuildPlan converts a dependency graph into an ordered sequence of
// execution batches. Deletes come first, ordered from the deepest depth
// upward so contained resources are removed before their containers;
// creates and updates follow, shallowest depth first. Operations within a
// depth are sorted by ID and chunked to the batch size limit, so the same
// graph always yields a byte-identical plan.
func BuildPlan(graph *DependencyGraph, cfg PlanConfig) (*ExecutionPlan, error) {
	if graph == nil {
		return nil, NewPermanentError("dependency graph is nil", nil).
			WithCode(ErrCodeValidation)
	}

	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}

	deletes := make(map[int][]*Operation)
	applies := make(map[int][]*Operation)
	summary := PlanSummary{Total: graph.Size()}

	// Nodes() is ordered by operation ID, so per-depth slices come out
	// pre-sorted.
	for _, node := range graph.Nodes() {
		op := node.Operation
		switch op.Kind {
		case OperationDelete:
			deletes[node.Depth] = append(deletes[node.Depth], op)
			summary.Deletes++
		case OperationCreate:
			applies[node.Depth] = append(applies[node.Depth], op)
			summary.Creates++
		case OperationUpdate:
			applies[node.Depth] = append(applies[node.Depth], op)
			summary.Updates++
		default:
			return nil, NewPermanentError("plan received an unschedulable operation kind", nil).
				WithCode(ErrCodeValidation).WithOperation(op.ID)
		}
	}

	plan := &ExecutionPlan{Batches: make([]*ExecutionBatch, 0)}
	seq := 0

	// Delete phase walks depths in reverse: a resource's delete depends on
	// nothing below it once its children are gone.
	for _, depth := range sortedDepths(deletes, true) {
		for _, chunk := range chunkOperations(deletes[depth], maxBatch) {
			plan.Batches = append(plan.Batches, &ExecutionBatch{
				Seq:        seq,
				Phase:      PhaseDelete,
				Depth:      depth,
				Operations: chunk,
			})
			seq++
			summary.DeleteBatches++
		}
	}

	for _, depth := range sortedDepths(applies, false) {
		for _, chunk := range chunkOperations(applies[depth], maxBatch) {
			plan.Batches = append(plan.Batches, &ExecutionBatch{
				Seq:        seq,
				Phase:      PhaseApply,
				Depth:      depth,
				Operations: chunk,
			})
			seq++
			summary.ApplyBatches++
		}
	}

	plan.Summary = summary
	return plan, nil
}

// sortedDepths returns the map's depth keys in ascending or, for the
// delete phase, descending order.
func sortedDepths(byDepth map[int][]*Operation, descending bool) []int {
	depths := make([]int, 0, len(byDepth))
	for depth := range byDepth {
		depths = append(depths, depth)
	}
	if descending {
		sort.Sort(sort.Reverse(sort.IntSlice(depths)))
	} else {
		sort.Ints(depths)
	}
	return depths
}

// chunkOperations splits a depth's operations into batch-sized chunks,
// preserving order.
func chunkOperations(ops []*Operation, size int) [][]*Operation {
	if len(ops) == 0 {
		return nil
	}
	chunks := make([][]*Operation, 0, (len(ops)+size-1)/size)
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		chunks = append(chunks, ops[start:end])
	}
	return chunks
}
