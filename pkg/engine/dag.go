package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder derives the dependency graph for a set of operations. Edges
// come from four sources: parent-path containment, deferred references,
// cross-record reference fields, and explicit depends-on declarations.
// Every edge points from the operation that must complete first to its
// dependent; delete ordering is handled later by the planner, which walks
// delete depths in reverse.
type GraphBuilder struct {
	// ops maps operation IDs to their operations
	ops map[string]*Operation

	// order preserves input order for deterministic edge derivation
	order []string

	// adjacencyList maps operation IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps operation IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// edges collects every derived edge with its reason
	edges []GraphEdge

	// seen deduplicates edges by endpoint pair
	seen map[[2]string]bool

	// byPathApply and byPathDelete index operations by path, split by
	// phase so containment edges never cross the delete/apply boundary
	byPathApply  map[string]string
	byPathDelete map[string]string

	// byName indexes operations by resource type and normalized name for
	// reference-field matching
	byName map[nameKey]string

	// levels maps execution level to operation IDs at that level
	levels [][]string
}

type nameKey struct {
	resourceType string
	name         string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		ops:                  make(map[string]*Operation),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		edges:                make([]GraphEdge, 0),
		seen:                 make(map[[2]string]bool),
		byPathApply:          make(map[string]string),
		byPathDelete:         make(map[string]string),
		byName:               make(map[nameKey]string),
		levels:               make([][]string, 0),
	}
}

// Build constructs the dependency graph for the given operations. It
// derives edges, rejects cycles, and computes execution depths. Noop
// operations are not schedulable and must be filtered out by the caller.
func (b *GraphBuilder) Build(ops []*Operation, catalog Catalog) (*DependencyGraph, error) {
	if len(ops) == 0 {
		return &DependencyGraph{
			nodes:  make(map[string]*GraphNode),
			levels: make([][]string, 0),
		}, nil
	}

	if err := b.initialize(ops); err != nil {
		return nil, err
	}

	if err := b.deriveEdges(catalog); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildGraph(), nil
}

// initialize indexes the operations and validates their identifiers.
func (b *GraphBuilder) initialize(ops []*Operation) error {
	for _, op := range ops {
		if op.ID == "" {
			return NewPermanentError("operation has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.ops[op.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate operation ID: %s", op.ID), nil).
				WithCode(ErrCodeValidation).WithOperation(op.ID)
		}
		if op.Kind == OperationNoop {
			return NewPermanentError(fmt.Sprintf("operation %s is a noop and cannot be scheduled", op.ID), nil).
				WithCode(ErrCodeValidation).WithOperation(op.ID)
		}

		b.ops[op.ID] = op
		b.order = append(b.order, op.ID)
		b.adjacencyList[op.ID] = make([]string, 0)
		b.reverseAdjacencyList[op.ID] = make([]string, 0)
		b.inDegree[op.ID] = 0

		if op.Path != "" {
			if op.Kind == OperationDelete {
				b.byPathDelete[op.Path] = op.ID
			} else {
				b.byPathApply[op.Path] = op.ID
			}
		}
		if op.Name != "" && op.Kind != OperationDelete {
			b.byName[nameKey{op.ResourceType, referenceName(op.Name)}] = op.ID
		}
	}
	return nil
}

// deriveEdges adds containment, deferred, reference and explicit edges.
func (b *GraphBuilder) deriveEdges(catalog Catalog) error {
	for _, id := range b.order {
		op := b.ops[id]

		// Containment: the operation creating or deleting the parent path
		// must be ordered against this one. Both endpoints stay within the
		// same phase; the delete/apply boundary is enforced by the planner.
		if op.ParentPath != "" {
			owners := b.byPathApply
			if op.Kind == OperationDelete {
				owners = b.byPathDelete
			}
			if parentID, ok := owners[op.ParentPath]; ok && parentID != op.ID {
				b.addEdge(parentID, op.ID, EdgeReasonParent)
			}
		}

		// Deferred references. A reference whose source operation is not
		// in the graph (its record failed validation or diff) is left
		// unedged; the executor fails the holder at resolution time.
		for _, ref := range op.DeferredRefs() {
			if _, ok := b.ops[ref.SourceOperationID]; ok && ref.SourceOperationID != op.ID {
				b.addEdge(ref.SourceOperationID, op.ID, EdgeReasonDeferred)
			}
		}

		// Cross-record references, matched by resource type and name.
		if catalog != nil {
			if spec, ok := catalog.Spec(op.ResourceType); ok {
				for _, field := range sortedReferenceFields(spec) {
					targetType := spec.ReferenceFields[field]
					raw, ok := op.Payload[field]
					if !ok {
						continue
					}
					name, ok := raw.(string)
					if !ok || name == "" {
						continue
					}
					targetID, ok := b.byName[nameKey{targetType, referenceName(name)}]
					if !ok || targetID == op.ID {
						continue
					}
					if samePhase(op, b.ops[targetID]) {
						b.addEdge(targetID, op.ID, EdgeReasonReference)
					}
				}
			}
		}

		// Explicit depends-on declarations. The runner prunes operations
		// with unknown targets before building, so a miss here is a bug.
		for _, dep := range op.DependsOn {
			if dep == op.ID {
				return NewPermanentError(fmt.Sprintf("operation %s depends on itself", op.ID), nil).
					WithCode(ErrCodeValidation).WithOperation(op.ID)
			}
			if _, ok := b.ops[dep]; !ok {
				return NewPermanentError(fmt.Sprintf("operation %s depends on unknown operation %s", op.ID, dep), nil).
					WithCode(ErrCodeValidation).WithOperation(op.ID)
			}
			b.addEdge(dep, op.ID, EdgeReasonExplicit)
		}
	}
	return nil
}

// addEdge records a directed edge once per endpoint pair. The first reason
// to claim a pair wins.
func (b *GraphBuilder) addEdge(from, to string, reason EdgeReason) {
	key := [2]string{from, to}
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.adjacencyList[from] = append(b.adjacencyList[from], to)
	b.reverseAdjacencyList[to] = append(b.reverseAdjacencyList[to], from)
	b.inDegree[to]++
	b.edges = append(b.edges, GraphEdge{From: from, To: to, Reason: reason})
}

// detectCycles uses depth-first search to reject circular dependencies. A
// cycle is fatal for the whole run, before anything executes.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for _, id := range b.order {
		if !visited[id] {
			if cycle, err := b.detectCyclesUtil(id, visited, recStack, path); err != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					err,
				).WithCode(ErrCodeCyclicDependency)
			}
		}
	}
	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the dependency graph.
func (b *GraphBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) ([]string, error) {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle, err := b.detectCyclesUtil(dependent, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent), fmt.Errorf("cycle detected")
			}
		}
	}

	recStack[nodeID] = false
	return nil, nil
}

// computeLevels assigns execution depths using Kahn's algorithm. A node's
// depth is one more than the greatest depth among its dependencies, so
// operations at the same depth never depend on each other.
func (b *GraphBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int)
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.order {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 && len(b.ops) > 0 {
		return NewPermanentError("no root operations found", nil).
			WithCode(ErrCodeCyclicDependency)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	if processedCount != len(b.ops) {
		return NewPermanentError("failed to level all operations", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// buildGraph assembles the final DependencyGraph.
func (b *GraphBuilder) buildGraph() *DependencyGraph {
	graph := &DependencyGraph{
		nodes:  make(map[string]*GraphNode, len(b.ops)),
		edges:  b.edges,
		levels: b.levels,
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.nodes[id] = &GraphNode{
				Operation:    b.ops[id],
				Depth:        level + 1,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
		}
	}

	graph.order = make([]string, 0, len(b.ops))
	for id := range graph.nodes {
		graph.order = append(graph.order, id)
	}
	sort.Strings(graph.order)
	return graph
}

// DependencyGraph is the leveled, acyclic dependency structure over a run's
// operations. All accessors are read-only and safe for concurrent use once
// the graph is built.
type DependencyGraph struct {
	nodes  map[string]*GraphNode
	order  []string
	edges  []GraphEdge
	levels [][]string
}

// Size returns the number of operations in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}

// Node returns the graph node for an operation ID.
func (g *DependencyGraph) Node(id string) (*GraphNode, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Operation returns the operation for an ID.
func (g *DependencyGraph) Operation(id string) (*Operation, bool) {
	node, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return node.Operation, true
}

// Nodes returns every node ordered by operation ID.
func (g *DependencyGraph) Nodes() []*GraphNode {
	out := make([]*GraphNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns every derived edge.
func (g *DependencyGraph) Edges() []GraphEdge {
	return g.edges
}

// Levels returns operation IDs grouped by depth, shallowest first. IDs
// within a level are sorted.
func (g *DependencyGraph) Levels() [][]string {
	return g.levels
}

// Dependencies returns the operation IDs id waits for.
func (g *DependencyGraph) Dependencies(id string) []string {
	if node, ok := g.nodes[id]; ok {
		return node.Dependencies
	}
	return nil
}

// Dependents returns the operation IDs waiting for id.
func (g *DependencyGraph) Dependents(id string) []string {
	if node, ok := g.nodes[id]; ok {
		return node.Dependents
	}
	return nil
}

// TransitiveDependents returns every operation downstream of id, sorted.
// This is the blast radius of a failure at id.
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.Dependents(id)...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.Dependents(next)...)
	}
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// ToDOT renders the graph in DOT format for Graphviz tooling. Nodes are
// clustered by depth and colored by operation kind.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_depth_%d {\n", level+1))
		sb.WriteString(fmt.Sprintf("    label=\"Depth %d\";\n", level+1))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			op := g.nodes[id].Operation
			label := fmt.Sprintf("%s\\n%s %s", id, op.Kind, op.Path)
			sb.WriteString(fmt.Sprintf("    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
				id, label, kindColor(op.Kind)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", edge.From, edge.To, edgeStyle(edge.Reason)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// referenceName canonicalizes a name for reference matching.
func referenceName(name string) string {
	return NormalizeValue(name, NormalizeFQDN)
}

// samePhase reports whether two operations execute in the same plan phase.
func samePhase(a, b *Operation) bool {
	return (a.Kind == OperationDelete) == (b.Kind == OperationDelete)
}

func sortedReferenceFields(spec *ResourceSpec) []string {
	if len(spec.ReferenceFields) == 0 {
		return nil
	}
	fields := make([]string, 0, len(spec.ReferenceFields))
	for field := range spec.ReferenceFields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// kindColor returns a fill color for visualizing operation kinds.
func kindColor(kind OperationKind) string {
	switch kind {
	case OperationCreate:
		return "lightgreen"
	case OperationUpdate:
		return "lightblue"
	case OperationDelete:
		return "lightcoral"
	case OperationNoop:
		return "lightgray"
	default:
		return "white"
	}
}

// edgeStyle returns a DOT style string for edge reasons.
func edgeStyle(reason EdgeReason) string {
	switch reason {
	case EdgeReasonParent:
		return "style=solid, color=black"
	case EdgeReasonDeferred:
		return "style=dashed, color=blue"
	case EdgeReasonReference:
		return "style=dotted, color=gray"
	case EdgeReasonExplicit:
		return "style=solid, color=darkorange"
	default:
		return "style=solid, color=black"
	}
}
