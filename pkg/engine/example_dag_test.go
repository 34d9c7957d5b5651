package engine_test

import (
	"fmt"
	"log"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// Example_dependencyGraph demonstrates building a graph and a plan from a
// containment hierarchy: configuration -> block -> network -> addresses.
func Example_dependencyGraph() {
	ops := []*engine.Operation{
		{
			ID:           "op-addr-11",
			Kind:         engine.OperationCreate,
			ResourceType: "address",
			Path:         "prod/10.0.1.0/24/10.0.1.11",
			ParentPath:   "prod/10.0.1.0/24",
		},
		{
			ID:           "op-cfg",
			Kind:         engine.OperationCreate,
			ResourceType: "configuration",
			Path:         "prod",
		},
		{
			ID:           "op-net",
			Kind:         engine.OperationCreate,
			ResourceType: "network",
			Path:         "prod/10.0.1.0/24",
			ParentPath:   "prod/10.0.0.0/8",
		},
		{
			ID:           "op-block",
			Kind:         engine.OperationCreate,
			ResourceType: "block",
			Path:         "prod/10.0.0.0/8",
			ParentPath:   "prod",
		},
		{
			ID:           "op-addr-10",
			Kind:         engine.OperationCreate,
			ResourceType: "address",
			Path:         "prod/10.0.1.0/24/10.0.1.10",
			ParentPath:   "prod/10.0.1.0/24",
		},
	}

	graph, err := engine.NewGraphBuilder().Build(ops, nil)
	if err != nil {
		log.Fatalf("Failed to build graph: %v", err)
	}

	// Input order does not matter: levels follow containment and IDs
	// within a level are sorted.
	for level, ids := range graph.Levels() {
		fmt.Printf("Level %d: %v\n", level, ids)
	}

	plan, err := engine.BuildPlan(graph, engine.PlanConfig{})
	if err != nil {
		log.Fatalf("Failed to build plan: %v", err)
	}

	fmt.Printf("Plan: %d operations in %d batches\n", plan.Summary.Total, len(plan.Batches))
	for _, batch := range plan.Batches {
		fmt.Printf("Batch %d (%s, depth %d): %v\n", batch.Seq, batch.Phase, batch.Depth, batch.OperationIDs())
	}

	// Output:
	// Level 0: [op-cfg]
	// Level 1: [op-block]
	// Level 2: [op-net]
	// Level 3: [op-addr-10 op-addr-11]
	// Plan: 5 operations in 4 batches
	// Batch 0 (apply, depth 1): [op-cfg]
	// Batch 1 (apply, depth 2): [op-block]
	// Batch 2 (apply, depth 3): [op-net]
	// Batch 3 (apply, depth 4): [op-addr-10 op-addr-11]
}

// Example_deletePhase demonstrates how deletes drain before creates, with
// contained resources removed ahead of their containers.
func Example_deletePhase() {
	ops := []*engine.Operation{
		{
			ID:           "op-del-net",
			Kind:         engine.OperationDelete,
			ResourceType: "network",
			ResourceID:   301,
			Path:         "prod/10.0.2.0/24",
			ParentPath:   "prod/10.0.0.0/8",
		},
		{
			ID:           "op-del-addr",
			Kind:         engine.OperationDelete,
			ResourceType: "address",
			ResourceID:   302,
			Path:         "prod/10.0.2.0/24/10.0.2.9",
			ParentPath:   "prod/10.0.2.0/24",
		},
		{
			ID:           "op-new-net",
			Kind:         engine.OperationCreate,
			ResourceType: "network",
			Path:         "prod/10.0.3.0/24",
			ParentPath:   "prod/10.0.0.0/8",
		},
	}

	graph, err := engine.NewGraphBuilder().Build(ops, nil)
	if err != nil {
		log.Fatalf("Failed to build graph: %v", err)
	}

	plan, err := engine.BuildPlan(graph, engine.PlanConfig{})
	if err != nil {
		log.Fatalf("Failed to build plan: %v", err)
	}

	// The address leaves first, then its network, then the replacement
	// network is created.
	for _, batch := range plan.Batches {
		fmt.Printf("Batch %d (%s): %v\n", batch.Seq, batch.Phase, batch.OperationIDs())
	}

	// Output:
	// Batch 0 (delete): [op-del-addr]
	// Batch 1 (delete): [op-del-net]
	// Batch 2 (apply): [op-new-net]
}
