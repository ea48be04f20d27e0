// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopt/graph"
	"k8s.io/klog/v2"
)

// Strategy setters walk the multi-algorithm operators reachable from the
// endpoints and update their ExecutionPolicy in place. They are metadata
// passes: no nodes are created, no variables substituted, so they need no
// OptState and can run at any point, even on an already optimized graph.

// SetAlgoStrategy sets the algorithm-selection strategy on every reachable
// multi-algorithm operator.
func SetAlgoStrategy(endpoints []*graph.Var, strategy graph.Strategy) {
	count := 0
	for _, n := range graph.ReachableNodes(endpoints) {
		if n.OpType().IsMultiAlgo() {
			n.SetStrategy(strategy)
			count++
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("set strategy %s on %d operators", strategy, count)
	}
}

// EnableAlgoProfiling switches every reachable multi-algorithm operator to
// profiled algorithm selection.
func EnableAlgoProfiling(endpoints []*graph.Var) {
	SetAlgoStrategy(endpoints, graph.StrategyProfile)
}

// EnableAlgoProfilingCache switches every reachable multi-algorithm operator
// to cached profiling, falling back to the heuristic on a cache miss instead
// of re-profiling.
func EnableAlgoProfilingCache(endpoints []*graph.Var) {
	SetAlgoStrategy(endpoints, graph.StrategyProfileCache|graph.StrategyHeuristic)
}

// SetAlgoWorkspaceLimit bounds the scratch memory of every reachable
// multi-algorithm operator. The limit is recorded immediately but only
// enforced when the algorithm is planned: an operator none of whose
// algorithms fit fails at PlanAlgo time, not here.
func SetAlgoWorkspaceLimit(endpoints []*graph.Var, limit uint64) {
	for _, n := range graph.ReachableNodes(endpoints) {
		if n.OpType().IsMultiAlgo() {
			n.SetWorkspaceLimit(limit)
		}
	}
}
