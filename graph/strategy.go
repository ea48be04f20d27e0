// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"strings"
)

// Strategy is a bitmask governing how a multi-algorithm operator picks among
// its candidate execution algorithms.
type Strategy uint32

const (
	// StrategyHeuristic picks the algorithm with the lowest predicted cost.
	StrategyHeuristic Strategy = 1 << iota

	// StrategyProfile times every available candidate and picks the fastest.
	StrategyProfile

	// StrategyProfileCache consults the profiling cache; combined with
	// StrategyHeuristic it falls back to the heuristic on a cache miss
	// instead of re-profiling.
	StrategyProfileCache
)

// String returns a "|"-joined name of the strategy bits set.
func (s Strategy) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	if s&StrategyHeuristic != 0 {
		parts = append(parts, "heuristic")
	}
	if s&StrategyProfile != 0 {
		parts = append(parts, "profile")
	}
	if s&StrategyProfileCache != 0 {
		parts = append(parts, "profile_cache")
	}
	return strings.Join(parts, "|")
}

// NoWorkspaceLimit is the default workspace limit: effectively unconstrained.
const NoWorkspaceLimit = uint64(math.MaxUint64)

// ExecutionPolicy is per-node metadata constraining algorithm selection at
// execution-planning time. It is the only mutable part of a Node: setting it
// is not a graph rewrite and never goes through the optimizer's Rewriter.
type ExecutionPolicy struct {
	Strategy Strategy

	// WorkspaceLimit is the maximum scratch memory (bytes) an algorithm may
	// require. An operator whose only algorithms exceed the limit fails at
	// execution-planning time, not when the limit is recorded.
	WorkspaceLimit uint64
}

// DefaultExecutionPolicy is assigned to every multi-algorithm node on
// construction.
func DefaultExecutionPolicy() ExecutionPolicy {
	return ExecutionPolicy{
		Strategy:       StrategyHeuristic,
		WorkspaceLimit: NoWorkspaceLimit,
	}
}
