// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimize implements graph-level inference optimization: a pipeline
// of rewrite passes that transforms a computation graph into an equivalent,
// faster one -- fusing operators, folding constants, converting tensor
// layouts and selecting per-device execution strategies.
//
// The two entry points are ForInference (a fixed pass pipeline gated by
// Options flags) and TransformLayout (a target-device-specific, profiled
// layout selection). Both take the destination (endpoint) variables of a
// graph and return their rewritten counterparts; nodes that become
// unreachable from the new endpoints are simply never visited again, no
// explicit deletion happens.
package optimize

import (
	"github.com/gomlx/gopt/graph"
)

// Pass is one named, stateless rewrite applied once to an OptState.
//
// Apply may read any reachable node and must register every structural
// change in the state's rewriter before returning. A pass is constructed
// fresh for each pipeline run; any state it accumulates (format maps,
// shape-changed sets) is scoped to that single run.
type Pass interface {
	// Name is the diagnostic identifier of the pass.
	Name() string

	// Apply runs the rewrite over the state.
	Apply(s *OptState)
}

// VarReplaceCheckFlag selects which consistency checks the rewriter enforces
// when one variable replaces another. Violating an enabled check is a fatal
// configuration error (the graph would be left inconsistent), raised
// immediately at replacement registration.
type VarReplaceCheckFlag int

const (
	// CheckNone disables all replacement checks.
	CheckNone VarReplaceCheckFlag = 0

	// CheckShape requires the replacement to keep the dimensions.
	CheckShape VarReplaceCheckFlag = 1 << 0

	// CheckDType requires the replacement to keep the element dtype.
	CheckDType VarReplaceCheckFlag = 1 << 1

	// CheckAll is the default policy: shape and dtype must be preserved.
	CheckAll = CheckShape | CheckDType
)

// rewriteRule is a per-operator-kind replacement function: given the node
// and its already-resolved inputs it returns the replacement output
// variable, or nil to leave the node alone (the state then re-anchors it
// onto the resolved inputs).
type rewriteRule func(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var

// ruleTable maps operator kinds to their rewrite rule. Tables are populated
// once at pass construction.
type ruleTable map[graph.OpType]rewriteRule
