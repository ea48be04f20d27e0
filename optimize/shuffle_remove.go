// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopt/graph"
)

// shuffleShuffleRemovePass cancels reciprocal relayout pairs, looking through
// a chain of dtype conversions between them:
//
//	Relayout(A->B), cast..., Relayout(B->A)  ->  cast... on the original var
//
// The reformat passes insert relayouts locally, around each operator they
// touch; this pass runs after them and removes the pairs that ended up
// back-to-back. Identity relayouts (From == To) are dropped as well.
type shuffleShuffleRemovePass struct{}

// MakeShuffleShuffleRemove creates the pass.
func MakeShuffleShuffleRemove() Pass { return shuffleShuffleRemovePass{} }

func (shuffleShuffleRemovePass) Name() string { return "shuffle_shuffle_remove" }

func (p shuffleShuffleRemovePass) Apply(s *OptState) {
	table := ruleTable{
		graph.OpTypeRelayout: removeShufflePair,
	}
	s.RunRuleTable(p.Name(), table, CheckAll)
}

func removeShufflePair(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var {
	in := inputs[0]
	attrs := n.Attrs().(*graph.RelayoutAttrs)
	if in.Format() == n.Output().Format() {
		// Identity relayout, possibly left behind by an upstream rewrite.
		return in
	}

	// Walk up through sole-reader dtype conversions, remembering them.
	var casts []*graph.Node
	cur := in
	for cur.Node().OpType() == graph.OpTypeConvertDType && s.NumReaders(cur) == 1 {
		casts = append(casts, cur.Node())
		cur = s.Resolve(cur.Node().Inputs()[0])
	}
	inner := cur.Node()
	if inner.OpType() != graph.OpTypeRelayout || s.NumReaders(cur) != 1 {
		return nil
	}
	innerAttrs := inner.Attrs().(*graph.RelayoutAttrs)
	if innerAttrs.From != attrs.To {
		return nil
	}

	// Rebuild the cast chain directly on the inner relayout's source.
	g := s.Graph()
	repl := s.Resolve(inner.Inputs()[0])
	for idx := len(casts) - 1; idx >= 0; idx-- {
		repl = g.ConvertDType(repl, casts[idx].Output().DType())
	}
	return repl
}
