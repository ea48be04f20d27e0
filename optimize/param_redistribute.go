// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopt/graph"
)

// paramRedistributePass moves multiplications by compile-time constants from
// activations into weights:
//
//	Mul(Conv(x, w), k)    ->  Conv(x, Mul(w, k'))     k scalar or per-channel
//	Mul(MatMul(x, y), k)  ->  MatMul(x, Mul(y, k))    k scalar
//
// The activation-side multiply runs on every inference; the weight-side
// multiply is between constants and disappears in the subsequent param-fuse
// pass. Runs before fusion so the rewritten Conv is still a plain
// convolution.
type paramRedistributePass struct{}

// MakeParamRedistribute creates the pass.
func MakeParamRedistribute() Pass { return paramRedistributePass{} }

func (paramRedistributePass) Name() string { return "param_redistribute" }

func (p paramRedistributePass) Apply(s *OptState) {
	tracker := newConstTracker()
	table := ruleTable{
		graph.OpTypeMul: func(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var {
			if repl := redistributeMul(s, tracker, inputs[0], inputs[1]); repl != nil {
				return repl
			}
			return redistributeMul(s, tracker, inputs[1], inputs[0])
		},
	}
	s.RunRuleTable(p.Name(), table, CheckAll)
}

// redistributeMul rewrites Mul(out, k) when out is the sole-reader output of
// a Conv or MatMul and k is a compile-time constant of a shiftable shape.
// Returns nil when the pattern does not apply.
func redistributeMul(s *OptState, tracker *constTracker, out, k *graph.Var) *graph.Var {
	producer := out.Node()
	if s.NumReaders(out) != 1 || !tracker.isConst(k.Node()) {
		return nil
	}
	g := s.Graph()
	switch producer.OpType() {
	case graph.OpTypeConv:
		attrs := *producer.Attrs().(*graph.ConvAttrs)
		if attrs.Format != graph.FormatNCHW || attrs.HasStoreFormat {
			return nil
		}
		prodInputs := s.ResolveAll(producer.Inputs())
		x, w := prodInputs[0], prodInputs[1]
		oc := w.Shape().Dim(0)
		scaler := k
		switch {
		case k.Shape().IsScalar():
			// Scalar multiplier broadcasts over the weight as-is.
		case k.Shape().Rank() == 4 && k.Shape().Size() == oc && k.Shape().Dim(1) == oc:
			// Per-channel [1, OC, 1, 1] multiplier scales the weight along
			// its output-channel axis.
			scaler = g.Reshape(k, oc, 1, 1, 1)
		default:
			return nil
		}
		return g.Conv(x, g.Mul(w, scaler), attrs)
	case graph.OpTypeMatMul:
		if !k.Shape().IsScalar() {
			return nil
		}
		attrs := *producer.Attrs().(*graph.MatMulAttrs)
		prodInputs := s.ResolveAll(producer.Inputs())
		return g.MatMul(prodInputs[0], g.Mul(prodInputs[1], k), attrs)
	}
	return nil
}

// constTracker memoizes whether a node's value is fixed at compile time: it
// holds constants, or computes only from them. Parameters are the only
// runtime sources.
type constTracker struct {
	memo map[*graph.Node]bool
}

func newConstTracker() *constTracker {
	return &constTracker{memo: make(map[*graph.Node]bool)}
}

func (t *constTracker) isConst(n *graph.Node) bool {
	if known, found := t.memo[n]; found {
		return known
	}
	var result bool
	switch n.OpType() {
	case graph.OpTypeConstant, graph.OpTypeMultiConstant:
		result = true
	case graph.OpTypeParameter:
		result = false
	default:
		result = true
		for _, in := range n.Inputs() {
			if !t.isConst(in.Node()) {
				result = false
				break
			}
		}
	}
	t.memo[n] = result
	return result
}
