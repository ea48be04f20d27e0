// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopt/graph"
	"k8s.io/klog/v2"
)

// NoGrowLimit disables the param-fuse growth guard.
const NoGrowLimit = uint64(math.MaxUint64)

// paramFusePass evaluates sub-graphs that depend only on constants at
// compile time and replaces them with precomputed Constant nodes. Earlier
// passes (batch-norm conversion, param redistribute) deliberately produce
// such sub-graphs.
//
// Folding can inflate parameter memory: broadcasting a [1, C, 1, 1] constant
// against a full activation shape would materialize the whole activation.
// growLimit bounds the inflation: a fold whose result exceeds its largest
// source constant by more than growLimit bytes is skipped, node by node.
type paramFusePass struct {
	growLimit uint64
}

// MakeParamFuse creates the pass without a growth limit.
func MakeParamFuse() Pass { return paramFusePass{growLimit: NoGrowLimit} }

// MakeParamFuseWithGrowLimit creates the pass with a growth limit in bytes.
// A limit of 0 only folds when the result is no larger than its largest
// source constant.
func MakeParamFuseWithGrowLimit(limit uint64) Pass { return paramFusePass{growLimit: limit} }

func (paramFusePass) Name() string { return "param_fuse" }

func (p paramFusePass) Apply(s *OptState) {
	g := s.Graph()

	// values holds the evaluated payload of every foldable variable; maxSrc
	// tracks the largest leaf constant feeding it, for the growth guard.
	values := make(map[*graph.Var]constValue)
	maxSrc := make(map[*graph.Var]uintptr)

	// materialized caches the Constant node built for a folded variable, so
	// several consumers on the fold boundary share one.
	materialized := make(map[*graph.Var]*graph.Var)
	materialize := func(v *graph.Var) {
		cv, found := values[v]
		if !found {
			return
		}
		switch v.Node().OpType() {
		case graph.OpTypeConstant, graph.OpTypeMultiConstant:
			// Already a constant holder, nothing to gain.
			return
		}
		if _, done := materialized[v]; done {
			return
		}
		folded := g.Constant(v.Name()+".folded", cv.shape, cv.format, cv.flat)
		materialized[v] = folded
		s.Replace(v, folded)
		if klog.V(2).Enabled() {
			klog.Infof("param-fuse: folded %s into constant %s", v, folded)
		}
	}

	for _, n := range s.Nodes() {
		switch n.OpType() {
		case graph.OpTypeConstant, graph.OpTypeMultiConstant:
			for _, out := range n.Outputs() {
				cv, _ := constValueOf(out)
				values[out] = cv
				maxSrc[out] = out.Shape().Memory()
			}
			continue
		}

		inputs := s.ResolveAll(n.Inputs())
		if folded := p.tryFold(s, n, inputs, values, maxSrc); folded {
			continue
		}

		// Not folded: any folded input is on the fold boundary and must
		// become a real constant before the node re-anchors onto it.
		for _, in := range inputs {
			materialize(in)
		}
		s.AutoReplace(n)
	}

	// Endpoints that folded completely become constants themselves.
	for _, v := range s.Endpoints() {
		materialize(v)
	}
}

// tryFold evaluates n when all its inputs are known constants and the growth
// guard allows it. Returns whether the node was folded.
func (p paramFusePass) tryFold(s *OptState, n *graph.Node, inputs []*graph.Var,
	values map[*graph.Var]constValue, maxSrc map[*graph.Var]uintptr) bool {
	if !canFoldOpType(n.OpType()) || len(n.Outputs()) != 1 {
		return false
	}
	cvs := make([]constValue, len(inputs))
	var srcSize uintptr
	for idx, in := range inputs {
		cv, found := values[in]
		if !found {
			return false
		}
		cvs[idx] = cv
		srcSize = max(srcSize, maxSrc[in])
	}
	out := n.Output()
	if grow := int64(out.Shape().Memory()) - int64(srcSize); grow > 0 && uint64(grow) > p.growLimit {
		if klog.V(1).Enabled() {
			klog.Infof("param-fuse: skipping %s, folding grows parameters by %s (limit %s)",
				n, humanize.Bytes(uint64(grow)), humanize.Bytes(p.growLimit))
		}
		return false
	}
	cv, err := evalConstNode(n, cvs)
	if err != nil {
		if klog.V(1).Enabled() {
			klog.Infof("param-fuse: cannot evaluate %s: %v", n, err)
		}
		return false
	}
	values[out] = cv
	maxSrc[out] = srcSize
	return true
}
