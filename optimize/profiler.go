// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/internal/workerspool"
)

// CostModelProfiler scores a (sub-)graph for layout tuning without running
// it: predicted kernel time plus the memory traffic of every tensor. It is
// the arbiter TransformLayout uses to choose between candidate layouts, so
// only relative ordering matters, not absolute accuracy.
type CostModelProfiler struct {
	target Target
	pool   *workerspool.Pool
}

// NewCostModelProfiler creates a profiler for the given device target.
func NewCostModelProfiler(target Target) *CostModelProfiler {
	return &CostModelProfiler{
		target: target,
		pool:   workerspool.New(),
	}
}

// preferredFormats lists the layouts each target's fast kernels want; a
// convolution computing in one of them gets a throughput discount.
var preferredFormats = map[Target][]graph.Format{
	TargetCUDA:   {graph.FormatNCHW4, graph.FormatNCHW32, graph.FormatNCHW64, graph.FormatCHWN4},
	TargetARM:    {graph.FormatNCHW44, graph.FormatNCHW44Dot, graph.FormatNCHW88},
	TargetX86:    {graph.FormatNCHW88},
	TargetOpenCL: {graph.FormatNHWCD4},
}

func (p *CostModelProfiler) prefers(format graph.Format) bool {
	for _, preferred := range preferredFormats[p.target] {
		if format == preferred {
			return true
		}
	}
	return false
}

// Measure scores the graph reachable from the endpoints. Lower is better.
func (p *CostModelProfiler) Measure(endpoints []*graph.Var) float64 {
	var cost float64
	for _, n := range graph.ReachableNodes(endpoints) {
		cost += p.nodeCost(n)
	}
	return cost
}

// MeasureAll scores several candidate endpoint sets, concurrently. The
// candidates must share one graph; scoring only reads it.
func (p *CostModelProfiler) MeasureAll(candidates [][]*graph.Var) []float64 {
	costs := make([]float64, len(candidates))
	for idx, endpoints := range candidates {
		p.pool.WaitToStart(func() {
			costs[idx] = p.Measure(endpoints)
		})
	}
	p.pool.WaitAll()
	return costs
}

func (p *CostModelProfiler) nodeCost(n *graph.Node) float64 {
	// Memory traffic: every input read, every output written.
	var traffic float64
	for _, in := range n.Inputs() {
		traffic += float64(in.Shape().Memory())
	}
	for _, out := range n.Outputs() {
		traffic += float64(out.Shape().Memory())
	}

	switch n.OpType() {
	case graph.OpTypeConstant, graph.OpTypeMultiConstant, graph.OpTypeParameter:
		// Loaded once, not per inference.
		return 0
	case graph.OpTypeRelayout:
		// Relayouts are pure memory shuffles with poor access patterns.
		return traffic * 3
	case graph.OpTypeConv, graph.OpTypeConvBias, graph.OpTypeDeconv, graph.OpTypeMatMul:
		compute := nodeFlops(n)
		if attrs := convAttrsOf(n); attrs != nil && p.prefers(attrs.Format) {
			compute *= 0.25
		}
		return traffic + compute
	default:
		return traffic
	}
}
