// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopt/graph"
	"github.com/pkg/errors"
)

// Algo is one candidate execution algorithm of a multi-algorithm operator.
// Availability is a pure predicate on the node; workspace is the scratch
// memory the algorithm needs beyond inputs and outputs.
type Algo interface {
	Name() string
	IsAvailable(n *graph.Node) bool
	Workspace(n *graph.Node) uint64
}

// The built-in algorithm set. Real kernels live in the execution runtime;
// planning only needs names, availability and resource predictions.

// directAlgo is the fallback: always available, no workspace.
type directAlgo struct{}

func (directAlgo) Name() string                   { return "direct" }
func (directAlgo) IsAvailable(n *graph.Node) bool { return true }

func (directAlgo) Workspace(n *graph.Node) uint64 {
	if n.OpType() == graph.OpTypeMatMul {
		return 0
	}
	// One output row of 32-bit accumulators.
	out := n.Output()
	logical := out.Format().ConvertShape(out.Shape(), graph.FormatNCHW)
	return uint64(logical.Dim(1)*logical.Dim(3)) * 4
}

// im2colAlgo lowers the convolution to a matrix multiplication, trading a
// large unfolded-input workspace for better arithmetic density.
type im2colAlgo struct{}

func (im2colAlgo) Name() string { return "im2col" }

func (im2colAlgo) IsAvailable(n *graph.Node) bool {
	switch n.OpType() {
	case graph.OpTypeConv, graph.OpTypeConvBias, graph.OpTypeDeconv:
	default:
		return false
	}
	return convAttrsOf(n).Groups <= 1
}

func (im2colAlgo) Workspace(n *graph.Node) uint64 {
	w := n.Inputs()[1]
	out := n.Output()
	ic, kh, kw := w.Shape().Dim(1), w.Shape().Dim(2), w.Shape().Dim(3)
	oh, ow := outputSpatial(out)
	return uint64(ic*kh*kw*oh*ow) * uint64(out.DType().Memory())
}

// winogradAlgo is the F(2x2, 3x3) transform: only 3x3 stride-1 ungrouped
// float convolutions, with a sizable transform workspace.
type winogradAlgo struct{}

func (winogradAlgo) Name() string { return "winograd" }

func (winogradAlgo) IsAvailable(n *graph.Node) bool {
	switch n.OpType() {
	case graph.OpTypeConv, graph.OpTypeConvBias:
	default:
		return false
	}
	attrs := convAttrsOf(n)
	w := n.Inputs()[1]
	return attrs.Groups <= 1 &&
		w.Shape().Dim(2) == 3 && w.Shape().Dim(3) == 3 &&
		attrs.Stride == [2]int{1, 1} &&
		n.Inputs()[0].DType().IsFloat()
}

func (winogradAlgo) Workspace(n *graph.Node) uint64 {
	w := n.Inputs()[1]
	out := n.Output()
	ic, oc := w.Shape().Dim(1), w.Shape().Dim(0)
	oh, ow := outputSpatial(out)
	tiles := ((oh + 1) / 2) * ((ow + 1) / 2)
	// 16 transformed values per tile per channel, input and output sides.
	return uint64(16*tiles*(ic+oc)) * uint64(out.DType().Memory())
}

var convAlgos = []Algo{directAlgo{}, winogradAlgo{}, im2colAlgo{}}
var matmulAlgos = []Algo{directAlgo{}}

// Algos returns the candidate algorithms of a multi-algorithm node.
func Algos(n *graph.Node) []Algo {
	if n.OpType() == graph.OpTypeMatMul {
		return matmulAlgos
	}
	return convAlgos
}

func convAttrsOf(n *graph.Node) *graph.ConvAttrs {
	switch attrs := n.Attrs().(type) {
	case *graph.ConvAttrs:
		return attrs
	case *graph.ConvBiasAttrs:
		return &attrs.ConvAttrs
	}
	return nil
}

func outputSpatial(out *graph.Var) (oh, ow int) {
	logical := out.Format().ConvertShape(out.Shape(), graph.FormatNCHW)
	return logical.Dim(2), logical.Dim(3)
}

// algoCost is the heuristic time prediction, in arbitrary units. Profiling
// strategies reuse it as the simulated measurement, so planning is
// deterministic.
func algoCost(n *graph.Node, algo Algo) float64 {
	flops := nodeFlops(n)
	switch algo.Name() {
	case "winograd":
		return flops * 0.45
	case "im2col":
		return flops*0.7 + float64(algo.Workspace(n))*0.1
	default:
		return flops
	}
}

// nodeFlops estimates the multiply-add count of a multi-algorithm node.
func nodeFlops(n *graph.Node) float64 {
	switch n.OpType() {
	case graph.OpTypeMatMul:
		out := n.Output()
		x := n.Inputs()[0]
		k := x.Shape().Dim(1)
		if n.Attrs().(*graph.MatMulAttrs).TransposeA {
			k = x.Shape().Dim(0)
		}
		return 2 * float64(out.Shape().Size()) * float64(k)
	case graph.OpTypeConv, graph.OpTypeConvBias, graph.OpTypeDeconv:
		w := n.Inputs()[1]
		ic, kh, kw := w.Shape().Dim(1), w.Shape().Dim(2), w.Shape().Dim(3)
		return 2 * float64(n.Output().Shape().Size()) * float64(ic*kh*kw)
	}
	return float64(n.Output().Shape().Size())
}

// PlanAlgo selects the execution algorithm for one multi-algorithm node
// honoring its ExecutionPolicy. A workspace limit recorded earlier only
// surfaces here: an operator none of whose algorithms fit returns an error
// at planning time.
func PlanAlgo(n *graph.Node) (Algo, error) {
	return PlanAlgoCached(n, nil)
}

// PlanAlgoCached is PlanAlgo with a profiling cache. The cache is only
// consulted (and filled) when the policy carries StrategyProfileCache.
func PlanAlgoCached(n *graph.Node, cache *AlgoCache) (Algo, error) {
	if !n.OpType().IsMultiAlgo() {
		return nil, errors.Errorf("node %s has a single execution algorithm", n)
	}
	policy := n.ExecutionPolicy()
	var fitting []Algo
	for _, algo := range Algos(n) {
		if !algo.IsAvailable(n) {
			continue
		}
		if algo.Workspace(n) > policy.WorkspaceLimit {
			continue
		}
		fitting = append(fitting, algo)
	}
	if len(fitting) == 0 {
		return nil, errors.Errorf("no algorithm for %s fits in the workspace limit of %s",
			n, humanize.Bytes(policy.WorkspaceLimit))
	}

	if policy.Strategy&graph.StrategyProfileCache != 0 && cache != nil {
		if name, found := cache.lookup(nodeSignature(n)); found {
			for _, algo := range fitting {
				if algo.Name() == name {
					return algo, nil
				}
			}
			// Cached algorithm no longer fits (e.g. a lower workspace
			// limit); fall through and re-plan.
		}
		var picked Algo
		if policy.Strategy&graph.StrategyProfile == 0 {
			picked = cheapest(n, fitting)
		} else {
			picked = profileBest(n, fitting)
		}
		cache.store(nodeSignature(n), picked.Name())
		return picked, nil
	}
	if policy.Strategy&graph.StrategyProfile != 0 {
		return profileBest(n, fitting), nil
	}
	return cheapest(n, fitting), nil
}

func cheapest(n *graph.Node, algos []Algo) Algo {
	best := algos[0]
	bestCost := algoCost(n, best)
	for _, algo := range algos[1:] {
		if cost := algoCost(n, algo); cost < bestCost {
			best, bestCost = algo, cost
		}
	}
	return best
}

// profileBest stands in for on-device timing: it measures with the cost
// model. The distinction from cheapest matters once a runtime provides real
// measurements.
func profileBest(n *graph.Node, algos []Algo) Algo {
	return cheapest(n, algos)
}

// AlgoCache remembers profiled algorithm choices across planning runs, keyed
// by the node's layout signature. Safe for concurrent use.
type AlgoCache struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewAlgoCache creates an empty cache.
func NewAlgoCache() *AlgoCache {
	return &AlgoCache{entries: make(map[string]string)}
}

func (c *AlgoCache) lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, found := c.entries[key]
	return name, found
}

func (c *AlgoCache) store(key, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = name
}

// Len returns how many choices the cache holds.
func (c *AlgoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// nodeSignature identifies a node for caching: two nodes with the same
// signature run the same kernels.
func nodeSignature(n *graph.Node) string {
	sig := n.OpType().String()
	for _, in := range n.Inputs() {
		sig += fmt.Sprintf("|%s/%s", in.Shape(), in.Format())
	}
	if attrs := convAttrsOf(n); attrs != nil {
		sig += fmt.Sprintf("|s%vp%vg%d", attrs.Stride, attrs.Padding, attrs.Groups)
	}
	return sig
}
