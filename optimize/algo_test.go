// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeConvNode(t *testing.T) *graph.Node {
	t.Helper()
	g := graph.New("algo")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 32, 16, 3, 3), graph.FormatNCHW)
	return g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}}).Node()
}

func TestPlanAlgoHeuristic(t *testing.T) {
	conv := makeConvNode(t)
	// 3x3 stride-1 float: winograd is available and the cheapest.
	algo, err := PlanAlgo(conv)
	require.NoError(t, err)
	assert.Equal(t, "winograd", algo.Name())
}

func TestPlanAlgoWorkspaceLimit(t *testing.T) {
	conv := makeConvNode(t)

	// Every algorithm of a convolution needs some workspace: a zero limit
	// fails at planning time.
	conv.SetWorkspaceLimit(0)
	_, err := PlanAlgo(conv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fits in the workspace limit")

	// Exactly the direct algorithm's workspace: one output row of 32-bit
	// accumulators.
	out := conv.Output()
	directWS := uint64(out.Shape().Dim(1)*out.Shape().Dim(3)) * 4
	conv.SetWorkspaceLimit(directWS)
	algo, err := PlanAlgo(conv)
	require.NoError(t, err)
	assert.Equal(t, "direct", algo.Name())
}

func TestPlanAlgoMatMul(t *testing.T) {
	g := graph.New("matmul")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 8, 16), graph.FormatNCHW)
	y := g.Parameter("y", shapes.Make(dtypes.Float32, 16, 4), graph.FormatNCHW)
	node := g.MatMul(x, y, graph.MatMulAttrs{}).Node()

	algo, err := PlanAlgo(node)
	require.NoError(t, err)
	assert.Equal(t, "direct", algo.Name())
	assert.Zero(t, algo.Workspace(node))
}

func TestPlanAlgoRejectsSingleAlgoNodes(t *testing.T) {
	g := graph.New("single")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	_, err := PlanAlgo(g.Relu(x).Node())
	require.Error(t, err)
}

func TestPlanAlgoCache(t *testing.T) {
	conv := makeConvNode(t)
	conv.SetStrategy(graph.StrategyProfileCache | graph.StrategyProfile)

	cache := NewAlgoCache()
	first, err := PlanAlgoCached(conv, cache)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	// A second planning run serves from the cache.
	second, err := PlanAlgoCached(conv, cache)
	require.NoError(t, err)
	assert.Equal(t, first.Name(), second.Name())
	assert.Equal(t, 1, cache.Len())

	// An identical convolution shares the signature, and the cache entry.
	twin := makeConvNode(t)
	twin.SetStrategy(graph.StrategyProfileCache | graph.StrategyProfile)
	_, err = PlanAlgoCached(twin, cache)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestPlanAlgoCacheRePlansOnTighterLimit(t *testing.T) {
	conv := makeConvNode(t)
	conv.SetStrategy(graph.StrategyProfileCache | graph.StrategyProfile)

	cache := NewAlgoCache()
	first, err := PlanAlgoCached(conv, cache)
	require.NoError(t, err)
	assert.Equal(t, "winograd", first.Name())

	// The cached winograd no longer fits; planning falls back to what does.
	out := conv.Output()
	conv.SetWorkspaceLimit(uint64(out.Shape().Dim(1)*out.Shape().Dim(3)) * 4)
	replanned, err := PlanAlgoCached(conv, cache)
	require.NoError(t, err)
	assert.Equal(t, "direct", replanned.Name())
}

func TestAlgoAvailability(t *testing.T) {
	g := graph.New("avail")
	// Strided convolution: winograd does not apply.
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 32, 16, 3, 3), graph.FormatNCHW)
	strided := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Stride: [2]int{2, 2}, Padding: [2]int{1, 1}}).Node()
	assert.False(t, winogradAlgo{}.IsAvailable(strided))
	assert.True(t, im2colAlgo{}.IsAvailable(strided))

	// Grouped convolution: only direct remains.
	wg := g.Parameter("wg", shapes.Make(dtypes.Float32, 16, 4, 3, 3), graph.FormatNCHW)
	grouped := g.Conv(x, wg, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}, Groups: 4}).Node()
	assert.False(t, winogradAlgo{}.IsAvailable(grouped))
	assert.False(t, im2colAlgo{}.IsAvailable(grouped))
	assert.True(t, directAlgo{}.IsAvailable(grouped))
}
