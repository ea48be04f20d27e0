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

func makeInt8s(shape shapes.Shape, value int8) []int8 {
	flat := make([]int8, shape.Size())
	for idx := range flat {
		flat[idx] = value
	}
	return flat
}

func TestEnableNCHW4(t *testing.T) {
	g := graph.New("nchw4")
	x := g.Parameter("x", shapes.Make(dtypes.Int8, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Int8, 32, 16, 3, 3), graph.FormatNCHW)
	out := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})

	o := NewOptimizer()
	o.AddPass(MakeEnableNCHW4())
	result := o.Run([]*graph.Var{out})[0]

	// The endpoint keeps its external NCHW layout.
	assert.Equal(t, graph.FormatNCHW, result.Format())
	require.Equal(t, graph.OpTypeRelayout, result.Node().OpType())

	conv := result.Node().Inputs()[0].Node()
	require.Equal(t, graph.OpTypeConv, conv.OpType())
	attrs := conv.Attrs().(*graph.ConvAttrs)
	assert.Equal(t, graph.FormatNCHW4, attrs.Format)
	assert.False(t, attrs.HasStoreFormat)
	assert.Equal(t, []int{1, 8, 8, 8, 4}, conv.Output().Shape().Dimensions)
	// The activation input was relayouted; the weight stays in logical order.
	assert.Equal(t, graph.FormatNCHW4, conv.Inputs()[0].Format())
	assert.Same(t, w, conv.Inputs()[1])
}

func TestEnableNCHW4Hybrid(t *testing.T) {
	g := graph.New("nchw4hybrid")
	// 3 input channels cannot pack: the boundary convolution computes in NCHW
	// and stores packed.
	x := g.Parameter("x", shapes.Make(dtypes.Int8, 1, 3, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Int8, 8, 3, 3, 3), graph.FormatNCHW)
	out := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})

	o := NewOptimizer()
	o.AddPass(MakeEnableNCHW4())
	result := o.Run([]*graph.Var{out})[0]

	conv := result.Node().Inputs()[0].Node()
	require.Equal(t, graph.OpTypeConv, conv.OpType())
	attrs := conv.Attrs().(*graph.ConvAttrs)
	assert.Equal(t, graph.FormatNCHW, attrs.Format)
	assert.True(t, attrs.HasStoreFormat)
	assert.Equal(t, graph.FormatNCHW4, attrs.StoreFormat)
	assert.Same(t, x, conv.Inputs()[0])
	assert.Equal(t, []int{1, 2, 8, 8, 4}, conv.Output().Shape().Dimensions)
}

func TestEnableNCHW4SkipsFloat(t *testing.T) {
	g := graph.New("nchw4float")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 32, 16, 3, 3), graph.FormatNCHW)
	out := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})

	o := NewOptimizer()
	o.AddPass(MakeEnableNCHW4())
	result := o.Run([]*graph.Var{out})[0]
	assert.Same(t, out, result)
}

func TestEnableNCHW4ReconcilesElemwise(t *testing.T) {
	g := graph.New("nchw4elemwise")
	x := g.Parameter("x", shapes.Make(dtypes.Int8, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Int8, 32, 16, 3, 3), graph.FormatNCHW)
	conv := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})
	kShape := shapes.Make(dtypes.Int8, 1, 32, 1, 1)
	k := g.Constant("k", kShape, graph.FormatNCHW, makeInt8s(kShape, 2))
	out := g.Mul(conv, k)

	o := NewOptimizer()
	o.AddPass(MakeEnableNCHW4())
	result := o.Run([]*graph.Var{out})[0]

	mul := result.Node().Inputs()[0].Node()
	require.Equal(t, graph.OpTypeMul, mul.OpType())
	// The per-channel constant followed the convolution into the packed
	// layout.
	assert.Equal(t, graph.FormatNCHW4, mul.Inputs()[0].Format())
	assert.Equal(t, graph.FormatNCHW4, mul.Inputs()[1].Format())
	assert.Equal(t, []int{1, 8, 1, 1, 4}, mul.Inputs()[1].Shape().Dimensions)
}

func TestEnableTensorCoreFallsBack(t *testing.T) {
	g := graph.New("tensorcore")
	// 16 channels pack in fours but not in thirty-twos.
	x := g.Parameter("x", shapes.Make(dtypes.Int8, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Int8, 16, 16, 3, 3), graph.FormatNCHW)
	small := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})

	o := NewOptimizer()
	o.AddPass(MakeEnableTensorCore())
	result := o.Run([]*graph.Var{small})[0]

	conv := result.Node().Inputs()[0].Node()
	require.Equal(t, graph.OpTypeConv, conv.OpType())
	assert.Equal(t, graph.FormatNCHW4, conv.Attrs().(*graph.ConvAttrs).Format)
}

func TestEnableTensorCorePure(t *testing.T) {
	g := graph.New("tensorcore32")
	x := g.Parameter("x", shapes.Make(dtypes.Int8, 1, 64, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Int8, 64, 64, 3, 3), graph.FormatNCHW)
	out := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})

	o := NewOptimizer()
	o.AddPass(MakeEnableTensorCore())
	result := o.Run([]*graph.Var{out})[0]

	conv := result.Node().Inputs()[0].Node()
	assert.Equal(t, graph.FormatNCHW32, conv.Attrs().(*graph.ConvAttrs).Format)
}

func TestNHWCD4Converter(t *testing.T) {
	g := graph.New("nhwcd4")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 16, 16, 3, 3), graph.FormatNCHW)
	out := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})

	o := NewOptimizer()
	o.AddPass(MakeNHWCD4Converter())
	result := o.Run([]*graph.Var{out})[0]

	conv := result.Node().Inputs()[0].Node()
	require.Equal(t, graph.OpTypeConv, conv.OpType())
	assert.Equal(t, graph.FormatNHWCD4, conv.Attrs().(*graph.ConvAttrs).Format)
	assert.Equal(t, []int{1, 8, 4, 8, 4}, conv.Output().Shape().Dimensions)
}
