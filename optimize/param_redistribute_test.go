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

func TestParamRedistributeConv(t *testing.T) {
	g := graph.New("redistribute")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 4, 8, 8), graph.FormatNCHW)
	wShape := shapes.Make(dtypes.Float32, 8, 4, 3, 3)
	w := g.Constant("w", wShape, graph.FormatNCHW, makeFloats(wShape, 1))
	k := g.Constant("k", shapes.Make(dtypes.Float32), graph.FormatNCHW, []float32{2})

	conv := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})
	out := g.Mul(conv, k)

	o := NewOptimizer()
	o.AddPass(MakeParamRedistribute(), MakeParamFuse())
	result := o.Run([]*graph.Var{out})[0]

	// The multiply moved into the weight and folded away.
	node := result.Node()
	require.Equal(t, graph.OpTypeConv, node.OpType())
	assert.Same(t, x, node.Inputs()[0])
	scaled := node.Inputs()[1].Node()
	require.Equal(t, graph.OpTypeConstant, scaled.OpType())
	flat := scaled.Flat().([]float32)
	require.Len(t, flat, wShape.Size())
	assert.Equal(t, float32(2), flat[0])
	assert.Equal(t, float32(2), flat[len(flat)-1])
}

func TestParamRedistributePerChannel(t *testing.T) {
	g := graph.New("perchannel")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 4, 8, 8), graph.FormatNCHW)
	wShape := shapes.Make(dtypes.Float32, 2, 4, 3, 3)
	w := g.Constant("w", wShape, graph.FormatNCHW, makeFloats(wShape, 1))
	kShape := shapes.Make(dtypes.Float32, 1, 2, 1, 1)
	k := g.Constant("k", kShape, graph.FormatNCHW, []float32{3, 5})

	conv := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})
	out := g.Mul(conv, k)

	o := NewOptimizer()
	o.AddPass(MakeParamRedistribute(), MakeParamFuse())
	result := o.Run([]*graph.Var{out})[0]

	node := result.Node()
	require.Equal(t, graph.OpTypeConv, node.OpType())
	flat := node.Inputs()[1].Node().Flat().([]float32)
	perChannel := wShape.Size() / 2
	// Each output channel of the weight picked up its own scale.
	assert.Equal(t, float32(3), flat[0])
	assert.Equal(t, float32(5), flat[perChannel])
}

func TestParamRedistributeMatMul(t *testing.T) {
	g := graph.New("matmul")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 3, 4), graph.FormatNCHW)
	yShape := shapes.Make(dtypes.Float32, 4, 5)
	y := g.Constant("y", yShape, graph.FormatNCHW, makeFloats(yShape, 1))
	k := g.Constant("k", shapes.Make(dtypes.Float32), graph.FormatNCHW, []float32{4})

	out := g.Mul(g.MatMul(x, y, graph.MatMulAttrs{}), k)

	o := NewOptimizer()
	o.AddPass(MakeParamRedistribute(), MakeParamFuse())
	result := o.Run([]*graph.Var{out})[0]

	node := result.Node()
	require.Equal(t, graph.OpTypeMatMul, node.OpType())
	flat := node.Inputs()[1].Node().Flat().([]float32)
	assert.Equal(t, float32(4), flat[0])
}

func TestParamRedistributeSkipsRuntimeScale(t *testing.T) {
	g := graph.New("runtime")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 4, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 8, 4, 3, 3), graph.FormatNCHW)
	// The scale is a runtime input: nothing to redistribute.
	k := g.Parameter("k", shapes.Make(dtypes.Float32), graph.FormatNCHW)

	out := g.Mul(g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}}), k)

	o := NewOptimizer()
	o.AddPass(MakeParamRedistribute())
	result := o.Run([]*graph.Var{out})[0]
	assert.Equal(t, graph.OpTypeMul, result.Node().OpType())
}
