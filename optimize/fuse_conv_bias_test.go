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

func makeFloats(shape shapes.Shape, value float32) []float32 {
	flat := make([]float32, shape.Size())
	for idx := range flat {
		flat[idx] = value
	}
	return flat
}

func TestFuseConvBiasNonlin(t *testing.T) {
	g := graph.New("fuse")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 32, 16, 3, 3), graph.FormatNCHW)
	biasShape := shapes.Make(dtypes.Float32, 1, 32, 1, 1)
	bias := g.Constant("bias", biasShape, graph.FormatNCHW, makeFloats(biasShape, 0.5))

	conv := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})
	out := g.Relu(g.Add(conv, bias))

	o := NewOptimizer()
	o.AddPass(MakeFuseConvBiasNonlin())
	fused := o.Run([]*graph.Var{out})[0]

	node := fused.Node()
	require.Equal(t, graph.OpTypeConvBias, node.OpType())
	// The Add and the Relu both collapsed in one sweep.
	require.Len(t, node.Inputs(), 3)
	assert.Same(t, bias, node.Inputs()[2])
	attrs := node.Attrs().(*graph.ConvBiasAttrs)
	assert.Equal(t, graph.ActivationRelu, attrs.Activation)
	assert.True(t, fused.Shape().Equal(out.Shape()))
}

func TestFuseConvBiasNonlinKeepsSharedConv(t *testing.T) {
	g := graph.New("shared")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 16, 16, 3, 3), graph.FormatNCHW)

	conv := g.Conv(x, w, graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}})
	relu := g.Relu(conv)
	// Second reader of the conv output: fusing the Relu would duplicate work.
	other := g.Sigmoid(conv)

	o := NewOptimizer()
	o.AddPass(MakeFuseConvBiasNonlin())
	endpoints := o.Run([]*graph.Var{relu, other})
	assert.Equal(t, graph.OpTypeRelu, endpoints[0].Node().OpType())
	assert.Equal(t, graph.OpTypeSigmoid, endpoints[1].Node().OpType())
}

func TestFuseConvBiasZ(t *testing.T) {
	g := graph.New("fusez")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 16, 16, 3, 3), graph.FormatNCHW)
	biasShape := shapes.Make(dtypes.Float32, 1, 16, 1, 1)
	bias := g.Constant("bias", biasShape, graph.FormatNCHW, makeFloats(biasShape, 1))
	z := g.Parameter("z", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)

	attrs := graph.ConvBiasAttrs{ConvAttrs: graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}}}
	convBias := g.ConvBias(x, w, bias, nil, attrs)
	out := g.Add(convBias, z)

	o := NewOptimizer()
	o.AddPass(MakeFuseConvBiasZ())
	fused := o.Run([]*graph.Var{out})[0]

	node := fused.Node()
	require.Equal(t, graph.OpTypeConvBias, node.OpType())
	require.Len(t, node.Inputs(), 4)
	assert.Same(t, z, node.Inputs()[3])
	assert.Equal(t, graph.ActivationNone, node.Attrs().(*graph.ConvBiasAttrs).Activation)
}

func TestFuseConvBiasZRefusesCycle(t *testing.T) {
	g := graph.New("cycle")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 16, 8, 8), graph.FormatNCHW)
	w := g.Parameter("w", shapes.Make(dtypes.Float32, 16, 16, 3, 3), graph.FormatNCHW)
	biasShape := shapes.Make(dtypes.Float32, 1, 16, 1, 1)
	bias := g.Constant("bias", biasShape, graph.FormatNCHW, makeFloats(biasShape, 1))

	attrs := graph.ConvBiasAttrs{ConvAttrs: graph.ConvAttrs{Format: graph.FormatNCHW, Padding: [2]int{1, 1}}}
	convBias := g.ConvBias(x, w, bias, nil, attrs)
	// z depends on the ConvBias itself: fusing would create a cycle.
	z := g.Sigmoid(convBias)
	out := g.Add(convBias, z)

	o := NewOptimizer()
	o.AddPass(MakeFuseConvBiasZ())
	result := o.Run([]*graph.Var{out})[0]
	assert.Equal(t, graph.OpTypeAdd, result.Node().OpType())
}
