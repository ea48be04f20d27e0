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

func TestConvertBatchNormToElemwise(t *testing.T) {
	g := graph.New("bn")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 2, 4, 4), graph.FormatNCHW)
	statShape := shapes.Make(dtypes.Float32, 1, 2, 1, 1)
	scale := g.Constant("scale", statShape, graph.FormatNCHW, []float32{2, 4})
	bias := g.Constant("bias", statShape, graph.FormatNCHW, []float32{1, 1})
	mean := g.Constant("mean", statShape, graph.FormatNCHW, []float32{0.5, 1})
	variance := g.Constant("variance", statShape, graph.FormatNCHW, []float32{1, 2})

	out := g.BatchNorm(x, scale, bias, mean, variance)

	o := NewOptimizer()
	o.AddPass(MakeConvertBatchNormToElemwise(), MakeParamFuse())
	result := o.Run([]*graph.Var{out})[0]

	// The BatchNorm lowered to Add(Mul(x, k), b) with k and b folded to
	// constants: k = scale/variance = [2, 2], b = bias - mean*k = [0, -1].
	add := result.Node()
	require.Equal(t, graph.OpTypeAdd, add.OpType())
	assert.True(t, result.Shape().Equal(out.Shape()))

	mul := add.Inputs()[0].Node()
	require.Equal(t, graph.OpTypeMul, mul.OpType())
	assert.Same(t, x, mul.Inputs()[0])

	k := mul.Inputs()[1].Node()
	require.Equal(t, graph.OpTypeConstant, k.OpType())
	assert.Equal(t, []float32{2, 2}, k.Flat())

	b := add.Inputs()[1].Node()
	require.Equal(t, graph.OpTypeConstant, b.OpType())
	assert.Equal(t, []float32{0, -1}, b.Flat())
}
