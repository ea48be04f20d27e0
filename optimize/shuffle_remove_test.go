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

func TestShuffleShuffleRemove(t *testing.T) {
	g := graph.New("shuffle")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 4, 4), graph.FormatNCHW)
	packed := g.Relayout(x, graph.FormatNCHW4)
	cast := g.ConvertDType(packed, dtypes.Float16)
	out := g.Relayout(cast, graph.FormatNCHW)

	o := NewOptimizer()
	o.AddPass(MakeShuffleShuffleRemove())
	result := o.Run([]*graph.Var{out})[0]

	// The reciprocal relayouts cancel; the cast survives on the original var.
	node := result.Node()
	require.Equal(t, graph.OpTypeConvertDType, node.OpType())
	assert.Same(t, x, node.Inputs()[0])
	assert.Equal(t, dtypes.Float16, result.DType())
	assert.Equal(t, graph.FormatNCHW, result.Format())
}

func TestShuffleShuffleRemoveIdentity(t *testing.T) {
	g := graph.New("identity")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 4, 4), graph.FormatNCHW)
	out := g.Relayout(x, graph.FormatNCHW)

	o := NewOptimizer()
	o.AddPass(MakeShuffleShuffleRemove())
	result := o.Run([]*graph.Var{out})[0]
	assert.Same(t, x, result)
}

func TestShuffleShuffleRemoveKeepsSharedInner(t *testing.T) {
	g := graph.New("sharedinner")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 4, 4), graph.FormatNCHW)
	packed := g.Relayout(x, graph.FormatNCHW4)
	back := g.Relayout(packed, graph.FormatNCHW)
	// Second consumer of the packed var: the pair is not redundant.
	other := g.Relu(packed)

	o := NewOptimizer()
	o.AddPass(MakeShuffleShuffleRemove())
	endpoints := o.Run([]*graph.Var{back, other})
	assert.Equal(t, graph.OpTypeRelayout, endpoints[0].Node().OpType())
}
