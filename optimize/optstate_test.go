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

func TestRewriterResolveChain(t *testing.T) {
	g := graph.New("chain")
	a := g.Parameter("a", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	b := g.Parameter("b", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	c := g.Parameter("c", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)

	r := NewRewriter()
	assert.False(t, r.HasReplacements())
	r.Replace(a, b, CheckAll)
	r.Replace(b, c, CheckAll)
	assert.Same(t, c, r.Resolve(a))
	assert.Same(t, c, r.Resolve(b))
	assert.Same(t, c, r.Resolve(c))
	// Provenance survives the chain.
	assert.Same(t, a, r.Origin(c))
	assert.True(t, r.HasReplacements())
}

func TestRewriterChecks(t *testing.T) {
	g := graph.New("checks")
	a := g.Parameter("a", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	otherDims := g.Parameter("dims", shapes.Make(dtypes.Float32, 4), graph.FormatNCHW)
	otherDType := g.Parameter("dtype", shapes.Make(dtypes.Float16, 2, 2), graph.FormatNCHW)

	r := NewRewriter()
	require.Panics(t, func() { r.Replace(a, otherDims, CheckShape) })
	require.Panics(t, func() { r.Replace(a, otherDType, CheckDType) })

	// Relaxing the corresponding bit allows the replacement.
	r.Replace(a, otherDType, CheckAll&^CheckDType)
	assert.Same(t, otherDType, r.Resolve(a))
}

func TestOptStateReaders(t *testing.T) {
	g := graph.New("readers")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	y := g.Parameter("y", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	sum := g.Add(x, y)
	prod := g.Mul(sum, x)

	s := NewOptState([]*graph.Var{prod, sum})
	// x feeds Add and Mul.
	assert.Equal(t, 2, s.NumReaders(x))
	// sum feeds Mul and is itself an endpoint.
	assert.Equal(t, 2, s.NumReaders(sum))
	assert.Equal(t, 1, s.NumReaders(prod))
	assert.True(t, s.IsEndpoint(prod))
	assert.False(t, s.IsEndpoint(x))
}

func TestNumReadersAfterChainedReplacement(t *testing.T) {
	g := graph.New("chainedreaders")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	mid := g.Relu(x)
	out := g.Relu(mid)

	// First rewrite: mid becomes mid2 and the consumer re-anchors onto it.
	// The refresh then keys the census on the rewritten graph.
	s := NewOptState([]*graph.Var{out})
	mid2 := g.Mul(x, x)
	s.Replace(mid, mid2)
	s.AutoReplace(out.Node())
	s.RefreshReaders()
	assert.Equal(t, 1, s.NumReaders(mid2))

	// Second rewrite, after the refresh: mid3 has no census entry, so its
	// count must come from mid2 (censused), not from mid (stale).
	mid3 := g.Add(x, x)
	s.Replace(mid2, mid3)
	assert.Equal(t, 1, s.NumReaders(mid3))
	// Provenance still reaches all the way back.
	assert.Same(t, mid, s.Rewriter().Origin(mid3))
}

func TestOptStateAutoReplace(t *testing.T) {
	g := graph.New("auto")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	y := g.Parameter("y", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	sum := g.Add(x, y)
	out := g.Relu(sum)

	s := NewOptState([]*graph.Var{out})
	x2 := g.Parameter("x2", shapes.Make(dtypes.Float32, 2, 2), graph.FormatNCHW)
	s.Replace(x, x2)

	// Re-anchoring the Add picks up x2; the Relu then follows the chain.
	for _, n := range s.Nodes() {
		s.AutoReplace(n)
	}
	final := s.Endpoints()[0]
	require.Equal(t, graph.OpTypeRelu, final.Node().OpType())
	addNode := final.Node().Inputs()[0].Node()
	assert.Same(t, x2, addNode.Inputs()[0])
	// The original endpoint still resolves to the rewritten one.
	assert.Same(t, final, s.Resolve(out))
}

func TestOptStateEndpointOverride(t *testing.T) {
	g := graph.New("override")
	x := g.Parameter("x", shapes.Make(dtypes.Float32, 1, 8, 4, 4), graph.FormatNCHW)
	out := g.Relu(x)

	s := NewOptState([]*graph.Var{out})
	s.ForEachEndpoint(func(seed, current *graph.Var) *graph.Var {
		return g.Relayout(current, graph.FormatNCHW4)
	})
	pinned := s.Endpoints()[0]
	assert.Equal(t, graph.FormatNCHW4, pinned.Format())
	// The override is endpoint-only: the rewriter itself has no entry.
	assert.Same(t, out, s.Resolve(out))
}
