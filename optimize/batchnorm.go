// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopt/graph"
)

// convertBatchNormPass lowers inference-mode BatchNorm to elementwise
// arithmetic:
//
//	k = scale / variance
//	b = bias - mean * k
//	y = x * k + b
//
// The statistics are constants in an inference graph, so k and b fold to two
// constants in the subsequent param-fuse pass, and the per-element work
// becomes one multiply-add. Running this before the f16 and layout passes
// also frees them from handling BatchNorm as a special case.
type convertBatchNormPass struct{}

// MakeConvertBatchNormToElemwise creates the pass.
func MakeConvertBatchNormToElemwise() Pass { return convertBatchNormPass{} }

func (convertBatchNormPass) Name() string { return "convert_batch_norm_to_elemwise" }

func (p convertBatchNormPass) Apply(s *OptState) {
	table := ruleTable{
		graph.OpTypeBatchNorm: func(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var {
			g := s.Graph()
			x, scale, bias, mean, variance := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
			k := g.Div(scale, variance)
			b := g.Sub(bias, g.Mul(mean, k))
			return g.Add(g.Mul(x, k), b)
		},
	}
	s.RunRuleTable(p.Name(), table, CheckAll)
}
