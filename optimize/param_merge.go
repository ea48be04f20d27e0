// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
	"k8s.io/klog/v2"
)

// paramMergePass gathers every reachable Constant node into one
// MultiConstant holder. The payloads are untouched; the win is bookkeeping:
// the execution runtime loads, pins and preprocesses one parameter node
// instead of hundreds. Runs last, after param-fuse settled the final set of
// constants.
type paramMergePass struct{}

// MakeParamMerge creates the pass.
func MakeParamMerge() Pass { return paramMergePass{} }

func (paramMergePass) Name() string { return "param_merge" }

func (p paramMergePass) Apply(s *OptState) {
	nodes := s.Nodes()
	var constVars []*graph.Var
	for _, n := range nodes {
		if n.OpType() == graph.OpTypeConstant {
			constVars = append(constVars, n.Output())
		}
	}
	if len(constVars) < 2 {
		return
	}

	g := s.Graph()
	specShapes := make([]shapes.Shape, len(constVars))
	formats := make([]graph.Format, len(constVars))
	flats := make([]any, len(constVars))
	for idx, v := range constVars {
		specShapes[idx] = v.Shape()
		formats[idx] = v.Format()
		flats[idx] = v.Node().Flat()
	}
	merged := g.MultiConstant("merged_params", specShapes, formats, flats)
	for idx, orig := range constVars {
		s.Replace(orig, merged.Outputs()[idx])
	}
	if klog.V(1).Enabled() {
		klog.Infof("param-merge: merged %d constants into %s", len(constVars), merged)
	}

	// Re-anchor every downstream node onto the merged outputs.
	for _, n := range nodes {
		switch n.OpType() {
		case graph.OpTypeConstant, graph.OpTypeMultiConstant:
			continue
		}
		s.AutoReplace(n)
	}
}
