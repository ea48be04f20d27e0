// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopt/graph"
	"k8s.io/klog/v2"
)

// Optimizer orders a sequence of passes and applies them in turn over a
// shared OptState. Order is significant: each pass's correctness may depend
// on seeing the fully rewritten output of all prior passes, so passes run
// strictly sequentially and are never re-run.
type Optimizer struct {
	passes []Pass
}

// NewOptimizer creates an empty pipeline.
func NewOptimizer() *Optimizer {
	return &Optimizer{}
}

// AddPass appends a pass to the pipeline. Returns the optimizer for
// chaining.
func (o *Optimizer) AddPass(passes ...Pass) *Optimizer {
	o.passes = append(o.passes, passes...)
	return o
}

// NumPasses returns how many passes the pipeline holds.
func (o *Optimizer) NumPasses() int { return len(o.passes) }

// Apply runs every pass, in order, over the state.
func (o *Optimizer) Apply(s *OptState) {
	for _, p := range o.passes {
		s.RefreshReaders()
		if klog.V(1).Enabled() {
			before := s.graph.NumNodes()
			p.Apply(s)
			klog.Infof("pass %s: %d nodes created", p.Name(), s.graph.NumNodes()-before)
			continue
		}
		p.Apply(s)
	}
}

// Run seeds a fresh OptState with the endpoints, applies the pipeline and
// returns the rewritten endpoints.
func (o *Optimizer) Run(endpoints []*graph.Var) []*graph.Var {
	s := NewOptState(endpoints)
	o.Apply(s)
	return s.Endpoints()
}
