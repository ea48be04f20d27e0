// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopt/graph"
	"k8s.io/klog/v2"
)

// Rewriter is the variable replacement ledger of one pipeline run: it maps
// every rewritten variable to its replacement and records provenance (the
// original variable a replacement stands for).
type Rewriter struct {
	replace map[*graph.Var]*graph.Var
	origin  map[*graph.Var]*graph.Var
}

// NewRewriter creates an empty ledger.
func NewRewriter() *Rewriter {
	return &Rewriter{
		replace: make(map[*graph.Var]*graph.Var),
		origin:  make(map[*graph.Var]*graph.Var),
	}
}

// Replace records that repl replaces orig, enforcing the given check policy.
// A violated check panics: downgrading it silently would leave the graph in
// an inconsistent state.
func (r *Rewriter) Replace(orig, repl *graph.Var, check VarReplaceCheckFlag) {
	if orig == repl {
		return
	}
	if check&CheckShape != 0 && !orig.Shape().EqualDimensions(repl.Shape()) {
		exceptions.Panicf("rewriter: replacement %s changes the dimensions of %s (CheckShape is enforced)", repl, orig)
	}
	if check&CheckDType != 0 && orig.DType() != repl.DType() {
		exceptions.Panicf("rewriter: replacement %s changes the dtype of %s (CheckDType is enforced)", repl, orig)
	}
	r.replace[orig] = repl
	// One provenance step back; Origin walks the chain.
	r.origin[repl] = orig
}

// Resolve follows the replacement chain of v to its current (latest)
// replacement. Variables never replaced resolve to themselves.
func (r *Rewriter) Resolve(v *graph.Var) *graph.Var {
	cur := v
	for {
		next, found := r.replace[cur]
		if !found {
			break
		}
		cur = next
	}
	if cur != v {
		// Path-compress so long chains are walked once.
		r.replace[v] = cur
	}
	return cur
}

// Origin returns the original variable v (transitively) replaced, or v
// itself if it is not a replacement.
func (r *Rewriter) Origin(v *graph.Var) *graph.Var {
	cur := v
	for {
		orig, found := r.origin[cur]
		if !found {
			return cur
		}
		cur = orig
	}
}

// HasReplacements reports whether any replacement was ever recorded.
func (r *Rewriter) HasReplacements() bool { return len(r.replace) > 0 }

// OptState is the working view of a sub-graph under optimization: the
// current endpoint (destination) variables plus the rewriter ledger. Every
// pass of a pipeline shares one OptState, so each pass sees the fully
// rewritten output of all prior passes.
type OptState struct {
	graph     *graph.Graph
	endpoints []*graph.Var
	rewriter  *Rewriter

	// endpointOverrides pins an endpoint to a variable outside the rewriter
	// ledger, keyed by the seed endpoint. Format passes use it to re-convert
	// an endpoint on the way out without registering a substitution that
	// internal consumers would also pick up.
	endpointOverrides map[*graph.Var]*graph.Var

	// readers is the fan-out census of the current pass: consumer count per
	// variable, with endpoints counting as one extra external reader.
	// Refreshed before each pass by the pipeline.
	readers map[*graph.Var]int
}

// NewOptState seeds an optimization state with the destination variables.
func NewOptState(endpoints []*graph.Var) *OptState {
	if len(endpoints) == 0 {
		exceptions.Panicf("optimize: no endpoint variables given")
	}
	s := &OptState{
		graph:     endpoints[0].Node().Graph(),
		endpoints: append([]*graph.Var(nil), endpoints...),
		rewriter:  NewRewriter(),
	}
	s.RefreshReaders()
	return s
}

// Graph under optimization.
func (s *OptState) Graph() *graph.Graph { return s.graph }

// Rewriter returns the replacement ledger of this run.
func (s *OptState) Rewriter() *Rewriter { return s.rewriter }

// currentEndpoint computes what the given seed endpoint currently stands
// for: the rewriter resolution, unless an endpoint override pins it.
func (s *OptState) currentEndpoint(seed *graph.Var) *graph.Var {
	if ov, found := s.endpointOverrides[seed]; found {
		return s.rewriter.Resolve(ov)
	}
	return s.rewriter.Resolve(seed)
}

// Endpoints returns the current endpoint variables, after substitution.
func (s *OptState) Endpoints() []*graph.Var {
	resolved := make([]*graph.Var, len(s.endpoints))
	for idx, v := range s.endpoints {
		resolved[idx] = s.currentEndpoint(v)
	}
	return resolved
}

// ForEachEndpoint visits every endpoint with its seed (the variable the
// caller originally passed in) and its current replacement. A non-nil return
// different from current pins the endpoint to the returned variable, outside
// the rewriter ledger. Format passes use this to convert rewritten endpoints
// back to their external layout without affecting internal consumers.
func (s *OptState) ForEachEndpoint(fn func(seed, current *graph.Var) *graph.Var) {
	for _, seed := range s.endpoints {
		current := s.currentEndpoint(seed)
		pinned := fn(seed, current)
		if pinned == nil || pinned == current {
			continue
		}
		if s.endpointOverrides == nil {
			s.endpointOverrides = make(map[*graph.Var]*graph.Var)
		}
		s.endpointOverrides[seed] = pinned
	}
}

// IsEndpoint reports whether v currently is an endpoint variable. Endpoint
// variables must keep their layout and dtype externally consistent, so
// format passes re-convert them on the way out.
func (s *OptState) IsEndpoint(v *graph.Var) bool {
	for _, e := range s.endpoints {
		if s.currentEndpoint(e) == v {
			return true
		}
	}
	return false
}

// Resolve maps v through the rewriter to its current replacement.
func (s *OptState) Resolve(v *graph.Var) *graph.Var { return s.rewriter.Resolve(v) }

// ResolveAll maps a slice of variables through the rewriter.
func (s *OptState) ResolveAll(vars []*graph.Var) []*graph.Var {
	resolved := make([]*graph.Var, len(vars))
	for idx, v := range vars {
		resolved[idx] = s.rewriter.Resolve(v)
	}
	return resolved
}

// Replace records a substitution with the default CheckAll policy.
func (s *OptState) Replace(orig, repl *graph.Var) {
	s.rewriter.Replace(orig, repl, CheckAll)
}

// ReplaceWithCheck records a substitution under an explicit check policy.
// Passes that legitimately change dtype (f16 conversion) or dimensions
// (layout conversion) relax the corresponding bit.
func (s *OptState) ReplaceWithCheck(orig, repl *graph.Var, check VarReplaceCheckFlag) {
	s.rewriter.Replace(orig, repl, check)
}

// Nodes returns the nodes reachable from the current endpoints in
// producer-before-consumer order. Passes traverse this once and never
// re-traverse: by the time a node is visited all its producers are final.
func (s *OptState) Nodes() []*graph.Node {
	return graph.ReachableNodes(s.Endpoints())
}

// RefreshReaders recomputes the fan-out census from the current endpoints.
func (s *OptState) RefreshReaders() {
	readers := make(map[*graph.Var]int)
	for _, n := range s.Nodes() {
		for _, in := range n.Inputs() {
			readers[in]++
		}
	}
	for _, v := range s.Endpoints() {
		readers[v]++
	}
	s.readers = readers
}

// NumReaders returns how many consumers (downstream nodes, plus one if v is
// an endpoint) read v, as of the last RefreshReaders. Fusion passes refuse
// to swallow a producer with more than one reader. Variables created after
// the last refresh inherit the census of the variable they replaced: the
// provenance chain is walked one step at a time because the census is keyed
// on the current graph, so the nearest censused ancestor is the right one,
// not the pre-pipeline original.
func (s *OptState) NumReaders(v *graph.Var) int {
	cur := v
	for {
		if count, found := s.readers[cur]; found {
			return count
		}
		orig, found := s.rewriter.origin[cur]
		if !found {
			return 0
		}
		cur = orig
	}
}

// AutoReplace re-anchors a node whose inputs were rewritten: if any input
// resolves to a replacement, the node is cloned with the resolved inputs and
// its outputs registered as replacements (unchecked -- the clone legitimately
// inherits whatever dtype/format changes upstream passes made). Returns the
// node now standing for n (n itself if nothing changed).
func (s *OptState) AutoReplace(n *graph.Node) *graph.Node {
	inputs := n.Inputs()
	resolved := s.ResolveAll(inputs)
	changed := false
	for idx := range inputs {
		if inputs[idx] != resolved[idx] {
			changed = true
			break
		}
	}
	if !changed {
		return n
	}
	clone := n.CloneWithInputs(resolved)
	if clone == n {
		return n
	}
	if klog.V(2).Enabled() {
		klog.Infof("auto-replace %s -> %s", n, clone)
	}
	origOuts, cloneOuts := n.Outputs(), clone.Outputs()
	for idx := range origOuts {
		s.rewriter.Replace(origOuts[idx], cloneOuts[idx], CheckNone)
	}
	return clone
}

// RunRuleTable is the shared traversal of table-driven passes: one
// producer-before-consumer sweep; nodes with a rule for their kind are
// rewritten, everything else is re-anchored onto resolved inputs.
func (s *OptState) RunRuleTable(passName string, table ruleTable, check VarReplaceCheckFlag) {
	for _, n := range s.Nodes() {
		rule, found := table[n.OpType()]
		if !found {
			s.AutoReplace(n)
			continue
		}
		inputs := s.ResolveAll(n.Inputs())
		repl := rule(s, n, inputs)
		if repl == nil {
			// The rule declined (unsupported pattern): per-node skip, never
			// a global abort.
			s.AutoReplace(n)
			continue
		}
		if klog.V(2).Enabled() {
			klog.Infof("%s: rewrote %s -> %s", passName, n, repl.Node())
		}
		s.rewriter.Replace(n.Output(), repl, check)
	}
}
