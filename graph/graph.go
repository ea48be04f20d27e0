// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph holds the operator-graph IR the inference optimizer rewrites:
// a directed acyclic graph of operator Nodes connected by typed Var edges.
//
// Nodes are immutable once constructed: optimizer passes never change a
// node's structure in place, they build new nodes and substitute the output
// variables downstream (see the optimize package). The single exception is
// the ExecutionPolicy metadata (algorithm strategy and workspace limit),
// which is explicitly defined as in-place mutable and is not part of the
// graph structure.
//
// Nodes are only created after their inputs exist, so the construction order
// of Graph.nodes is a natural topological (producer before consumer) order
// of the DAG. The optimizer relies on this invariance.
package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/types/shapes"
)

// Graph with the operator nodes of a model, in construction order.
type Graph struct {
	name  string
	nodes []*Node

	// weightPreprocess is an execution hint: when set, the execution runtime
	// may preprocess (re-pack) constant weights ahead of time.
	weightPreprocess bool
}

// New creates an empty named Graph.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the total number of nodes ever created in the graph,
// including nodes no longer reachable from any endpoint.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns all nodes in construction (topological) order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// SetWeightPreprocess records the weight-preprocessing execution hint.
func (g *Graph) SetWeightPreprocess(enable bool) { g.weightPreprocess = enable }

// WeightPreprocess returns the weight-preprocessing execution hint.
func (g *Graph) WeightPreprocess() bool { return g.weightPreprocess }

// Node is one operator of the graph: a kind tag, ordered input variables,
// kind-specific attributes and one or more output variables.
type Node struct {
	graph    *Graph
	graphIdx int

	opType  OpType
	name    string
	inputs  []*Var
	outputs []*Var

	// attrs is the kind-specific attribute struct (e.g. *ConvAttrs), nil for
	// kinds without attributes.
	attrs any

	// flat is the constant payload for OpTypeConstant; flats holds one
	// payload per output for OpTypeMultiConstant.
	flat  any
	flats []any

	// policy is mutable metadata, see ExecutionPolicy.
	policy ExecutionPolicy
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// OpType returns the operator kind.
func (n *Node) OpType() OpType { return n.opType }

// Name returns the diagnostic name of the node.
func (n *Node) Name() string { return n.name }

// Inputs returns the ordered input variables. The returned slice must not be
// modified.
func (n *Node) Inputs() []*Var { return n.inputs }

// Outputs returns the output variables. The returned slice must not be
// modified.
func (n *Node) Outputs() []*Var { return n.outputs }

// Output returns the single output variable; it panics for multi-output
// nodes.
func (n *Node) Output() *Var {
	if len(n.outputs) != 1 {
		exceptions.Panicf("node %s has %d outputs, Output() requires exactly one", n, len(n.outputs))
	}
	return n.outputs[0]
}

// Attrs returns the kind-specific attribute struct, or nil.
func (n *Node) Attrs() any { return n.attrs }

// Flat returns the constant payload of an OpTypeConstant node: a flat slice
// of the variable's dtype, in the variable's format order.
func (n *Node) Flat() any { return n.flat }

// Flats returns the per-output constant payloads of an OpTypeMultiConstant
// node.
func (n *Node) Flats() []any { return n.flats }

// ExecutionPolicy returns the current algorithm-selection policy.
func (n *Node) ExecutionPolicy() ExecutionPolicy { return n.policy }

// SetExecutionPolicy replaces the algorithm-selection policy. Metadata only:
// no new nodes, no variable substitution.
func (n *Node) SetExecutionPolicy(policy ExecutionPolicy) {
	if !n.opType.IsMultiAlgo() {
		exceptions.Panicf("node %s (%s) has a single execution algorithm, it carries no ExecutionPolicy", n, n.opType)
	}
	n.policy = policy
}

// SetStrategy replaces only the strategy part of the policy.
func (n *Node) SetStrategy(strategy Strategy) {
	p := n.policy
	p.Strategy = strategy
	n.SetExecutionPolicy(p)
}

// SetWorkspaceLimit replaces only the workspace limit part of the policy.
func (n *Node) SetWorkspaceLimit(limit uint64) {
	p := n.policy
	p.WorkspaceLimit = limit
	n.SetExecutionPolicy(p)
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	return fmt.Sprintf("%s#%d(%q)", n.opType, n.graphIdx, n.name)
}

// Var is a typed edge of the graph: the tensor produced by one node output,
// possibly consumed by many downstream nodes (fan-out, not ownership).
type Var struct {
	node      *Node
	outputIdx int

	shape  shapes.Shape
	format Format
	name   string
}

// Node that produces this variable.
func (v *Var) Node() *Node { return v.node }

// OutputIdx is the index of this variable among its producer's outputs.
func (v *Var) OutputIdx() int { return v.outputIdx }

// Shape of the variable, in its format's layout.
func (v *Var) Shape() shapes.Shape { return v.shape }

// DType of the variable's elements.
func (v *Var) DType() dtypes.DType { return v.shape.DType }

// Format is the memory layout of the variable.
func (v *Var) Format() Format { return v.format }

// Name of the variable, for diagnostics.
func (v *Var) Name() string { return v.name }

// String implements fmt.Stringer.
func (v *Var) String() string {
	if v == nil {
		return "Var(nil)"
	}
	return fmt.Sprintf("%s:%s%s[%s]", v.name, v.node.opType, v.shape, v.format)
}

// outputSpec describes one output of a node under construction.
type outputSpec struct {
	shape  shapes.Shape
	format Format
	name   string
}

// newNode adds a new node of the given opType to the graph. It's used by the
// op constructors when creating new nodes.
func (g *Graph) newNode(opType OpType, name string, attrs any, inputs []*Var, outputs ...outputSpec) *Node {
	n := &Node{
		graph:    g,
		graphIdx: len(g.nodes),
		opType:   opType,
		name:     name,
		attrs:    attrs,
		inputs:   append([]*Var(nil), inputs...),
	}
	if opType.IsMultiAlgo() {
		n.policy = DefaultExecutionPolicy()
	}
	n.outputs = make([]*Var, len(outputs))
	for idx, spec := range outputs {
		varName := spec.name
		if varName == "" {
			varName = name
			if len(outputs) > 1 {
				varName = fmt.Sprintf("%s:%d", name, idx)
			}
		}
		n.outputs[idx] = &Var{
			node:      n,
			outputIdx: idx,
			shape:     spec.shape,
			format:    spec.format,
			name:      varName,
		}
	}
	g.nodes = append(g.nodes, n)
	return n
}

// checkVars validates that the input variables were created on this graph.
func (g *Graph) checkVars(opType OpType, vars ...*Var) {
	for idx, v := range vars {
		if v == nil {
			exceptions.Panicf("%s: input var #%d is nil!?", opType, idx)
		}
		if v.node.graph != g {
			exceptions.Panicf("%s: input var #%d (%s) was created on a different graph (%q), cannot use it with graph %q",
				opType, idx, v, v.node.graph.name, g.name)
		}
	}
}

// ReachableNodes returns the nodes reachable from the given endpoint
// variables, in producer-before-consumer (topological) order.
func ReachableNodes(endpoints []*Var) []*Node {
	if len(endpoints) == 0 {
		return nil
	}
	g := endpoints[0].node.graph
	seen := make(map[*Node]bool)
	var stack []*Node
	for _, v := range endpoints {
		if v.node.graph != g {
			exceptions.Panicf("ReachableNodes: endpoints come from different graphs (%q vs %q)", g.name, v.node.graph.name)
		}
		if !seen[v.node] {
			seen[v.node] = true
			stack = append(stack, v.node)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, in := range n.inputs {
			if !seen[in.node] {
				seen[in.node] = true
				stack = append(stack, in.node)
			}
		}
	}
	// Construction order is topological, so collecting reachable nodes in
	// graph order yields producer-before-consumer.
	ordered := make([]*Node, 0, len(seen))
	for _, n := range g.nodes {
		if seen[n] {
			ordered = append(ordered, n)
		}
	}
	return ordered
}
