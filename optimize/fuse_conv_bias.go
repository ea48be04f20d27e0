// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopt/graph"
)

// fuseConvBiasNonlinPass collapses convolution epilogues into the fused
// ConvBias operator:
//
//	Add(Conv(x, w), bias)          -> ConvBias(x, w, bias)
//	Relu(Conv(x, w))               -> ConvBias(x, w, nil, relu)
//	Relu(Add(Conv(x, w), bias))    -> ConvBias(x, w, bias, relu)
//
// The chain form works in one producer-before-consumer sweep: the Add rule
// fires first and leaves a ConvBias with no activation, which the
// nonlinearity rule then rebuilds with the activation set. A producer is
// only swallowed when the pattern node is its sole reader.
type fuseConvBiasNonlinPass struct{}

// MakeFuseConvBiasNonlin creates the pass.
func MakeFuseConvBiasNonlin() Pass { return fuseConvBiasNonlinPass{} }

func (fuseConvBiasNonlinPass) Name() string { return "fuse_conv_bias_nonlin" }

func (p fuseConvBiasNonlinPass) Apply(s *OptState) {
	table := ruleTable{
		graph.OpTypeAdd:     fuseBiasAdd,
		graph.OpTypeRelu:    fuseNonlin,
		graph.OpTypeSigmoid: fuseNonlin,
	}
	s.RunRuleTable(p.Name(), table, CheckAll)
}

// fuseBiasAdd rewrites Add(conv, bias) into ConvBias without activation.
func fuseBiasAdd(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var {
	if repl := fuseBiasAddOriented(s, inputs[0], inputs[1]); repl != nil {
		return repl
	}
	return fuseBiasAddOriented(s, inputs[1], inputs[0])
}

func fuseBiasAddOriented(s *OptState, convOut, bias *graph.Var) *graph.Var {
	conv := convOut.Node()
	if conv.OpType() != graph.OpTypeConv || s.NumReaders(convOut) != 1 {
		return nil
	}
	attrs := conv.Attrs().(*graph.ConvAttrs)
	if !biasBroadcastsPerChannel(bias, convOut, attrs.OutputFormat()) {
		return nil
	}
	convInputs := s.ResolveAll(conv.Inputs())
	fused := graph.ConvBiasAttrs{ConvAttrs: *attrs, Activation: graph.ActivationNone}
	return s.Graph().ConvBias(convInputs[0], convInputs[1], bias, nil, fused)
}

// fuseNonlin folds a Relu/Sigmoid into the ConvBias (or bare Conv) producing
// its input.
func fuseNonlin(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var {
	in := inputs[0]
	producer := in.Node()
	if s.NumReaders(in) != 1 {
		return nil
	}
	var act graph.Activation
	switch n.OpType() {
	case graph.OpTypeRelu:
		act = graph.ActivationRelu
	case graph.OpTypeSigmoid:
		act = graph.ActivationSigmoid
	default:
		return nil
	}
	g := s.Graph()
	switch producer.OpType() {
	case graph.OpTypeConv:
		attrs := graph.ConvBiasAttrs{ConvAttrs: *producer.Attrs().(*graph.ConvAttrs), Activation: act}
		prodInputs := s.ResolveAll(producer.Inputs())
		return g.ConvBias(prodInputs[0], prodInputs[1], nil, nil, attrs)
	case graph.OpTypeConvBias:
		attrs := *producer.Attrs().(*graph.ConvBiasAttrs)
		if attrs.Activation != graph.ActivationNone {
			return nil
		}
		attrs.Activation = act
		prodInputs := s.ResolveAll(producer.Inputs())
		var bias, z *graph.Var
		if len(prodInputs) > 2 {
			bias = prodInputs[2]
		}
		if len(prodInputs) > 3 {
			z = prodInputs[3]
		}
		return g.ConvBias(prodInputs[0], prodInputs[1], bias, z, attrs)
	}
	return nil
}

// biasBroadcastsPerChannel reports whether bias is scalar or a per-channel
// [1, C, 1, 1] tensor matching the convolution output.
func biasBroadcastsPerChannel(bias, convOut *graph.Var, format graph.Format) bool {
	if bias.DType() != convOut.DType() {
		return false
	}
	if bias.Shape().IsScalar() {
		return true
	}
	if bias.Format() != graph.FormatNCHW || format != graph.FormatNCHW {
		return false
	}
	oc := format.Channels(convOut.Shape())
	shape := bias.Shape()
	return shape.Rank() == 4 && shape.Size() == oc && shape.Dim(1) == oc
}

// fuseConvBiasZPass folds an elementwise residual add into ConvBias:
//
//	Add(ConvBias(x, w, bias), z) -> ConvBias(x, w, bias, z)
//
// z must match the output shape exactly, must not (transitively) depend on
// the ConvBias being fused, and the ConvBias must not yet carry an
// activation (the fused operator adds z before the activation).
type fuseConvBiasZPass struct{}

// MakeFuseConvBiasZ creates the pass.
func MakeFuseConvBiasZ() Pass { return fuseConvBiasZPass{} }

func (fuseConvBiasZPass) Name() string { return "fuse_conv_bias_z" }

func (p fuseConvBiasZPass) Apply(s *OptState) {
	table := ruleTable{
		graph.OpTypeAdd: func(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var {
			if repl := fuseZOriented(s, inputs[0], inputs[1]); repl != nil {
				return repl
			}
			return fuseZOriented(s, inputs[1], inputs[0])
		},
	}
	s.RunRuleTable(p.Name(), table, CheckAll)
}

func fuseZOriented(s *OptState, convOut, z *graph.Var) *graph.Var {
	conv := convOut.Node()
	if conv.OpType() != graph.OpTypeConvBias || s.NumReaders(convOut) != 1 {
		return nil
	}
	attrs := *conv.Attrs().(*graph.ConvBiasAttrs)
	prodInputs := s.ResolveAll(conv.Inputs())
	if attrs.Activation != graph.ActivationNone || len(prodInputs) != 3 {
		// Already carries a z, or the activation already ran: adding z after
		// the activation is a different computation.
		return nil
	}
	if z.DType() != convOut.DType() || z.Format() != convOut.Format() ||
		!z.Shape().EqualDimensions(convOut.Shape()) {
		return nil
	}
	if dependsOn(z.Node(), conv) {
		return nil
	}
	return s.Graph().ConvBias(prodInputs[0], prodInputs[1], prodInputs[2], z, attrs)
}

// dependsOn reports whether from (transitively) consumes an output of
// target.
func dependsOn(from, target *graph.Node) bool {
	if from == target {
		return true
	}
	seen := map[*graph.Node]bool{from: true}
	stack := []*graph.Node{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, in := range n.Inputs() {
			p := in.Node()
			if p == target {
				return true
			}
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}
