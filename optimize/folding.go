// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/graph"
)

// Folding passes absorb a trailing conversion into the operator producing
// its input, so the kernel converts on store and the intermediate tensor is
// never written out in the unconverted form.

// fuseDeconvCvtPass folds ConvertDType(Deconv(...)) into the deconvolution's
// OutDType. Part of the preprocess fusion: quantized models commonly start
// with a deconvolution followed by a dtype conversion.
type fuseDeconvCvtPass struct{}

// MakeFuseDeconvCvt creates the pass.
func MakeFuseDeconvCvt() Pass { return fuseDeconvCvtPass{} }

func (fuseDeconvCvtPass) Name() string { return "fuse_deconv_cvt" }

func (p fuseDeconvCvtPass) Apply(s *OptState) {
	table := ruleTable{
		graph.OpTypeConvertDType: func(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var {
			in := inputs[0]
			producer := in.Node()
			if producer.OpType() != graph.OpTypeDeconv || s.NumReaders(in) != 1 {
				return nil
			}
			attrs := *producer.Attrs().(*graph.ConvAttrs)
			if attrs.OutDType != dtypes.InvalidDType {
				return nil
			}
			attrs.OutDType = n.Output().DType()
			prodInputs := s.ResolveAll(producer.Inputs())
			return s.Graph().Deconv(prodInputs[0], prodInputs[1], attrs)
		},
	}
	s.RunRuleTable(p.Name(), table, CheckAll)
}

// foldingConvBiasTypecvtPass folds ConvertDType(Conv/ConvBias(...)) into the
// convolution's OutDType.
type foldingConvBiasTypecvtPass struct{}

// MakeFoldingConvBiasTypecvt creates the pass.
func MakeFoldingConvBiasTypecvt() Pass { return foldingConvBiasTypecvtPass{} }

func (foldingConvBiasTypecvtPass) Name() string { return "folding_conv_bias_typecvt" }

func (p foldingConvBiasTypecvtPass) Apply(s *OptState) {
	table := ruleTable{
		graph.OpTypeConvertDType: func(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var {
			in := inputs[0]
			producer := in.Node()
			if s.NumReaders(in) != 1 {
				return nil
			}
			g := s.Graph()
			prodInputs := s.ResolveAll(producer.Inputs())
			switch producer.OpType() {
			case graph.OpTypeConv:
				attrs := *producer.Attrs().(*graph.ConvAttrs)
				if attrs.OutDType != dtypes.InvalidDType {
					return nil
				}
				attrs.OutDType = n.Output().DType()
				return g.Conv(prodInputs[0], prodInputs[1], attrs)
			case graph.OpTypeConvBias:
				attrs := *producer.Attrs().(*graph.ConvBiasAttrs)
				if attrs.OutDType != dtypes.InvalidDType {
					return nil
				}
				attrs.OutDType = n.Output().DType()
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
		},
	}
	s.RunRuleTable(p.Name(), table, CheckAll)
}

// foldingConvBiasDimshufflePass folds Relayout(Conv/ConvBias(...)) into the
// convolution's StoreFormat: the kernel writes its output directly in the
// relayout's target format. Layout-conversion pipelines run this after the
// reformat pass to absorb the relayouts it inserted behind convolutions.
type foldingConvBiasDimshufflePass struct{}

// MakeFoldingConvBiasDimshuffle creates the pass.
func MakeFoldingConvBiasDimshuffle() Pass { return foldingConvBiasDimshufflePass{} }

func (foldingConvBiasDimshufflePass) Name() string { return "folding_conv_bias_dimshuffle" }

func (p foldingConvBiasDimshufflePass) Apply(s *OptState) {
	table := ruleTable{
		graph.OpTypeRelayout: func(s *OptState, n *graph.Node, inputs []*graph.Var) *graph.Var {
			in := inputs[0]
			producer := in.Node()
			if s.NumReaders(in) != 1 {
				return nil
			}
			to := n.Attrs().(*graph.RelayoutAttrs).To
			g := s.Graph()
			prodInputs := s.ResolveAll(producer.Inputs())
			switch producer.OpType() {
			case graph.OpTypeConv:
				attrs := *producer.Attrs().(*graph.ConvAttrs)
				if attrs.HasStoreFormat {
					return nil
				}
				attrs.StoreFormat = to
				attrs.HasStoreFormat = true
				return g.Conv(prodInputs[0], prodInputs[1], attrs)
			case graph.OpTypeConvBias:
				attrs := *producer.Attrs().(*graph.ConvBiasAttrs)
				if attrs.HasStoreFormat {
					return nil
				}
				attrs.StoreFormat = to
				attrs.HasStoreFormat = true
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
		},
	}
	s.RunRuleTable(p.Name(), table, CheckAll)
}
