// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/graph"
	"k8s.io/klog/v2"
)

// paddingChannelPass zero-pads the channel axis of quantized (int8)
// convolutions up to the packing alignment, so a later layout pass can
// convert convolutions whose channel counts would otherwise not divide the
// pack size.
//
// Zero weight columns make the padded input channels inert, and zero weight
// rows plus zero bias make the padded output channels exactly zero, so
// padding propagates safely through elementwise chains. Consumers that mix
// channels (and the endpoints) get the padded tensor sliced back first.
type paddingChannelPass struct {
	alignment int
}

// MakePaddingChannel creates the pass with the given channel alignment.
func MakePaddingChannel(alignment int) Pass {
	return &paddingChannelPass{alignment: alignment}
}

func (p *paddingChannelPass) Name() string { return "padding_channel" }

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

func (p *paddingChannelPass) Apply(s *OptState) {
	// padded maps a padded variable to its logical (pre-padding) channel
	// count; sliced caches the slice-back of each padded variable.
	padded := make(map[*graph.Var]int)
	sliced := make(map[*graph.Var]*graph.Var)

	for _, n := range s.Nodes() {
		switch n.OpType() {
		case graph.OpTypeConv, graph.OpTypeConvBias:
			p.padConv(s, n, padded, sliced)
		case graph.OpTypeAdd, graph.OpTypeSub, graph.OpTypeMul, graph.OpTypeDiv:
			p.padElemwise(s, n, padded, sliced)
		case graph.OpTypeRelu, graph.OpTypeSigmoid, graph.OpTypeConvertDType:
			inputs := s.ResolveAll(n.Inputs())
			clone := s.AutoReplace(n)
			if logical, found := padded[inputs[0]]; found && clone != n {
				padded[clone.Output()] = logical
			}
		default:
			p.restoreChannels(s, n, padded, sliced)
		}
	}

	s.ForEachEndpoint(func(seed, current *graph.Var) *graph.Var {
		return sliceBack(s.Graph(), current, padded, sliced)
	})
}

// sliceBack returns the un-padded view of v, or nil when v is not padded.
func sliceBack(g *graph.Graph, v *graph.Var, padded map[*graph.Var]int, sliced map[*graph.Var]*graph.Var) *graph.Var {
	logical, found := padded[v]
	if !found {
		return nil
	}
	if cached, done := sliced[v]; done {
		return cached
	}
	rank := v.Shape().Rank()
	starts := make([]int, rank)
	ends := make([]int, rank)
	for axis := range ends {
		ends[axis] = v.Shape().Dim(axis)
	}
	ends[1] = logical
	out := g.Slice(v, starts, ends)
	sliced[v] = out
	return out
}

// padChannels zero-pads axis of v up to target elements.
func padChannels(g *graph.Graph, v *graph.Var, axis, target int) *graph.Var {
	grow := target - v.Shape().Dim(axis)
	if grow == 0 {
		return v
	}
	rank := v.Shape().Rank()
	begin := make([]int, rank)
	end := make([]int, rank)
	end[axis] = grow
	return g.Pad(v, begin, end)
}

func (p *paddingChannelPass) padConv(s *OptState, n *graph.Node, padded map[*graph.Var]int, sliced map[*graph.Var]*graph.Var) {
	g := s.Graph()
	inputs := s.ResolveAll(n.Inputs())
	x, w := inputs[0], inputs[1]

	var attrs graph.ConvAttrs
	var act graph.Activation
	isConvBias := n.OpType() == graph.OpTypeConvBias
	if isConvBias {
		cb := n.Attrs().(*graph.ConvBiasAttrs)
		attrs, act = cb.ConvAttrs, cb.Activation
	} else {
		attrs = *n.Attrs().(*graph.ConvAttrs)
	}

	logicalIC, xPadded := padded[x]
	if !xPadded {
		logicalIC = x.Shape().Dim(1)
	}
	oc := w.Shape().Dim(0)
	eligible := x.DType() == dtypes.Int8 && attrs.Format == graph.FormatNCHW &&
		attrs.Groups <= 1 && w.Shape().Dim(1) == logicalIC
	targetIC := alignUp(logicalIC, p.alignment)
	targetOC := alignUp(oc, p.alignment)
	if !eligible || (targetIC == logicalIC && targetOC == oc && !xPadded) {
		p.restoreChannels(s, n, padded, sliced)
		return
	}

	if !xPadded {
		x = padChannels(g, x, 1, targetIC)
	}
	w = padChannels(g, padChannels(g, w, 1, targetIC), 0, targetOC)

	var bias, z *graph.Var
	if len(inputs) > 2 {
		bias = inputs[2]
		if !bias.Shape().IsScalar() {
			bias = padChannels(g, bias, 1, targetOC)
		}
	}
	if len(inputs) > 3 {
		z = inputs[3]
		if _, zPadded := padded[z]; !zPadded {
			z = padChannels(g, z, 1, targetOC)
		}
	}

	var out *graph.Var
	if isConvBias {
		out = g.ConvBias(x, w, bias, z, graph.ConvBiasAttrs{ConvAttrs: attrs, Activation: act})
	} else {
		out = g.Conv(x, w, attrs)
	}
	if targetOC != oc {
		padded[out] = oc
	}
	if klog.V(2).Enabled() {
		klog.Infof("padding-channel: %s channels %d->%d in, %d->%d out", n, logicalIC, targetIC, oc, targetOC)
	}
	s.ReplaceWithCheck(n.Output(), out, CheckDType)
}

// padElemwise propagates padding through an elementwise binary operator,
// padding the unpadded operand to match.
func (p *paddingChannelPass) padElemwise(s *OptState, n *graph.Node, padded map[*graph.Var]int, sliced map[*graph.Var]*graph.Var) {
	inputs := s.ResolveAll(n.Inputs())
	a, b := inputs[0], inputs[1]
	logicalA, aPadded := padded[a]
	logicalB, bPadded := padded[b]
	if !aPadded && !bPadded {
		s.AutoReplace(n)
		return
	}

	g := s.Graph()
	logical := logicalA
	reference := a
	if !aPadded {
		logical, reference = logicalB, b
	}
	target := reference.Shape().Dim(1)
	pad := func(v *graph.Var, vPadded bool, vLogical int) (*graph.Var, bool) {
		if vPadded {
			// Mixing two padded tensors requires matching logical channels.
			return v, vLogical == logical && v.Shape().Dim(1) == target
		}
		if v.Shape().IsScalar() {
			return v, true
		}
		if v.Shape().Rank() != reference.Shape().Rank() || v.Shape().Dim(1) != logical {
			return v, false
		}
		return padChannels(g, v, 1, target), true
	}
	na, okA := pad(a, aPadded, logicalA)
	nb, okB := pad(b, bPadded, logicalB)
	if !okA || !okB {
		p.restoreChannels(s, n, padded, sliced)
		return
	}
	clone := n.CloneWithInputs([]*graph.Var{na, nb})
	if clone == n {
		return
	}
	padded[clone.Output()] = logical
	s.ReplaceWithCheck(n.Output(), clone.Output(), CheckDType)
}

// restoreChannels re-anchors a consumer that cannot handle padded channels,
// slicing every padded input back to its logical channel count.
func (p *paddingChannelPass) restoreChannels(s *OptState, n *graph.Node, padded map[*graph.Var]int, sliced map[*graph.Var]*graph.Var) {
	g := s.Graph()
	inputs := s.ResolveAll(n.Inputs())
	changed := false
	for idx, in := range inputs {
		if restored := sliceBack(g, in, padded, sliced); restored != nil {
			inputs[idx] = restored
			changed = true
		}
	}
	if !changed {
		s.AutoReplace(n)
		return
	}
	clone := n.CloneWithInputs(inputs)
	origOuts, cloneOuts := n.Outputs(), clone.Outputs()
	for idx := range origOuts {
		s.ReplaceWithCheck(origOuts[idx], cloneOuts[idx], CheckNone)
	}
}
