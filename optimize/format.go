// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/graph"
	"k8s.io/klog/v2"
)

// convLayout is a classifier's verdict for one convolution.
type convLayout struct {
	format graph.Format

	// hybrid keeps the computation in NCHW and only stores the output in
	// format, for boundary convolutions whose input channel count (e.g. 3 for
	// RGB images) cannot be packed.
	hybrid bool
}

// convClassifier decides per convolution whether and how to convert it.
// x and w are the resolved input and weight; ok is false to leave the
// convolution in its current layout.
type convClassifier func(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs) (layout convLayout, ok bool)

// tensorReformatPass is the shared engine of every layout-conversion pass:
// one sweep that converts convolutions to a device-preferred tensor format
// and keeps the rest of the graph consistent.
//
//   - Convolutions the classifier accepts get their activation input
//     relayouted into the packed format (weights always stay in logical
//     order, the kernel packs them itself, or ahead of time when weight
//     preprocessing is on).
//   - Elementwise operators run in whatever format reaches them; mixed-format
//     operands are reconciled, preferring the packed side.
//   - Every other operator is layout-sensitive and gets its inputs relayouted
//     back to the format it was built for.
//
// The inserted relayout pairs that cancel out are removed by the
// shuffle-shuffle pass afterwards, and relayouts stuck behind a convolution
// are absorbed by the dimshuffle folding pass.
type tensorReformatPass struct {
	name     string
	check    VarReplaceCheckFlag
	classify convClassifier
}

func makeTensorReformat(name string, classify convClassifier) *tensorReformatPass {
	return &tensorReformatPass{
		name: name,
		// Relayouts change dimensions by definition; dtypes still must hold.
		check:    CheckAll &^ CheckShape,
		classify: classify,
	}
}

func (p *tensorReformatPass) Name() string { return p.name }

// SetVarReplaceCheckFlag overrides the replacement check policy. Returns the
// pass for chaining.
func (p *tensorReformatPass) SetVarReplaceCheckFlag(check VarReplaceCheckFlag) *tensorReformatPass {
	p.check = check
	return p
}

func (p *tensorReformatPass) Apply(s *OptState) {
	for _, n := range s.Nodes() {
		switch n.OpType() {
		case graph.OpTypeConv, graph.OpTypeConvBias, graph.OpTypeDeconv:
			p.reformatConv(s, n)
		case graph.OpTypeAdd, graph.OpTypeSub, graph.OpTypeMul, graph.OpTypeDiv:
			p.reconcileElemwise(s, n)
		case graph.OpTypeRelu, graph.OpTypeSigmoid, graph.OpTypeConvertDType, graph.OpTypeRelayout:
			// Format-agnostic: the packed layout flows through.
			s.AutoReplace(n)
		default:
			p.restoreInputs(s, n)
		}
	}

	// Endpoints keep their external layout: convert rewritten endpoints back
	// without touching internal consumers.
	g := s.Graph()
	s.ForEachEndpoint(func(seed, current *graph.Var) *graph.Var {
		if current.Format() == seed.Format() {
			return nil
		}
		return g.Relayout(current, seed.Format())
	})
}

// ensureFormat relayouts v into want when needed. Scalars are format-free.
func ensureFormat(g *graph.Graph, v *graph.Var, want graph.Format) *graph.Var {
	if v == nil || v.Shape().IsScalar() || v.Format() == want {
		return v
	}
	return g.Relayout(v, want)
}

// canPack reports whether v (or its logical channel count) fits the packed
// format.
func canPack(v *graph.Var, want graph.Format) bool {
	shape := v.Shape()
	if shape.IsScalar() {
		return true
	}
	if v.Format() == graph.FormatNCHW && shape.Rank() != 4 {
		return false
	}
	return v.Format().Channels(shape)%want.PackSize() == 0
}

func (p *tensorReformatPass) reformatConv(s *OptState, n *graph.Node) {
	g := s.Graph()
	inputs := s.ResolveAll(n.Inputs())
	x, w := inputs[0], inputs[1]
	var bias, z *graph.Var
	if len(inputs) > 2 {
		bias = inputs[2]
	}
	if len(inputs) > 3 {
		z = inputs[3]
	}

	var attrs graph.ConvAttrs
	var act graph.Activation
	switch n.OpType() {
	case graph.OpTypeConvBias:
		cb := n.Attrs().(*graph.ConvBiasAttrs)
		attrs, act = cb.ConvAttrs, cb.Activation
	default:
		attrs = *n.Attrs().(*graph.ConvAttrs)
	}

	layout, ok := p.classify(n, x, w, &attrs)
	if !ok {
		// Stays in its current layout; inputs reformatted upstream must come
		// back.
		newX := ensureFormat(g, x, attrs.Format)
		newZ := ensureFormat(g, z, attrs.OutputFormat())
		if newX == x && newZ == z {
			s.AutoReplace(n)
			return
		}
		x, z = newX, newZ
	} else {
		if klog.V(2).Enabled() {
			klog.Infof("%s: converting %s to %s (hybrid=%v)", p.name, n, layout.format, layout.hybrid)
		}
		if layout.hybrid {
			x = ensureFormat(g, x, graph.FormatNCHW)
			attrs.Format = graph.FormatNCHW
			attrs.StoreFormat = layout.format
			attrs.HasStoreFormat = true
		} else {
			x = ensureFormat(g, x, layout.format)
			attrs.Format = layout.format
			attrs.StoreFormat = graph.FormatNCHW
			attrs.HasStoreFormat = false
		}
		z = ensureFormat(g, z, attrs.OutputFormat())
	}

	var out *graph.Var
	switch n.OpType() {
	case graph.OpTypeConv:
		out = g.Conv(x, w, attrs)
	case graph.OpTypeConvBias:
		out = g.ConvBias(x, w, bias, z, graph.ConvBiasAttrs{ConvAttrs: attrs, Activation: act})
	case graph.OpTypeDeconv:
		out = g.Deconv(x, w, attrs)
	}
	clone := out.Node()
	if clone != n {
		s.ReplaceWithCheck(n.Output(), out, p.check)
	}
}

// reconcileElemwise re-anchors an elementwise binary operator whose operands
// ended up in different formats. The packed side wins when the other operand
// can be packed (per-channel constants can), otherwise both fall back to
// NCHW.
func (p *tensorReformatPass) reconcileElemwise(s *OptState, n *graph.Node) {
	inputs := s.ResolveAll(n.Inputs())
	a, b := inputs[0], inputs[1]
	fa, fb := a.Format(), b.Format()
	if a.Shape().IsScalar() || b.Shape().IsScalar() || fa == fb {
		s.AutoReplace(n)
		return
	}
	g := s.Graph()
	na, nb := a, b
	switch {
	case fa != graph.FormatNCHW && fb == graph.FormatNCHW:
		if canPack(b, fa) {
			nb = ensureFormat(g, b, fa)
		} else {
			na = ensureFormat(g, a, graph.FormatNCHW)
		}
	case fb != graph.FormatNCHW && fa == graph.FormatNCHW:
		if canPack(a, fb) {
			na = ensureFormat(g, a, fb)
		} else {
			nb = ensureFormat(g, b, graph.FormatNCHW)
		}
	default:
		// Two different packings reached one operator; NCHW is the common
		// ground.
		na = ensureFormat(g, a, graph.FormatNCHW)
		nb = ensureFormat(g, b, graph.FormatNCHW)
	}
	clone := n.CloneWithInputs([]*graph.Var{na, nb})
	if clone == n {
		return
	}
	s.ReplaceWithCheck(n.Output(), clone.Output(), p.check)
}

// restoreInputs re-anchors a layout-sensitive operator with every
// reformatted input converted back to the format the operator was built for.
func (p *tensorReformatPass) restoreInputs(s *OptState, n *graph.Node) {
	g := s.Graph()
	origInputs := n.Inputs()
	inputs := s.ResolveAll(origInputs)
	changed := false
	for idx, in := range inputs {
		if restored := ensureFormat(g, in, origInputs[idx].Format()); restored != in {
			inputs[idx] = restored
			changed = true
		}
		if inputs[idx] != origInputs[idx] {
			changed = true
		}
	}
	if !changed {
		return
	}
	clone := n.CloneWithInputs(inputs)
	if clone == n {
		return
	}
	origOuts, cloneOuts := n.Outputs(), clone.Outputs()
	for idx := range origOuts {
		s.ReplaceWithCheck(origOuts[idx], cloneOuts[idx], p.check)
	}
}

// CUDA layout passes.

// MakeEnableNCHW4 converts quantized (int8) convolutions to NCHW4, the
// layout of the dp4a convolution kernels.
func MakeEnableNCHW4() Pass {
	return makeTensorReformat("enable_nchw4", func(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs) (convLayout, bool) {
		return classifyPacked(n, x, w, attrs, dtypes.Int8, graph.FormatNCHW4)
	})
}

// MakeEnableTensorCore converts quantized convolutions to NCHW32 where the
// channel counts allow it (the tensor-core imma kernels), falling back to
// NCHW4 elsewhere.
func MakeEnableTensorCore() Pass {
	return makeTensorReformat("enable_tensor_core", func(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs) (convLayout, bool) {
		if layout, ok := classifyPacked(n, x, w, attrs, dtypes.Int8, graph.FormatNCHW32); ok && !layout.hybrid {
			return layout, true
		}
		return classifyPacked(n, x, w, attrs, dtypes.Int8, graph.FormatNCHW4)
	})
}

// MakeEnableCHWN4 converts quantized convolutions to CHWN4.
func MakeEnableCHWN4() Pass {
	return makeTensorReformat("enable_chwn4", func(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs) (convLayout, bool) {
		layout, ok := classifyPacked(n, x, w, attrs, dtypes.Int8, graph.FormatCHWN4)
		if layout.hybrid {
			// CHWN4 kernels have no NCHW-input hybrid form.
			return convLayout{}, false
		}
		return layout, ok
	})
}

// MakeEnableNCHW64 converts quantized convolutions to the widest packing the
// channel counts allow: NCHW64, then NCHW32, then NCHW4.
func MakeEnableNCHW64() Pass {
	candidates := []graph.Format{graph.FormatNCHW64, graph.FormatNCHW32, graph.FormatNCHW4}
	return makeTensorReformat("enable_nchw64", func(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs) (convLayout, bool) {
		for _, format := range candidates {
			if layout, ok := classifyPacked(n, x, w, attrs, dtypes.Int8, format); ok && !layout.hybrid {
				return layout, true
			}
		}
		return classifyPacked(n, x, w, attrs, dtypes.Int8, graph.FormatNCHW4)
	})
}

// MakeNHWCD4Converter converts float convolutions to NHWCD4, the layout of
// mobile GPU (OpenCL) image kernels.
func MakeNHWCD4Converter() Pass {
	return makeTensorReformat("convert_format_nhwcd4", func(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs) (convLayout, bool) {
		if !x.DType().IsFloat() {
			return convLayout{}, false
		}
		layout, ok := classifyPacked(n, x, w, attrs, x.DType(), graph.FormatNHWCD4)
		if layout.hybrid {
			return convLayout{}, false
		}
		return layout, ok
	})
}

// classifyPacked is the shared channel-count classification:
//
//   - both channel counts divide the pack size: full (pure) conversion;
//   - input channels too few to pack (a boundary convolution on e.g. RGB
//     input) but output channels pack: hybrid conversion;
//   - anything else, grouped or transposed convolutions, wrong dtype: no
//     conversion.
func classifyPacked(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs, dtype dtypes.DType, format graph.Format) (convLayout, bool) {
	if n.OpType() == graph.OpTypeDeconv || x.DType() != dtype || attrs.Groups > 1 {
		return convLayout{}, false
	}
	if attrs.Format != graph.FormatNCHW && attrs.Format != format {
		// Already converted to a different packing by an earlier pass.
		return convLayout{}, false
	}
	pack := format.PackSize()
	oc := w.Shape().Dim(0)
	ic := w.Shape().Dim(1)
	if oc%pack != 0 {
		return convLayout{}, false
	}
	if ic%pack == 0 {
		return convLayout{format: format}, true
	}
	if ic < pack {
		return convLayout{format: format, hybrid: true}, true
	}
	return convLayout{}, false
}
