// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/types/shapes"
)

// This file holds the op constructors: the only way to create nodes. Each
// constructor runs shape inference, so a malformed graph fails at
// construction time, with the graph still in a consistent state.

// autoName generates a diagnostic name for an anonymous node.
func (g *Graph) autoName(opType OpType) string {
	return fmt.Sprintf("%s_%d", opType, len(g.nodes))
}

// checkFlat panics if flat is not a slice of one of the supported dtypes.
// It returns the dtype and the length of the flat slice.
func checkFlat(flat any) (dtypes.DType, int) {
	flatType := reflect.TypeOf(flat)
	if flatType.Kind() != reflect.Slice {
		exceptions.Panicf("flat data should be a slice, not %s", flatType.Kind())
	}
	dtype := dtypes.FromGoType(flatType.Elem())
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("flat is a slice of %s, not a valid data type", flatType.Elem())
	}
	return dtype, reflect.ValueOf(flat).Len()
}

// Parameter creates an externally fed input variable.
func (g *Graph) Parameter(name string, shape shapes.Shape, format Format) *Var {
	n := g.newNode(OpTypeParameter, name, nil, nil, outputSpec{shape: shape, format: format, name: name})
	return n.Output()
}

// Constant creates a compile-time constant node holding the given flat
// payload, laid out in the given format.
func (g *Graph) Constant(name string, shape shapes.Shape, format Format, flat any) *Var {
	dtype, length := checkFlat(flat)
	if dtype != shape.DType {
		exceptions.Panicf("Constant %q: flat data is %s, shape says %s", name, dtype, shape.DType)
	}
	if length != shape.Size() {
		exceptions.Panicf("Constant %q: flat data has %d elements, shape %s requires %d", name, length, shape, shape.Size())
	}
	n := g.newNode(OpTypeConstant, name, nil, nil, outputSpec{shape: shape, format: format, name: name})
	n.flat = flat
	return n.Output()
}

// MultiConstant creates one node holding several independent constant
// payloads, one output per payload. It is built by the param-merge
// optimization to reduce the number of distinct constant-holder nodes.
func (g *Graph) MultiConstant(name string, specShapes []shapes.Shape, formats []Format, flats []any) *Node {
	if len(specShapes) != len(flats) || len(specShapes) != len(formats) {
		exceptions.Panicf("MultiConstant %q: %d shapes, %d formats and %d payloads must all match",
			name, len(specShapes), len(formats), len(flats))
	}
	outputs := make([]outputSpec, len(specShapes))
	for idx, shape := range specShapes {
		dtype, length := checkFlat(flats[idx])
		if dtype != shape.DType || length != shape.Size() {
			exceptions.Panicf("MultiConstant %q: payload #%d (%s x%d) does not match shape %s", name, idx, dtype, length, shape)
		}
		outputs[idx] = outputSpec{shape: shape, format: formats[idx]}
	}
	n := g.newNode(OpTypeMultiConstant, name, nil, nil, outputs...)
	n.flats = append([]any(nil), flats...)
	return n
}

// broadcastShape infers the output shape of an elementwise binary op,
// allowing scalar inputs and same-rank per-axis broadcasting (axes of
// dimension 1 stretch).
func broadcastShape(opType OpType, x, y *Var) (shapes.Shape, Format) {
	if x.DType() != y.DType() {
		exceptions.Panicf("%s: mismatched dtypes %s vs %s (insert an explicit ConvertDType)", opType, x.DType(), y.DType())
	}
	if x.shape.IsScalar() {
		return y.shape.Clone(), y.format
	}
	if y.shape.IsScalar() {
		return x.shape.Clone(), x.format
	}
	if x.format != y.format {
		exceptions.Panicf("%s: mismatched formats %s vs %s for %s and %s", opType, x.format, y.format, x, y)
	}
	if x.shape.Rank() != y.shape.Rank() {
		exceptions.Panicf("%s: mismatched ranks for %s and %s", opType, x, y)
	}
	dims := make([]int, x.shape.Rank())
	for axis := range dims {
		dx, dy := x.shape.Dim(axis), y.shape.Dim(axis)
		switch {
		case dx == dy:
			dims[axis] = dx
		case dx == 1:
			dims[axis] = dy
		case dy == 1:
			dims[axis] = dx
		default:
			exceptions.Panicf("%s: incompatible dimensions at axis %d for %s and %s", opType, axis, x, y)
		}
	}
	return shapes.Make(x.DType(), dims...), x.format
}

func (g *Graph) binaryOp(opType OpType, x, y *Var) *Var {
	g.checkVars(opType, x, y)
	shape, format := broadcastShape(opType, x, y)
	n := g.newNode(opType, g.autoName(opType), nil, []*Var{x, y}, outputSpec{shape: shape, format: format})
	return n.Output()
}

func (g *Graph) unaryOp(opType OpType, x *Var) *Var {
	g.checkVars(opType, x)
	n := g.newNode(opType, g.autoName(opType), nil, []*Var{x}, outputSpec{shape: x.shape.Clone(), format: x.format})
	return n.Output()
}

// Add returns x + y, with same-rank broadcasting.
func (g *Graph) Add(x, y *Var) *Var { return g.binaryOp(OpTypeAdd, x, y) }

// Sub returns x - y, with same-rank broadcasting.
func (g *Graph) Sub(x, y *Var) *Var { return g.binaryOp(OpTypeSub, x, y) }

// Mul returns x * y, with same-rank broadcasting.
func (g *Graph) Mul(x, y *Var) *Var { return g.binaryOp(OpTypeMul, x, y) }

// Div returns x / y, with same-rank broadcasting.
func (g *Graph) Div(x, y *Var) *Var { return g.binaryOp(OpTypeDiv, x, y) }

// Relu returns max(x, 0).
func (g *Graph) Relu(x *Var) *Var { return g.unaryOp(OpTypeRelu, x) }

// Sigmoid returns 1/(1+exp(-x)).
func (g *Graph) Sigmoid(x *Var) *Var { return g.unaryOp(OpTypeSigmoid, x) }

// ConvertDType converts x to the given element dtype, keeping shape and
// format.
func (g *Graph) ConvertDType(x *Var, dtype dtypes.DType) *Var {
	g.checkVars(OpTypeConvertDType, x)
	n := g.newNode(OpTypeConvertDType, g.autoName(OpTypeConvertDType), nil, []*Var{x},
		outputSpec{shape: x.shape.WithDType(dtype), format: x.format})
	return n.Output()
}

// Relayout converts x from its current format to the given one, adjusting
// the shape accordingly.
func (g *Graph) Relayout(x *Var, to Format) *Var {
	g.checkVars(OpTypeRelayout, x)
	attrs := &RelayoutAttrs{From: x.format, To: to}
	n := g.newNode(OpTypeRelayout, g.autoName(OpTypeRelayout), attrs, []*Var{x},
		outputSpec{shape: x.format.ConvertShape(x.shape, to), format: to})
	return n.Output()
}

// convOutputShape infers the activation output shape of a (transposed)
// convolution. Weights are always given in logical [OC, IC/groups, KH, KW]
// order; only activations are laid out in attrs.Format.
func convOutputShape(opType OpType, x, w *Var, attrs *ConvAttrs, deconv bool) (shapes.Shape, dtypes.DType) {
	if attrs.Groups <= 0 {
		attrs.Groups = 1
	}
	if x.format != attrs.Format {
		exceptions.Panicf("%s: input %s is laid out in %s, convolution computes in %s (insert a Relayout)",
			opType, x, x.format, attrs.Format)
	}
	if w.shape.Rank() != 4 {
		exceptions.Panicf("%s: weight %s must have rank 4", opType, w)
	}
	logical := x.format.toNCHWShape(x.shape)
	n, c, h, width := logical.Dim(0), logical.Dim(1), logical.Dim(2), logical.Dim(3)
	kh, kw := w.shape.Dim(2), w.shape.Dim(3)
	var oc int
	if deconv {
		// Deconv weight is [IC, OC/groups, KH, KW].
		if w.shape.Dim(0) != c {
			exceptions.Panicf("%s: weight input channels (%d) do not match input (%d channels)", opType, w.shape.Dim(0), c)
		}
		oc = w.shape.Dim(1) * attrs.Groups
	} else {
		if w.shape.Dim(1)*attrs.Groups != c {
			exceptions.Panicf("%s: weight input channels (%d x %d groups) do not match input (%d channels)",
				opType, w.shape.Dim(1), attrs.Groups, c)
		}
		oc = w.shape.Dim(0)
	}
	if attrs.Stride[0] <= 0 {
		attrs.Stride = [2]int{1, 1}
	}
	stride, padding := attrs.Stride, attrs.Padding
	var oh, ow int
	if deconv {
		oh = (h-1)*stride[0] - 2*padding[0] + kh
		ow = (width-1)*stride[1] - 2*padding[1] + kw
	} else {
		oh = (h+2*padding[0]-kh)/stride[0] + 1
		ow = (width+2*padding[1]-kw)/stride[1] + 1
	}
	if oh <= 0 || ow <= 0 {
		exceptions.Panicf("%s: output spatial dimensions (%d, %d) must be positive", opType, oh, ow)
	}
	dtype := x.DType()
	if attrs.OutDType != dtypes.InvalidDType {
		dtype = attrs.OutDType
	}
	nchw := shapes.Make(dtype, n, oc, oh, ow)
	return attrs.OutputFormat().fromNCHWShape(nchw), dtype
}

// Conv creates a convolution node. x is laid out in attrs.Format, w in
// logical [OC, IC/groups, KH, KW] order.
func (g *Graph) Conv(x, w *Var, attrs ConvAttrs) *Var {
	g.checkVars(OpTypeConv, x, w)
	shape, _ := convOutputShape(OpTypeConv, x, w, &attrs, false)
	n := g.newNode(OpTypeConv, g.autoName(OpTypeConv), &attrs, []*Var{x, w},
		outputSpec{shape: shape, format: attrs.OutputFormat()})
	return n.Output()
}

// ConvBias creates a fused convolution + bias + (optional) z-add +
// activation node. bias and z may be nil; bias broadcasts per channel, z
// must match the output shape exactly.
func (g *Graph) ConvBias(x, w, bias, z *Var, attrs ConvBiasAttrs) *Var {
	inputs := []*Var{x, w}
	if bias != nil {
		inputs = append(inputs, bias)
	}
	if z != nil {
		if bias == nil {
			exceptions.Panicf("ConvBias: z input requires a bias input")
		}
		inputs = append(inputs, z)
	}
	g.checkVars(OpTypeConvBias, inputs...)
	shape, _ := convOutputShape(OpTypeConvBias, x, w, &attrs.ConvAttrs, false)
	if z != nil && !z.shape.EqualDimensions(shape) {
		exceptions.Panicf("ConvBias: z %s must match the convolution output shape %s", z, shape)
	}
	n := g.newNode(OpTypeConvBias, g.autoName(OpTypeConvBias), &attrs, inputs,
		outputSpec{shape: shape, format: attrs.OutputFormat()})
	return n.Output()
}

// Deconv creates a transposed-convolution node. w is in logical
// [IC, OC/groups, KH, KW] order.
func (g *Graph) Deconv(x, w *Var, attrs ConvAttrs) *Var {
	g.checkVars(OpTypeDeconv, x, w)
	shape, _ := convOutputShape(OpTypeDeconv, x, w, &attrs, true)
	n := g.newNode(OpTypeDeconv, g.autoName(OpTypeDeconv), &attrs, []*Var{x, w},
		outputSpec{shape: shape, format: attrs.OutputFormat()})
	return n.Output()
}

// MatMul creates a 2D matrix multiplication node with optional transposes.
func (g *Graph) MatMul(x, y *Var, attrs MatMulAttrs) *Var {
	g.checkVars(OpTypeMatMul, x, y)
	if x.shape.Rank() != 2 || y.shape.Rank() != 2 {
		exceptions.Panicf("MatMul: operands must be rank-2, got %s and %s", x, y)
	}
	if x.DType() != y.DType() {
		exceptions.Panicf("MatMul: mismatched dtypes %s vs %s", x.DType(), y.DType())
	}
	m, kx := x.shape.Dim(0), x.shape.Dim(1)
	if attrs.TransposeA {
		m, kx = kx, m
	}
	ky, n := y.shape.Dim(0), y.shape.Dim(1)
	if attrs.TransposeB {
		ky, n = n, ky
	}
	if kx != ky {
		exceptions.Panicf("MatMul: contraction dimensions do not match for %s and %s", x, y)
	}
	node := g.newNode(OpTypeMatMul, g.autoName(OpTypeMatMul), &attrs, []*Var{x, y},
		outputSpec{shape: shapes.Make(x.DType(), m, n), format: x.format})
	return node.Output()
}

// BatchNorm creates an inference-mode batch normalization node:
// y = scale * (x - mean) / variance + bias, with per-channel statistics of
// shape [1, C, 1, 1]. variance is the full denominator: exporters that
// stabilize with an epsilon fold it in before building the graph.
func (g *Graph) BatchNorm(x, scale, bias, mean, variance *Var) *Var {
	g.checkVars(OpTypeBatchNorm, x, scale, bias, mean, variance)
	if x.format != FormatNCHW {
		exceptions.Panicf("BatchNorm: input %s must be laid out in NCHW", x)
	}
	c := x.shape.Dim(1)
	for _, stat := range []*Var{scale, bias, mean, variance} {
		if stat.shape.Rank() != 4 || stat.shape.Dim(1) != c || stat.shape.Size() != c {
			exceptions.Panicf("BatchNorm: statistic %s must have shape [1, %d, 1, 1]", stat, c)
		}
	}
	n := g.newNode(OpTypeBatchNorm, g.autoName(OpTypeBatchNorm), nil,
		[]*Var{x, scale, bias, mean, variance},
		outputSpec{shape: x.shape.Clone(), format: x.format})
	return n.Output()
}

// Broadcast stretches x to the given dimensions; every axis of x must either
// match or have dimension 1. A scalar broadcasts to any shape.
func (g *Graph) Broadcast(x *Var, dimensions ...int) *Var {
	g.checkVars(OpTypeBroadcast, x)
	if !x.shape.IsScalar() {
		if x.shape.Rank() != len(dimensions) {
			exceptions.Panicf("Broadcast: %s cannot broadcast to rank %d", x, len(dimensions))
		}
		for axis, dim := range dimensions {
			if d := x.shape.Dim(axis); d != dim && d != 1 {
				exceptions.Panicf("Broadcast: axis %d of %s cannot stretch to %d", axis, x, dim)
			}
		}
	}
	attrs := &BroadcastAttrs{Dimensions: append([]int(nil), dimensions...)}
	n := g.newNode(OpTypeBroadcast, g.autoName(OpTypeBroadcast), attrs, []*Var{x},
		outputSpec{shape: shapes.Make(x.DType(), dimensions...), format: x.format})
	return n.Output()
}

// Reshape reinterprets x with the given dimensions; the total size must not
// change.
func (g *Graph) Reshape(x *Var, dimensions ...int) *Var {
	g.checkVars(OpTypeReshape, x)
	newShape := shapes.Make(x.DType(), dimensions...)
	if newShape.Size() != x.shape.Size() {
		exceptions.Panicf("Reshape: %s has %d elements, target shape %s has %d", x, x.shape.Size(), newShape, newShape.Size())
	}
	attrs := &ReshapeAttrs{Dimensions: append([]int(nil), dimensions...)}
	n := g.newNode(OpTypeReshape, g.autoName(OpTypeReshape), attrs, []*Var{x},
		outputSpec{shape: newShape, format: x.format})
	return n.Output()
}

// Pad adds begin[axis] leading and end[axis] trailing zeros on every axis.
func (g *Graph) Pad(x *Var, begin, end []int) *Var {
	g.checkVars(OpTypePad, x)
	if len(begin) != x.shape.Rank() || len(end) != x.shape.Rank() {
		exceptions.Panicf("Pad: begin/end must have one entry per axis of %s", x)
	}
	dims := make([]int, x.shape.Rank())
	for axis := range dims {
		if begin[axis] < 0 || end[axis] < 0 {
			exceptions.Panicf("Pad: negative padding at axis %d", axis)
		}
		dims[axis] = x.shape.Dim(axis) + begin[axis] + end[axis]
	}
	attrs := &PadAttrs{Begin: append([]int(nil), begin...), End: append([]int(nil), end...)}
	n := g.newNode(OpTypePad, g.autoName(OpTypePad), attrs, []*Var{x},
		outputSpec{shape: shapes.Make(x.DType(), dims...), format: x.format})
	return n.Output()
}

// Slice takes the [starts[axis], ends[axis]) range on every axis.
func (g *Graph) Slice(x *Var, starts, ends []int) *Var {
	g.checkVars(OpTypeSlice, x)
	if len(starts) != x.shape.Rank() || len(ends) != x.shape.Rank() {
		exceptions.Panicf("Slice: starts/ends must have one entry per axis of %s", x)
	}
	dims := make([]int, x.shape.Rank())
	for axis := range dims {
		if starts[axis] < 0 || ends[axis] > x.shape.Dim(axis) || starts[axis] >= ends[axis] {
			exceptions.Panicf("Slice: invalid range [%d, %d) at axis %d of %s", starts[axis], ends[axis], axis, x)
		}
		dims[axis] = ends[axis] - starts[axis]
	}
	attrs := &SliceAttrs{Starts: append([]int(nil), starts...), Ends: append([]int(nil), ends...)}
	n := g.newNode(OpTypeSlice, g.autoName(OpTypeSlice), attrs, []*Var{x},
		outputSpec{shape: shapes.Make(x.DType(), dims...), format: x.format})
	return n.Output()
}

// Concat concatenates the operands along the given axis.
func (g *Graph) Concat(axis int, operands ...*Var) *Var {
	if len(operands) == 0 {
		exceptions.Panicf("Concat: requires at least one operand")
	}
	g.checkVars(OpTypeConcat, operands...)
	first := operands[0]
	dims := append([]int(nil), first.shape.Dimensions...)
	for _, v := range operands[1:] {
		if v.DType() != first.DType() || v.shape.Rank() != first.shape.Rank() || v.format != first.format {
			exceptions.Panicf("Concat: operand %s is incompatible with %s", v, first)
		}
		for a := 0; a < first.shape.Rank(); a++ {
			if a == axis {
				continue
			}
			if v.shape.Dim(a) != first.shape.Dim(a) {
				exceptions.Panicf("Concat: operand %s differs from %s at non-concat axis %d", v, first, a)
			}
		}
		dims[axis] += v.shape.Dim(axis)
	}
	attrs := &ConcatAttrs{Axis: axis}
	n := g.newNode(OpTypeConcat, g.autoName(OpTypeConcat), attrs, operands,
		outputSpec{shape: shapes.Make(first.DType(), dims...), format: first.format})
	return n.Output()
}

// CloneWithInputs rebuilds this node with the given replacement inputs,
// keeping kind and attributes and re-running shape inference (replacement
// inputs may carry new dtypes or formats). It is the primitive the
// optimizer's rewriter uses to re-anchor untouched nodes onto rewritten
// inputs. Source nodes (parameters, constants) have no inputs and are
// returned unchanged.
func (n *Node) CloneWithInputs(inputs []*Var) *Node {
	if len(inputs) != len(n.inputs) {
		exceptions.Panicf("CloneWithInputs of %s: got %d inputs, want %d", n, len(inputs), len(n.inputs))
	}
	g := n.graph
	var out *Var
	switch n.opType {
	case OpTypeParameter, OpTypeConstant, OpTypeMultiConstant:
		return n
	case OpTypeAdd, OpTypeSub, OpTypeMul, OpTypeDiv:
		out = g.binaryOp(n.opType, inputs[0], inputs[1])
	case OpTypeRelu, OpTypeSigmoid:
		out = g.unaryOp(n.opType, inputs[0])
	case OpTypeConvertDType:
		out = g.ConvertDType(inputs[0], n.Output().DType())
	case OpTypeRelayout:
		out = g.Relayout(inputs[0], n.attrs.(*RelayoutAttrs).To)
	case OpTypeConv:
		out = g.Conv(inputs[0], inputs[1], *n.attrs.(*ConvAttrs))
	case OpTypeConvBias:
		var bias, z *Var
		if len(inputs) > 2 {
			bias = inputs[2]
		}
		if len(inputs) > 3 {
			z = inputs[3]
		}
		out = g.ConvBias(inputs[0], inputs[1], bias, z, *n.attrs.(*ConvBiasAttrs))
	case OpTypeDeconv:
		out = g.Deconv(inputs[0], inputs[1], *n.attrs.(*ConvAttrs))
	case OpTypeMatMul:
		out = g.MatMul(inputs[0], inputs[1], *n.attrs.(*MatMulAttrs))
	case OpTypeBatchNorm:
		out = g.BatchNorm(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4])
	case OpTypeBroadcast:
		out = g.Broadcast(inputs[0], n.attrs.(*BroadcastAttrs).Dimensions...)
	case OpTypeReshape:
		out = g.Reshape(inputs[0], n.attrs.(*ReshapeAttrs).Dimensions...)
	case OpTypePad:
		attrs := n.attrs.(*PadAttrs)
		out = g.Pad(inputs[0], attrs.Begin, attrs.End)
	case OpTypeSlice:
		attrs := n.attrs.(*SliceAttrs)
		out = g.Slice(inputs[0], attrs.Starts, attrs.Ends)
	case OpTypeConcat:
		out = g.Concat(n.attrs.(*ConcatAttrs).Axis, inputs...)
	default:
		exceptions.Panicf("CloneWithInputs: unsupported operator kind %s", n.opType)
	}
	clone := out.node
	clone.name = n.name
	if n.opType.IsMultiAlgo() {
		clone.policy = n.policy
	}
	return clone
}
