// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Compile-time evaluation of constant sub-graphs, used by ParamFusePass to
// replace operators that only depend on constants with their precomputed
// value.
//
// Only a small interpreter is needed: the operators that show up between
// constants after batch-norm conversion and param redistribution are
// elementwise arithmetic, dtype conversion, broadcast and reshape. Anything
// else is simply not foldable -- canFoldOpType is a pure predicate, safe to
// call speculatively, and the fuse pass skips unfoldable nodes per-node.

// constValue is an evaluated constant: a flat payload plus its metadata.
type constValue struct {
	shape  shapes.Shape
	format graph.Format
	flat   any
}

// constValueOf extracts the payload of a Constant or MultiConstant output.
func constValueOf(v *graph.Var) (constValue, bool) {
	switch v.Node().OpType() {
	case graph.OpTypeConstant:
		return constValue{shape: v.Shape(), format: v.Format(), flat: v.Node().Flat()}, true
	case graph.OpTypeMultiConstant:
		return constValue{shape: v.Shape(), format: v.Format(), flat: v.Node().Flats()[v.OutputIdx()]}, true
	}
	return constValue{}, false
}

// canFoldOpType reports whether the evaluator understands the operator kind.
func canFoldOpType(opType graph.OpType) bool {
	if opType.IsElementwise() {
		return true
	}
	switch opType {
	case graph.OpTypeConvertDType, graph.OpTypeBroadcast, graph.OpTypeReshape:
		return true
	}
	return false
}

// evalConstNode computes the output payload of a foldable node given the
// payloads of its inputs.
func evalConstNode(n *graph.Node, inputs []constValue) (constValue, error) {
	out := n.Output()
	result := constValue{shape: out.Shape(), format: out.Format()}
	opType := n.OpType()
	switch {
	case opType.IsElementwise():
		flat, err := evalElementwise(opType, inputs, out.Shape())
		if err != nil {
			return constValue{}, err
		}
		result.flat = flat
	case opType == graph.OpTypeConvertDType:
		flat, err := evalConvertDType(inputs[0], out.DType())
		if err != nil {
			return constValue{}, err
		}
		result.flat = flat
	case opType == graph.OpTypeBroadcast:
		flat, err := evalBroadcast(inputs[0], out.Shape())
		if err != nil {
			return constValue{}, err
		}
		result.flat = flat
	case opType == graph.OpTypeReshape:
		result.flat = inputs[0].flat
	default:
		return constValue{}, errors.Errorf("cannot evaluate %s at compile time", opType)
	}
	return result, nil
}

// asFloat32 widens a supported float payload to []float32, reporting the
// original dtype.
func asFloat32(cv constValue) ([]float32, dtypes.DType, error) {
	switch flat := cv.flat.(type) {
	case []float32:
		return flat, dtypes.Float32, nil
	case []float64:
		widened := make([]float32, len(flat))
		for i, v := range flat {
			widened[i] = float32(v)
		}
		return widened, dtypes.Float64, nil
	case []float16.Float16:
		widened := make([]float32, len(flat))
		for i, v := range flat {
			widened[i] = v.Float32()
		}
		return widened, dtypes.Float16, nil
	}
	return nil, dtypes.InvalidDType, errors.Errorf("unsupported constant payload type %T", cv.flat)
}

// fromFloat32 narrows a []float32 back to the given dtype's payload.
func fromFloat32(flat []float32, dtype dtypes.DType) (any, error) {
	switch dtype {
	case dtypes.Float32:
		return flat, nil
	case dtypes.Float64:
		narrowed := make([]float64, len(flat))
		for i, v := range flat {
			narrowed[i] = float64(v)
		}
		return narrowed, nil
	case dtypes.Float16:
		narrowed := make([]float16.Float16, len(flat))
		for i, v := range flat {
			narrowed[i] = float16.Fromfloat32(v)
		}
		return narrowed, nil
	case dtypes.Int8:
		narrowed := make([]int8, len(flat))
		for i, v := range flat {
			r := math.RoundToEven(float64(v))
			switch {
			case r > math.MaxInt8:
				narrowed[i] = math.MaxInt8
			case r < math.MinInt8:
				narrowed[i] = math.MinInt8
			default:
				narrowed[i] = int8(r)
			}
		}
		return narrowed, nil
	}
	return nil, errors.Errorf("unsupported constant dtype %s", dtype)
}

// evalElementwise evaluates a (possibly broadcasting) elementwise operator
// over float payloads. All arithmetic happens in float32; float64 and
// float16 payloads are widened on entry and narrowed on exit.
func evalElementwise(opType graph.OpType, inputs []constValue, outShape shapes.Shape) (any, error) {
	lhs, dtype, err := asFloat32(inputs[0])
	if err != nil {
		return nil, err
	}
	var out []float32
	if len(inputs) == 1 {
		out = make([]float32, len(lhs))
		switch opType {
		case graph.OpTypeRelu:
			for i, v := range lhs {
				out[i] = max(v, 0)
			}
		case graph.OpTypeSigmoid:
			for i, v := range lhs {
				out[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
			}
		default:
			return nil, errors.Errorf("cannot evaluate unary %s at compile time", opType)
		}
		return fromFloat32(out, dtype)
	}

	rhs, rhsDType, err := asFloat32(inputs[1])
	if err != nil {
		return nil, err
	}
	if rhsDType != dtype {
		return nil, errors.Errorf("mismatched constant dtypes %s vs %s", dtype, rhsDType)
	}
	var fn func(a, b float32) float32
	switch opType {
	case graph.OpTypeAdd:
		fn = func(a, b float32) float32 { return a + b }
	case graph.OpTypeSub:
		fn = func(a, b float32) float32 { return a - b }
	case graph.OpTypeMul:
		fn = func(a, b float32) float32 { return a * b }
	case graph.OpTypeDiv:
		fn = func(a, b float32) float32 { return a / b }
	default:
		return nil, errors.Errorf("cannot evaluate binary %s at compile time", opType)
	}
	out = broadcastBinary(fn, lhs, rhs, inputs[0].shape.Dimensions, inputs[1].shape.Dimensions, outShape.Dimensions)
	return fromFloat32(out, dtype)
}

// broadcastBinary applies fn element-by-element, stretching scalar operands
// and axes of dimension 1.
func broadcastBinary[T constraints.Float](fn func(a, b T) T, lhs, rhs []T, lhsDims, rhsDims, outDims []int) []T {
	size := 1
	for _, d := range outDims {
		size *= d
	}
	out := make([]T, size)
	if len(lhs) == size && len(rhs) == size {
		for i := range out {
			out[i] = fn(lhs[i], rhs[i])
		}
		return out
	}
	index := make([]int, len(outDims))
	for i := range out {
		out[i] = fn(lhs[flatIndex(index, lhsDims)], rhs[flatIndex(index, rhsDims)])
		for axis := len(outDims) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < outDims[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return out
}

// flatIndex maps a multi-index of the output onto a (possibly broadcast)
// operand: scalars map to 0, axes of dimension 1 clamp to 0.
func flatIndex(index []int, dims []int) int {
	if len(dims) == 0 {
		return 0
	}
	flat := 0
	for axis, dim := range dims {
		flat *= dim
		if dim > 1 {
			flat += index[axis]
		}
	}
	return flat
}

// evalConvertDType converts a constant payload to another dtype.
func evalConvertDType(in constValue, dtype dtypes.DType) (any, error) {
	if flat, ok := in.flat.([]int8); ok {
		widened := make([]float32, len(flat))
		for i, v := range flat {
			widened[i] = float32(v)
		}
		return fromFloat32(widened, dtype)
	}
	widened, _, err := asFloat32(in)
	if err != nil {
		return nil, err
	}
	return fromFloat32(widened, dtype)
}

// evalBroadcast replicates a constant payload to the broadcast shape.
func evalBroadcast(in constValue, outShape shapes.Shape) (any, error) {
	switch flat := in.flat.(type) {
	case []float32:
		return broadcastFlat(flat, in.shape.Dimensions, outShape.Dimensions), nil
	case []float64:
		return broadcastFlat(flat, in.shape.Dimensions, outShape.Dimensions), nil
	case []float16.Float16:
		return broadcastFlat(flat, in.shape.Dimensions, outShape.Dimensions), nil
	case []int8:
		return broadcastFlat(flat, in.shape.Dimensions, outShape.Dimensions), nil
	case []int32:
		return broadcastFlat(flat, in.shape.Dimensions, outShape.Dimensions), nil
	}
	return nil, errors.Errorf("unsupported constant payload type %T", in.flat)
}

func broadcastFlat[T any](flat []T, inDims, outDims []int) []T {
	size := 1
	for _, d := range outDims {
		size *= d
	}
	out := make([]T, size)
	index := make([]int, len(outDims))
	for i := range out {
		out[i] = flat[flatIndex(index, inDims)]
		for axis := len(outDims) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < outDims[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return out
}
