// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

// OpType is an enum of the operator kinds a graph Node can hold.
//
// The inference optimizer dispatches its per-operator rewrite rules on this
// tag; it never inspects kernel implementations (those live behind the
// execution runtime).
type OpType int

const (
	OpTypeInvalid OpType = iota

	// OpTypeParameter is an externally fed input: never constant.
	OpTypeParameter

	// OpTypeConstant holds a compile-time constant tensor payload, e.g.
	// network weights during inference.
	OpTypeConstant

	// OpTypeMultiConstant holds several independent constant payloads in one
	// node, one output variable per payload. Produced by the param-merge
	// optimization, never by a model builder.
	OpTypeMultiConstant

	// Elementwise operators.

	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv
	OpTypeRelu
	OpTypeSigmoid

	// OpTypeConvertDType converts the element dtype, keeping shape and format.
	OpTypeConvertDType

	// OpTypeRelayout converts the tensor memory format (e.g. NCHW -> NCHW4),
	// adjusting the shape accordingly.
	OpTypeRelayout

	// Compute operators with multiple candidate execution algorithms.

	OpTypeConv
	OpTypeConvBias
	OpTypeDeconv
	OpTypeMatMul

	OpTypeBatchNorm

	// Shape/data movement operators.

	OpTypeBroadcast
	OpTypeReshape
	OpTypePad
	OpTypeSlice
	OpTypeConcat

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = [OpTypeLast + 1]string{
	OpTypeInvalid:       "Invalid",
	OpTypeParameter:     "Parameter",
	OpTypeConstant:      "Constant",
	OpTypeMultiConstant: "MultiConstant",
	OpTypeAdd:           "Add",
	OpTypeSub:           "Sub",
	OpTypeMul:           "Mul",
	OpTypeDiv:           "Div",
	OpTypeRelu:          "Relu",
	OpTypeSigmoid:       "Sigmoid",
	OpTypeConvertDType:  "ConvertDType",
	OpTypeRelayout:      "Relayout",
	OpTypeConv:          "Conv",
	OpTypeConvBias:      "ConvBias",
	OpTypeDeconv:        "Deconv",
	OpTypeMatMul:        "MatMul",
	OpTypeBatchNorm:     "BatchNorm",
	OpTypeBroadcast:     "Broadcast",
	OpTypeReshape:       "Reshape",
	OpTypePad:           "Pad",
	OpTypeSlice:         "Slice",
	OpTypeConcat:        "Concat",
	OpTypeLast:          "Last",
}

// String returns the name of the operator kind.
func (t OpType) String() string {
	if t < 0 || t > OpTypeLast || opTypeNames[t] == "" {
		return "unknown"
	}
	return opTypeNames[t]
}

// IsElementwise returns whether the operator computes element-by-element,
// preserving shape and format of its (broadcast) inputs.
func (t OpType) IsElementwise() bool {
	switch t {
	case OpTypeAdd, OpTypeSub, OpTypeMul, OpTypeDiv, OpTypeRelu, OpTypeSigmoid:
		return true
	}
	return false
}

// IsMultiAlgo returns whether the operator selects among multiple candidate
// execution algorithms, and therefore carries an ExecutionPolicy.
func (t OpType) IsMultiAlgo() bool {
	switch t {
	case OpTypeConv, OpTypeConvBias, OpTypeDeconv, OpTypeMatMul:
		return true
	}
	return false
}
