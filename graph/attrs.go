// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// Activation is the nonlinearity fused into a ConvBias operator.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationRelu
	ActivationSigmoid
)

// String returns the name of the activation.
func (a Activation) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationRelu:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	default:
		return "unknown"
	}
}

// ConvAttrs are the attributes of Conv, ConvBias and Deconv operators.
type ConvAttrs struct {
	// Format the convolution kernel computes in. Activation inputs are laid
	// out in this format; weights always stay in logical order.
	Format Format

	// Stride and Padding over the spatial (H, W) axes.
	Stride  [2]int
	Padding [2]int

	// Groups > 1 selects a grouped convolution. Grouped convolutions are not
	// supported by every algorithm (e.g. the matmul algorithm skips them).
	Groups int

	// OutDType overrides the output element type when set (!= InvalidDType):
	// the kernel converts on store. Used to fold an adjacent dtype
	// conversion into the convolution.
	OutDType dtypes.DType

	// StoreFormat, when HasStoreFormat, lays the output out in a different
	// format than the compute Format: the kernel converts on store. Used to
	// fold an adjacent relayout into the convolution, and by hybrid layout
	// conversions whose input stays in NCHW.
	StoreFormat    Format
	HasStoreFormat bool
}

// OutputFormat returns the format the operator's output is laid out in.
func (a *ConvAttrs) OutputFormat() Format {
	if a.HasStoreFormat {
		return a.StoreFormat
	}
	return a.Format
}

// ConvBiasAttrs extends ConvAttrs with the fused epilogue.
type ConvBiasAttrs struct {
	ConvAttrs

	// Activation applied after bias (and z) addition.
	Activation Activation
}

// MatMulAttrs are the attributes of a MatMul operator.
type MatMulAttrs struct {
	TransposeA bool
	TransposeB bool
}

// RelayoutAttrs describe a tensor format conversion.
type RelayoutAttrs struct {
	From, To Format
}

// PadAttrs hold the per-axis leading and trailing zero padding.
type PadAttrs struct {
	Begin, End []int
}

// SliceAttrs hold per-axis [Start, End) ranges.
type SliceAttrs struct {
	Starts, Ends []int
}

// ConcatAttrs hold the concatenation axis.
type ConcatAttrs struct {
	Axis int
}

// BroadcastAttrs hold the target dimensions of a broadcast.
type BroadcastAttrs struct {
	Dimensions []int
}

// ReshapeAttrs hold the target dimensions of a reshape.
type ReshapeAttrs struct {
	Dimensions []int
}
