// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/exceptions"
)

// LayoutTransform selects the tensor-layout conversion ForInference applies.
// At most one layout target is active per pipeline invocation.
type LayoutTransform uint32

const (
	// LayoutTransformDefault applies no layout conversion.
	LayoutTransformDefault LayoutTransform = iota
	LayoutTransformNCHW4
	LayoutTransformNHWCD4
	LayoutTransformNCHW44
	LayoutTransformNCHW88
	LayoutTransformNCHW44Dot
	LayoutTransformNCHW32
	LayoutTransformNCHW64
	LayoutTransformCHWN4

	layoutTransformLast
)

var layoutTransformNames = [layoutTransformLast]string{
	LayoutTransformDefault:   "default",
	LayoutTransformNCHW4:     "nchw4",
	LayoutTransformNHWCD4:    "nhwcd4",
	LayoutTransformNCHW44:    "nchw44",
	LayoutTransformNCHW88:    "nchw88",
	LayoutTransformNCHW44Dot: "nchw44_dot",
	LayoutTransformNCHW32:    "nchw32",
	LayoutTransformNCHW64:    "nchw64",
	LayoutTransformCHWN4:     "chwn4",
}

// String returns the name of the layout target.
func (lt LayoutTransform) String() string {
	if lt >= layoutTransformLast {
		return "unknown"
	}
	return layoutTransformNames[lt]
}

// Options configures ForInference. The zero value disables every
// optimization: ForInference then applies no transformation at all.
//
// The packed 64-bit form (Serialize/DeserializeOptions) is a persisted
// configuration contract with a fixed bit layout:
//
//	bit 0      F16IoF32Comp
//	bit 1      F16IoComp
//	bit 2      FuseConvBiasNonlinearity
//	bit 3      FuseConvBiasWithZ
//	bit 4      WeightPreprocess
//	bit 5      FusePreprocess
//	bits 6-31  reserved, must be zero
//	bits 32-63 LayoutTransform target
//
// Any change to the bit assignment breaks compatibility with previously
// serialized options and must be versioned.
type Options struct {
	// F16IoF32Comp stores activations and weights in float16 but keeps the
	// computation in float32: conversions wrap each compute operator.
	F16IoF32Comp bool

	// F16IoComp converts both storage and computation to float16.
	F16IoComp bool

	// FuseConvBiasNonlinearity fuses convolution + bias-add + nonlinearity
	// chains into single ConvBias operators.
	FuseConvBiasNonlinearity bool

	// FuseConvBiasWithZ additionally fuses an elementwise residual (z) add
	// into ConvBias. Implies FuseConvBiasNonlinearity.
	FuseConvBiasWithZ bool

	// WeightPreprocess records the weight-preprocessing execution hint on
	// the graph; it gates no pass.
	WeightPreprocess bool

	// FusePreprocess fuses preprocessing chains: dtype conversions folded
	// into adjacent (de)convolutions.
	FusePreprocess bool

	// LayoutTransform selects the layout-conversion target.
	LayoutTransform LayoutTransform
}

// Chainable setters, convenient when building options inline.

// EnableF16IoF32Comp sets F16IoF32Comp and returns the options.
func (o *Options) EnableF16IoF32Comp() *Options { o.F16IoF32Comp = true; return o }

// EnableF16IoComp sets F16IoComp and returns the options.
func (o *Options) EnableF16IoComp() *Options { o.F16IoComp = true; return o }

// EnableFuseConvBiasNonlinearity sets FuseConvBiasNonlinearity and returns the options.
func (o *Options) EnableFuseConvBiasNonlinearity() *Options { o.FuseConvBiasNonlinearity = true; return o }

// EnableFuseConvBiasWithZ sets FuseConvBiasWithZ and returns the options.
func (o *Options) EnableFuseConvBiasWithZ() *Options { o.FuseConvBiasWithZ = true; return o }

// EnableWeightPreprocess sets WeightPreprocess and returns the options.
func (o *Options) EnableWeightPreprocess() *Options { o.WeightPreprocess = true; return o }

// EnableFusePreprocess sets FusePreprocess and returns the options.
func (o *Options) EnableFusePreprocess() *Options { o.FusePreprocess = true; return o }

// WithLayoutTransform sets the layout target and returns the options.
func (o *Options) WithLayoutTransform(lt LayoutTransform) *Options { o.LayoutTransform = lt; return o }

// IsZero reports whether no optimization is enabled.
func (o Options) IsZero() bool {
	return o == Options{}
}

// Serialize packs the options into the 64-bit persisted form.
func (o Options) Serialize() uint64 {
	var ret uint64
	ret |= uint64(o.LayoutTransform) << 32
	if o.F16IoF32Comp {
		ret |= 1
	}
	if o.F16IoComp {
		ret |= 1 << 1
	}
	if o.FuseConvBiasNonlinearity {
		ret |= 1 << 2
	}
	if o.FuseConvBiasWithZ {
		ret |= 1 << 3
	}
	if o.WeightPreprocess {
		ret |= 1 << 4
	}
	if o.FusePreprocess {
		ret |= 1 << 5
	}
	return ret
}

// optionsReservedBits covers bits 6..31 of the packed form.
const optionsReservedBits = uint64(0xFFFF_FFC0)

// DeserializeOptions unpacks the 64-bit persisted form. A set reserved bit
// or an unknown layout target means the value was not produced by Serialize
// (or by an incompatible version): that is a fatal configuration error.
func DeserializeOptions(buf uint64) Options {
	if buf&optionsReservedBits != 0 {
		exceptions.Panicf("optimize: malformed packed options %#x: reserved bits set", buf)
	}
	lt := LayoutTransform(buf >> 32)
	if lt >= layoutTransformLast {
		exceptions.Panicf("optimize: malformed packed options %#x: unknown layout transform %d", buf, uint32(lt))
	}
	return Options{
		F16IoF32Comp:             buf&1 != 0,
		F16IoComp:                buf&(1<<1) != 0,
		FuseConvBiasNonlinearity: buf&(1<<2) != 0,
		FuseConvBiasWithZ:        buf&(1<<3) != 0,
		WeightPreprocess:         buf&(1<<4) != 0,
		FusePreprocess:           buf&(1<<5) != 0,
		LayoutTransform:          lt,
	}
}

// Target is the device family TransformLayout tunes for.
type Target uint32

const (
	// TargetUnspec leaves the layout untouched.
	TargetUnspec Target = iota

	// TargetCUDA covers Nvidia GPU devices.
	TargetCUDA

	// TargetX86 covers x86 CPUs.
	TargetX86

	// TargetARM covers ARM CPUs.
	TargetARM

	// TargetOpenCL covers OpenCL devices, usually mobile GPUs.
	TargetOpenCL

	targetLast
)

var targetNames = [targetLast]string{
	TargetUnspec: "unspec",
	TargetCUDA:   "cuda",
	TargetX86:    "x86",
	TargetARM:    "arm",
	TargetOpenCL: "opencl",
}

// String returns the name of the target.
func (t Target) String() string {
	if t >= targetLast {
		return "unknown"
	}
	return targetNames[t]
}

// TuningOptions configures TransformLayout: graph-level, target-dependent
// and profiling-based optimizations. Unlike Options this is a plain struct
// of named feature toggles, not a bitmask.
type TuningOptions struct {
	Target Target

	layoutTransform bool
}

// EnableLayoutTransform turns on graph-level layout tuning.
func (o *TuningOptions) EnableLayoutTransform() *TuningOptions {
	o.layoutTransform = true
	return o
}

// DisableLayoutTransform turns off graph-level layout tuning.
func (o *TuningOptions) DisableLayoutTransform() *TuningOptions {
	o.layoutTransform = false
	return o
}

// HasSetLayoutTransform reports whether layout tuning is enabled.
func (o *TuningOptions) HasSetLayoutTransform() bool { return o.layoutTransform }
