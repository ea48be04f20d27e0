// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopt/types/shapes"
)

// Format describes the memory arrangement of a (logically) NCHW image tensor.
//
// Packed formats split the channel axis in blocks of PackSize() channels and
// move the block to the innermost axis: an NCHW tensor of shape [N, C, H, W]
// becomes [N, C/4, H, W, 4] in NCHW4. Device kernels for specific
// architectures prefer specific packings (e.g. NCHW4 for int8 dp4a kernels on
// CUDA, NCHW44 for ARM NEON float kernels).
type Format int

const (
	// FormatNCHW is the default format every graph is built in.
	FormatNCHW Format = iota
	FormatNHWC
	FormatNCHW4
	FormatNCHW8
	FormatNCHW32
	FormatNCHW44
	FormatNCHW44Dot
	FormatNCHW88
	FormatNCHW64
	FormatCHWN4
	FormatNHWCD4

	formatLast
)

var formatNames = [formatLast]string{
	FormatNCHW:      "NCHW",
	FormatNHWC:      "NHWC",
	FormatNCHW4:     "NCHW4",
	FormatNCHW8:     "NCHW8",
	FormatNCHW32:    "NCHW32",
	FormatNCHW44:    "NCHW44",
	FormatNCHW44Dot: "NCHW44_DOT",
	FormatNCHW88:    "NCHW88",
	FormatNCHW64:    "NCHW64",
	FormatCHWN4:     "CHWN4",
	FormatNHWCD4:    "NHWCD4",
}

// String returns the name of the format.
func (f Format) String() string {
	if f < 0 || f >= formatLast {
		return "unknown"
	}
	return formatNames[f]
}

// PackSize returns the number of channels packed in the innermost axis, or 1
// for unpacked formats.
func (f Format) PackSize() int {
	switch f {
	case FormatNCHW4, FormatNCHW44, FormatNCHW44Dot, FormatCHWN4, FormatNHWCD4:
		return 4
	case FormatNCHW8, FormatNCHW88:
		return 8
	case FormatNCHW32:
		return 32
	case FormatNCHW64:
		return 64
	}
	return 1
}

// ConvertShape computes the shape a tensor assumes after relayout from format
// f to format to. Only conversions with compatible channel counts are
// supported: converting NCHW to a packed format requires the channel
// dimension to be a multiple of the pack size.
func (f Format) ConvertShape(shape shapes.Shape, to Format) shapes.Shape {
	if f == to {
		return shape.Clone()
	}
	nchw := f.toNCHWShape(shape)
	return to.fromNCHWShape(nchw)
}

// toNCHWShape recovers the logical [N, C, H, W] dimensions from a shape laid
// out in format f.
func (f Format) toNCHWShape(shape shapes.Shape) shapes.Shape {
	pack := f.PackSize()
	switch f {
	case FormatNCHW:
		if shape.Rank() != 4 {
			exceptions.Panicf("format %s requires a rank-4 shape, got %s", f, shape)
		}
		return shape.Clone()
	case FormatNHWC:
		if shape.Rank() != 4 {
			exceptions.Panicf("format %s requires a rank-4 shape, got %s", f, shape)
		}
		return shapes.Make(shape.DType, shape.Dim(0), shape.Dim(3), shape.Dim(1), shape.Dim(2))
	case FormatCHWN4:
		if shape.Rank() != 5 {
			exceptions.Panicf("format %s requires a rank-5 shape, got %s", f, shape)
		}
		return shapes.Make(shape.DType, shape.Dim(3), shape.Dim(0)*pack, shape.Dim(1), shape.Dim(2))
	case FormatNHWCD4:
		// [N, H, C/4, W, 4]
		if shape.Rank() != 5 {
			exceptions.Panicf("format %s requires a rank-5 shape, got %s", f, shape)
		}
		return shapes.Make(shape.DType, shape.Dim(0), shape.Dim(2)*pack, shape.Dim(1), shape.Dim(3))
	default:
		// NCHWxx family: [N, C/pack, H, W, pack].
		if shape.Rank() != 5 {
			exceptions.Panicf("format %s requires a rank-5 shape, got %s", f, shape)
		}
		return shapes.Make(shape.DType, shape.Dim(0), shape.Dim(1)*pack, shape.Dim(2), shape.Dim(3))
	}
}

// fromNCHWShape lays out logical [N, C, H, W] dimensions in format f.
func (f Format) fromNCHWShape(nchw shapes.Shape) shapes.Shape {
	n, c, h, w := nchw.Dim(0), nchw.Dim(1), nchw.Dim(2), nchw.Dim(3)
	pack := f.PackSize()
	switch f {
	case FormatNCHW:
		return nchw.Clone()
	case FormatNHWC:
		return shapes.Make(nchw.DType, n, h, w, c)
	case FormatCHWN4:
		if c%pack != 0 {
			exceptions.Panicf("cannot lay out %d channels in format %s: not a multiple of %d", c, f, pack)
		}
		return shapes.Make(nchw.DType, c/pack, h, w, n, pack)
	case FormatNHWCD4:
		if c%pack != 0 {
			exceptions.Panicf("cannot lay out %d channels in format %s: not a multiple of %d", c, f, pack)
		}
		return shapes.Make(nchw.DType, n, h, c/pack, w, pack)
	default:
		if c%pack != 0 {
			exceptions.Panicf("cannot lay out %d channels in format %s: not a multiple of %d", c, f, pack)
		}
		return shapes.Make(nchw.DType, n, c/pack, h, w, pack)
	}
}

// Channels returns the logical channel count of a shape laid out in this
// format.
func (f Format) Channels(shape shapes.Shape) int {
	return f.toNCHWShape(shape).Dim(1)
}
