// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/graph"
)

// ARM layout passes: NCHW44 and NCHW88 for the NEON float kernels, NCHW44Dot
// for the int8 dot-product kernels.

// TransType classifies how one convolution participates in an NCHWxx
// conversion.
type TransType int

const (
	// TransPure converts the convolution fully: packed input, packed output.
	TransPure TransType = iota

	// TransHybrid keeps the input in NCHW and packs only the output. The
	// first convolution of an image model (3 input channels) is the typical
	// case.
	TransHybrid

	// TransNone leaves the convolution in NCHW.
	TransNone
)

// String returns the name of the classification.
func (t TransType) String() string {
	switch t {
	case TransPure:
		return "pure"
	case TransHybrid:
		return "hybrid"
	case TransNone:
		return "none"
	default:
		return "unknown"
	}
}

// ClassifyNchwxx classifies a convolution with the given input/output
// channel counts for a conversion with the given pack size. Grouped
// convolutions are not converted.
func ClassifyNchwxx(ic, oc, groups, pack int) TransType {
	if groups > 1 || oc%pack != 0 {
		return TransNone
	}
	if ic%pack == 0 {
		return TransPure
	}
	if ic < pack {
		return TransHybrid
	}
	return TransNone
}

// MakeEnableNchwxx creates the float NCHWxx conversion pass for the given
// pack size: 4 for NCHW44, 8 for NCHW88.
func MakeEnableNchwxx(pack int) Pass {
	var format graph.Format
	var name string
	switch pack {
	case 4:
		format, name = graph.FormatNCHW44, "enable_nchw44"
	case 8:
		format, name = graph.FormatNCHW88, "enable_nchw88"
	default:
		exceptions.Panicf("optimize: no NCHWxx layout packs %d channels", pack)
	}
	return makeTensorReformat(name, func(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs) (convLayout, bool) {
		if !x.DType().IsFloat() {
			return convLayout{}, false
		}
		return classifyNchwxxConv(n, x, w, attrs, format)
	})
}

// MakeEnableNchw44Dot creates the int8 NCHW44_DOT conversion pass.
func MakeEnableNchw44Dot() Pass {
	return makeTensorReformat("enable_nchw44_dot", func(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs) (convLayout, bool) {
		if x.DType() != dtypes.Int8 {
			return convLayout{}, false
		}
		return classifyNchwxxConv(n, x, w, attrs, graph.FormatNCHW44Dot)
	})
}

func classifyNchwxxConv(n *graph.Node, x, w *graph.Var, attrs *graph.ConvAttrs, format graph.Format) (convLayout, bool) {
	if n.OpType() == graph.OpTypeDeconv {
		return convLayout{}, false
	}
	if attrs.Format != graph.FormatNCHW && attrs.Format != format {
		return convLayout{}, false
	}
	oc := w.Shape().Dim(0)
	ic := w.Shape().Dim(1) * max(attrs.Groups, 1)
	switch ClassifyNchwxx(ic, oc, attrs.Groups, format.PackSize()) {
	case TransPure:
		return convLayout{format: format}, true
	case TransHybrid:
		return convLayout{format: format, hybrid: true}, true
	}
	return convLayout{}, false
}
