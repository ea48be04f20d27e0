// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopt/graph"
	"github.com/gomlx/gopt/types/shapes"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// convertF32ToF16Pass converts float32 storage to float16: constant payloads
// are re-encoded, parameters are rebuilt with float16 shapes, and everything
// downstream inherits the dtype through re-anchoring.
//
// With useF32Comp the multi-algorithm compute operators keep computing in
// float32: their inputs are converted up on entry and the result converted
// back down, trading two casts per operator for full-precision accumulation.
// Without it the whole graph computes in float16.
type convertF32ToF16Pass struct {
	useF32Comp bool
	check      VarReplaceCheckFlag
}

// MakeConvertF32ToF16 creates the pass. useF32Comp keeps the computation of
// convolutions and matrix multiplications in float32.
func MakeConvertF32ToF16(useF32Comp bool) *convertF32ToF16Pass {
	return &convertF32ToF16Pass{
		useF32Comp: useF32Comp,
		// The conversion changes dtypes by definition; dimensions still must
		// hold.
		check: CheckAll &^ CheckDType,
	}
}

// SetVarReplaceCheckFlag overrides the replacement check policy. Returns the
// pass for chaining.
func (p *convertF32ToF16Pass) SetVarReplaceCheckFlag(check VarReplaceCheckFlag) *convertF32ToF16Pass {
	p.check = check
	return p
}

func (p *convertF32ToF16Pass) Name() string { return "convert_f32_to_f16" }

func (p *convertF32ToF16Pass) Apply(s *OptState) {
	g := s.Graph()
	for _, n := range s.Nodes() {
		switch n.OpType() {
		case graph.OpTypeParameter:
			out := n.Output()
			if out.DType() != dtypes.Float32 {
				continue
			}
			repl := g.Parameter(n.Name(), out.Shape().WithDType(dtypes.Float16), out.Format())
			s.ReplaceWithCheck(out, repl, p.check)

		case graph.OpTypeConstant:
			out := n.Output()
			if out.DType() != dtypes.Float32 {
				continue
			}
			repl := g.Constant(n.Name(), out.Shape().WithDType(dtypes.Float16), out.Format(),
				f16Payload(n.Flat()))
			s.ReplaceWithCheck(out, repl, p.check)

		case graph.OpTypeMultiConstant:
			p.convertMultiConstant(s, n)

		case graph.OpTypeBatchNorm:
			// Not numerically safe in half precision: the variance division
			// underflows. Keep it in float32 and convert around it.
			p.wrapInF32(s, n)
			if klog.V(2).Enabled() {
				klog.Infof("f16: keeping %s in float32", n)
			}

		case graph.OpTypeConv, graph.OpTypeConvBias, graph.OpTypeDeconv, graph.OpTypeMatMul:
			if p.useF32Comp {
				p.wrapInF32(s, n)
				continue
			}
			s.AutoReplace(n)

		default:
			s.AutoReplace(n)
		}
	}
}

// wrapInF32 re-anchors n with its float16 inputs converted up to float32 and
// its output converted back down.
func (p *convertF32ToF16Pass) wrapInF32(s *OptState, n *graph.Node) {
	g := s.Graph()
	inputs := s.ResolveAll(n.Inputs())
	changed := false
	for idx, in := range inputs {
		if in.DType() == dtypes.Float16 {
			inputs[idx] = g.ConvertDType(in, dtypes.Float32)
			changed = true
		}
	}
	if !changed {
		s.AutoReplace(n)
		return
	}
	clone := n.CloneWithInputs(inputs)
	out := clone.Output()
	if out.DType() == dtypes.Float32 {
		out = g.ConvertDType(out, dtypes.Float16)
	}
	s.ReplaceWithCheck(n.Output(), out, p.check)
}

// convertMultiConstant rebuilds a merged constant holder with its float32
// payloads re-encoded as float16.
func (p *convertF32ToF16Pass) convertMultiConstant(s *OptState, n *graph.Node) {
	outs := n.Outputs()
	anyF32 := false
	for _, out := range outs {
		if out.DType() == dtypes.Float32 {
			anyF32 = true
			break
		}
	}
	if !anyF32 {
		return
	}
	specShapes := make([]shapes.Shape, len(outs))
	formats := make([]graph.Format, len(outs))
	flats := make([]any, len(outs))
	for idx, out := range outs {
		specShapes[idx] = out.Shape()
		formats[idx] = out.Format()
		flats[idx] = n.Flats()[idx]
		if out.DType() == dtypes.Float32 {
			specShapes[idx] = out.Shape().WithDType(dtypes.Float16)
			flats[idx] = f16Payload(flats[idx])
		}
	}
	repl := s.Graph().MultiConstant(n.Name(), specShapes, formats, flats)
	for idx, out := range outs {
		s.ReplaceWithCheck(out, repl.Outputs()[idx], p.check)
	}
}

// f16Payload re-encodes a []float32 payload as []float16.Float16.
func f16Payload(flat any) []float16.Float16 {
	f32, ok := flat.([]float32)
	if !ok {
		exceptions.Panicf("f16: expected a []float32 payload, got %T", flat)
	}
	converted := make([]float16.Float16, len(f32))
	for i, v := range f32 {
		converted[i] = float16.Fromfloat32(v)
	}
	return converted
}
