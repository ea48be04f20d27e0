// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimize

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopt/graph"
	"k8s.io/klog/v2"
)

// ForInference rewrites the graph reachable from the endpoints for inference
// according to the options and returns the rewritten endpoints.
//
// With the zero Options nothing runs and the endpoints come back unchanged:
// every pass, including the generic parameter passes, is gated on at least
// one optimization being requested.
func ForInference(endpoints []*graph.Var, opts Options) []*graph.Var {
	if len(endpoints) == 0 {
		exceptions.Panicf("optimize: ForInference requires at least one endpoint")
	}
	if opts.WeightPreprocess {
		endpoints[0].Node().Graph().SetWeightPreprocess(true)
	}
	pipeline := BuildPipeline(opts)
	if pipeline.NumPasses() == 0 {
		return append([]*graph.Var(nil), endpoints...)
	}
	if klog.V(1).Enabled() {
		klog.Infof("optimize for inference: %d passes, options %#x", pipeline.NumPasses(), opts.Serialize())
	}
	return pipeline.Run(endpoints)
}

// BuildPipeline assembles the ForInference pass pipeline for the given
// options. Exposed so callers can inspect or extend the pipeline before
// applying it.
func BuildPipeline(opts Options) *Optimizer {
	o := NewOptimizer()
	needParamOpt := opts.F16IoComp || opts.F16IoF32Comp ||
		opts.FuseConvBiasNonlinearity || opts.FuseConvBiasWithZ ||
		opts.FusePreprocess || opts.LayoutTransform != LayoutTransformDefault
	if !needParamOpt {
		return o
	}

	// Prelude: expose constant sub-graphs to the passes below.
	o.AddPass(MakeConvertBatchNormToElemwise(), MakeParamRedistribute())

	if opts.F16IoComp || opts.F16IoF32Comp {
		o.AddPass(MakeConvertF32ToF16(opts.F16IoF32Comp && !opts.F16IoComp))
	}

	if opts.FusePreprocess {
		o.AddPass(MakeFuseDeconvCvt(), MakeFoldingConvBiasTypecvt())
	}
	if opts.FuseConvBiasNonlinearity || opts.FuseConvBiasWithZ {
		o.AddPass(MakeFuseConvBiasNonlin())
	}
	if opts.FuseConvBiasWithZ {
		o.AddPass(MakeFuseConvBiasZ())
	}

	if passes := layoutPasses(opts.LayoutTransform); len(passes) > 0 {
		if !opts.FuseConvBiasNonlinearity && !opts.FuseConvBiasWithZ {
			// Layout conversion wants fused epilogues: a packed ConvBias beats
			// a packed Conv followed by unpacked elementwise work.
			o.AddPass(MakeFuseConvBiasNonlin())
		}
		o.AddPass(passes...)
		o.AddPass(MakeFoldingConvBiasDimshuffle())
		o.AddPass(MakeShuffleShuffleRemove())
	}

	// Postlude: collapse and merge what the passes above left behind.
	o.AddPass(MakeParamFuse(), MakeParamMerge())
	return o
}

// layoutPasses maps a layout target to its pass sequence. Quantized targets
// get their channels padded to the packing alignment first.
func layoutPasses(lt LayoutTransform) []Pass {
	switch lt {
	case LayoutTransformDefault:
		return nil
	case LayoutTransformNCHW4:
		return []Pass{MakePaddingChannel(4), MakeEnableNCHW4()}
	case LayoutTransformNHWCD4:
		return []Pass{MakeNHWCD4Converter()}
	case LayoutTransformNCHW44:
		return []Pass{MakeEnableNchwxx(4)}
	case LayoutTransformNCHW88:
		return []Pass{MakeEnableNchwxx(8)}
	case LayoutTransformNCHW44Dot:
		return []Pass{MakePaddingChannel(4), MakeEnableNchw44Dot()}
	case LayoutTransformNCHW32:
		return []Pass{MakePaddingChannel(32), MakeEnableTensorCore()}
	case LayoutTransformNCHW64:
		return []Pass{MakePaddingChannel(64), MakeEnableNCHW64()}
	case LayoutTransformCHWN4:
		return []Pass{MakePaddingChannel(4), MakeEnableCHWN4()}
	}
	exceptions.Panicf("optimize: unknown layout transform %d", uint32(lt))
	return nil
}

// layoutCandidates lists the layouts worth trying per device target, in
// preference order.
var layoutCandidates = map[Target][]LayoutTransform{
	TargetCUDA:   {LayoutTransformNCHW32, LayoutTransformCHWN4, LayoutTransformNCHW4, LayoutTransformNCHW64},
	TargetARM:    {LayoutTransformNCHW44, LayoutTransformNCHW88, LayoutTransformNCHW44Dot},
	TargetX86:    {LayoutTransformNCHW88},
	TargetOpenCL: {LayoutTransformNHWCD4},
}

// TransformLayout tunes the tensor layout for the target device: it applies
// every candidate layout conversion for the target, scores each result with
// the cost-model profiler, and returns the endpoints of the cheapest graph.
// The unconverted graph competes too, so a conversion that only adds
// relayout traffic never wins.
func TransformLayout(endpoints []*graph.Var, tuning TuningOptions) []*graph.Var {
	if len(endpoints) == 0 {
		exceptions.Panicf("optimize: TransformLayout requires at least one endpoint")
	}
	result := append([]*graph.Var(nil), endpoints...)
	if !tuning.HasSetLayoutTransform() || tuning.Target == TargetUnspec {
		return result
	}

	candidates := layoutCandidates[tuning.Target]
	candidateEndpoints := make([][]*graph.Var, 0, len(candidates)+1)
	candidateNames := make([]string, 0, len(candidates)+1)
	candidateEndpoints = append(candidateEndpoints, result)
	candidateNames = append(candidateNames, LayoutTransformDefault.String())

	// Candidate pipelines run sequentially: they all extend one graph, and
	// node construction is not safe for concurrent use. Scoring below is
	// read-only and runs concurrently.
	for _, lt := range candidates {
		o := NewOptimizer()
		o.AddPass(MakeFuseConvBiasNonlin())
		o.AddPass(layoutPasses(lt)...)
		o.AddPass(MakeFoldingConvBiasDimshuffle(), MakeShuffleShuffleRemove(),
			MakeParamFuse(), MakeParamMerge())
		candidateEndpoints = append(candidateEndpoints, o.Run(endpoints))
		candidateNames = append(candidateNames, lt.String())
	}

	profiler := NewCostModelProfiler(tuning.Target)
	costs := profiler.MeasureAll(candidateEndpoints)
	best := 0
	for idx, cost := range costs {
		if klog.V(1).Enabled() {
			klog.Infof("layout tuning %s: candidate %s costs %.3g", tuning.Target, candidateNames[idx], cost)
		}
		if cost < costs[best] {
			best = idx
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("layout tuning %s: picked %s", tuning.Target, candidateNames[best])
	}
	return candidateEndpoints[best]
}
