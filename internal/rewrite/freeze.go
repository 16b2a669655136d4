package rewrite

import (
	"fmt"
	"strings"

	"github.com/lowbit-ml/lowbit/internal/graph"
)

// Observed carries the numeric calibration results, keyed by the
// instrumentation node names they were captured from. It lives for one
// conversion run and is discarded afterwards.
type Observed struct {
	// Minima and Maxima hold one value per calibration iteration for each
	// Min/Max instrumentation op.
	Minima map[string][]float32
	Maxima map[string][]float32
	// Ranges holds per-iteration (min, max) pairs for each
	// RequantizationRange op.
	Ranges map[string][][2]float32
	// KLThresholds maps <op>_eightbit_requant_range keys to the optimal
	// clipping threshold chosen by the KL-divergence search. When present it
	// overrides the observed range for that operator.
	KLThresholds map[string]float32
}

// FreezeMinMax replaces every calibrated Min and Max instrumentation op
// with a Const holding the extreme value observed across all iterations.
// The constant keeps the op's name, so QuantizeV2 consumers resolve
// unchanged. An instrumented op with no observation is a fatal calibration
// failure: range freezing cannot proceed without it.
func FreezeMinMax(g *graph.Graph, obs *Observed) (*graph.Graph, error) {
	out := graph.New()
	for _, n := range g.Nodes {
		switch {
		case n.Op == graph.OpMin && strings.HasSuffix(n.Name, SuffixMinInput):
			vals, ok := obs.Minima[n.Name]
			if !ok || len(vals) == 0 {
				return nil, fmt.Errorf("no calibration minima captured for %q", n.Name)
			}
			v := vals[0]
			for _, x := range vals[1:] {
				if x < v {
					v = x
				}
			}
			out.Add(graph.ConstScalarF32(n.Name, v))
		case n.Op == graph.OpMax && strings.HasSuffix(n.Name, SuffixMaxInput):
			vals, ok := obs.Maxima[n.Name]
			if !ok || len(vals) == 0 {
				return nil, fmt.Errorf("no calibration maxima captured for %q", n.Name)
			}
			v := vals[0]
			for _, x := range vals[1:] {
				if x > v {
					v = x
				}
			}
			out.Add(graph.ConstScalarF32(n.Name, v))
		default:
			out.Add(n.Clone())
		}
	}
	return out, nil
}

// FreezeRequantRange replaces every RequantizationRange op with a pair of
// constants holding the calibrated output range, rewiring the Requantize
// consumer onto them. Operators calibrated with the KL algorithm use the
// symmetric ±threshold range instead of the raw observed extremes.
func FreezeRequantRange(g *graph.Graph, obs *Observed) (*graph.Graph, error) {
	frozen := map[string][2]string{} // range node -> (min const, max const)
	out := graph.New()
	for _, n := range g.Nodes {
		if n.Op != graph.OpRequantRange {
			out.Add(n.Clone())
			continue
		}

		var lo, hi float32
		if th, ok := obs.KLThresholds[n.Name]; ok {
			lo, hi = -th, th
		} else {
			pairs, ok := obs.Ranges[n.Name]
			if !ok || len(pairs) == 0 {
				return nil, fmt.Errorf("no calibration range captured for %q", n.Name)
			}
			lo, hi = pairs[0][0], pairs[0][1]
			for _, p := range pairs[1:] {
				if p[0] < lo {
					lo = p[0]
				}
				if p[1] > hi {
					hi = p[1]
				}
			}
		}

		minName := n.Name + "_frozen_min"
		maxName := n.Name + "_frozen_max"
		out.Add(graph.ConstScalarF32(minName, lo))
		out.Add(graph.ConstScalarF32(maxName, hi))
		frozen[n.Name] = [2]string{minName, maxName}
	}

	for _, n := range out.Nodes {
		for i, ref := range n.Inputs {
			names, ok := frozen[graph.BaseName(ref)]
			if !ok {
				continue
			}
			if strings.HasSuffix(ref, ":1") {
				n.Inputs[i] = names[1]
			} else {
				n.Inputs[i] = names[0]
			}
		}
	}
	return out, nil
}
