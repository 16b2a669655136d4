package rewrite

import (
	"fmt"
	"math"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/logger"
	"github.com/lowbit-ml/lowbit/internal/metrics"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// Input operand order and epsilon attribute per batch-norm variant.
var bnInputOrder = map[string][5]string{
	graph.OpBatchNormGlobal: {"conv", "mean", "var", "beta", "gamma"},
	graph.OpFusedBatchNorm:  {"conv", "gamma", "beta", "mean", "var"},
}

var bnEpsilonAttr = map[string]string{
	graph.OpBatchNormGlobal: "variance_epsilon",
	graph.OpFusedBatchNorm:  "epsilon",
}

// FoldBatchNorm removes batch normalization by baking its scale into the
// preceding convolution's weights and its offset into a BiasAdd. Once a
// graph is frozen the four normalization parameters are constants, so the
// whole op collapses to one multiply-add that the convolution absorbs.
//
// A candidate that fails a shape or op-kind check is skipped with a warning;
// only genuinely malformed graphs (duplicate names, dangling references)
// abort the pass.
func FoldBatchNorm(g *graph.Graph, log logger.Logger) (*graph.Graph, error) {
	m, err := graph.NodeMap(g)
	if err != nil {
		return nil, err
	}

	skip := map[string]struct{}{}
	var added []*graph.Node

	for _, node := range g.Nodes {
		order, isBN := bnInputOrder[node.Op]
		if !isBN {
			continue
		}
		if len(node.Inputs) < 5 {
			warnSkip(log, node.Name, "batch-norm node has %d inputs, want 5", len(node.Inputs))
			continue
		}
		operand := func(which string) (*graph.Node, error) {
			for i, name := range order {
				if name == which {
					return graph.FromMap(m, node.Inputs[i])
				}
			}
			return nil, fmt.Errorf("no %s operand", which)
		}

		conv, err := operand("conv")
		if err != nil {
			return nil, err
		}
		if conv.Op != graph.OpConv2D && conv.Op != graph.OpDepthwiseConv {
			warnSkip(log, node.Name, "input op is %s, want a (depthwise) convolution", conv.Op)
			continue
		}
		if len(conv.Inputs) < 2 {
			warnSkip(log, node.Name, "convolution %q has no weight input", conv.Name)
			continue
		}
		weightsNode, err := graph.FromMap(m, conv.Inputs[1])
		if err != nil {
			return nil, err
		}
		if weightsNode.Op != graph.OpConst {
			warnSkip(log, node.Name, "weights %q are %s, not Const; was the graph frozen?", weightsNode.Name, weightsNode.Op)
			continue
		}
		weights, err := graph.ConstValue(weightsNode)
		if err != nil || weights.DType != tensor.DTypeF32 || len(weights.Shape) != 4 {
			warnSkip(log, node.Name, "weights %q are not a rank-4 f32 tensor", weightsNode.Name)
			continue
		}

		// Conv2D weights are HWIO: output channels on the last axis. For
		// depthwise the effective channel count is in_channels * multiplier.
		channels := weights.Shape[3]
		if conv.Op == graph.OpDepthwiseConv {
			channels = weights.Shape[2] * weights.Shape[3]
		}

		params := map[string]*tensor.Dense{}
		paramNodes := map[string]*graph.Node{}
		ok := true
		for _, which := range []string{"mean", "var", "beta", "gamma"} {
			pn, err := operand(which)
			if err != nil {
				return nil, err
			}
			if pn.Op != graph.OpConst {
				warnSkip(log, node.Name, "%s %q is %s, not Const", which, pn.Name, pn.Op)
				ok = false
				break
			}
			val, err := graph.ConstValue(pn)
			if err != nil {
				return nil, err
			}
			if val.DType != tensor.DTypeF32 || len(val.F32) != channels {
				warnSkip(log, node.Name, "%s has %d elements, want %d", which, val.Elems(), channels)
				ok = false
				break
			}
			params[which] = val
			paramNodes[which] = pn
		}
		if !ok {
			continue
		}

		epsAttr, err := node.Attr(bnEpsilonAttr[node.Op])
		if err != nil {
			warnSkip(log, node.Name, "missing epsilon attribute")
			continue
		}
		eps, err := epsAttr.Float()
		if err != nil {
			return nil, fmt.Errorf("batch-norm %q: %w", node.Name, err)
		}

		scale := make([]float32, channels)
		offset := make([]float32, channels)
		useGamma := scaleAfterNormalization(node)
		for c := 0; c < channels; c++ {
			s := float32(1 / math.Sqrt(float64(params["var"].F32[c])+eps))
			if useGamma {
				s *= params["gamma"].F32[c]
			}
			scale[c] = s
			offset[c] = params["beta"].F32[c] - params["mean"].F32[c]*s
		}

		scaled := weights.Clone()
		if conv.Op == graph.OpConv2D {
			for i := range scaled.F32 {
				scaled.F32[i] *= scale[i%weights.Shape[3]]
			}
		} else {
			// Depthwise weights are HWCM; the folded channel index is
			// c*multiplier + m, the two innermost axes combined.
			mult := weights.Shape[3]
			inner := weights.Shape[2] * mult
			for i := range scaled.F32 {
				scaled.F32[i] *= scale[i%inner]
			}
		}

		// Replaced nodes: the batch-norm itself, its four parameters and the
		// original weight constant. The rewritten weights keep the weight
		// node's name and the BiasAdd takes the batch-norm's name, so every
		// downstream reference still resolves.
		skip[node.Name] = struct{}{}
		skip[weightsNode.Name] = struct{}{}
		skip[conv.Name] = struct{}{}
		for _, pn := range paramNodes {
			skip[pn.Name] = struct{}{}
		}

		offsetT, err := tensor.NewF32([]int{channels}, offset)
		if err != nil {
			return nil, err
		}
		scaledWeights := graph.ConstTensor(weightsNode.Name, scaled)
		offsetName := conv.Name + "_bn_offset"
		offsetNode := graph.ConstTensor(offsetName, offsetT)
		newConv := conv.Clone()
		biasAdd := graph.NewNode(node.Name, graph.OpBiasAdd, newConv.Name, offsetName)
		if df, ok := conv.Attrs["data_format"]; ok {
			biasAdd.SetAttr("data_format", df.Clone())
		}
		added = append(added, scaledWeights, newConv, offsetNode, biasAdd)
	}

	out := graph.New()
	for _, n := range g.Nodes {
		if _, drop := skip[n.Name]; drop {
			continue
		}
		out.Add(n.Clone())
	}
	out.Add(added...)
	return out, nil
}

func scaleAfterNormalization(n *graph.Node) bool {
	if n.Op != graph.OpBatchNormGlobal {
		return true
	}
	a, err := n.Attr("scale_after_normalization")
	if err != nil {
		return true
	}
	b, err := a.Bool()
	if err != nil {
		return true
	}
	return b
}

func warnSkip(log logger.Logger, node, format string, args ...any) {
	metrics.PatternsSkipped.WithLabelValues("fold_batch_norm").Inc()
	if log != nil {
		log.Warn("skipping batch-norm fold candidate", "node", node, "reason", fmt.Sprintf(format, args...))
	}
}
