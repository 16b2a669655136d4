package rewrite

import (
	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/logger"
	"github.com/lowbit-ml/lowbit/internal/metrics"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// FuseColumnWiseMul folds an elementwise multiply by a per-channel vector
// constant into the preceding convolution's weights. The Mul node's name is
// taken over by the convolution so downstream references keep resolving; the
// vector constant and the original weight constant are dropped from the
// output graph when nothing else references them.
func FuseColumnWiseMul(g *graph.Graph, log logger.Logger) (*graph.Graph, error) {
	m, err := graph.NodeMap(g)
	if err != nil {
		return nil, err
	}

	skip := map[string]struct{}{}
	var added []*graph.Node

	for _, node := range g.Nodes {
		if node.Op != graph.OpMul || len(node.Inputs) != 2 {
			continue
		}
		conv, err := graph.FromMap(m, node.Inputs[0])
		if err != nil {
			return nil, err
		}
		if conv.Op != graph.OpConv2D && conv.Op != graph.OpDepthwiseConv {
			continue
		}
		mulConst, err := graph.FromMap(m, node.Inputs[1])
		if err != nil {
			return nil, err
		}
		if mulConst.Op != graph.OpConst {
			warnMulSkip(log, node.Name, "multiplier is not a constant")
			continue
		}
		vec, err := graph.ConstValue(mulConst)
		if err != nil || vec.DType != tensor.DTypeF32 || len(vec.Shape) != 1 {
			warnMulSkip(log, node.Name, "multiplier is not a rank-1 f32 vector")
			continue
		}
		weightsNode, err := graph.FromMap(m, conv.Inputs[1])
		if err != nil {
			return nil, err
		}
		if weightsNode.Op != graph.OpConst {
			warnMulSkip(log, node.Name, "convolution weights are not a constant")
			continue
		}
		weights, err := graph.ConstValue(weightsNode)
		if err != nil || weights.DType != tensor.DTypeF32 || len(weights.Shape) != 4 {
			warnMulSkip(log, node.Name, "convolution weights are not a rank-4 f32 tensor")
			continue
		}
		if weights.Shape[3] != len(vec.F32) {
			warnMulSkip(log, node.Name, "multiplier length does not match output channels")
			continue
		}

		scaled := weights.Clone()
		out := weights.Shape[3]
		for i := range scaled.F32 {
			scaled.F32[i] *= vec.F32[i%out]
		}

		skip[node.Name] = struct{}{}
		skip[conv.Name] = struct{}{}
		skip[weightsNode.Name] = struct{}{}
		skip[mulConst.Name] = struct{}{}

		newWeights := graph.ConstTensor(weightsNode.Name, scaled)
		newConv := conv.Clone()
		newConv.Name = node.Name
		added = append(added, newWeights, newConv)
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

func warnMulSkip(log logger.Logger, node, reason string) {
	metrics.PatternsSkipped.WithLabelValues("fuse_column_wise_mul").Inc()
	if log != nil {
		log.Warn("skipping column-wise multiply fuse candidate", "node", node, "reason", reason)
	}
}
