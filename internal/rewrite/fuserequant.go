package rewrite

import (
	"math"
	"strings"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/logger"
	"github.com/lowbit-ml/lowbit/internal/metrics"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

var requantizedOp = map[string]string{
	graph.OpQConvWithBias:        graph.OpQConvWithBiasRequant,
	graph.OpQConvWithBiasRelu:    graph.OpQConvWithBiasReluRequant,
	graph.OpQConvWithBiasSumRelu: graph.OpQConvWithBiasSumReluRequant,
}

// FuseQuantizedConvAndRequantize merges each fused quantized convolution
// with its trailing Requantize op once the requantization range has been
// frozen to constants. The merged node takes the Requantize node's name (so
// the Dequantize consumer keeps resolving), appends the frozen range as
// inputs, records it in the min_freezed_output/max_freezed_output
// attributes, and converts the float bias to the 32-bit accumulator scale.
// Candidates whose range is not yet constant are skipped with a warning.
func FuseQuantizedConvAndRequantize(g *graph.Graph, log logger.Logger) (*graph.Graph, error) {
	m, err := graph.NodeMap(g)
	if err != nil {
		return nil, err
	}

	drop := map[string]struct{}{}
	fused := map[string]*graph.Node{} // requantize name -> replacement
	var extraConsts []*graph.Node

	for _, n := range g.Nodes {
		if n.Op != graph.OpRequantize || len(n.Inputs) < 5 {
			continue
		}
		conv, err := graph.FromMap(m, n.Inputs[0])
		if err != nil {
			return nil, err
		}
		newOp, fusable := requantizedOp[conv.Op]
		if !fusable {
			continue
		}
		minNode, err := graph.FromMap(m, n.Inputs[3])
		if err != nil {
			return nil, err
		}
		maxNode, err := graph.FromMap(m, n.Inputs[4])
		if err != nil {
			return nil, err
		}
		if minNode.Op != graph.OpConst || maxNode.Op != graph.OpConst {
			warnRequantSkip(log, n.Name, "requantization range is not frozen to constants")
			continue
		}
		lo, err := constScalarF32(minNode)
		if err != nil {
			return nil, err
		}
		hi, err := constScalarF32(maxNode)
		if err != nil {
			return nil, err
		}

		node := graph.NewNode(n.Name, newOp, append(append([]string{}, conv.Inputs...), minNode.Name, maxNode.Name)...)
		for k, a := range conv.Attrs {
			if k == "out_type" {
				continue
			}
			node.SetAttr(k, a.Clone())
		}
		outType := tensor.DTypeQI8
		if strings.Contains(newOp, "Relu") {
			outType = tensor.DTypeQU8
		}
		node.SetAttr("out_type", graph.AttrType(outType))
		node.SetAttr("min_freezed_output", graph.AttrFloat(float64(lo)))
		node.SetAttr("max_freezed_output", graph.AttrFloat(float64(hi)))

		biasConst, err := requantizeBias(node, conv, m, log)
		if err != nil {
			return nil, err
		}

		fused[n.Name] = node
		drop[conv.Name] = struct{}{}
		if biasConst != nil {
			extraConsts = append(extraConsts, biasConst)
		}
	}

	out := graph.New()
	for _, n := range g.Nodes {
		if _, gone := drop[n.Name]; gone {
			continue
		}
		if repl, ok := fused[n.Name]; ok {
			out.Add(repl)
			continue
		}
		out.Add(n.Clone())
	}
	out.Add(extraConsts...)
	return out, nil
}

// requantizeBias rewrites the fused node's float bias input into a qint32
// constant at the accumulator scale: q = round(b * s_input * s_weight) with
// s_input = 255/(max_in - min_in) and s_weight = 127/max|w|. When the input
// range is not yet constant the float bias is kept and the engine converts
// at load time instead. Returns the new bias constant, or nil when the
// float bias was kept.
func requantizeBias(node, conv *graph.Node, m map[string]*graph.Node, log logger.Logger) (*graph.Node, error) {
	biasNode, err := graph.FromMap(m, conv.Inputs[2])
	if err != nil {
		return nil, err
	}
	if biasNode.Op != graph.OpConst {
		warnRequantSkip(log, node.Name, "bias is not a constant, keeping float bias")
		return nil, nil
	}
	bias, err := graph.ConstValue(biasNode)
	if err != nil || bias.DType != tensor.DTypeF32 {
		warnRequantSkip(log, node.Name, "bias is not f32, keeping float bias")
		return nil, nil
	}

	quantNode, err := graph.FromMap(m, conv.Inputs[3])
	if err != nil {
		return nil, err
	}
	if quantNode.Op != graph.OpQuantizeV2 || len(quantNode.Inputs) < 3 {
		warnRequantSkip(log, node.Name, "input range producer is not a quantize boundary, keeping float bias")
		return nil, nil
	}
	inMin, okMin := frozenScalar(m, quantNode.Inputs[1])
	inMax, okMax := frozenScalar(m, quantNode.Inputs[2])
	wMin, okWMin := frozenScalar(m, conv.Inputs[5])
	wMax, okWMax := frozenScalar(m, conv.Inputs[6])
	if !okMin || !okMax || !okWMin || !okWMax || inMax == inMin {
		warnRequantSkip(log, node.Name, "input or weight range not frozen, keeping float bias")
		return nil, nil
	}

	sIn := 255 / (inMax - inMin)
	sW := float32(127) / float32(math.Max(math.Abs(float64(wMin)), math.Abs(float64(wMax))))
	q := make([]int32, len(bias.F32))
	for i, b := range bias.F32 {
		q[i] = int32(math.RoundToEven(float64(b * sIn * sW)))
	}

	qt := &tensor.Dense{DType: tensor.DTypeQI32, Shape: append([]int(nil), bias.Shape...), I32: q}
	name := strings.TrimSuffix(conv.Name, SuffixQuantizedConv) + "_bias_qint32"
	node.Inputs[2] = name
	return graph.ConstTensor(name, qt), nil
}

func constScalarF32(n *graph.Node) (float32, error) {
	t, err := graph.ConstValue(n)
	if err != nil {
		return 0, err
	}
	if t.DType != tensor.DTypeF32 || len(t.F32) == 0 {
		return 0, nil
	}
	return t.F32[0], nil
}

func frozenScalar(m map[string]*graph.Node, ref string) (float32, bool) {
	n, err := graph.FromMap(m, ref)
	if err != nil || n.Op != graph.OpConst {
		return 0, false
	}
	v, err := constScalarF32(n)
	if err != nil {
		return 0, false
	}
	return v, true
}

func warnRequantSkip(log logger.Logger, node, reason string) {
	metrics.PatternsSkipped.WithLabelValues("fuse_quantized_conv_and_requantize").Inc()
	if log != nil {
		log.Warn("skipping requantize fuse candidate", "node", node, "reason", reason)
	}
}
