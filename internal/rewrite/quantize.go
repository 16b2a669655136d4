package rewrite

import (
	"fmt"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/logger"
	"github.com/lowbit-ml/lowbit/internal/tensor"
	"github.com/lowbit-ml/lowbit/pkg/opconfig"
)

// Node name suffixes the quantization passes agree on. Downstream passes and
// the dump-tensor tooling resolve instrumented and fused nodes through these.
const (
	SuffixQuantize      = "_eightbit_quantize"
	SuffixQuantizedConv = "_eightbit_quantized_conv"
	SuffixRequantRange  = "_eightbit_requant_range"
	SuffixRequantize    = "_eightbit_requantize"
	SuffixMinInput      = "_eightbit_min_in"
	SuffixMaxInput      = "_eightbit_max_in"
)

// FuseChain is a float convolution chain eligible for one fused quantized op.
type FuseChain struct {
	Conv *graph.Node
	Bias *graph.Node
	Sum  *graph.Node // Add node feeding a trailing Relu, or nil
	Relu *graph.Node // nil when the chain ends at BiasAdd
}

// Last returns the node whose output downstream consumers reference.
func (c FuseChain) Last() *graph.Node {
	if c.Relu != nil {
		return c.Relu
	}
	return c.Bias
}

func (c FuseChain) fusedOp() string {
	switch {
	case c.Sum != nil:
		return graph.OpQConvWithBiasSumRelu
	case c.Relu != nil:
		return graph.OpQConvWithBiasRelu
	default:
		return graph.OpQConvWithBias
	}
}

// members lists every float node the fused op replaces.
func (c FuseChain) members() []*graph.Node {
	out := []*graph.Node{c.Conv, c.Bias}
	if c.Sum != nil {
		out = append(out, c.Sum)
	}
	if c.Relu != nil {
		out = append(out, c.Relu)
	}
	return out
}

// LongestFuseChain matches the longest conv → BiasAdd [→ Add] [→ Relu] run
// rooted at conv. Each link requires the downstream node to be the sole
// consumer, otherwise an intermediate value would disappear from the graph.
func LongestFuseChain(conv *graph.Node, m map[string]*graph.Node, consumers map[string][]*graph.Node) (FuseChain, bool) {
	chain := FuseChain{Conv: conv}
	next := soleConsumer(conv.Name, consumers)
	if next == nil || next.Op != graph.OpBiasAdd || graph.BaseName(next.Inputs[0]) != conv.Name {
		return chain, false
	}
	chain.Bias = next

	after := soleConsumer(next.Name, consumers)
	if after == nil {
		return chain, true
	}
	switch after.Op {
	case graph.OpRelu:
		chain.Relu = after
	case graph.OpAdd:
		relu := soleConsumer(after.Name, consumers)
		if relu != nil && relu.Op == graph.OpRelu {
			chain.Sum = after
			chain.Relu = relu
		}
	}
	return chain, true
}

func soleConsumer(name string, consumers map[string][]*graph.Node) *graph.Node {
	cs := consumers[name]
	if len(cs) != 1 {
		return nil
	}
	return cs[0]
}

// Quantize rewrites every configured convolution chain into its fused 8-bit
// form, bracketed by QuantizeV2 and Dequantize boundary ops. Min and Max ops
// over the float input feed the quantize boundary; RequantizationRange and
// Requantize narrow the 32-bit accumulator back to 8 bits. All of these are
// later frozen to constants by the calibration results. Nodes absent from
// the config table are left floating point.
//
// A malformed chain whose required weight or bias constant cannot be
// resolved is a hard error: the conversion cannot continue without it.
func Quantize(g *graph.Graph, cfg opconfig.Config, log logger.Logger) (*graph.Graph, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	m, err := graph.NodeMap(g)
	if err != nil {
		return nil, err
	}
	consumers := graph.Consumers(g)

	chains := map[string]FuseChain{} // keyed by conv name
	replaced := map[string]string{}  // member node name -> conv name
	for _, n := range g.Nodes {
		if n.Op != graph.OpConv2D && n.Op != graph.OpDepthwiseConv {
			continue
		}
		if _, configured := cfg.Ops[n.Name]; !configured {
			continue
		}
		chain, ok := LongestFuseChain(n, m, consumers)
		if !ok {
			if log != nil {
				log.Warn("configured convolution has no fusable bias chain, leaving float", "node", n.Name)
			}
			continue
		}
		chains[n.Name] = chain
		for _, member := range chain.members() {
			replaced[member.Name] = n.Name
		}
	}

	out := graph.New()
	for _, n := range g.Nodes {
		convName, isMember := replaced[n.Name]
		if !isMember {
			out.Add(n.Clone())
			continue
		}
		if n.Name != convName {
			continue // cluster is emitted at the conv's position
		}
		cluster, err := buildQuantizedCluster(chains[convName], m, cfg.Ops[convName])
		if err != nil {
			return nil, err
		}
		out.Add(cluster...)
	}
	return out, nil
}

func buildQuantizedCluster(chain FuseChain, m map[string]*graph.Node, oc opconfig.OpConfig) ([]*graph.Node, error) {
	conv := chain.Conv
	p := conv.Name
	inputRef := conv.Inputs[0]

	weightsNode, err := graph.FromMap(m, conv.Inputs[1])
	if err != nil {
		return nil, fmt.Errorf("quantize %q: weights: %w", p, err)
	}
	weights, err := graph.ConstValue(weightsNode)
	if err != nil {
		return nil, fmt.Errorf("quantize %q: weights: %w", p, err)
	}
	biasRef := chain.Bias.Inputs[1]
	if _, err := graph.FromMap(m, biasRef); err != nil {
		return nil, fmt.Errorf("quantize %q: bias: %w", p, err)
	}

	qw, wMin, wMax, err := tensor.QuantizeSymmetric(weights)
	if err != nil {
		return nil, fmt.Errorf("quantize %q: weights: %w", p, err)
	}

	mode := oc.Mode
	if mode == "" {
		mode = "MIN_FIRST"
	}

	maxIn := graph.NewNode(p+SuffixMaxInput, graph.OpMax, inputRef)
	maxIn.SetAttr("T", graph.AttrType(tensor.DTypeF32))
	minIn := graph.NewNode(p+SuffixMinInput, graph.OpMin, inputRef)
	minIn.SetAttr("T", graph.AttrType(tensor.DTypeF32))

	quant := graph.NewNode(p+SuffixQuantize, graph.OpQuantizeV2,
		inputRef, minIn.Name, maxIn.Name)
	quant.SetAttr("T", graph.AttrType(tensor.DTypeQU8))
	quant.SetAttr("mode", graph.AttrString(mode))

	qWeights := graph.ConstTensor(p+"_w_qint8", qw)
	wMinNode := graph.ConstScalarF32(p+"_w_min", wMin)
	wMaxNode := graph.ConstScalarF32(p+"_w_max", wMax)

	qconvInputs := []string{
		quant.Name + ":0", qWeights.Name, biasRef,
		quant.Name + ":1", quant.Name + ":2",
		wMinNode.Name, wMaxNode.Name,
	}
	if chain.Sum != nil {
		// The summand branch stays referenced by its original name; after
		// its own chain is quantized that name resolves to a Dequantize.
		qconvInputs = append(qconvInputs, summandRef(chain))
	}
	qconv := graph.NewNode(p+SuffixQuantizedConv, chain.fusedOp(), qconvInputs...)
	qconv.SetAttr("out_type", graph.AttrType(tensor.DTypeQI32))
	for _, key := range []string{"strides", "padding", "data_format", "dilations"} {
		if a, ok := conv.Attrs[key]; ok {
			qconv.SetAttr(key, a.Clone())
		}
	}

	rrange := graph.NewNode(p+SuffixRequantRange, graph.OpRequantRange,
		qconv.Name+":0", qconv.Name+":1", qconv.Name+":2")
	rrange.SetAttr("T", graph.AttrType(tensor.DTypeQI32))

	outType := tensor.DTypeQI8
	if chain.Relu != nil {
		outType = tensor.DTypeQU8
	}
	requant := graph.NewNode(p+SuffixRequantize, graph.OpRequantize,
		qconv.Name+":0", qconv.Name+":1", qconv.Name+":2",
		rrange.Name+":0", rrange.Name+":1")
	requant.SetAttr("out_type", graph.AttrType(outType))

	dequant := graph.NewNode(chain.Last().Name, graph.OpDequantize,
		requant.Name+":0", requant.Name+":1", requant.Name+":2")
	dequant.SetAttr("mode", graph.AttrString(mode))

	return []*graph.Node{
		maxIn, minIn, quant, qWeights, wMinNode, wMaxNode,
		qconv, rrange, requant, dequant,
	}, nil
}

// summandRef picks the Add operand that is not the BiasAdd branch.
func summandRef(chain FuseChain) string {
	for _, ref := range chain.Sum.Inputs {
		if graph.BaseName(ref) != chain.Bias.Name {
			return ref
		}
	}
	return chain.Sum.Inputs[0]
}
