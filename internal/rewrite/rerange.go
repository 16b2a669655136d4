package rewrite

import (
	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/logger"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// RerangeQuantizedConcat forces every branch feeding a quantized
// concatenation onto one shared range. Concatenation cannot mix inputs with
// different quantization scales, so the widest observed range across the
// branches wins and each branch's frozen range constants and attributes are
// rewritten to it. The topology is untouched; only constant values change.
func RerangeQuantizedConcat(g *graph.Graph, log logger.Logger) (*graph.Graph, error) {
	out := g.Clone()
	m, err := graph.NodeMap(out)
	if err != nil {
		return nil, err
	}

	for _, concat := range out.Nodes {
		if concat.Op != graph.OpQuantizedConcatV2 {
			continue
		}
		// Inputs are values[N], axis, mins[N], maxes[N].
		n := (len(concat.Inputs) - 1) / 3
		if n < 2 || len(concat.Inputs) != 3*n+1 {
			continue
		}

		type branch struct {
			conv     *graph.Node
			minConst *graph.Node
			maxConst *graph.Node
		}
		var branches []branch
		rerangeable := true
		for i := 0; i < n; i++ {
			conv, err := graph.FromMap(m, concat.Inputs[i])
			if err != nil {
				return nil, err
			}
			if _, fused := requantizedOutOp(conv.Op); !fused || len(conv.Inputs) < 2 {
				rerangeable = false
				break
			}
			lo, err := graph.FromMap(m, conv.Inputs[len(conv.Inputs)-2])
			if err != nil {
				return nil, err
			}
			hi, err := graph.FromMap(m, conv.Inputs[len(conv.Inputs)-1])
			if err != nil {
				return nil, err
			}
			if lo.Op != graph.OpConst || hi.Op != graph.OpConst {
				rerangeable = false
				break
			}
			branches = append(branches, branch{conv: conv, minConst: lo, maxConst: hi})
		}
		if !rerangeable {
			if log != nil {
				log.Warn("quantized concat has non-requantized branches, leaving ranges alone", "node", concat.Name)
			}
			continue
		}

		lo, err := constScalarF32(branches[0].minConst)
		if err != nil {
			return nil, err
		}
		hi, err := constScalarF32(branches[0].maxConst)
		if err != nil {
			return nil, err
		}
		for _, b := range branches[1:] {
			v, err := constScalarF32(b.minConst)
			if err != nil {
				return nil, err
			}
			if v < lo {
				lo = v
			}
			v, err = constScalarF32(b.maxConst)
			if err != nil {
				return nil, err
			}
			if v > hi {
				hi = v
			}
		}

		for _, b := range branches {
			b.minConst.SetAttr("value", graph.AttrTensor(tensor.ScalarF32(lo)))
			b.maxConst.SetAttr("value", graph.AttrTensor(tensor.ScalarF32(hi)))
			b.conv.SetAttr("min_freezed_output", graph.AttrFloat(float64(lo)))
			b.conv.SetAttr("max_freezed_output", graph.AttrFloat(float64(hi)))
		}
		if log != nil {
			log.Debug("reranged quantized concat", "node", concat.Name, "min", lo, "max", hi, "branches", len(branches))
		}
	}
	return out, nil
}

func requantizedOutOp(op string) (string, bool) {
	for _, fused := range requantizedOp {
		if fused == op {
			return op, true
		}
	}
	return "", false
}
