// Package graph holds the in-memory dataflow graph the conversion pipeline
// rewrites. Nodes reference their inputs by name; an input reference may be
// decorated with a leading ^ (control dependency) and a trailing :N output
// slot, both stripped by BaseName before resolution.
package graph

import (
	"fmt"
	"strings"

	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// Common operator kinds the pipeline matches on. Anything else passes
// through untouched.
const (
	OpConst         = "Const"
	OpPlaceholder   = "Placeholder"
	OpIdentity      = "Identity"
	OpCheckNumerics = "CheckNumerics"
	OpConv2D        = "Conv2D"
	OpDepthwiseConv = "DepthwiseConv2dNative"
	OpBiasAdd       = "BiasAdd"
	OpRelu          = "Relu"
	OpAdd           = "Add"
	OpMul           = "Mul"
	OpConcatV2      = "ConcatV2"
	OpMin           = "Min"
	OpMax           = "Max"
	OpPrint         = "Print"

	OpFusedBatchNorm  = "FusedBatchNorm"
	OpBatchNormGlobal = "BatchNormWithGlobalNormalization"

	OpQuantizeV2        = "QuantizeV2"
	OpDequantize        = "Dequantize"
	OpRequantize        = "Requantize"
	OpRequantRange      = "RequantizationRange"
	OpQuantizedConcatV2 = "QuantizedConcatV2"

	OpQConvWithBias               = "QuantizedConv2DWithBias"
	OpQConvWithBiasRelu           = "QuantizedConv2DWithBiasAndRelu"
	OpQConvWithBiasSumRelu        = "QuantizedConv2DWithBiasSumAndRelu"
	OpQConvWithBiasRequant        = "QuantizedConv2DWithBiasAndRequantize"
	OpQConvWithBiasReluRequant    = "QuantizedConv2DWithBiasAndReluAndRequantize"
	OpQConvWithBiasSumReluRequant = "QuantizedConv2DWithBiasSumAndReluAndRequantize"
)

// Node is one operator instance: a unique name, an op kind, an ordered input
// reference list and a typed attribute bag.
type Node struct {
	Name   string
	Op     string
	Inputs []string
	Attrs  map[string]*Attr
}

// NewNode builds a node with the given inputs and an empty attribute bag.
func NewNode(name, op string, inputs ...string) *Node {
	return &Node{Name: name, Op: op, Inputs: inputs, Attrs: map[string]*Attr{}}
}

// SetAttr stores an attribute, allocating the bag if needed.
func (n *Node) SetAttr(key string, a *Attr) *Node {
	if n.Attrs == nil {
		n.Attrs = map[string]*Attr{}
	}
	n.Attrs[key] = a
	return n
}

// Attr looks an attribute up, erroring with the node and key on absence.
func (n *Node) Attr(key string) (*Attr, error) {
	a, ok := n.Attrs[key]
	if !ok {
		return nil, fmt.Errorf("node %q has no attribute %q", n.Name, key)
	}
	return a, nil
}

// Clone deep-copies the node.
func (n *Node) Clone() *Node {
	out := &Node{
		Name:   n.Name,
		Op:     n.Op,
		Inputs: append([]string(nil), n.Inputs...),
		Attrs:  make(map[string]*Attr, len(n.Attrs)),
	}
	for k, a := range n.Attrs {
		out.Attrs[k] = a.Clone()
	}
	return out
}

// Graph is an ordered node collection. Passes treat it as immutable: each
// pass builds and returns a fresh Graph rather than mutating its input.
type Graph struct {
	Nodes []*Node
}

// New returns an empty graph.
func New() *Graph { return &Graph{} }

// Add appends a node.
func (g *Graph) Add(nodes ...*Node) {
	g.Nodes = append(g.Nodes, nodes...)
}

// Clone deep-copies the graph.
func (g *Graph) Clone() *Graph {
	out := &Graph{Nodes: make([]*Node, len(g.Nodes))}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	return out
}

// Validate checks the structural invariant every pass assumes: no two nodes
// share a name.
func (g *Graph) Validate() error {
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = struct{}{}
	}
	return nil
}

// BaseName strips the control-dependency marker and output-slot suffix from
// an input reference, leaving the producing node's name.
func BaseName(ref string) string {
	ref = strings.TrimPrefix(ref, "^")
	if i := strings.LastIndexByte(ref, ':'); i >= 0 {
		digits := ref[i+1:]
		if len(digits) > 0 {
			allDigits := true
			for _, c := range digits {
				if c < '0' || c > '9' {
					allDigits = false
					break
				}
			}
			if allDigits {
				return ref[:i]
			}
		}
	}
	return ref
}

// ConstTensor is a convenience constructor for a Const node carrying a
// tensor value and its dtype tag.
func ConstTensor(name string, t *tensor.Dense) *Node {
	n := NewNode(name, OpConst)
	n.SetAttr("dtype", AttrType(t.DType))
	n.SetAttr("value", AttrTensor(t))
	return n
}

// ConstScalarF32 builds a Const node holding one float32.
func ConstScalarF32(name string, v float32) *Node {
	return ConstTensor(name, tensor.ScalarF32(v))
}
