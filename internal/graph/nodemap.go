package graph

import (
	"fmt"

	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// NodeMap indexes a graph by node name. Duplicate names are a structural
// validation error surfaced before any lookup happens.
func NodeMap(g *Graph) (map[string]*Node, error) {
	m := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := m[n.Name]; dup {
			return nil, fmt.Errorf("duplicate node name %q", n.Name)
		}
		m[n.Name] = n
	}
	return m, nil
}

// FromMap resolves a possibly decorated input reference against a node map.
func FromMap(m map[string]*Node, ref string) (*Node, error) {
	n, ok := m[BaseName(ref)]
	if !ok {
		return nil, fmt.Errorf("no node named %q in graph", ref)
	}
	return n, nil
}

// ConstValue extracts the tensor held by a Const node.
func ConstValue(n *Node) (*tensor.Dense, error) {
	if n.Op != OpConst {
		return nil, fmt.Errorf("node %q is %s, not Const", n.Name, n.Op)
	}
	a, err := n.Attr("value")
	if err != nil {
		return nil, err
	}
	t, err := a.Tensor()
	if err != nil {
		return nil, fmt.Errorf("const %q: %w", n.Name, err)
	}
	return t, nil
}

// Consumers maps each node name to the nodes referencing it as an input.
func Consumers(g *Graph) map[string][]*Node {
	out := make(map[string][]*Node)
	for _, n := range g.Nodes {
		for _, ref := range n.Inputs {
			base := BaseName(ref)
			out[base] = append(out[base], n)
		}
	}
	return out
}
