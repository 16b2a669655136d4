// Package rewrite implements the structural graph transformations of the
// quantization pipeline. Every pass takes a graph value and returns a new
// one; inputs are never mutated, so pass ordering bugs cannot leak partially
// rewritten state.
package rewrite

import (
	"fmt"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// StripUnused keeps only the dependency closure of the declared outputs and
// replaces the declared inputs with Placeholder nodes of the supplied
// dtypes. A missing output name is a structural error.
func StripUnused(g *graph.Graph, inputs, outputs []string, dtypes []tensor.DType) (*graph.Graph, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	m, err := graph.NodeMap(g)
	if err != nil {
		return nil, err
	}
	for _, out := range outputs {
		if _, ok := m[graph.BaseName(out)]; !ok {
			return nil, fmt.Errorf("output node %q absent from graph", out)
		}
	}

	inputIdx := make(map[string]int, len(inputs))
	for i, in := range inputs {
		inputIdx[in] = i
	}

	// Work on a copy where declared inputs are already placeholders, so the
	// closure walk does not drag in their former producers.
	work := graph.New()
	for _, n := range g.Nodes {
		if i, ok := inputIdx[n.Name]; ok {
			ph := graph.NewNode(n.Name, graph.OpPlaceholder)
			dt := tensor.DTypeF32
			if i < len(dtypes) {
				dt = dtypes[i]
			}
			ph.SetAttr("dtype", graph.AttrType(dt))
			work.Add(ph)
			continue
		}
		work.Add(n.Clone())
	}

	keep, err := graph.DependencyClosure(work, outputs)
	if err != nil {
		return nil, err
	}
	out := graph.New()
	for _, n := range work.Nodes {
		if _, ok := keep[n.Name]; ok {
			out.Add(n)
		}
	}
	return out, nil
}

// RemoveTrainingNodes drops pass-through Identity and CheckNumerics nodes
// left behind by training, rewiring their consumers to the underlying
// producer. Declared outputs are kept even when they are forwarding nodes.
func RemoveTrainingNodes(g *graph.Graph, outputs []string) (*graph.Graph, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	protected := make(map[string]struct{}, len(outputs))
	for _, o := range outputs {
		protected[graph.BaseName(o)] = struct{}{}
	}

	forward := map[string]string{}
	for _, n := range g.Nodes {
		if n.Op != graph.OpIdentity && n.Op != graph.OpCheckNumerics {
			continue
		}
		if _, keep := protected[n.Name]; keep {
			continue
		}
		if len(n.Inputs) != 1 {
			continue
		}
		forward[n.Name] = n.Inputs[0]
	}

	resolve := func(ref string) string {
		control := len(ref) > 0 && ref[0] == '^'
		// Forwarding chains collapse to the first real producer.
		seen := map[string]struct{}{}
		cur := ref
		for {
			base := graph.BaseName(cur)
			next, ok := forward[base]
			if !ok {
				break
			}
			if _, loop := seen[base]; loop {
				break
			}
			seen[base] = struct{}{}
			cur = next
		}
		if cur == ref {
			return ref
		}
		if control {
			return "^" + graph.BaseName(cur)
		}
		return cur
	}

	out := graph.New()
	for _, n := range g.Nodes {
		if _, drop := forward[n.Name]; drop {
			continue
		}
		nn := n.Clone()
		for i, ref := range nn.Inputs {
			nn.Inputs[i] = resolve(ref)
		}
		out.Add(nn)
	}
	return out, nil
}
