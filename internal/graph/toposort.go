package graph

import "fmt"

// SortByDependency orders the dependency closure of the declared outputs so
// every node appears after all of its inputs. This is the canonical
// iteration order for pattern matching and instrumentation placement.
func SortByDependency(g *Graph, outputs []string) ([]*Node, error) {
	m, err := NodeMap(g)
	if err != nil {
		return nil, err
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.Nodes))
	var order []*Node

	var visit func(name string) error
	visit = func(name string) error {
		n, err := FromMap(m, name)
		if err != nil {
			return err
		}
		switch state[n.Name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cycle through node %q", n.Name)
		}
		state[n.Name] = visiting
		for _, in := range n.Inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		state[n.Name] = done
		order = append(order, n)
		return nil
	}

	for _, out := range outputs {
		if err := visit(out); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// DependencyClosure returns the set of node names reachable from the
// declared outputs, following data and control inputs.
func DependencyClosure(g *Graph, outputs []string) (map[string]struct{}, error) {
	sorted, err := SortByDependency(g, outputs)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(sorted))
	for _, n := range sorted {
		set[n.Name] = struct{}{}
	}
	return set, nil
}
