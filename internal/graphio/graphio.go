// Package graphio loads and saves serialized graphs. Two forms exist: a
// little-endian binary container (.lbg) for pipeline temps and final output,
// and a JSON text form for hand-written graphs and debugging. The form is
// selected by file extension, .json meaning text and anything else binary.
package graphio

import (
	"os"
	"strings"

	"github.com/lowbit-ml/lowbit/internal/graph"
)

// Load reads a graph from disk, selecting the form by extension, and
// validates the no-duplicate-names invariant before returning it.
func Load(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g *graph.Graph
	if textForm(path) {
		g, err = UnmarshalText(data)
	} else {
		g, err = UnmarshalBinary(data)
	}
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Save writes a graph to disk, selecting the form by extension.
func Save(g *graph.Graph, path string) error {
	var data []byte
	var err error
	if textForm(path) {
		data, err = MarshalText(g)
	} else {
		data, err = MarshalBinary(g)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func textForm(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".json")
}
