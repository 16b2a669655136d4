package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/graphio"
)

func inspectCmd() *cli.Command {
	var (
		graphPath  string
		showNodes  bool
		showRanges bool
		nodeFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a .lbg or .json graph",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "graph",
				Aliases:     []string{"g"},
				Usage:       "path to the graph",
				Destination: &graphPath,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "nodes",
				Usage:       "list every node with its inputs and attributes",
				Destination: &showNodes,
			},
			&cli.BoolFlag{
				Name:        "ranges",
				Usage:       "report frozen quantization ranges",
				Destination: &showRanges,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "only list nodes whose name contains this substring",
				Destination: &nodeFilter,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			g, err := graphio.Load(graphPath)
			if err != nil {
				return err
			}

			fmt.Printf("graph: %s\n", graphPath)
			fmt.Printf("nodes: %d\n\n", len(g.Nodes))
			printOpHistogram(g)
			if showNodes {
				fmt.Println()
				printNodes(g, nodeFilter)
			}
			if showRanges {
				fmt.Println()
				printRanges(g)
			}
			return nil
		},
	}
}

func printOpHistogram(g *graph.Graph) {
	counts := map[string]int{}
	for _, n := range g.Nodes {
		counts[n.Op]++
	}
	ops := make([]string, 0, len(counts))
	for op := range counts {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if counts[ops[i]] != counts[ops[j]] {
			return counts[ops[i]] > counts[ops[j]]
		}
		return ops[i] < ops[j]
	})
	fmt.Println("op histogram:")
	for _, op := range ops {
		fmt.Printf("  %-40s %d\n", op, counts[op])
	}
}

func printNodes(g *graph.Graph, filter string) {
	fmt.Println("nodes:")
	for _, n := range g.Nodes {
		if filter != "" && !strings.Contains(n.Name, filter) {
			continue
		}
		fmt.Printf("  %s (%s)\n", n.Name, n.Op)
		if len(n.Inputs) > 0 {
			fmt.Printf("    inputs: %s\n", strings.Join(n.Inputs, ", "))
		}
		keys := make([]string, 0, len(n.Attrs))
		for k := range n.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s = %s\n", k, attrSummary(n, k))
		}
	}
}

func attrSummary(n *graph.Node, key string) string {
	a := n.Attrs[key]
	if t, err := a.Tensor(); err == nil {
		return fmt.Sprintf("tensor<%s>%v (%d elems)", t.DType, t.Shape, t.Elems())
	}
	if v, err := a.Float(); err == nil {
		return fmt.Sprintf("%g", v)
	}
	if v, err := a.Int(); err == nil {
		return fmt.Sprintf("%d", v)
	}
	if v, err := a.Bool(); err == nil {
		return fmt.Sprintf("%t", v)
	}
	if v, err := a.Str(); err == nil {
		return fmt.Sprintf("%q", v)
	}
	if v, err := a.Type(); err == nil {
		return v.String()
	}
	if v, err := a.Ints(); err == nil {
		return fmt.Sprintf("%v", v)
	}
	return "?"
}

// printRanges reports the frozen output range of every requantized fused op.
func printRanges(g *graph.Graph) {
	fmt.Println("frozen ranges:")
	found := false
	for _, n := range g.Nodes {
		lo, okLo := n.Attrs["min_freezed_output"]
		hi, okHi := n.Attrs["max_freezed_output"]
		if !okLo || !okHi {
			continue
		}
		loV, err1 := lo.Float()
		hiV, err2 := hi.Float()
		if err1 != nil || err2 != nil {
			continue
		}
		fmt.Printf("  %-50s [%g, %g]\n", n.Name, loV, hiV)
		found = true
	}
	if !found {
		fmt.Println("  (none: graph has no requantized ops)")
	}
}
