package calibrate

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/rewrite"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// sliceDataset replays a fixed list of single-input batches.
type sliceDataset struct {
	batches [][]float32
	pos     int
}

func (d *sliceDataset) Next() (Feed, error) {
	if d.pos >= len(d.batches) {
		return nil, ErrOutOfData
	}
	vals := d.batches[d.pos]
	d.pos++
	t, err := tensor.NewF32([]int{len(vals)}, vals)
	if err != nil {
		return nil, err
	}
	return Feed{"input": t}, nil
}

func (d *sliceDataset) Reset() error {
	d.pos = 0
	return nil
}

// printRunner emits the records a real engine would print for the current
// batch: running min/max of the input, the accumulator range, and the raw
// float output for KL taps. Like a real engine it evaluates only the
// dependency closure of the requested outputs; a Print tap outside that
// closure emits nothing.
type printRunner struct {
	runs int
}

func (r *printRunner) Run(ctx context.Context, g *graph.Graph, feed Feed, outputs []string) error {
	r.runs++
	in := feed["input"]
	lo, hi, err := in.MinMax()
	if err != nil {
		return err
	}
	closure, err := graph.DependencyClosure(g, outputs)
	if err != nil {
		return err
	}
	for _, n := range g.Nodes {
		if n.Op != graph.OpPrint {
			continue
		}
		if _, reached := closure[n.Name]; !reached {
			continue
		}
		msg, err := n.Attrs["message"].Str()
		if err != nil {
			return err
		}
		switch {
		case hasTag(msg, "__min:"):
			fmt.Fprintf(os.Stderr, "%s[%g]", msg, lo)
		case hasTag(msg, "__max:"):
			fmt.Fprintf(os.Stderr, "%s[%g]", msg, hi)
		case hasTag(msg, "__requant_min_max:"):
			fmt.Fprintf(os.Stderr, "%s[%g][%g]", msg, lo*2, hi*2)
		case hasTag(msg, "__KL:"):
			fmt.Fprintf(os.Stderr, "%s[", msg)
			for i, v := range in.F32 {
				if i > 0 {
					fmt.Fprint(os.Stderr, " ")
				}
				fmt.Fprintf(os.Stderr, "%g", v)
			}
			fmt.Fprint(os.Stderr, "]")
		}
	}
	return nil
}

func hasTag(msg, tag string) bool {
	return len(msg) >= len(tag) && msg[len(msg)-len(tag):] == tag
}

// loggedTestGraph mirrors the instrumented quantized cluster: every Print
// tap sits on the path from the input to the declared output "out", the way
// InsertLogging rewires consumers.
func loggedTestGraph() *graph.Graph {
	g := graph.New()
	g.Add(graph.NewNode("input", graph.OpPlaceholder))
	g.Add(graph.NewNode("conv_eightbit_min_in", graph.OpMin, "input"))
	g.Add(graph.NewNode("conv_eightbit_max_in", graph.OpMax, "input"))

	min := graph.NewNode("conv_eightbit_min_in__print__", graph.OpPrint,
		"conv_eightbit_min_in:0", "conv_eightbit_min_in:0")
	min.SetAttr("message", graph.AttrString(";conv_eightbit_min_in__print__;__min:"))
	g.Add(min)
	max := graph.NewNode("conv_eightbit_max_in__print__", graph.OpPrint,
		"conv_eightbit_max_in:0", "conv_eightbit_max_in:0")
	max.SetAttr("message", graph.AttrString(";conv_eightbit_max_in__print__;__max:"))
	g.Add(max)

	g.Add(graph.NewNode("conv_eightbit_quantize", graph.OpQuantizeV2,
		"input", "conv_eightbit_min_in__print__", "conv_eightbit_max_in__print__"))
	g.Add(graph.NewNode("conv_eightbit_requant_range", graph.OpRequantRange,
		"conv_eightbit_quantize:0"))
	rr := graph.NewNode("conv_eightbit_requant_range__print__", graph.OpPrint,
		"conv_eightbit_requant_range:0",
		"conv_eightbit_requant_range:0", "conv_eightbit_requant_range:1")
	rr.SetAttr("message", graph.AttrString(";conv_eightbit_requant_range__print__;__requant_min_max:"))
	g.Add(rr)
	g.Add(graph.NewNode("out", graph.OpRequantize,
		"conv_eightbit_quantize:0",
		"conv_eightbit_requant_range__print__",
		"conv_eightbit_requant_range:1"))
	return g
}

func TestEngineAccumulatesObservations(t *testing.T) {
	ds := &sliceDataset{batches: [][]float32{{-1, 2}, {-3, 1}}}
	runner := &printRunner{}
	e := &Engine{Runner: runner, Dataset: ds, Outputs: []string{"out"}, Iterations: 10}

	obs, err := e.Run(context.Background(), loggedTestGraph(), nil)
	if err != nil {
		t.Fatal(err)
	}
	// The dataset has 2 batches; exhaustion is a graceful stop.
	if runner.runs != 2 {
		t.Fatalf("runner ran %d times, want 2", runner.runs)
	}

	minima := obs.Minima["conv_eightbit_min_in"]
	if len(minima) != 2 || minima[0] != -1 || minima[1] != -3 {
		t.Fatalf("minima = %v", minima)
	}
	maxima := obs.Maxima["conv_eightbit_max_in"]
	if len(maxima) != 2 || maxima[0] != 2 || maxima[1] != 1 {
		t.Fatalf("maxima = %v", maxima)
	}
	ranges := obs.Ranges["conv_eightbit_requant_range"]
	if len(ranges) != 2 || ranges[0] != [2]float32{-2, 4} || ranges[1] != [2]float32{-6, 2} {
		t.Fatalf("ranges = %v", ranges)
	}
}

func TestEngineIterationBound(t *testing.T) {
	ds := &sliceDataset{batches: [][]float32{{1}, {2}, {3}, {4}}}
	runner := &printRunner{}
	e := &Engine{Runner: runner, Dataset: ds, Outputs: []string{"out"}, Iterations: 2}

	if _, err := e.Run(context.Background(), loggedTestGraph(), nil); err != nil {
		t.Fatal(err)
	}
	if runner.runs != 2 {
		t.Fatalf("runner ran %d times, want the 2-iteration bound", runner.runs)
	}
}

// klTestGraph taps the terminal relu: the tap has no consumers and sits
// outside the closure of the declared output "relu", so the threshold pass
// must request it explicitly.
func klTestGraph() *graph.Graph {
	g := graph.New()
	g.Add(graph.NewNode("input", graph.OpPlaceholder))
	g.Add(graph.NewNode("relu", graph.OpRelu, "input"))
	tap := graph.NewNode("relu__print__", graph.OpPrint, "relu:0", "relu:0")
	tap.SetAttr("message", graph.AttrString(";relu__print__;__KL:"))
	g.Add(tap)
	return g
}

func TestEngineKLThresholds(t *testing.T) {
	ds := &sliceDataset{batches: [][]float32{{-1, 0.5, 2}, {0.25, -2, 1}}}
	runner := &printRunner{}

	e := &Engine{
		Runner:     runner,
		Dataset:    ds,
		Outputs:    []string{"out"},
		Iterations: 5,
		KLKeys:     map[string]string{"relu": "conv" + rewrite.SuffixRequantRange},
		KLOutputs:  []string{"relu", "relu__print__"},
	}
	obs, err := e.Run(context.Background(), loggedTestGraph(), klTestGraph())
	if err != nil {
		t.Fatal(err)
	}

	th, ok := obs.KLThresholds["conv"+rewrite.SuffixRequantRange]
	if !ok {
		t.Fatalf("no KL threshold recorded: %v", obs.KLThresholds)
	}
	if th <= 0 || th > 2 {
		t.Fatalf("threshold = %g, want within (0, max|x|=2]", th)
	}
	// Both graphs consumed the dataset: logged pass plus the replay.
	if runner.runs != 4 {
		t.Fatalf("runner ran %d times, want 4", runner.runs)
	}
}

// A threshold pass that only requests the declared graph outputs never
// reaches a consumerless tap: no records arrive and no threshold appears.
// The engine must widen the requested outputs with the tap names instead of
// relying on the runner evaluating unreachable nodes.
func TestEngineKLTapOutsideOutputClosure(t *testing.T) {
	ds := &sliceDataset{batches: [][]float32{{1, 2}}}
	e := &Engine{
		Runner:     &printRunner{},
		Dataset:    ds,
		Outputs:    []string{"out"},
		Iterations: 5,
		KLOutputs:  []string{"relu"}, // the tap is deliberately not requested
	}
	obs, err := e.Run(context.Background(), loggedTestGraph(), klTestGraph())
	if err != nil {
		t.Fatal(err)
	}
	if len(obs.KLThresholds) != 0 {
		t.Fatalf("unreachable tap produced thresholds: %v", obs.KLThresholds)
	}
}
