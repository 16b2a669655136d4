package rewrite

import (
	"testing"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

func mulTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	g.Add(graph.NewNode("input", graph.OpPlaceholder))

	wt, err := tensor.NewF32([]int{1, 1, 1, 2}, []float32{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	g.Add(graph.ConstTensor("weights", wt))
	vec, err := tensor.NewF32([]int{2}, []float32{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	g.Add(graph.ConstTensor("scale", vec))

	conv := graph.NewNode("conv", graph.OpConv2D, "input", "weights")
	conv.SetAttr("strides", graph.AttrInts([]int64{1, 1, 1, 1}))
	conv.SetAttr("padding", graph.AttrString("SAME"))
	g.Add(conv)
	g.Add(graph.NewNode("mul", graph.OpMul, "conv", "scale"))
	return g
}

func TestFuseColumnWiseMul(t *testing.T) {
	fused, err := FuseColumnWiseMul(mulTestGraph(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := graph.NodeMap(fused)
	if err != nil {
		t.Fatal(err)
	}

	// The convolution takes the multiply's name so consumers keep resolving.
	conv, ok := m["mul"]
	if !ok || conv.Op != graph.OpConv2D {
		t.Fatalf("fused conv = %+v", conv)
	}
	if _, ok := m["scale"]; ok {
		t.Fatal("multiplier constant survived the fuse")
	}
	for _, n := range fused.Nodes {
		if n.Op == graph.OpMul {
			t.Fatalf("multiply node %q survived the fuse", n.Name)
		}
	}

	// Weights are scaled per output channel.
	w, err := graph.ConstValue(m["weights"])
	if err != nil {
		t.Fatal(err)
	}
	if w.F32[0] != 2 || w.F32[1] != 6 {
		t.Fatalf("scaled weights = %v, want [2 6]", w.F32)
	}
}

func TestFuseColumnWiseMulSkipsNonConstMultiplier(t *testing.T) {
	g := mulTestGraph(t)
	m, err := graph.NodeMap(g)
	if err != nil {
		t.Fatal(err)
	}
	m["scale"].Op = graph.OpIdentity

	fused, err := FuseColumnWiseMul(g, nil)
	if err != nil {
		t.Fatal(err)
	}
	fm, err := graph.NodeMap(fused)
	if err != nil {
		t.Fatal(err)
	}
	if fm["mul"].Op != graph.OpMul {
		t.Fatal("non-const multiplier should leave the pattern untouched")
	}
}

func TestFuseColumnWiseMulSkipsChannelMismatch(t *testing.T) {
	g := mulTestGraph(t)
	m, err := graph.NodeMap(g)
	if err != nil {
		t.Fatal(err)
	}
	short, err := tensor.NewF32([]int{1}, []float32{5})
	if err != nil {
		t.Fatal(err)
	}
	m["scale"].SetAttr("value", graph.AttrTensor(short))

	fused, err := FuseColumnWiseMul(g, nil)
	if err != nil {
		t.Fatal(err)
	}
	fm, err := graph.NodeMap(fused)
	if err != nil {
		t.Fatal(err)
	}
	if fm["mul"].Op != graph.OpMul {
		t.Fatal("channel-count mismatch should leave the pattern untouched")
	}
}
