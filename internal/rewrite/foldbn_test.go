package rewrite

import (
	"math"
	"testing"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

func constVec(t *testing.T, name string, vals []float32) *graph.Node {
	t.Helper()
	v, err := tensor.NewF32([]int{len(vals)}, vals)
	if err != nil {
		t.Fatal(err)
	}
	return graph.ConstTensor(name, v)
}

func bnTestGraph(t *testing.T, scaleAfterNorm bool) *graph.Graph {
	t.Helper()
	g := graph.New()
	g.Add(graph.NewNode("input", graph.OpPlaceholder))

	w, err := tensor.NewF32([]int{1, 1, 1, 2}, []float32{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	g.Add(graph.ConstTensor("weights", w))

	conv := graph.NewNode("conv", graph.OpConv2D, "input", "weights")
	conv.SetAttr("strides", graph.AttrInts([]int64{1, 1, 1, 1}))
	conv.SetAttr("padding", graph.AttrString("SAME"))
	g.Add(conv)

	g.Add(constVec(t, "mean", []float32{10, 20}))
	g.Add(constVec(t, "variance", []float32{0.25, 4}))
	g.Add(constVec(t, "beta", []float32{0.1, 0.2}))
	g.Add(constVec(t, "gamma", []float32{2, 3}))

	bn := graph.NewNode("bn", graph.OpBatchNormGlobal,
		"conv", "mean", "variance", "beta", "gamma")
	bn.SetAttr("variance_epsilon", graph.AttrFloat(0))
	bn.SetAttr("scale_after_normalization", graph.AttrBool(scaleAfterNorm))
	g.Add(bn)

	g.Add(graph.NewNode("out", graph.OpRelu, "bn"))
	return g
}

func TestFoldBatchNorm(t *testing.T) {
	g := bnTestGraph(t, true)
	folded, err := FoldBatchNorm(g, nil)
	if err != nil {
		t.Fatal(err)
	}

	m, err := graph.NodeMap(folded)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m["bn"]; !ok {
		t.Fatal("bias-add replacement did not take the batch-norm's name")
	}
	if m["bn"].Op != graph.OpBiasAdd {
		t.Fatalf("bn replacement op = %s, want BiasAdd", m["bn"].Op)
	}
	for _, gone := range []string{"mean", "variance", "beta", "gamma"} {
		if _, ok := m[gone]; ok {
			t.Fatalf("parameter %s survived the fold", gone)
		}
	}

	// scale_c = gamma_c / sqrt(var_c + eps); offset_c = beta_c - mean_c*scale_c
	wantScale := []float64{2 / math.Sqrt(0.25), 3 / math.Sqrt(4)}
	weights, err := graph.ConstValue(m["weights"])
	if err != nil {
		t.Fatal(err)
	}
	wantW := []float64{1 * wantScale[0], 2 * wantScale[1]}
	for i, v := range weights.F32 {
		if math.Abs(float64(v)-wantW[i]) > 1e-6 {
			t.Errorf("weights[%d] = %g, want %g", i, v, wantW[i])
		}
	}

	offset, err := graph.ConstValue(m["conv_bn_offset"])
	if err != nil {
		t.Fatal(err)
	}
	wantOff := []float64{0.1 - 10*wantScale[0], 0.2 - 20*wantScale[1]}
	for i, v := range offset.F32 {
		if math.Abs(float64(v)-wantOff[i]) > 1e-6 {
			t.Errorf("offset[%d] = %g, want %g", i, v, wantOff[i])
		}
	}
}

func TestFoldBatchNormWithoutGamma(t *testing.T) {
	g := bnTestGraph(t, false)
	folded, err := FoldBatchNorm(g, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := graph.NodeMap(folded)
	if err != nil {
		t.Fatal(err)
	}

	// scale_after_normalization=false leaves gamma out of the scale.
	wantScale := []float64{1 / math.Sqrt(0.25), 1 / math.Sqrt(4)}
	weights, err := graph.ConstValue(m["weights"])
	if err != nil {
		t.Fatal(err)
	}
	wantW := []float64{1 * wantScale[0], 2 * wantScale[1]}
	for i, v := range weights.F32 {
		if math.Abs(float64(v)-wantW[i]) > 1e-6 {
			t.Errorf("weights[%d] = %g, want %g", i, v, wantW[i])
		}
	}
}

func TestFoldBatchNormSkipsNonConstParams(t *testing.T) {
	g := bnTestGraph(t, true)
	// Swap a parameter for a non-const producer.
	for _, n := range g.Nodes {
		if n.Name == "mean" {
			n.Op = graph.OpIdentity
			n.Inputs = []string{"input"}
		}
	}

	folded, err := FoldBatchNorm(g, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := graph.NodeMap(folded)
	if err != nil {
		t.Fatal(err)
	}
	if m["bn"].Op != graph.OpBatchNormGlobal {
		t.Fatal("fold should have been skipped for non-const parameters")
	}
}

func TestFoldBatchNormDepthwise(t *testing.T) {
	g := graph.New()
	g.Add(graph.NewNode("input", graph.OpPlaceholder))

	// HWCM weights: 1x1, 2 channels, multiplier 2 -> 4 folded channels.
	w, err := tensor.NewF32([]int{1, 1, 2, 2}, []float32{1, 1, 1, 1})
	if err != nil {
		t.Fatal(err)
	}
	g.Add(graph.ConstTensor("weights", w))
	g.Add(graph.NewNode("conv", graph.OpDepthwiseConv, "input", "weights"))

	g.Add(constVec(t, "mean", []float32{0, 0, 0, 0}))
	g.Add(constVec(t, "variance", []float32{1, 1, 4, 4}))
	g.Add(constVec(t, "beta", []float32{0, 0, 0, 0}))
	g.Add(constVec(t, "gamma", []float32{1, 1, 1, 1}))

	bn := graph.NewNode("bn", graph.OpBatchNormGlobal,
		"conv", "mean", "variance", "beta", "gamma")
	bn.SetAttr("variance_epsilon", graph.AttrFloat(0))
	bn.SetAttr("scale_after_normalization", graph.AttrBool(true))
	g.Add(bn)

	folded, err := FoldBatchNorm(g, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := graph.NodeMap(folded)
	if err != nil {
		t.Fatal(err)
	}
	weights, err := graph.ConstValue(m["weights"])
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 1, 0.5, 0.5}
	for i, v := range weights.F32 {
		if math.Abs(float64(v-want[i])) > 1e-6 {
			t.Errorf("weights[%d] = %g, want %g", i, v, want[i])
		}
	}
}
