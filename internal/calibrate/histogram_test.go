package calibrate

import (
	"math"
	"math/rand"
	"testing"
)

func TestOptimalThresholdBounded(t *testing.T) {
	h := &Histogram{}
	rng := rand.New(rand.NewSource(1))
	vals := make([]float32, 4096)
	for i := range vals {
		vals[i] = float32(rng.NormFloat64())
	}
	h.Observe(vals)

	th := h.OptimalThreshold()
	if th <= 0 {
		t.Fatalf("threshold = %g, want positive", th)
	}
	if th > h.MaxAbs() {
		t.Fatalf("threshold %g exceeds max magnitude %g", th, h.MaxAbs())
	}
}

func TestOptimalThresholdScaleInvariantInCounts(t *testing.T) {
	base := make([]float32, 2000)
	rng := rand.New(rand.NewSource(7))
	for i := range base {
		base[i] = float32(rng.NormFloat64())
	}

	var once, thrice Histogram
	once.Observe(base)
	for i := 0; i < 3; i++ {
		thrice.Observe(base)
	}

	a, b := once.OptimalThreshold(), thrice.OptimalThreshold()
	if math.Abs(float64(a-b)) > 1e-6 {
		t.Fatalf("threshold depends on sample count: %g vs %g", a, b)
	}
}

func TestOptimalThresholdClipsHeavyOutlier(t *testing.T) {
	// A tight cluster plus one far outlier: the optimal clip should land
	// well below the outlier instead of stretching the grid over empty
	// space.
	h := &Histogram{}
	vals := make([]float32, 0, 10001)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 10000; i++ {
		vals = append(vals, float32(rng.NormFloat64()))
	}
	vals = append(vals, 1000)
	h.Observe(vals)

	th := h.OptimalThreshold()
	if th > 500 {
		t.Fatalf("threshold %g hugs the outlier", th)
	}
}

func TestHistogramRebinPreservesTotal(t *testing.T) {
	h := &Histogram{}
	h.Observe([]float32{0.1, 0.2, 0.3})
	h.Observe([]float32{100}) // widens the range, forcing a re-bin

	var count float64
	for _, c := range h.counts {
		count += c
	}
	if count != 4 {
		t.Fatalf("counts sum to %g after re-bin, want 4", count)
	}
	if h.MaxAbs() != 100 {
		t.Fatalf("maxAbs = %g, want 100", h.MaxAbs())
	}
}

func TestOptimalThresholdEmpty(t *testing.T) {
	h := &Histogram{}
	if th := h.OptimalThreshold(); th != 0 {
		t.Fatalf("threshold of empty histogram = %g, want 0", th)
	}
}
