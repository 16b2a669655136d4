// Package calibrate drives instrumented inference over calibration batches
// and reduces the captured observations into frozen quantization ranges,
// either by running min/max or by a KL-divergence threshold search.
package calibrate

import (
	"math"
)

const (
	// histogramBins is the fixed bucket count activations are histogrammed
	// into, over the symmetric range [0, max|x|].
	histogramBins = 2048
	// quantLevels is the positive half of the signed 8-bit grid the
	// candidate distributions are collapsed onto.
	quantLevels = 128
	// minThresholdBin is the smallest candidate clipping bin. Candidates
	// below the quantized grid size cannot lose information and would always
	// win the divergence search.
	minThresholdBin = quantLevels
)

// Histogram accumulates absolute activation magnitudes across calibration
// iterations. When a later batch widens the observed range, existing counts
// are re-binned onto the new bucket width before the batch is added.
type Histogram struct {
	counts [histogramBins]float64
	maxAbs float32
	total  float64
}

// Observe folds one iteration's values into the histogram.
func (h *Histogram) Observe(values []float32) {
	hi := h.maxAbs
	for _, v := range values {
		a := float32(math.Abs(float64(v)))
		if a > hi {
			hi = a
		}
	}
	if hi > h.maxAbs {
		h.rebin(hi)
	}
	if h.maxAbs == 0 {
		return
	}
	width := h.maxAbs / histogramBins
	for _, v := range values {
		a := float32(math.Abs(float64(v)))
		i := int(a / width)
		if i >= histogramBins {
			i = histogramBins - 1
		}
		h.counts[i]++
		h.total++
	}
}

// rebin stretches the bucket grid to cover newMax, redistributing each old
// bucket's count to the bucket its center falls into.
func (h *Histogram) rebin(newMax float32) {
	if h.maxAbs > 0 && h.total > 0 {
		oldWidth := h.maxAbs / histogramBins
		newWidth := newMax / histogramBins
		var counts [histogramBins]float64
		for j, c := range h.counts {
			if c == 0 {
				continue
			}
			center := (float32(j) + 0.5) * oldWidth
			i := int(center / newWidth)
			if i >= histogramBins {
				i = histogramBins - 1
			}
			counts[i] += c
		}
		h.counts = counts
	}
	h.maxAbs = newMax
}

// MaxAbs returns the largest magnitude observed so far.
func (h *Histogram) MaxAbs() float32 { return h.maxAbs }

// OptimalThreshold searches candidate clipping points for the one whose
// 8-bit quantized distribution stays closest, in KL divergence, to the full
// float distribution. Counts beyond a candidate are folded into its last
// bucket, so heavy tails penalize aggressive clipping. The returned
// threshold never exceeds the observed maximum magnitude, and depends only
// on the shape of the distribution, not the sample count.
func (h *Histogram) OptimalThreshold() float32 {
	if h.total == 0 || h.maxAbs == 0 {
		return h.maxAbs
	}
	width := h.maxAbs / histogramBins

	bestBin := histogramBins
	bestKL := math.Inf(1)
	for i := minThresholdBin; i <= histogramBins; i++ {
		kl := h.candidateDivergence(i)
		if kl < bestKL {
			bestKL = kl
			bestBin = i
		}
	}

	threshold := (float32(bestBin) + 0.5) * width
	if threshold > h.maxAbs {
		threshold = h.maxAbs
	}
	return threshold
}

// candidateDivergence evaluates KL(ref ‖ quantized) for a clip at bin i.
func (h *Histogram) candidateDivergence(i int) float64 {
	ref := make([]float64, i)
	copy(ref, h.counts[:i])
	for _, c := range h.counts[i:] {
		ref[i-1] += c
	}

	// Collapse the i reference buckets onto quantLevels cells, then expand
	// back, spreading each cell's mass evenly over its populated buckets.
	quant := make([]float64, i)
	perCell := float64(i) / quantLevels
	for cell := 0; cell < quantLevels; cell++ {
		lo := int(float64(cell) * perCell)
		hi := int(float64(cell+1) * perCell)
		if cell == quantLevels-1 {
			hi = i
		}
		var mass float64
		var populated int
		for j := lo; j < hi; j++ {
			if h.counts[j] > 0 || (j == i-1 && ref[j] > 0) {
				populated++
			}
			mass += ref[j]
		}
		if populated == 0 {
			continue
		}
		share := mass / float64(populated)
		for j := lo; j < hi; j++ {
			if h.counts[j] > 0 || (j == i-1 && ref[j] > 0) {
				quant[j] = share
			}
		}
	}

	var refSum, quantSum float64
	for j := 0; j < i; j++ {
		refSum += ref[j]
		quantSum += quant[j]
	}
	if refSum == 0 || quantSum == 0 {
		return math.Inf(1)
	}

	var kl float64
	for j := 0; j < i; j++ {
		if ref[j] == 0 {
			continue
		}
		p := ref[j] / refSum
		q := quant[j] / quantSum
		if q == 0 {
			return math.Inf(1)
		}
		kl += p * math.Log(p/q)
	}
	return kl
}
