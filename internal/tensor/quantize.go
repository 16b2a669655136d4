package tensor

import (
	"fmt"
	"math"
)

// QuantizeSymmetric maps a float32 tensor onto signed 8-bit values using a
// symmetric scale: q = round(v * 127 / max|v|). The returned min/max pair is
// the float range the qint8 payload represents, which downstream quantized
// ops carry alongside the data.
func QuantizeSymmetric(t *Dense) (*Dense, float32, float32, error) {
	if t.DType != DTypeF32 {
		return nil, 0, 0, fmt.Errorf("tensor: symmetric quantization needs f32, have %s", t.DType)
	}
	var maxAbs float32
	for _, v := range t.F32 {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		// All-zero weights still need a non-degenerate range.
		maxAbs = 1
	}
	scale := 127 / maxAbs
	q := make([]int8, len(t.F32))
	for i, v := range t.F32 {
		r := math.RoundToEven(float64(v * scale))
		if r > 127 {
			r = 127
		} else if r < -127 {
			r = -127
		}
		q[i] = int8(r)
	}
	out := &Dense{DType: DTypeQI8, Shape: append([]int(nil), t.Shape...), I8: q}
	return out, -maxAbs, maxAbs, nil
}

// DequantizeLinear maps 8-bit values back into floats over [minRange,
// maxRange]. Unsigned payloads span the full range; signed payloads use the
// symmetric magnitude.
func DequantizeLinear(t *Dense, minRange, maxRange float32) (*Dense, error) {
	switch t.DType {
	case DTypeQU8, DTypeU8:
		scale := (maxRange - minRange) / 255
		f := make([]float32, len(t.U8))
		for i, v := range t.U8 {
			f[i] = minRange + float32(v)*scale
		}
		return &Dense{DType: DTypeF32, Shape: append([]int(nil), t.Shape...), F32: f}, nil
	case DTypeQI8, DTypeI8:
		maxAbs := float32(math.Max(math.Abs(float64(minRange)), math.Abs(float64(maxRange))))
		f := make([]float32, len(t.I8))
		for i, v := range t.I8 {
			f[i] = float32(v) * maxAbs / 127
		}
		return &Dense{DType: DTypeF32, Shape: append([]int(nil), t.Shape...), F32: f}, nil
	default:
		return nil, fmt.Errorf("tensor: cannot dequantize %s", t.DType)
	}
}
