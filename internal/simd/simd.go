package simd

import "math"

// Vector helpers shared by the reference attention and the tiled kernels.
// Loops are unrolled by 4 for better pipelining; all math is float32 with
// float64 accumulation only where the exponential requires it.

// DotProduct computes the dot product of two float32 vectors.
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// VecAdd performs dst += src.
func VecAdd(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale.
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecScale performs dst *= scale.
func VecScale(dst []float32, scale float32) {
	for i := range dst {
		dst[i] *= scale
	}
}

// MaxVal returns the maximum element of a non-empty vector.
func MaxVal(row []float32) float32 {
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// SoftmaxMasked applies a numerically stable softmax in place, treating rows
// whose maximum does not exceed floor as fully excluded: such rows become all
// zeros instead of NaN. floor is normally half the exclusion sentinel, so that
// a row containing only sentinel-masked logits is recognized even after other
// finite biases have been added to it.
func SoftmaxMasked(row []float32, floor float32) {
	max := MaxVal(row)
	if max <= floor {
		for i := range row {
			row[i] = 0
		}
		return
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - max))
		row[i] = float32(e)
		sum += e
	}
	inv := float32(1.0 / sum)
	for i := range row {
		row[i] *= inv
	}
}
