package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	VecAdd(dst, src)
	want := []float32{11, 22, 33, 44, 55}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("VecAdd[%d] = %f, want %f", i, dst[i], want[i])
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 1, 1, 1, 1, 1}
	src := []float32{1, 2, 3, 4, 5, 6}
	VecAddScaled(dst, src, 0.5)
	want := []float32{1.5, 2, 2.5, 3, 3.5, 4}
	for i := range want {
		if math.Abs(float64(dst[i]-want[i])) > 1e-6 {
			t.Errorf("VecAddScaled[%d] = %f, want %f", i, dst[i], want[i])
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 2, 2, 2, 2}
	got := DotProduct(a, b)
	if got != 30 {
		t.Errorf("DotProduct = %f, want 30", got)
	}

	// Odd length exercises the unroll remainder.
	a = []float32{1, 2, 3}
	b = []float32{4, 5, 6}
	got = DotProduct(a, b)
	if got != 32 {
		t.Errorf("DotProduct = %f, want 32", got)
	}
}

func TestMaxVal(t *testing.T) {
	row := []float32{-3, 7, 2, -10}
	if got := MaxVal(row); got != 7 {
		t.Errorf("MaxVal = %f, want 7", got)
	}
}

func TestSoftmaxMasked(t *testing.T) {
	row := []float32{1, 2, 3}
	SoftmaxMasked(row, -1e14)

	var sum float32
	for _, v := range row {
		sum += v
	}
	if math.Abs(float64(sum-1.0)) > 1e-5 {
		t.Errorf("softmax row sums to %f, want 1.0", sum)
	}
	if !(row[2] > row[1] && row[1] > row[0]) {
		t.Errorf("softmax not monotone: %v", row)
	}
}

func TestSoftmaxMasked_AllExcluded(t *testing.T) {
	row := []float32{-1e15, -1e15, -1e15}
	SoftmaxMasked(row, -5e14)
	for i, v := range row {
		if v != 0 {
			t.Errorf("excluded row[%d] = %f, want 0", i, v)
		}
		if math.IsNaN(float64(v)) {
			t.Fatalf("excluded row produced NaN at %d", i)
		}
	}
}
