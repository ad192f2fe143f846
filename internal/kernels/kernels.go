// Package kernels holds the specialized attention compute paths the
// dispatcher routes to. Each kernel has a fixed signature and a narrow
// capability contract; for any input it accepts, its output matches the dense
// reference implementation within working-precision tolerance. Capability
// checks live in the dispatcher — a kernel invoked outside its contract
// panics rather than degrading silently.
package kernels

import (
	"log"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// MaskFunc reports whether target position t may attend to source position s.
type MaskFunc func(t, s int) bool

// negInf mirrors the attention package's finite exclusion sentinel: large
// enough to zero a position under softmax, finite so that all-excluded rows
// never produce NaN.
const negInf float32 = -1e15

// sentinelFloor marks a row maximum as "everything excluded"; such rows
// resolve to zero output instead of a spurious uniform distribution.
const sentinelFloor = negInf / 2

var numWorkers = runtime.NumCPU()

func parallelFor(n int, fn func(i int)) {
	workers := numWorkers
	if n < workers {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var wg sync.WaitGroup
	per := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * per
		end := start + per
		if start >= n {
			break
		}
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// biasView provides broadcast-aware element access into a dense bias tensor
// for the [batch, heads, target, source] logit layout.
type biasView struct {
	data    []float32
	strides [4]int
}

// newBiasView validates that bias broadcasts to [batch, heads, tLen, sLen]
// and precomputes strides (0 on broadcast axes). Returns nil for a nil bias.
func newBiasView(bias *tensor.Tensor, batch, heads, tLen, sLen int) *biasView {
	if bias == nil {
		return nil
	}
	want := [4]int{batch, heads, tLen, sLen}
	var shape [4]int
	for i := range shape {
		shape[i] = 1
	}
	for i, d := range bias.Shape() {
		shape[4-bias.Rank()+i] = d
	}
	v := &biasView{data: bias.Data()}
	stride := 1
	for i := 3; i >= 0; i-- {
		if shape[i] != 1 && shape[i] != want[i] {
			log.Panicf("kernels: bias shape %v is not broadcastable to %v", bias.Shape(), want)
		}
		if shape[i] == 1 {
			v.strides[i] = 0
		} else {
			v.strides[i] = stride
		}
		stride *= shape[i]
	}
	return v
}

func (v *biasView) at(b, h, t, s int) float32 {
	return v.data[b*v.strides[0]+h*v.strides[1]+t*v.strides[2]+s*v.strides[3]]
}

// checkEqualHeads validates the pre-repeated q/k/v layout shared by the
// prefill kernels.
func checkEqualHeads(q, k, v *tensor.Tensor) (batch, tLen, sLen, heads, headDim int) {
	batch, tLen, heads, headDim = q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	sLen = k.Dim(1)
	if k.Dim(0) != batch || v.Dim(0) != batch || v.Dim(1) != sLen ||
		k.Dim(2) != heads || v.Dim(2) != heads || k.Dim(3) != headDim || v.Dim(3) != headDim {
		log.Panicf("kernels: incompatible q/k/v shapes %v/%v/%v", q.Shape(), k.Shape(), v.Shape())
	}
	return
}
