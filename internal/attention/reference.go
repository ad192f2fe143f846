package attention

import (
	"log"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var numWorkers = runtime.NumCPU()

// Reference is the dense multi-head attention baseline. Every specialized
// kernel must match its output within the tolerance of its working precision;
// it is also the designated safety-net compute path for the CPU and generic
// fallback backends.
//
// Shapes: q [batch, targetLen, heads, headDim], k and v
// [batch, sourceLen, heads, headDim] with heads already repeated to match q
// (see RepeatKVHeads). bias, when non-nil, must be broadcastable to
// [batch, heads, targetLen, sourceLen]. segmentIDs, when non-nil, is
// [batch, length] and requires targetLen == sourceLen.
//
// Masking and the causal constraint pin excluded logits to NegInf before the
// dense bias is added; rows left fully excluded resolve to all-zero
// probabilities rather than NaN. The context is returned in v's element type.
func Reference(q, k, v, bias, segmentIDs *tensor.Tensor, causal bool, softmaxScale float64) *tensor.Tensor {
	batch, targetLen, heads, headDim := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	sourceLen := k.Dim(1)

	if q.Rank() != 4 || k.Rank() != 4 || v.Rank() != 4 {
		log.Panicf("attention: reference expects rank-4 q/k/v, got %d/%d/%d", q.Rank(), k.Rank(), v.Rank())
	}
	if k.Dim(0) != batch || v.Dim(0) != batch || v.Dim(1) != sourceLen {
		log.Panicf("attention: reference batch/length mismatch: q %v k %v v %v", q.Shape(), k.Shape(), v.Shape())
	}
	if k.Dim(2) != heads || v.Dim(2) != heads || k.Dim(3) != headDim || v.Dim(3) != headDim {
		log.Panicf("attention: reference head mismatch: q %v k %v v %v (repeat kv heads first)", q.Shape(), k.Shape(), v.Shape())
	}
	var segData []float32
	if segmentIDs != nil {
		if segmentIDs.Rank() != 2 || segmentIDs.Dim(0) != batch || targetLen != sourceLen || segmentIDs.Dim(1) != targetLen {
			log.Panicf("attention: segment ids %v incompatible with q %v / k %v", segmentIDs.Shape(), q.Shape(), k.Shape())
		}
		segData = segmentIDs.Data()
	}

	qData, kData, vData := q.Data(), k.Data(), v.Data()
	scale := float32(softmaxScale)

	logits := tensor.New(tensor.Float32, batch, heads, targetLen, sourceLen)
	logitData := logits.Data()

	// Raw logits: logits[b,h,t,s] = scale * sum_d q[b,t,h,d]*k[b,s,h,d],
	// with segment and causal exclusions pinned to the sentinel.
	parallelFor(batch*heads, func(bh int) {
		b, h := bh/heads, bh%heads
		var seg []float32
		if segData != nil {
			seg = segData[b*targetLen : (b+1)*targetLen]
		}
		base := bh * targetLen * sourceLen
		for t := 0; t < targetLen; t++ {
			qRow := qData[((b*targetLen+t)*heads+h)*headDim : ((b*targetLen+t)*heads+h)*headDim+headDim]
			row := logitData[base+t*sourceLen : base+(t+1)*sourceLen]
			for s := 0; s < sourceLen; s++ {
				if causal && s > t {
					row[s] = NegInf
					continue
				}
				if seg != nil && seg[t] != seg[s] {
					row[s] = NegInf
					continue
				}
				kRow := kData[((b*sourceLen+s)*heads+h)*headDim : ((b*sourceLen+s)*heads+h)*headDim+headDim]
				row[s] = simd.DotProduct(qRow, kRow) * scale
			}
		}
	})

	if bias != nil {
		logits.AddBroadcast(bias)
	}

	out := tensor.New(v.DType(), batch, targetLen, heads, headDim)
	outData := out.Data()
	outType := v.DType()

	parallelFor(batch*heads, func(bh int) {
		b, h := bh/heads, bh%heads
		base := bh * targetLen * sourceLen
		for t := 0; t < targetLen; t++ {
			row := logitData[base+t*sourceLen : base+(t+1)*sourceLen]
			simd.SoftmaxMasked(row, sentinelFloor)

			outRow := outData[((b*targetLen+t)*heads+h)*headDim : ((b*targetLen+t)*heads+h)*headDim+headDim]
			for s, p := range row {
				if p == 0 {
					continue
				}
				vRow := vData[((b*sourceLen+s)*heads+h)*headDim : ((b*sourceLen+s)*heads+h)*headDim+headDim]
				simd.VecAddScaled(outRow, vRow, p)
			}
			if outType != tensor.Float32 {
				for d := range outRow {
					outRow[d] = outType.Round(outRow[d])
				}
			}
		}
	})

	return out
}

// parallelFor runs fn(i) for i in [0, n) across the worker pool.
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
	itemsPerWorker := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * itemsPerWorker
		end := start + itemsPerWorker
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
