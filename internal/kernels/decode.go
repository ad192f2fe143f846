package kernels

import (
	"log"

	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Decode is the single-token decoding kernel. The query carries exactly one
// target position per batch row; targetPositions[b] is that row's decode
// offset, and the effective key/value length is targetPositions[b]+1. The
// mask predicate is evaluated at the decode offset, so the full causal
// triangle is never materialized.
//
// Unlike the prefill kernels, key/value heads are NOT pre-repeated: the
// kernel expands grouped-query head blocks internally (query head h reads kv
// head h/groupSize). bias, when non-nil, must broadcast to
// [batch, headsQ, 1, sourceLen].
func Decode(q, k, v, bias *tensor.Tensor, mask MaskFunc, targetPositions []int, softmaxScale float64) *tensor.Tensor {
	batch, tLen, headsQ, headDim := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	sLen, headsKV := k.Dim(1), k.Dim(2)

	if tLen != 1 {
		log.Panicf("kernels: decode expects a single target position, got %d", tLen)
	}
	if mask == nil {
		log.Panicf("kernels: decode needs a mask predicate")
	}
	if len(targetPositions) != batch {
		log.Panicf("kernels: %d target positions for batch %d", len(targetPositions), batch)
	}
	if k.Dim(0) != batch || v.Dim(0) != batch || v.Dim(1) != sLen || v.Dim(2) != headsKV ||
		k.Dim(3) != headDim || v.Dim(3) != headDim {
		log.Panicf("kernels: incompatible decode k/v shapes %v/%v", k.Shape(), v.Shape())
	}
	if headsKV <= 0 || headsQ%headsKV != 0 {
		log.Panicf("kernels: query heads %d must be an exact multiple of kv heads %d", headsQ, headsKV)
	}
	groupSize := headsQ / headsKV

	bv := newBiasView(bias, batch, headsQ, 1, sLen)
	qData, kData, vData := q.Data(), k.Data(), v.Data()
	scale := float32(softmaxScale)
	outType := v.DType()
	out := tensor.New(outType, batch, 1, headsQ, headDim)
	outData := out.Data()

	parallelFor(batch*headsQ, func(bh int) {
		b, h := bh/headsQ, bh%headsQ
		kvHead := h / groupSize

		pos := targetPositions[b]
		kvLen := pos + 1
		if kvLen < 0 || kvLen > sLen {
			log.Panicf("kernels: target position %d outside kv buffer of length %d", pos, sLen)
		}

		qRow := qData[(b*headsQ+h)*headDim : (b*headsQ+h+1)*headDim]
		scores := make([]float32, kvLen)
		for s := 0; s < kvLen; s++ {
			if !mask(pos, s) {
				scores[s] = negInf
				continue
			}
			kRow := kData[((b*sLen+s)*headsKV+kvHead)*headDim : ((b*sLen+s)*headsKV+kvHead+1)*headDim]
			scores[s] = simd.DotProduct(qRow, kRow) * scale
			if bv != nil {
				scores[s] += bv.at(b, h, 0, s)
			}
		}

		simd.SoftmaxMasked(scores, sentinelFloor)

		outRow := outData[(b*headsQ+h)*headDim : (b*headsQ+h+1)*headDim]
		for s, p := range scores {
			if p == 0 {
				continue
			}
			vRow := vData[((b*sLen+s)*headsKV+kvHead)*headDim : ((b*sLen+s)*headsKV+kvHead+1)*headDim]
			simd.VecAddScaled(outRow, vRow, p)
		}
		if outType != tensor.Float32 {
			for d := range outRow {
				outRow[d] = outType.Round(outRow[d])
			}
		}
	})

	return out
}
