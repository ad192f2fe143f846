package kernels

import (
	"log"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Block is the block-tiled kernel: target rows are processed in tiles of
// blockSize and the source axis streams through the same online softmax as
// Flash. It natively understands a mask predicate (nil means every pair is
// visible, enabling the cheap unmasked path) and segment ids; anything else
// arrives as dense bias.
//
// The dispatcher guarantees blockSize divides the target length (shorter
// sequences were already rerouted to the generic fallback).
func Block(q, k, v, bias, segmentIDs *tensor.Tensor, mask MaskFunc, softmaxScale float64, blockSize int) *tensor.Tensor {
	batch, tLen, sLen, heads, headDim := checkEqualHeads(q, k, v)
	if blockSize <= 0 || tLen%blockSize != 0 {
		log.Panicf("kernels: block size %d does not divide target length %d", blockSize, tLen)
	}
	if segmentIDs != nil && (segmentIDs.Dim(0) != batch || tLen != sLen || segmentIDs.Dim(1) != tLen) {
		log.Panicf("kernels: segment ids %v incompatible with q/k shapes", segmentIDs.Shape())
	}
	bv := newBiasView(bias, batch, heads, tLen, sLen)

	qData, kData, vData := q.Data(), k.Data(), v.Data()
	var segData []float32
	if segmentIDs != nil {
		segData = segmentIDs.Data()
	}
	scale := float32(softmaxScale)
	outType := v.DType()
	out := tensor.New(outType, batch, tLen, heads, headDim)
	outData := out.Data()

	numBlocks := tLen / blockSize
	parallelFor(batch*heads*numBlocks, func(job int) {
		bh := job / numBlocks
		b, h := bh/heads, bh%heads
		t0 := (job % numBlocks) * blockSize

		var seg []float32
		if segData != nil {
			seg = segData[b*tLen : (b+1)*tLen]
		}
		scores := make([]float32, blockSize)
		acc := make([]float32, headDim)

		for t := t0; t < t0+blockSize; t++ {
			qRow := qData[((b*tLen+t)*heads+h)*headDim : ((b*tLen+t)*heads+h)*headDim+headDim]

			m := float32(math.Inf(-1))
			var l float64
			for i := range acc {
				acc[i] = 0
			}

			for s0 := 0; s0 < sLen; s0 += blockSize {
				s1 := s0 + blockSize
				if s1 > sLen {
					s1 = sLen
				}

				tileMax := float32(math.Inf(-1))
				for s := s0; s < s1; s++ {
					scores[s-s0] = negInf
					if mask != nil && !mask(t, s) {
						continue
					}
					if seg != nil && seg[t] != seg[s] {
						continue
					}
					kRow := kData[((b*sLen+s)*heads+h)*headDim : ((b*sLen+s)*heads+h)*headDim+headDim]
					sc := simd.DotProduct(qRow, kRow) * scale
					if bv != nil {
						sc += bv.at(b, h, t, s)
					}
					scores[s-s0] = sc
					if sc > tileMax {
						tileMax = sc
					}
				}
				if math.IsInf(float64(tileMax), -1) {
					continue
				}

				newM := m
				if tileMax > newM {
					newM = tileMax
				}
				if newM > m {
					rescale := float32(math.Exp(float64(m - newM)))
					l *= float64(rescale)
					simd.VecScale(acc, rescale)
					m = newM
				}
				for s := s0; s < s1; s++ {
					p := float32(math.Exp(float64(scores[s-s0] - m)))
					if p == 0 {
						continue
					}
					l += float64(p)
					vRow := vData[((b*sLen+s)*heads+h)*headDim : ((b*sLen+s)*heads+h)*headDim+headDim]
					simd.VecAddScaled(acc, vRow, p)
				}
			}

			outRow := outData[((b*tLen+t)*heads+h)*headDim : ((b*tLen+t)*heads+h)*headDim+headDim]
			if l == 0 || m <= sentinelFloor {
				continue
			}
			inv := float32(1 / l)
			for d := range outRow {
				outRow[d] = outType.Round(acc[d] * inv)
			}
		}
	})

	return out
}
