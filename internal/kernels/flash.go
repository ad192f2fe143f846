package kernels

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// flashTile is the source-axis tile width for the streaming softmax. The
// attention matrix is never materialized beyond one tile per row.
const flashTile = 64

// Flash is the general prefill kernel: tiled attention with an online
// (running max / running sum) softmax. It accepts an optional dense bias
// broadcastable to [batch, heads, targetLen, sourceLen], optional segment
// ids [batch, length], and a causal flag. Slower than Fused but handles
// everything a prefill bias can carry.
//
// q, k, v are [batch, len, heads, headDim] with heads already repeated to
// match the query. The context is returned in v's element type.
func Flash(q, k, v, bias, segmentIDs *tensor.Tensor, causal bool, softmaxScale float64) *tensor.Tensor {
	batch, tLen, sLen, heads, headDim := checkEqualHeads(q, k, v)
	if segmentIDs != nil && (segmentIDs.Dim(0) != batch || tLen != sLen || segmentIDs.Dim(1) != tLen) {
		panic("kernels: segment ids incompatible with q/k shapes")
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

	parallelFor(batch*heads, func(bh int) {
		b, h := bh/heads, bh%heads
		var seg []float32
		if segData != nil {
			seg = segData[b*tLen : (b+1)*tLen]
		}
		scores := make([]float32, flashTile)
		acc := make([]float32, headDim)

		for t := 0; t < tLen; t++ {
			qRow := qData[((b*tLen+t)*heads+h)*headDim : ((b*tLen+t)*heads+h)*headDim+headDim]

			m := float32(math.Inf(-1))
			var l float64
			for i := range acc {
				acc[i] = 0
			}

			for s0 := 0; s0 < sLen; s0 += flashTile {
				if causal && s0 > t {
					break
				}
				s1 := s0 + flashTile
				if s1 > sLen {
					s1 = sLen
				}

				// Score the tile; excluded positions contribute nothing.
				tileMax := float32(math.Inf(-1))
				for s := s0; s < s1; s++ {
					scores[s-s0] = negInf
					if causal && s > t {
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

				// Online softmax update: rescale the running accumulator
				// when the max moves.
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
				// Fully excluded row: defined all-zero context, never NaN.
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
