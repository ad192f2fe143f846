package kernels

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Fused is the fast prefill kernel. It understands only a causal flag and an
// optional dense bias — no segment ids, no mask predicates; the dispatcher
// must route anything richer to Flash. Scores are computed per (batch, head)
// as a single sgemm on the strided q/k panels (netlib BLAS when built with
// cgo, pure Go otherwise), then softmax and the value contraction are fused
// per row.
//
// q, k, v are [batch, len, heads, headDim] with heads already repeated.
func Fused(q, k, v, bias *tensor.Tensor, causal bool, softmaxScale float64) *tensor.Tensor {
	batch, tLen, sLen, heads, headDim := checkEqualHeads(q, k, v)
	bv := newBiasView(bias, batch, heads, tLen, sLen)

	qData, kData, vData := q.Data(), k.Data(), v.Data()
	outType := v.DType()
	out := tensor.New(outType, batch, tLen, heads, headDim)
	outData := out.Data()

	parallelFor(batch*heads, func(bh int) {
		b, h := bh/heads, bh%heads

		// Q[b,:,h,:] and K[b,:,h,:] are row panels with stride heads*headDim.
		qPanel := blas32.General{
			Rows: tLen, Cols: headDim, Stride: heads * headDim,
			Data: qData[(b*tLen*heads+h)*headDim:],
		}
		kPanel := blas32.General{
			Rows: sLen, Cols: headDim, Stride: heads * headDim,
			Data: kData[(b*sLen*heads+h)*headDim:],
		}
		scores := blas32.General{
			Rows: tLen, Cols: sLen, Stride: sLen,
			Data: make([]float32, tLen*sLen),
		}
		blas32.Gemm(blas.NoTrans, blas.Trans, float32(softmaxScale), qPanel, kPanel, 0, scores)

		for t := 0; t < tLen; t++ {
			row := scores.Data[t*sLen : (t+1)*sLen]
			limit := sLen
			if causal && t+1 < sLen {
				limit = t + 1
			}
			if bv != nil {
				for s := 0; s < limit; s++ {
					row[s] += bv.at(b, h, t, s)
				}
			}
			for s := limit; s < sLen; s++ {
				row[s] = negInf
			}

			simd.SoftmaxMasked(row, sentinelFloor)

			outRow := outData[((b*tLen+t)*heads+h)*headDim : ((b*tLen+t)*heads+h)*headDim+headDim]
			for s, p := range row {
				if p == 0 {
					continue
				}
				vRow := vData[((b*sLen+s)*heads+h)*headDim : ((b*sLen+s)*heads+h)*headDim+headDim]
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
