package attention

import (
	"fmt"
	stdlog "log"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/kernels"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Backend selects a computation strategy for attention.
type Backend int

const (
	// BackendCPU runs the dense reference implementation. Intended for
	// testing only.
	BackendCPU Backend = iota
	// BackendGPU uses the fused/flash prefill kernels and the decode kernel
	// for single-token queries.
	BackendGPU
	// BackendTPU uses the block-tiled kernel.
	BackendTPU
	// BackendFallback is the generic safety net: reference attention with
	// whatever the bias algebra could not hand to a specialized kernel.
	BackendFallback
)

func (b Backend) String() string {
	switch b {
	case BackendCPU:
		return "cpu"
	case BackendGPU:
		return "gpu"
	case BackendTPU:
		return "tpu"
	case BackendFallback:
		return "fallback"
	}
	return fmt.Sprintf("backend(%d)", int(b))
}

// ParseBackend maps a CLI/wire name to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "cpu":
		return BackendCPU, nil
	case "gpu":
		return BackendGPU, nil
	case "tpu":
		return BackendTPU, nil
	case "fallback", "xla":
		return BackendFallback, nil
	}
	return 0, fmt.Errorf("unsupported backend %q", s)
}

// BlockGranularity is the tiling granularity the block kernel operates on.
// Block sizes must be positive multiples of it.
const BlockGranularity = 128

// DefaultBlockSize is used when Implementation receives blockSize 0.
const DefaultBlockSize = 128

// Func computes a context tensor for one attention invocation. q is
// [batch, targetLen, headsQ, headDim], k and v are
// [batch, sourceLen, headsKV, headDim] with headsQ an exact multiple of
// headsKV; the result is [batch, targetLen, headsQ, headDim] in v's element
// type. Configuration violations panic synchronously; capability mismatches
// downgrade deterministically to a slower, correct path instead.
type Func func(q, k, v *tensor.Tensor, bias Bias) *tensor.Tensor

// Implementation builds the attention function for a backend. Construction
// is cheap and side-effect-free beyond capturing the configuration; the
// returned Func is reusable and safe for concurrent calls. Shapes are
// re-inspected on every call, so one Func serves both prefill and decode.
func Implementation(backend Backend, softmaxScale float64, blockSize int) (Func, error) {
	switch backend {
	case BackendCPU, BackendGPU, BackendTPU, BackendFallback:
	default:
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 0 || blockSize%BlockGranularity != 0 {
		return nil, fmt.Errorf("block size %d must be a positive multiple of %d", blockSize, BlockGranularity)
	}

	cfg := dispatchConfig{backend: backend, softmaxScale: softmaxScale, blockSize: blockSize}
	return cfg.attend, nil
}

// dispatchConfig is the immutable per-Implementation configuration the
// returned Func closes over. No call-scoped state lives here.
type dispatchConfig struct {
	backend      Backend
	softmaxScale float64
	blockSize    int
}

func (cfg dispatchConfig) attend(q, k, v *tensor.Tensor, bias Bias) *tensor.Tensor {
	start := time.Now()
	defer func() {
		attentionDuration.WithLabelValues(cfg.backend.String()).Observe(time.Since(start).Seconds())
	}()

	if q.Rank() != 4 || k.Rank() != 4 || v.Rank() != 4 {
		stdlog.Panicf("attention: q/k/v must be rank 4, got %v %v %v", q.Shape(), k.Shape(), v.Shape())
	}
	if bias == nil {
		bias = Zero{}
	}

	backend := cfg.backend
	targetLen := q.Dim(1)
	isGPUDecoding := targetLen == 1 && backend == BackendGPU

	// Sequence lengths the block tiling cannot cover go to the generic path.
	if !isGPUDecoding && targetLen%cfg.blockSize != 0 {
		dispatchFallbacks.WithLabelValues("block_divisibility").Inc()
		backend = BackendFallback
	}
	// Single-token steps off the GPU also take the generic path; it does not
	// understand target-position-aware mask predicates, so the whole bias is
	// collapsed into one dense tensor first.
	if !isGPUDecoding && targetLen == 1 {
		dispatchFallbacks.WithLabelValues("single_token").Inc()
		backend = BackendFallback
		if dense := bias.Value(); dense != nil {
			bias = NewTensorBias(dense)
		} else {
			bias = Zero{}
		}
	}

	composite := AsComposite(bias)

	switch backend {
	case BackendGPU:
		if targetLen == 1 {
			return cfg.decode(q, k, v, composite)
		}
		return cfg.gpuPrefill(q, k, v, composite)

	case BackendTPU:
		return cfg.tpuAttention(q, k, v, composite)

	case BackendCPU, BackendFallback:
		if backend == BackendCPU {
			log.Warn().Msg("attention cpu backend is for testing only")
		}
		log.Warn().Msg("attention falling back to plain reference implementation")
		return cfg.fallback(q, k, v, composite)
	}

	stdlog.Panicf("attention: backend %q does not have an implementation", backend)
	return nil
}

// decode handles the GPU single-token case. Key/value heads are not repeated
// here: the decode kernel expands head groups internally. Decoding is always
// causal, so the causal mask (if any) is discarded in favor of the decode
// mask predicate, which must carry target positions.
func (cfg dispatchConfig) decode(q, k, v *tensor.Tensor, bias *Composite) *tensor.Tensor {
	matched, explicit := Split(bias, KindMask)
	mask, ok := decodeMask(matched[0])
	if !ok {
		stdlog.Panicf("attention: cannot retrieve decode mask or target positions from bias")
	}
	log.Info().Int("batch", len(mask.TargetPositions)).Msg("using mask predicate for flash decoding")

	dense := explicit.Value()
	if dense != nil {
		// Decode normally carries only a mask; an explicit tensor bias here
		// is unusual but permitted.
		log.Info().Msg("using explicit dense bias for flash decoding; not expected unless a tensor bias was supplied")
	}

	kernelInvocations.WithLabelValues("decode").Inc()
	return kernels.Decode(q, k, v, dense, kernels.MaskFunc(mask.Fn), mask.TargetPositions, cfg.softmaxScale)
}

// gpuPrefill handles the GPU general case. Two kernels are available: the
// fused kernel understands only a causal flag, the flash kernel additionally
// accepts dense bias and segment-id tensors at lower throughput.
func (cfg dispatchConfig) gpuPrefill(q, k, v *tensor.Tensor, bias *Composite) *tensor.Tensor {
	if q.Dim(1) != k.Dim(1) {
		stdlog.Panicf("attention: query length %d must equal kv length %d for gpu attention", q.Dim(1), k.Dim(1))
	}
	k = RepeatKVHeads(q.Dim(2), k)
	v = RepeatKVHeads(q.Dim(2), v)

	matched, explicit := Split(bias, KindCausal, KindSegmentIDs)
	causal, segments := matched[0], matched[1]
	segmentIDs := segmentIDsTensor(segments, q, k)
	dense := explicit.Value()

	if segmentIDs != nil || dense != nil || anyFloat32(q, k, v) {
		log.Warn().Msg("attention falling back to general flash kernel")
		kernelInvocations.WithLabelValues("flash").Inc()
		return kernels.Flash(q, k, v, dense, segmentIDs, !causal.IsZero(), cfg.softmaxScale)
	}

	kernelInvocations.WithLabelValues("fused").Inc()
	return kernels.Fused(q, k, v, dense, !causal.IsZero(), cfg.softmaxScale)
}

// tpuAttention routes to the block-tiled kernel, which natively understands
// mask predicates and segment ids; everything else rides along as dense bias.
func (cfg dispatchConfig) tpuAttention(q, k, v *tensor.Tensor, bias *Composite) *tensor.Tensor {
	k = RepeatKVHeads(q.Dim(2), k)
	v = RepeatKVHeads(q.Dim(2), v)

	matched, explicit := Split(bias, KindMask, KindSegmentIDs)
	mask, segments := matched[0], matched[1]
	segmentIDs := segmentIDsTensor(segments, q, k)

	// An all-present mask is passed as nil so the kernel can take its
	// cheaper unmasked path.
	var pred kernels.MaskFunc
	if !mask.IsZero() {
		pred = kernels.MaskFunc(maskPredicate(mask))
	}

	kernelInvocations.WithLabelValues("block").Inc()
	return kernels.Block(q, k, v, explicit.Value(), segmentIDs, pred, cfg.softmaxScale, cfg.blockSize)
}

// fallback routes to reference attention with causal and segment components
// split out; this path is always correct but not performance-optimized.
func (cfg dispatchConfig) fallback(q, k, v *tensor.Tensor, bias *Composite) *tensor.Tensor {
	k = RepeatKVHeads(q.Dim(2), k)
	v = RepeatKVHeads(q.Dim(2), v)

	matched, explicit := Split(bias, KindCausal, KindSegmentIDs)
	causal, segments := matched[0], matched[1]
	segmentIDs := segmentIDsTensor(segments, q, k)

	kernelInvocations.WithLabelValues("reference").Inc()
	return Reference(q, k, v, explicit.Value(), segmentIDs, !causal.IsZero(), cfg.softmaxScale)
}

// RepeatKVHeads repeats the head axis of a key or value tensor so its head
// count matches numQHeads. Each head is replicated contiguously (head h of
// the result maps to source head h/factor). A replication factor of 1
// returns the input unchanged without copying.
func RepeatKVHeads(numQHeads int, kv *tensor.Tensor) *tensor.Tensor {
	numKVHeads := kv.Dim(2)
	if numKVHeads <= 0 || numQHeads%numKVHeads != 0 {
		stdlog.Panicf("attention: query heads %d must be an exact multiple of kv heads %d", numQHeads, numKVHeads)
	}
	factor := numQHeads / numKVHeads
	if factor == 1 {
		return kv
	}

	batch, seqLen, headDim := kv.Dim(0), kv.Dim(1), kv.Dim(3)
	out := tensor.New(kv.DType(), batch, seqLen, numQHeads, headDim)
	src := kv.Data()
	dst := out.Data()
	for bs := 0; bs < batch*seqLen; bs++ {
		for h := 0; h < numKVHeads; h++ {
			row := src[(bs*numKVHeads+h)*headDim : (bs*numKVHeads+h+1)*headDim]
			for r := 0; r < factor; r++ {
				copy(dst[(bs*numQHeads+h*factor+r)*headDim:(bs*numQHeads+h*factor+r+1)*headDim], row)
			}
		}
	}
	return out
}

// segmentIDsTensor extracts the segment-id tensor from a split result slot,
// or nil when no segment constraint is present. Segment ids require equal
// query/key lengths and a matching batch dimension; violations are
// configuration errors reported here rather than inside a kernel.
func segmentIDsTensor(b Bias, q, k *tensor.Tensor) *tensor.Tensor {
	if b == nil || b.IsZero() {
		return nil
	}
	seg, ok := b.(SegmentIDs)
	if !ok {
		stdlog.Panicf("attention: multiple segment id biases are not supported")
	}
	if q.Dim(1) != k.Dim(1) {
		stdlog.Panicf("attention: segment ids are only supported for query and key with identical lengths (%d vs %d)", q.Dim(1), k.Dim(1))
	}
	if seg.IDs.Dim(0) != q.Dim(0) {
		stdlog.Panicf("attention: segment ids must have matching batch dim: %v vs %d", seg.IDs.Shape(), q.Dim(0))
	}
	return seg.IDs
}

// decodeMask pulls the target-position-aware mask out of a mask split slot.
// A causal leaf riding along is discarded: decoding is always causal, and the
// derived kv length already truncates the future. Returns ok=false when no
// mask with target positions can be found.
func decodeMask(b Bias) (MaskFn, bool) {
	switch m := b.(type) {
	case MaskFn:
		if m.TargetPositions != nil {
			return m, true
		}
	case *Composite:
		for _, leaf := range m.Leaves() {
			if mf, ok := leaf.(MaskFn); ok && mf.TargetPositions != nil {
				return mf, true
			}
		}
	}
	return MaskFn{}, false
}

// maskPredicate derives a single predicate from a mask split slot, AND-ing
// the components when several mask leaves were present.
func maskPredicate(b Bias) MaskPredicate {
	switch m := b.(type) {
	case Causal:
		return CausalPredicate
	case MaskFn:
		return m.Fn
	case *Composite:
		preds := make([]MaskPredicate, 0, len(m.Leaves()))
		for _, leaf := range m.Leaves() {
			preds = append(preds, maskPredicate(leaf))
		}
		return func(t, s int) bool {
			for _, p := range preds {
				if !p(t, s) {
					return false
				}
			}
			return true
		}
	}
	stdlog.Panicf("attention: %s bias cannot act as a mask predicate", b.Kind())
	return nil
}

func anyFloat32(ts ...*tensor.Tensor) bool {
	for _, t := range ts {
		if t.DType() == tensor.Float32 {
			return true
		}
	}
	return false
}
