// Package attention implements the attention-bias algebra and the backend
// dispatch engine used by the longbow serving stack. Masking and bias
// conditions are modeled as a closed set of typed variants that can be
// composed additively and introspected without materializing dense tensors,
// so each compute backend can split off exactly the components it handles
// natively and fall back safely for the rest.
package attention

import (
	"log"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// NegInf is the finite exclusion sentinel added to logits of masked positions.
// True -Inf is avoided because an all-excluded row then has max -Inf and
// exp(-Inf - -Inf) is NaN. The value is large enough to zero out any position
// under softmax yet far enough from float32 overflow that several stacked
// biases (causal + segment + explicit) cannot wrap around.
const NegInf float32 = -1e15

// sentinelFloor is the threshold below which a logit row maximum is treated
// as fully excluded. Half the sentinel leaves headroom for finite biases that
// were added on top of a masked logit.
const sentinelFloor = NegInf / 2

// Kind identifies a bias variant for splitting. A variant may match more than
// one kind: Causal is also a mask predicate, so it matches both KindCausal and
// KindMask (which is what lets the block kernel keep causality as a predicate
// instead of receiving it as a dense tensor).
type Kind int

const (
	KindZero Kind = iota
	KindCausal
	KindSegmentIDs
	KindMask
	KindTensor
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindZero:
		return "zero"
	case KindCausal:
		return "causal"
	case KindSegmentIDs:
		return "segment_ids"
	case KindMask:
		return "mask"
	case KindTensor:
		return "tensor"
	case KindComposite:
		return "composite"
	}
	return "unknown"
}

// Bias is an additive pre-softmax logit adjustment and/or exclusion mask.
// Values are immutable once constructed.
type Bias interface {
	Kind() Kind

	// IsZero reports whether the bias is exactly the no-op bias. Split
	// results use a typed Zero sentinel rather than nil, so callers test
	// presence with IsZero and never need a nil check.
	IsZero() bool

	// Value materializes the bias as a dense additive tensor broadcastable
	// to [batch, heads, targetLen, sourceLen], using NegInf for excluded
	// positions. A zero bias returns nil.
	Value() *tensor.Tensor

	// matches reports whether this leaf belongs to the given split kind.
	matches(k Kind) bool
}

// MaskPredicate reports whether target position t may attend to source
// position s.
type MaskPredicate func(t, s int) bool

// CausalPredicate is the standard autoregressive predicate: a target may only
// see sources at or before its own position.
func CausalPredicate(t, s int) bool { return s <= t }

// Zero is the no-adjustment bias. Composing with it is a no-op.
type Zero struct{}

func (Zero) Kind() Kind            { return KindZero }
func (Zero) IsZero() bool          { return true }
func (Zero) Value() *tensor.Tensor { return nil }
func (Zero) matches(k Kind) bool   { return false }

// Causal forbids a target position from attending to strictly later source
// positions. The shape is carried so the bias can be materialized on demand.
type Causal struct {
	TargetLen int
	SourceLen int
}

// NewCausal returns a causal bias for the given logit shape.
func NewCausal(targetLen, sourceLen int) Causal {
	if targetLen <= 0 || sourceLen <= 0 {
		log.Panicf("attention: causal bias needs positive lengths, got %dx%d", targetLen, sourceLen)
	}
	return Causal{TargetLen: targetLen, SourceLen: sourceLen}
}

func (Causal) Kind() Kind   { return KindCausal }
func (Causal) IsZero() bool { return false }

func (c Causal) Value() *tensor.Tensor {
	out := tensor.New(tensor.Float32, 1, 1, c.TargetLen, c.SourceLen)
	data := out.Data()
	for t := 0; t < c.TargetLen; t++ {
		for s := 0; s < c.SourceLen; s++ {
			if s > t {
				data[t*c.SourceLen+s] = NegInf
			}
		}
	}
	return out
}

func (Causal) matches(k Kind) bool { return k == KindCausal || k == KindMask }

// SegmentIDs isolates packed sub-sequences: positions may attend to each
// other only when their integer segment tags match. One tensor serves both
// the target and the source side, since the ids describe a single packed
// sequence per batch row.
type SegmentIDs struct {
	IDs *tensor.Tensor // [batch, length]
}

// NewSegmentIDs wraps a [batch, length] segment-id tensor.
func NewSegmentIDs(ids *tensor.Tensor) SegmentIDs {
	if ids == nil || ids.Rank() != 2 {
		log.Panicf("attention: segment ids must be a [batch, length] tensor")
	}
	return SegmentIDs{IDs: ids}
}

func (SegmentIDs) Kind() Kind   { return KindSegmentIDs }
func (SegmentIDs) IsZero() bool { return false }

func (b SegmentIDs) Value() *tensor.Tensor {
	batch, length := b.IDs.Dim(0), b.IDs.Dim(1)
	out := tensor.New(tensor.Float32, batch, 1, length, length)
	data := out.Data()
	ids := b.IDs.Data()
	for n := 0; n < batch; n++ {
		row := ids[n*length : (n+1)*length]
		base := n * length * length
		for t := 0; t < length; t++ {
			for s := 0; s < length; s++ {
				if row[t] != row[s] {
					data[base+t*length+s] = NegInf
				}
			}
		}
	}
	return out
}

func (SegmentIDs) matches(k Kind) bool { return k == KindSegmentIDs }

// MaskFn is an arbitrary boolean predicate over (target, source) positions.
// When TargetPositions is set, the bias describes a single-query-token decode
// step: entry b is the decode offset of batch row b, and the predicate is
// evaluated at that offset instead of over the full causal triangle.
type MaskFn struct {
	Fn MaskPredicate

	// TargetPositions, when non-nil, holds the per-batch decode offset.
	TargetPositions []int

	TargetLen int
	SourceLen int
}

// NewMask returns a predicate bias over a [targetLen, sourceLen] logit block.
func NewMask(fn MaskPredicate, targetLen, sourceLen int) MaskFn {
	if fn == nil {
		log.Panicf("attention: mask bias needs a predicate")
	}
	return MaskFn{Fn: fn, TargetLen: targetLen, SourceLen: sourceLen}
}

// NewDecodeMask returns a predicate bias for a single-token decode step.
// targetPositions holds the current offset for each batch row; sourceLen is
// the key/value buffer length.
func NewDecodeMask(fn MaskPredicate, targetPositions []int, sourceLen int) MaskFn {
	if fn == nil {
		log.Panicf("attention: decode mask needs a predicate")
	}
	if len(targetPositions) == 0 {
		log.Panicf("attention: decode mask needs target positions")
	}
	return MaskFn{Fn: fn, TargetPositions: targetPositions, TargetLen: 1, SourceLen: sourceLen}
}

func (MaskFn) Kind() Kind   { return KindMask }
func (MaskFn) IsZero() bool { return false }

func (m MaskFn) Value() *tensor.Tensor {
	if m.TargetPositions != nil {
		batch := len(m.TargetPositions)
		out := tensor.New(tensor.Float32, batch, 1, 1, m.SourceLen)
		data := out.Data()
		for n, pos := range m.TargetPositions {
			base := n * m.SourceLen
			for s := 0; s < m.SourceLen; s++ {
				if !m.Fn(pos, s) {
					data[base+s] = NegInf
				}
			}
		}
		return out
	}
	out := tensor.New(tensor.Float32, 1, 1, m.TargetLen, m.SourceLen)
	data := out.Data()
	for t := 0; t < m.TargetLen; t++ {
		for s := 0; s < m.SourceLen; s++ {
			if !m.Fn(t, s) {
				data[t*m.SourceLen+s] = NegInf
			}
		}
	}
	return out
}

func (MaskFn) matches(k Kind) bool { return k == KindMask }

// TensorBias is an explicit dense additive bias, broadcastable to
// [batch, heads, targetLen, sourceLen].
type TensorBias struct {
	T *tensor.Tensor
}

// NewTensorBias wraps a dense bias tensor of rank at most 4.
func NewTensorBias(t *tensor.Tensor) TensorBias {
	if t == nil {
		log.Panicf("attention: tensor bias needs a tensor")
	}
	if t.Rank() > 4 {
		log.Panicf("attention: tensor bias rank %d exceeds [batch, heads, target, source]", t.Rank())
	}
	return TensorBias{T: t}
}

func (TensorBias) Kind() Kind              { return KindTensor }
func (TensorBias) IsZero() bool            { return false }
func (b TensorBias) Value() *tensor.Tensor { return b.T }
func (TensorBias) matches(k Kind) bool     { return k == KindTensor }

// Composite is an ordered collection of biases, semantically their sum.
// Construction through Sum keeps the leaf list flat, so decomposition stays
// linear in the number of leaves.
type Composite struct {
	biases []Bias
}

func (Composite) Kind() Kind { return KindComposite }

func (c *Composite) IsZero() bool { return len(c.biases) == 0 }

// Leaves returns the flattened leaf biases in original order.
func (c *Composite) Leaves() []Bias { return c.biases }

func (c *Composite) Value() *tensor.Tensor {
	var out *tensor.Tensor
	var shape []int
	for _, b := range c.biases {
		v := b.Value()
		if v == nil {
			continue
		}
		shape = broadcastShape(shape, v.Shape())
		if out != nil {
			shape = broadcastShape(shape, out.Shape())
		}
		next := tensor.New(tensor.Float32, shape...)
		if out != nil {
			next.AddBroadcast(out)
		}
		next.AddBroadcast(v)
		out = next
	}
	return out
}

func (c *Composite) matches(k Kind) bool { return k == KindComposite }

// broadcastShape merges two shapes under trailing-axis broadcast rules,
// always producing a rank-4 result.
func broadcastShape(a, b []int) []int {
	out := []int{1, 1, 1, 1}
	for _, s := range [][]int{a, b} {
		for i, d := range s {
			j := len(out) - len(s) + i
			if d == 1 {
				continue
			}
			if out[j] != 1 && out[j] != d {
				log.Panicf("attention: bias shapes %v and %v are not broadcast-compatible", a, b)
			}
			out[j] = d
		}
	}
	return out
}

// batchDim reports the batch dimension a leaf constrains, or 0 when the leaf
// is batch-agnostic.
func batchDim(b Bias) int {
	switch v := b.(type) {
	case SegmentIDs:
		return v.IDs.Dim(0)
	case MaskFn:
		return len(v.TargetPositions)
	case TensorBias:
		if v.T.Rank() == 4 && v.T.Dim(0) > 1 {
			return v.T.Dim(0)
		}
	}
	return 0
}

// Sum composes biases additively. Nested composites are flattened and Zero
// components dropped; a single surviving leaf is returned unmodified, which
// is what allows a later Split to hand that exact leaf back to a kernel.
// Leaves that pin a batch dimension must agree on it — a mismatch is a
// configuration error reported here, not deferred to kernel invocation.
func Sum(biases ...Bias) Bias {
	var leaves []Bias
	for _, b := range biases {
		if b == nil || b.IsZero() {
			continue
		}
		if c, ok := b.(*Composite); ok {
			leaves = append(leaves, c.biases...)
			continue
		}
		leaves = append(leaves, b)
	}

	batch := 0
	for _, leaf := range leaves {
		d := batchDim(leaf)
		if d == 0 {
			continue
		}
		if batch == 0 {
			batch = d
		} else if d != batch {
			log.Panicf("attention: bias batch dimensions disagree: %d vs %d", batch, d)
		}
	}

	switch len(leaves) {
	case 0:
		return Zero{}
	case 1:
		return leaves[0]
	}
	return &Composite{biases: leaves}
}

// AsComposite wraps any bias into a Composite to normalize downstream
// handling. An existing Composite is returned as-is.
func AsComposite(b Bias) *Composite {
	if c, ok := b.(*Composite); ok {
		return c
	}
	if b == nil || b.IsZero() {
		return &Composite{}
	}
	return &Composite{biases: []Bias{b}}
}
