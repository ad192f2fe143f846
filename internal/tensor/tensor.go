package tensor

import "fmt"

// Tensor is a dense N-dimensional array in row-major order. The backing store
// is always []float32; DType records the declared element precision (see DType).
//
// The attention engine treats caller-supplied tensors as read-only: operations
// allocate fresh outputs rather than mutating inputs in place.
type Tensor struct {
	shape []int
	dtype DType
	data  []float32
}

// New allocates a zero-filled tensor.
func New(dtype DType, shape ...int) *Tensor {
	return &Tensor{
		shape: append([]int(nil), shape...),
		dtype: dtype,
		data:  make([]float32, sizeOf(shape)),
	}
}

// FromSlice wraps data (not copied) in a tensor of the given shape.
func FromSlice(dtype DType, data []float32, shape ...int) *Tensor {
	if len(data) != sizeOf(shape) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		shape: append([]int(nil), shape...),
		dtype: dtype,
		data:  data,
	}
}

func sizeOf(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Shape returns the dimension sizes. The returned slice must not be modified.
func (t *Tensor) Shape() []int { return t.shape }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// DType returns the declared element type.
func (t *Tensor) DType() DType { return t.dtype }

// Data returns the backing slice in row-major order.
func (t *Tensor) Data() []float32 { return t.data }

// At reads the element at the given multi-index.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set writes the element at the given multi-index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match tensor rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of bounds for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.dtype, t.shape...)
	copy(out.data, t.data)
	return out
}

// AsType returns a copy whose values have been rounded through the precision
// of dtype. A Float32 source cast to Float32 still copies, so callers may
// mutate the result freely.
func (t *Tensor) AsType(dtype DType) *Tensor {
	out := New(dtype, t.shape...)
	if dtype == Float32 {
		copy(out.data, t.data)
		return out
	}
	for i, v := range t.data {
		out.data[i] = dtype.Round(v)
	}
	return out
}

// Reshape returns a view with a new shape of identical element count.
// The backing data is shared.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if sizeOf(shape) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{
		shape: append([]int(nil), shape...),
		dtype: t.dtype,
		data:  t.data,
	}
}

// AddBroadcast adds other into t in place, broadcasting other to t's shape
// using the standard trailing-axis rules: other's axes are right-aligned with
// t's, and every axis must either match or be 1 (missing leading axes count
// as 1). Panics when the shapes are not broadcast-compatible.
//
// t is expected to be engine-owned (e.g. a logits buffer); this is the one
// mutating op in the package.
func (t *Tensor) AddBroadcast(other *Tensor) {
	if other.Rank() > t.Rank() {
		panic(fmt.Sprintf("tensor: cannot broadcast rank %d into rank %d", other.Rank(), t.Rank()))
	}
	// Left-pad other's shape with 1s to t's rank.
	oshape := make([]int, t.Rank())
	for i := range oshape {
		oshape[i] = 1
	}
	copy(oshape[t.Rank()-other.Rank():], other.shape)
	for i, d := range oshape {
		if d != 1 && d != t.shape[i] {
			panic(fmt.Sprintf("tensor: shape %v is not broadcastable to %v", other.shape, t.shape))
		}
	}

	ostrides := make([]int, t.Rank())
	stride := 1
	for i := t.Rank() - 1; i >= 0; i-- {
		if oshape[i] == 1 {
			ostrides[i] = 0
		} else {
			ostrides[i] = stride
		}
		stride *= oshape[i]
	}

	idx := make([]int, t.Rank())
	for off := range t.data {
		ooff := 0
		for i := range idx {
			ooff += idx[i] * ostrides[i]
		}
		t.data[off] += other.data[ooff]

		for i := t.Rank() - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < t.shape[i] {
				break
			}
			idx[i] = 0
		}
	}
}
