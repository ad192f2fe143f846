package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndIndexing(t *testing.T) {
	tn := New(Float32, 2, 3, 4)
	assert.Equal(t, []int{2, 3, 4}, tn.Shape())
	assert.Equal(t, 3, tn.Rank())
	assert.Equal(t, 24, tn.Size())
	assert.Equal(t, Float32, tn.DType())

	tn.Set(7.5, 1, 2, 3)
	assert.Equal(t, float32(7.5), tn.At(1, 2, 3))
	assert.Equal(t, float32(7.5), tn.Data()[23], "row-major layout")

	assert.Panics(t, func() { tn.At(1, 2) }, "rank mismatch")
	assert.Panics(t, func() { tn.At(2, 0, 0) }, "out of bounds")
}

func TestFromSlice(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	tn := FromSlice(Float32, data, 2, 3)
	assert.Equal(t, float32(6), tn.At(1, 2))

	// FromSlice wraps without copying.
	data[0] = 42
	assert.Equal(t, float32(42), tn.At(0, 0))

	assert.Panics(t, func() { FromSlice(Float32, data, 2, 2) })
}

func TestCloneIsDeep(t *testing.T) {
	tn := FromSlice(Float32, []float32{1, 2, 3, 4}, 2, 2)
	cp := tn.Clone()
	cp.Set(99, 0, 0)
	assert.Equal(t, float32(1), tn.At(0, 0))
	assert.Equal(t, float32(99), cp.At(0, 0))
}

func TestReshapeSharesData(t *testing.T) {
	tn := FromSlice(Float32, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	view := tn.Reshape(3, 2)
	view.Set(-1, 0, 1)
	assert.Equal(t, float32(-1), tn.At(0, 1))

	assert.Panics(t, func() { tn.Reshape(4, 2) })
}

func TestAsType(t *testing.T) {
	tn := FromSlice(Float32, []float32{3.14159, -3.14159, 1.5, 0}, 4)

	bf := tn.AsType(BFloat16)
	assert.Equal(t, BFloat16, bf.DType())
	assert.Equal(t, float32(3.140625), bf.At(0), "bf16 keeps 8 mantissa bits")
	assert.Equal(t, float32(-3.140625), bf.At(1))
	assert.Equal(t, float32(1.5), bf.At(2), "exactly representable values survive")
	assert.Equal(t, float32(0), bf.At(3))

	// A float32-to-float32 cast still copies.
	same := tn.AsType(Float32)
	same.Set(0, 0)
	assert.Equal(t, float32(3.14159), tn.At(0))
}

func TestDTypeRound(t *testing.T) {
	assert.Equal(t, float32(1.5), BFloat16.Round(1.5))
	assert.Equal(t, float32(1.5), Float16.Round(1.5))
	assert.Equal(t, float32(3.140625), Float16.Round(3.14159))
	assert.Equal(t, float32(2), Float32.Round(2))
}

func TestParseDType(t *testing.T) {
	for name, want := range map[string]DType{
		"float32": Float32, "bfloat16": BFloat16, "float16": Float16,
	} {
		got, err := ParseDType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}
	_, err := ParseDType("int8")
	assert.Error(t, err)
}

func TestAddBroadcast_SameShape(t *testing.T) {
	a := FromSlice(Float32, []float32{1, 2, 3, 4}, 2, 2)
	b := FromSlice(Float32, []float32{10, 20, 30, 40}, 2, 2)
	a.AddBroadcast(b)
	assert.Equal(t, []float32{11, 22, 33, 44}, a.Data())
}

func TestAddBroadcast_TrailingAxes(t *testing.T) {
	a := New(Float32, 2, 3)
	row := FromSlice(Float32, []float32{1, 2, 3}, 3)
	a.AddBroadcast(row)
	assert.Equal(t, []float32{1, 2, 3, 1, 2, 3}, a.Data())
}

func TestAddBroadcast_SingletonAxes(t *testing.T) {
	// [2,1,2] broadcast into [2,2,2]: middle axis replicated.
	a := New(Float32, 2, 2, 2)
	b := FromSlice(Float32, []float32{1, 2, 3, 4}, 2, 1, 2)
	a.AddBroadcast(b)
	assert.Equal(t, []float32{1, 2, 1, 2, 3, 4, 3, 4}, a.Data())
}

func TestAddBroadcast_BiasShape(t *testing.T) {
	// The dispatch hot path: [batch,heads,target,source] logits plus a
	// [1,1,target,source] bias.
	logits := New(Float32, 2, 2, 2, 2)
	bias := FromSlice(Float32, []float32{1, 2, 3, 4}, 1, 1, 2, 2)
	logits.AddBroadcast(bias)
	for bh := 0; bh < 4; bh++ {
		assert.Equal(t, []float32{1, 2, 3, 4}, logits.Data()[bh*4:(bh+1)*4])
	}
}

func TestAddBroadcast_Incompatible(t *testing.T) {
	a := New(Float32, 2, 3)
	assert.Panics(t, func() { a.AddBroadcast(New(Float32, 2, 2)) })
	assert.Panics(t, func() { a.AddBroadcast(New(Float32, 1, 2, 3)) }, "higher rank cannot broadcast down")
}
