package tensorio

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func randTensor(rng *rand.Rand, dtype tensor.DType, shape ...int) *tensor.Tensor {
	out := tensor.New(dtype, shape...)
	data := out.Data()
	for i := range data {
		data[i] = dtype.Round(float32(rng.Float64()*2 - 1))
	}
	return out
}

func TestRecordRoundtrip(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	mem := memory.NewGoAllocator()

	for _, dtype := range []tensor.DType{tensor.Float32, tensor.BFloat16} {
		t.Run(dtype.String(), func(t *testing.T) {
			in := randTensor(rng, dtype, 2, 8, 4, 16)

			rec := RecordFromTensor(mem, in)
			defer rec.Release()
			meta, err := EncodeEnvelope("q", in)
			require.NoError(t, err)

			env, err := DecodeEnvelope(meta)
			require.NoError(t, err)
			assert.Equal(t, "q", env.Role)
			assert.Equal(t, []int{2, 8, 4, 16}, env.Shape)

			out, err := TensorFromRecord(rec, env)
			require.NoError(t, err)
			assert.Equal(t, in.Shape(), out.Shape())
			assert.Equal(t, dtype, out.DType())
			assert.Equal(t, in.Data(), out.Data())
		})
	}
}

func TestTensorFromRecord_Detached(t *testing.T) {
	rng := rand.New(rand.NewSource(32))
	mem := memory.NewGoAllocator()

	in := randTensor(rng, tensor.Float32, 4, 4)
	rec := RecordFromTensor(mem, in)
	meta, err := EncodeEnvelope("k", in)
	require.NoError(t, err)
	env, err := DecodeEnvelope(meta)
	require.NoError(t, err)

	out, err := TensorFromRecord(rec, env)
	require.NoError(t, err)
	rec.Release()

	// The rebuilt tensor owns its values.
	in.Set(99, 0, 0)
	assert.NotEqual(t, float32(99), out.At(0, 0))
}

func TestTensorFromRecord_SizeMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(33))
	mem := memory.NewGoAllocator()

	in := randTensor(rng, tensor.Float32, 4, 4)
	rec := RecordFromTensor(mem, in)
	defer rec.Release()

	_, err := TensorFromRecord(rec, Envelope{Shape: []int{3, 3}, DType: "float32"})
	assert.Error(t, err)

	_, err = TensorFromRecord(rec, Envelope{Shape: []int{4, 4}, DType: "int8"})
	assert.Error(t, err, "unknown dtype is rejected")
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)
}

func TestRawStreamRoundtrip(t *testing.T) {
	rng := rand.New(rand.NewSource(34))
	in := randTensor(rng, tensor.Float32, 3, 5, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteTensor(&buf, in))
	assert.Equal(t, in.Size()*4, buf.Len(), "four bytes per float32")

	out, err := ReadTensor(&buf, tensor.Float32, 3, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, in.Data(), out.Data())
}

func TestReadTensor_Truncated(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, 10))
	_, err := ReadTensor(buf, tensor.Float32, 4, 4)
	assert.Error(t, err)
}
