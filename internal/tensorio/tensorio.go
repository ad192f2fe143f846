// Package tensorio converts tensors to and from their wire representations:
// Arrow records for the Flight and HTTP transports, and raw little-endian
// float32 streams for bulk import/export.
package tensorio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Schema is the single-column layout every tensor record uses: one row, one
// variable-length list of float32 values. Shape and element type ride in the
// per-message envelope, so tensors of any rank share one stream schema.
var Schema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// Envelope describes the tensor carried by one Arrow record. It travels as
// CBOR in the Flight app metadata and in HTTP request bodies.
type Envelope struct {
	Role  string `cbor:"role"` // "q", "k", "v", "bias", "context"
	Shape []int  `cbor:"shape"`
	DType string `cbor:"dtype,omitempty"`
}

// EncodeEnvelope serializes an envelope for use as record app metadata.
func EncodeEnvelope(role string, t *tensor.Tensor) ([]byte, error) {
	return cbor.Marshal(Envelope{
		Role:  role,
		Shape: t.Shape(),
		DType: t.DType().String(),
	})
}

// DecodeEnvelope parses record app metadata.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding tensor envelope: %w", err)
	}
	return env, nil
}

// RecordFromTensor wraps a tensor's backing data in a one-row Arrow record.
// The float32 buffer is referenced, not copied; the record must not outlive
// mutations of the tensor.
func RecordFromTensor(mem memory.Allocator, t *tensor.Tensor) arrow.Record {
	n := t.Size()
	valueBuf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(t.Data()))
	valueData := array.NewData(arrow.PrimitiveTypes.Float32, n,
		[]*memory.Buffer{nil, valueBuf}, nil, 0, 0)
	defer valueData.Release()

	offsets := []int32{0, int32(n)}
	offsetBuf := memory.NewBufferBytes(arrow.Int32Traits.CastToBytes(offsets))
	listData := array.NewData(arrow.ListOf(arrow.PrimitiveTypes.Float32), 1,
		[]*memory.Buffer{nil, offsetBuf}, []arrow.ArrayData{valueData}, 0, 0)
	defer listData.Release()

	col := array.NewListData(listData)
	defer col.Release()
	return array.NewRecord(Schema, []arrow.Array{col}, 1)
}

// TensorFromRecord rebuilds a tensor from a one-row record and its envelope.
// The values are copied out, so the record may be released afterwards.
func TensorFromRecord(rec arrow.Record, env Envelope) (*tensor.Tensor, error) {
	if rec.NumCols() != 1 || rec.NumRows() != 1 {
		return nil, fmt.Errorf("tensor record must have exactly one row and one column, got %dx%d",
			rec.NumRows(), rec.NumCols())
	}
	col, ok := rec.Column(0).(*array.List)
	if !ok {
		return nil, fmt.Errorf("tensor record column must be a list of float32, got %s",
			rec.Column(0).DataType())
	}
	values, ok := col.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("tensor record values must be float32, got %s",
			col.ListValues().DataType())
	}

	dtype, err := tensor.ParseDType(env.DType)
	if err != nil {
		return nil, err
	}
	out := tensor.New(dtype, env.Shape...)
	start, end := col.ValueOffsets(0)
	if int(end-start) != out.Size() {
		return nil, fmt.Errorf("tensor record holds %d values, shape %v needs %d",
			end-start, env.Shape, out.Size())
	}
	copy(out.Data(), values.Float32Values()[start:end])
	return out, nil
}

// WriteTensor streams a tensor's values as little-endian float32.
func WriteTensor(w io.Writer, t *tensor.Tensor) error {
	if err := binary.Write(w, binary.LittleEndian, t.Data()); err != nil {
		return fmt.Errorf("writing %d tensor values: %w", t.Size(), err)
	}
	return nil
}

// ReadTensor reads little-endian float32 values for the given shape.
func ReadTensor(r io.Reader, dtype tensor.DType, shape ...int) (*tensor.Tensor, error) {
	out := tensor.New(dtype, shape...)
	if err := binary.Read(r, binary.LittleEndian, out.Data()); err != nil {
		return nil, fmt.Errorf("reading %d tensor values for shape %v: %w", out.Size(), shape, err)
	}
	return out, nil
}
