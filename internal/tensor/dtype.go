package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies the declared element type of a Tensor. Values are always
// held in float32 working precision; the DType records the precision the data
// logically carries, which dispatch decisions and output casting depend on.
type DType int

const (
	// Float32 is the full-precision (and on accelerators, low-throughput) format.
	Float32 DType = iota
	// BFloat16 keeps float32's exponent range with an 8-bit mantissa.
	BFloat16
	// Float16 is IEEE 754 binary16.
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case BFloat16:
		return "bfloat16"
	case Float16:
		return "float16"
	}
	return "unknown"
}

// ParseDType maps a wire/CLI name to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float32", "fp32", "":
		return Float32, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	case "float16", "fp16":
		return Float16, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", s)
}

// Round quantizes v through the precision of d and returns it as float32.
func (d DType) Round(v float32) float32 {
	switch d {
	case BFloat16:
		return roundBF16(v)
	case Float16:
		return float16.Fromfloat32(v).Float32()
	}
	return v
}

// roundBF16 rounds a float32 to bfloat16 precision (round-to-nearest-even on
// the high 16 bits) and widens it back.
func roundBF16(v float32) float32 {
	bits := math.Float32bits(v)
	if bits&0x7F800000 == 0x7F800000 {
		// Inf/NaN: truncate, do not round into the exponent.
		return math.Float32frombits(bits & 0xFFFF0000)
	}
	rounded := bits + 0x7FFF + (bits>>16)&1
	return math.Float32frombits(rounded & 0xFFFF0000)
}
