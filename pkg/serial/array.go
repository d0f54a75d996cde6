package serial

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
)

// Common dtype tags, numpy array-interface notation.
const (
	DTypeFloat64 = "<f8"
	DTypeFloat32 = "<f4"
	DTypeInt64   = "<i8"
	DTypeInt32   = "<i4"
	DTypeInt16   = "<i2"
	DTypeInt8    = "|i1"
	DTypeUint64  = "<u8"
	DTypeUint32  = "<u4"
	DTypeUint16  = "<u2"
	DTypeUint8   = "|u1"
)

// ArrayLike is implemented by values that serialize as an Array.
type ArrayLike interface {
	ArrayShape() []int
	ArrayDType() string
	ArrayBytes() []byte
}

// Array is the in-memory form of an Array value.
type Array struct {
	Shape []int
	DType string
	Data  []byte
}

// ArrayShape implements ArrayLike.
func (a *Array) ArrayShape() []int { return a.Shape }

// ArrayDType implements ArrayLike.
func (a *Array) ArrayDType() string { return a.DType }

// ArrayBytes implements ArrayLike.
func (a *Array) ArrayBytes() []byte { return a.Data }

// Len returns the length of the first axis, or 1 for a scalar array.
func (a *Array) Len() int {
	if len(a.Shape) == 0 {
		return 1
	}
	return a.Shape[0]
}

// ItemSize returns the byte width of one element of dtype, or 0 when the tag
// carries no size.
func ItemSize(dtype string) int {
	if len(dtype) < 3 {
		return 0
	}
	n, err := strconv.Atoi(dtype[2:])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// Float64s interprets the buffer as little-endian float64 elements.
func (a *Array) Float64s() ([]float64, error) {
	out := make([]float64, Elements(a.Shape))
	if err := a.read(DTypeFloat64, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Int64s interprets the buffer as little-endian int64 elements.
func (a *Array) Int64s() ([]int64, error) {
	out := make([]int64, Elements(a.Shape))
	if err := a.read(DTypeInt64, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Int32s interprets the buffer as little-endian int32 elements.
func (a *Array) Int32s() ([]int32, error) {
	out := make([]int32, Elements(a.Shape))
	if err := a.read(DTypeInt32, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Array) read(dtype string, out interface{}) error {
	if a.DType != dtype {
		return fmt.Errorf("array dtype is %s, not %s", a.DType, dtype)
	}
	if err := binary.Read(bytes.NewReader(a.Data), binary.LittleEndian, out); err != nil {
		return fmt.Errorf("failed to read array buffer: %w", err)
	}
	return nil
}

// FromSlice builds a one-dimensional Array from a typed numeric slice. The
// second return value is false when v is not a supported slice type.
func FromSlice(v interface{}) (*Array, bool) {
	var dtype string
	var n int
	switch s := v.(type) {
	case []float64:
		dtype, n = DTypeFloat64, len(s)
	case []float32:
		dtype, n = DTypeFloat32, len(s)
	case []int64:
		dtype, n = DTypeInt64, len(s)
	case []int32:
		dtype, n = DTypeInt32, len(s)
	case []int16:
		dtype, n = DTypeInt16, len(s)
	case []int8:
		dtype, n = DTypeInt8, len(s)
	case []uint64:
		dtype, n = DTypeUint64, len(s)
	case []uint32:
		dtype, n = DTypeUint32, len(s)
	case []uint16:
		dtype, n = DTypeUint16, len(s)
	default:
		return nil, false
	}

	buf, err := binary.Append(make([]byte, 0, n*ItemSize(dtype)), binary.LittleEndian, v)
	if err != nil {
		return nil, false
	}
	return &Array{Shape: []int{n}, DType: dtype, Data: buf}, true
}
