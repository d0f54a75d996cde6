// Package serial encodes the values exchanged with engines.
//
// Every value pushed, pulled, scattered or gathered travels as one of a small
// closed set of shapes:
//
//   - Blob: an opaque byte payload, produced by deterministic CBOR encoding of
//     an arbitrary Go value. Failures forwarded from engines are Blobs carrying
//     a dedicated CBOR tag.
//   - Array: a shape, a numpy-style dtype tag and the raw buffer of the
//     elements with no per-element framing.
//
// The Codec enforces a maximum representation size so that a single value can
// never exceed the frame limit of the wire protocol.
package serial

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant of a Value.
type Kind uint8

const (
	// KindBlob is an opaque CBOR payload.
	KindBlob Kind = iota + 1
	// KindArray is a shaped raw buffer.
	KindArray
)

// String returns the wire tag of the kind.
func (k Kind) String() string {
	switch k {
	case KindBlob:
		return "PICKLE"
	case KindArray:
		return "ARRAY"
	default:
		return "UNKNOWN"
	}
}

// Value is a serialized value.
type Value struct {
	Kind Kind

	// Data holds the Blob payload.
	Data []byte

	// Shape, DType and Buffer hold the Array payload.
	Shape  []int
	DType  string
	Buffer []byte
}

// NamedValue is a Value bound to a namespace key.
type NamedValue struct {
	Key   string
	Value Value
}

// Blob creates a Blob value around already-encoded bytes.
func Blob(data []byte) Value {
	return Value{Kind: KindBlob, Data: data}
}

// ArrayValue creates an Array value.
func ArrayValue(shape []int, dtype string, buffer []byte) Value {
	return Value{Kind: KindArray, Shape: shape, DType: dtype, Buffer: buffer}
}

// IsBlob reports whether v is a Blob.
func (v Value) IsBlob() bool { return v.Kind == KindBlob }

// IsArray reports whether v is an Array.
func (v Value) IsArray() bool { return v.Kind == KindArray }

// IsFailure reports whether v carries a forwarded failure.
func (v Value) IsFailure() bool {
	if v.Kind != KindBlob {
		return false
	}
	_, ok := AsFailure(v)
	return ok
}

// Size returns the number of payload bytes the value occupies on the wire.
func (v Value) Size() int {
	switch v.Kind {
	case KindArray:
		return len(v.Buffer) + len(FormatShape(v.Shape)) + len(v.DType)
	default:
		return len(v.Data)
	}
}

// Validate checks that the value is internally consistent.
func (v Value) Validate() error {
	switch v.Kind {
	case KindBlob:
		return nil
	case KindArray:
		for _, d := range v.Shape {
			if d < 0 {
				return fmt.Errorf("negative dimension in shape %v", v.Shape)
			}
		}
		size := ItemSize(v.DType)
		if size == 0 {
			return nil
		}
		if want := size * Elements(v.Shape); want != len(v.Buffer) {
			return fmt.Errorf("buffer holds %d bytes, shape %v of %s needs %d", len(v.Buffer), v.Shape, v.DType, want)
		}
		return nil
	default:
		return fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// Elements returns the number of elements described by shape.
func Elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// FormatShape renders a shape in its wire form ("2,3"; "" for a scalar).
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// ParseShape parses the wire form of a shape.
func ParseShape(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}
