package serial

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
)

// DefaultMaxSize is the default limit on a single value's representation.
const DefaultMaxSize = 16 << 20

// Codec encodes and decodes values under a size limit.
type Codec struct {
	// MaxSize is the largest representation Encode will produce. Zero
	// disables the limit.
	MaxSize int
}

// NewCodec creates a codec with the given size limit.
func NewCodec(maxSize int) *Codec {
	return &Codec{MaxSize: maxSize}
}

// Failure is an error forwarded inside a Blob.
type Failure struct {
	Code     string `cbor:"code"`
	Message  string `cbor:"message"`
	EngineID int    `cbor:"engine_id"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.EngineID >= 0 {
		return fmt.Sprintf("engine %d: %s: %s", f.EngineID, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap exposes the failure as a classified error so errdefs helpers match
// forwarded codes.
func (f *Failure) Unwrap() error {
	e := errdefs.New(errdefs.Code(f.Code), f.Message)
	e.EngineID = f.EngineID
	return e
}

// Encode serializes v. Values implementing ArrayLike and typed numeric
// slices become Arrays; a Value is passed through; everything else becomes a
// CBOR Blob.
func (c *Codec) Encode(v any) (Value, error) {
	var out Value
	switch val := v.(type) {
	case Value:
		out = val
	case *Value:
		out = *val
	case ArrayLike:
		out = ArrayValue(val.ArrayShape(), val.ArrayDType(), val.ArrayBytes())
	default:
		if arr, ok := FromSlice(v); ok {
			out = ArrayValue(arr.Shape, arr.DType, arr.Data)
			break
		}
		data, err := Marshal(v)
		if err != nil {
			return Value{}, errdefs.Wrap(errdefs.CodeSerializationError,
				fmt.Sprintf("cannot encode %T", v), err)
		}
		out = Blob(data)
	}

	if err := out.Validate(); err != nil {
		return Value{}, errdefs.Wrap(errdefs.CodeSerializationError, "invalid value", err)
	}
	if err := c.CheckSize(out); err != nil {
		return Value{}, err
	}
	return out, nil
}

// CheckSize returns a MessageSizeError if v exceeds the limit.
func (c *Codec) CheckSize(v Value) error {
	if c == nil || c.MaxSize <= 0 {
		return nil
	}
	if size := v.Size(); size > c.MaxSize {
		return errdefs.MessageSize(size, c.MaxSize)
	}
	return nil
}

// Decode deserializes v. Arrays decode to *Array, failure Blobs to *Failure,
// other Blobs to the generic CBOR data model (map[string]any, []any, int64 /
// uint64, float64, string, []byte, bool, nil).
func (c *Codec) Decode(v Value) (any, error) {
	switch v.Kind {
	case KindArray:
		if err := v.Validate(); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeSerializationError, "invalid array", err)
		}
		return &Array{Shape: v.Shape, DType: v.DType, Data: v.Buffer}, nil
	case KindBlob:
		if f, ok := AsFailure(v); ok {
			return f, nil
		}
		var out any
		if err := Unmarshal(v.Data, &out); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeSerializationError, "cannot decode blob", err)
		}
		return out, nil
	default:
		return nil, errdefs.Newf(errdefs.CodeSerializationError, "unknown value kind %d", v.Kind)
	}
}

// DecodeInto decodes a Blob into dst.
func (c *Codec) DecodeInto(v Value, dst any) error {
	if v.Kind != KindBlob {
		return errdefs.Newf(errdefs.CodeSerializationError, "cannot decode %s into %T", v.Kind, dst)
	}
	if err := Unmarshal(v.Data, dst); err != nil {
		return errdefs.Wrap(errdefs.CodeSerializationError, fmt.Sprintf("cannot decode blob into %T", dst), err)
	}
	return nil
}

// EncodeFailure serializes err as a failure Blob. The failure itself is
// subject to the size limit.
func (c *Codec) EncodeFailure(err error, engineID int) (Value, error) {
	f := FailureFrom(err, engineID)
	data, merr := Marshal(cbor.Tag{Number: FailureTag, Content: f})
	if merr != nil {
		return Value{}, errdefs.Wrap(errdefs.CodeSerializationError, "cannot encode failure", merr)
	}
	out := Blob(data)
	if serr := c.CheckSize(out); serr != nil {
		return Value{}, serr
	}
	return out, nil
}

// FailureFrom converts err to a Failure, keeping an existing Failure's origin.
func FailureFrom(err error, engineID int) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	code := errdefs.CodeOf(err)
	if code == "" {
		code = errdefs.CodeEngineFailure
	}
	return &Failure{Code: string(code), Message: err.Error(), EngineID: engineID}
}

// AsFailure returns the failure carried by v, if any.
func AsFailure(v Value) (*Failure, bool) {
	if v.Kind != KindBlob || len(v.Data) == 0 {
		return nil, false
	}
	var raw cbor.RawTag
	if err := Unmarshal(v.Data, &raw); err != nil || raw.Number != FailureTag {
		return nil, false
	}
	var f Failure
	if err := Unmarshal(raw.Content, &f); err != nil {
		return nil, false
	}
	return &f, true
}

var defaultCodec = &Codec{}

// Encode serializes v without a size limit.
func Encode(v any) (Value, error) { return defaultCodec.Encode(v) }

// Decode deserializes v.
func Decode(v Value) (any, error) { return defaultCodec.Decode(v) }

// DecodeInto decodes a Blob into dst.
func DecodeInto(v Value, dst any) error { return defaultCodec.DecodeInto(v, dst) }

// MustEncode serializes v and panics on error. Intended for constants and tests.
func MustEncode(v any) Value {
	out, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return out
}
