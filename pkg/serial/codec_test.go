package serial

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
)

func TestEncode_BlobRoundTrip(t *testing.T) {
	inputs := []any{
		"hello",
		int64(-5),
		uint64(10),
		3.5,
		[]byte{0, 1, 2},
		[]any{uint64(1), "two", 3.0},
		map[string]any{"a": uint64(5), "b": "x"},
		nil,
		true,
	}

	for _, in := range inputs {
		v, err := Encode(in)
		require.NoError(t, err)
		assert.True(t, v.IsBlob())

		out, err := Decode(v)
		require.NoError(t, err)
		assert.Equal(t, in, out)

		again, err := Encode(out)
		require.NoError(t, err)
		assert.Equal(t, v.Data, again.Data, "re-encoding must be byte-identical")
	}
}

func TestEncode_ArrayRoundTrip(t *testing.T) {
	arr, ok := FromSlice([]float64{1.5, 2.5, -3})
	require.True(t, ok)

	v, err := Encode(arr)
	require.NoError(t, err)
	require.True(t, v.IsArray())
	assert.Equal(t, []int{3}, v.Shape)
	assert.Equal(t, DTypeFloat64, v.DType)
	assert.Len(t, v.Buffer, 24)

	out, err := Decode(v)
	require.NoError(t, err)
	decoded, ok := out.(*Array)
	require.True(t, ok)
	assert.Equal(t, arr, decoded)

	floats, err := decoded.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5, -3}, floats)
}

func TestEncode_ZeroLengthArray(t *testing.T) {
	arr := &Array{Shape: []int{0}, DType: DTypeInt32, Data: []byte{}}

	v, err := Encode(arr)
	require.NoError(t, err)
	assert.Equal(t, 0, len(v.Buffer))

	out, err := Decode(v)
	require.NoError(t, err)
	assert.Equal(t, arr, out)
}

func TestEncode_TypedSliceBecomesArray(t *testing.T) {
	v, err := Encode([]int64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.True(t, v.IsArray())
	assert.Equal(t, DTypeInt64, v.DType)

	out, err := Decode(v)
	require.NoError(t, err)
	ints, err := out.(*Array).Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, ints)
}

func TestEncode_ArrayShapeMismatch(t *testing.T) {
	_, err := Encode(&Array{Shape: []int{2, 2}, DType: DTypeFloat64, Data: make([]byte, 8)})
	require.Error(t, err)
	assert.True(t, errdefs.IsSerialization(err))
}

func TestCodec_MessageSize(t *testing.T) {
	c := NewCodec(16)

	_, err := c.Encode(make([]byte, 64))
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageSize(err))

	_, err = c.Encode("small")
	assert.NoError(t, err)
}

func TestCodec_FailureRoundTrip(t *testing.T) {
	c := NewCodec(0)

	v, err := c.EncodeFailure(errdefs.QueueCleared(2), 2)
	require.NoError(t, err)
	assert.True(t, v.IsFailure())

	out, err := c.Decode(v)
	require.NoError(t, err)
	f, ok := out.(*Failure)
	require.True(t, ok)
	assert.Equal(t, string(errdefs.CodeQueueCleared), f.Code)
	assert.Equal(t, 2, f.EngineID)
	assert.True(t, errdefs.IsQueueCleared(f))
}

func TestCodec_FailureOverLimit(t *testing.T) {
	c := NewCodec(8)
	_, err := c.EncodeFailure(errors.New("a very long failure message that cannot fit"), -1)
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageSize(err))
}

func TestValue_PlainBlobIsNotFailure(t *testing.T) {
	v := MustEncode(map[string]any{"code": "x"})
	assert.False(t, v.IsFailure())
}

func TestShape_ParseFormat(t *testing.T) {
	shape, err := ParseShape("2, 3")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, shape)
	assert.Equal(t, "2,3", FormatShape(shape))

	scalar, err := ParseShape("")
	require.NoError(t, err)
	assert.Empty(t, scalar)

	_, err = ParseShape("2,x")
	assert.Error(t, err)
}
