package protocol

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

func TestEncoder_Format(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)

	require.NoError(t, enc.EncodeString("EXECUTE a=5", "", "DONE"))
	assert.Equal(t, "11:EXECUTE a=5,0:,4:DONE,", buf.String())
}

func TestDecoder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	payload := []byte{0, ',', ':', 0xff}
	require.NoError(t, enc.Encode([]byte("PICKLE a"), payload))

	dec := NewDecoder(&buf, 0)
	tag, err := dec.DecodeString()
	require.NoError(t, err)
	assert.Equal(t, "PICKLE a", tag)

	got, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, err error)
	}{
		{
			name:  "bad length byte",
			input: "1x:a,",
			check: func(t *testing.T, err error) { assert.True(t, errdefs.IsProtocolError(err)) },
		},
		{
			name:  "missing length",
			input: ":a,",
			check: func(t *testing.T, err error) { assert.True(t, errdefs.IsProtocolError(err)) },
		},
		{
			name:  "length too long",
			input: "12345678901:",
			check: func(t *testing.T, err error) { assert.True(t, errdefs.IsProtocolError(err)) },
		},
		{
			name:  "bad terminator",
			input: "1:a;",
			check: func(t *testing.T, err error) { assert.True(t, errdefs.IsProtocolError(err)) },
		},
		{
			name:  "truncated payload",
			input: "5:ab",
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, io.ErrUnexpectedEOF) },
		},
		{
			name:  "truncated length",
			input: "12",
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, io.ErrUnexpectedEOF) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(tt.input), 0).Decode()
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestMaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 4)

	err := enc.EncodeString("ok", "too long")
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageSize(err))
	assert.Zero(t, buf.Len(), "nothing is written when one frame is over the limit")

	// The decoder rejects the frame before reading the payload.
	_, err = NewDecoder(strings.NewReader("999999:"), 4).Decode()
	assert.True(t, errdefs.IsMessageSize(err))
}

func TestEncoder_ConcurrentCallsDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = enc.EncodeString("A", "B")
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf, 0)
	for i := 0; i < 20; i++ {
		a, err := dec.DecodeString()
		require.NoError(t, err)
		b, err := dec.DecodeString()
		require.NoError(t, err)
		assert.Equal(t, "A", a)
		assert.Equal(t, "B", b)
	}
}

func TestNamespace_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)

	arr := serial.MustEncode([]float64{1, 2, 3})
	ns := []serial.NamedValue{
		{Key: "a", Value: serial.MustEncode(5)},
		{Key: "b", Value: arr},
	}
	require.NoError(t, WriteNamespace(enc, ns))

	got, err := ReadNamespace(NewDecoder(&buf, 0))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	assert.True(t, got[0].Value.IsBlob())
	assert.Equal(t, "b", got[1].Key)
	assert.True(t, got[1].Value.IsArray())
	assert.Equal(t, arr.Shape, got[1].Value.Shape)
	assert.Equal(t, arr.DType, got[1].Value.DType)
	assert.Equal(t, arr.Buffer, got[1].Value.Buffer)
}

func TestReadValue_RejectsInconsistentArray(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	// Three float64 elements need 24 bytes.
	require.NoError(t, enc.EncodeString("3", "<f8", "short"))

	_, err := ReadValue(NewDecoder(&buf, 0), "ARRAY x")
	require.Error(t, err)
}

func TestReadValue_MissingKey(t *testing.T) {
	_, err := ReadValue(NewDecoder(strings.NewReader(""), 0), "PICKLE")
	assert.True(t, errdefs.IsProtocolError(err))
}
