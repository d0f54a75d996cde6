// Package protocol implements the controller's wire protocol: netstring
// framing, command parsing, and the per-connection state machines for
// clients and engines.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
)

// DefaultMaxFrameSize is the frame limit used when none is configured.
const DefaultMaxFrameSize = 16 << 20

// maxLengthDigits bounds the length prefix so a garbage prefix cannot grow
// without limit.
const maxLengthDigits = 10

// Encoder writes netstring frames ("<len>:<payload>,") to an io.Writer.
// It is safe for concurrent use; frames passed to one Encode call are
// written contiguously.
type Encoder struct {
	mu      sync.Mutex
	w       *bufio.Writer
	maxSize int
}

// NewEncoder creates a new frame encoder. maxSize <= 0 disables the limit.
func NewEncoder(w io.Writer, maxSize int) *Encoder {
	return &Encoder{
		w:       bufio.NewWriter(w),
		maxSize: maxSize,
	}
}

// MaxSize returns the frame limit, or 0 if there is none.
func (e *Encoder) MaxSize() int {
	if e.maxSize < 0 {
		return 0
	}
	return e.maxSize
}

// Encode writes frames and flushes. No frame is written if any of them is
// over the limit.
func (e *Encoder) Encode(frames ...[]byte) error {
	for _, f := range frames {
		if e.maxSize > 0 && len(f) > e.maxSize {
			return errdefs.MessageSize(len(f), e.maxSize)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, f := range frames {
		if err := e.writeFrame(f); err != nil {
			return err
		}
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeString writes text frames.
func (e *Encoder) EncodeString(frames ...string) error {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = []byte(f)
	}
	return e.Encode(out...)
}

// Lock gives the caller exclusive use of the encoder for a multi-call
// sequence. Use the Unlocked methods while holding it.
func (e *Encoder) Lock() { e.mu.Lock() }

// Unlock releases the encoder and flushes buffered frames.
func (e *Encoder) Unlock() {
	_ = e.w.Flush()
	e.mu.Unlock()
}

// EncodeUnlocked writes frames without taking the lock or flushing. The
// caller must hold Lock.
func (e *Encoder) EncodeUnlocked(frames ...[]byte) error {
	for _, f := range frames {
		if e.maxSize > 0 && len(f) > e.maxSize {
			return errdefs.MessageSize(len(f), e.maxSize)
		}
	}
	for _, f := range frames {
		if err := e.writeFrame(f); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeFrame(payload []byte) error {
	if _, err := e.w.WriteString(strconv.Itoa(len(payload))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if err := e.w.WriteByte(':'); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := e.w.WriteByte(','); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Decoder reads netstring frames from an io.Reader.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
}

// NewDecoder creates a new frame decoder. maxSize <= 0 disables the limit.
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	return &Decoder{
		r:       bufio.NewReader(r),
		maxSize: maxSize,
	}
}

// Decode reads the next frame. A frame over the limit yields a
// MessageSizeError before its payload is read; the stream cannot be resumed
// after any error other than io.EOF at a frame boundary.
func (d *Decoder) Decode() ([]byte, error) {
	length := 0
	digits := 0
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF && digits > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, errdefs.ProtocolError("invalid frame length byte %q", b)
		}
		digits++
		if digits > maxLengthDigits {
			return nil, errdefs.ProtocolError("frame length prefix too long")
		}
		length = length*10 + int(b-'0')
	}
	if digits == 0 {
		return nil, errdefs.ProtocolError("missing frame length")
	}
	if d.maxSize > 0 && length > d.maxSize {
		return nil, errdefs.MessageSize(length, d.maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", unexpected(err))
	}
	b, err := d.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read frame terminator: %w", unexpected(err))
	}
	if b != ',' {
		return nil, errdefs.ProtocolError("frame terminator is %q, want ','", b)
	}
	return payload, nil
}

// DecodeString reads the next frame as text.
func (d *Decoder) DecodeString() (string, error) {
	b, err := d.Decode()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
