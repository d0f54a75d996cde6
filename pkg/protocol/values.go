package protocol

import (
	"strings"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

// Value tags and markers.
const (
	// TagPickle announces a Blob: "PICKLE <key>" then one payload frame.
	TagPickle = "PICKLE"

	// TagArray announces an Array: "ARRAY <key>" then shape, dtype and
	// buffer frames.
	TagArray = "ARRAY"

	// FrameDone ends a value stream.
	FrameDone = "DONE"

	// FrameSegment ends the values of one target ("SEGMENT <name>").
	FrameSegment = "SEGMENT"
)

// Reserved keys of values sent by the controller.
const (
	KeyResult     = "RESULT"
	KeyFailure    = "FAILURE"
	KeyStatus     = "STATUS"
	KeyKeys       = "KEYS"
	KeyCleared    = "CLEARED"
	KeyIDs        = "IDS"
	KeyHas        = "HAS"
	KeyProperties = "PROPERTIES"
)

// ValueFrames returns the frames that carry v under key.
func ValueFrames(key string, v serial.Value) ([][]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	switch v.Kind {
	case serial.KindBlob:
		return [][]byte{
			[]byte(TagPickle + " " + key),
			v.Data,
		}, nil
	default:
		return [][]byte{
			[]byte(TagArray + " " + key),
			[]byte(serial.FormatShape(v.Shape)),
			[]byte(v.DType),
			v.Buffer,
		}, nil
	}
}

// WriteValue writes v under key.
func WriteValue(enc *Encoder, key string, v serial.Value) error {
	frames, err := ValueFrames(key, v)
	if err != nil {
		return err
	}
	return enc.Encode(frames...)
}

// WriteNamespace writes every value followed by DONE.
func WriteNamespace(enc *Encoder, ns []serial.NamedValue) error {
	var frames [][]byte
	for _, nv := range ns {
		f, err := ValueFrames(nv.Key, nv.Value)
		if err != nil {
			return err
		}
		frames = append(frames, f...)
	}
	frames = append(frames, []byte(FrameDone))
	return enc.Encode(frames...)
}

// IsValueTag reports whether frame starts a value.
func IsValueTag(frame string) bool {
	tag, _, _ := strings.Cut(frame, " ")
	return tag == TagPickle || tag == TagArray
}

// ReadValue reads the payload frames of the value announced by tagFrame.
func ReadValue(dec *Decoder, tagFrame string) (serial.NamedValue, error) {
	tag, key, _ := strings.Cut(tagFrame, " ")
	key = strings.TrimSpace(key)
	if key == "" {
		return serial.NamedValue{}, errdefs.ProtocolError("value tag %q has no key", tagFrame)
	}

	switch tag {
	case TagPickle:
		data, err := dec.Decode()
		if err != nil {
			return serial.NamedValue{}, err
		}
		return serial.NamedValue{Key: key, Value: serial.Blob(data)}, nil

	case TagArray:
		shapeFrame, err := dec.DecodeString()
		if err != nil {
			return serial.NamedValue{}, err
		}
		dtype, err := dec.DecodeString()
		if err != nil {
			return serial.NamedValue{}, err
		}
		buf, err := dec.Decode()
		if err != nil {
			return serial.NamedValue{}, err
		}
		shape, err := serial.ParseShape(shapeFrame)
		if err != nil {
			return serial.NamedValue{}, errdefs.Wrap(errdefs.CodeProtocolError, "bad array shape", err)
		}
		v := serial.ArrayValue(shape, dtype, buf)
		if err := v.Validate(); err != nil {
			return serial.NamedValue{}, err
		}
		return serial.NamedValue{Key: key, Value: v}, nil

	default:
		return serial.NamedValue{}, errdefs.ProtocolError("expected PICKLE or ARRAY, got %q", tagFrame)
	}
}

// ReadNamespace reads values until DONE.
func ReadNamespace(dec *Decoder) ([]serial.NamedValue, error) {
	var ns []serial.NamedValue
	for {
		frame, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		if frame == FrameDone {
			return ns, nil
		}
		nv, err := ReadValue(dec, frame)
		if err != nil {
			return nil, err
		}
		ns = append(ns, nv)
	}
}
