package history

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	codecNone = "none"
	codecZstd = "zstd"
)

// Shared coders; both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("history: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("history: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the codec name and payload, storing data as is when zstd
// does not make it smaller.
func compress(data []byte) (string, []byte) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return codecNone, data
	}
	return codecZstd, compressed
}

func decompress(codec string, payload []byte, rawSize int) ([]byte, error) {
	switch codec {
	case codecNone:
		return payload, nil
	case codecZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %q", codec)
	}
}
