package events

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderOnce = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	decoderOnce = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

// compressBody returns nil for empty input so the column stays NULL.
func compressBody(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	enc, err := encoderOnce()
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return enc.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

func decompressBody(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec, err := decoderOnce()
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing body: %w", err)
	}
	return out, nil
}
