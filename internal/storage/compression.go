package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// maxLineSize bounds one decoded JSON line.
const maxLineSize = 64 << 20

// encodeLines writes each record as one JSON line into a zstd frame.
func encodeLines[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}

	enc := json.NewEncoder(zw)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			zw.Close()
			return nil, fmt.Errorf("encoding record: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing zstd writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeLines reads a zstd stream of JSON lines.
func decodeLines[T any](r io.Reader) ([]T, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer zr.Close()

	var out []T
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	return out, nil
}
