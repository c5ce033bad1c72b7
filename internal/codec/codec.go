// ABOUTME: Payload codec turning in-memory state values into stored bytes
// ABOUTME: Default implementation is gzip-compressed JSON via klauspost/compress

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Codec converts between a decoded state value and its persisted byte form.
// The state layer treats the format as opaque; any implementation that
// round-trips values is acceptable.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// GzipJSON encodes values as gzip-compressed JSON. State bags are free-form
// maps, so JSON's generic decoding is a natural fit, and compression keeps
// large conversation bags cheap to store.
type GzipJSON struct {
	// Level is the gzip compression level. Zero means gzip.DefaultCompression.
	Level int
}

// Encode marshals v to JSON and compresses it.
func (c GzipJSON) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	level := c.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing gzip stream: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode decompresses data and unmarshals the JSON inside. Objects come
// back as map[string]any, matching what Encode accepted.
func (c GzipJSON) Decode(data []byte) (any, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}
	return v, nil
}
