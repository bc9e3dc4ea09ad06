// Package codec turns events into bus payloads and back, applying
// compression transparently above a size threshold.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/snappy"

	"github.com/cloudmesh-io/cmp/internal/event"
)

// Compression modes for bus payloads.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionSnappy = "snappy"
)

// DefaultThreshold is the minimum JSON size, in bytes, before a payload is
// considered for compression.
const DefaultThreshold = 1024

// gzip magic bytes.
var gzipMagic = []byte{0x1f, 0x8b}

// The framed snappy stream identifier chunk embeds the ASCII sequence "sNaP".
// The framed encoder must be used so that decode detection holds.
var snappyMagic = []byte("sNaP")

// Codec encodes events for the bus and decodes bus payloads into events.
type Codec interface {
	Encode(ev *event.Event) ([]byte, error)
	Decode(data []byte) (*event.Event, error)
}

// DefaultCodec is the process-wide codec implementation. The compression
// mode and threshold are fixed at construction.
type DefaultCodec struct {
	compression string
	threshold   int
}

var _ Codec = (*DefaultCodec)(nil)

// NewDefaultCodec builds a codec for the given compression mode and
// threshold. An unknown mode falls back to none; a non-positive threshold
// falls back to DefaultThreshold.
func NewDefaultCodec(compression string, threshold int) *DefaultCodec {
	switch compression {
	case CompressionGzip, CompressionSnappy, CompressionNone:
	default:
		compression = CompressionNone
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &DefaultCodec{compression: compression, threshold: threshold}
}

// Encode JSON-serializes the event and compresses the result when it is at
// least the threshold. If compression does not shrink the payload the
// original JSON is emitted.
func (c *DefaultCodec) Encode(ev *event.Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if c.compression == CompressionNone || len(raw) < c.threshold {
		return raw, nil
	}

	var compressed []byte
	switch c.compression {
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		compressed = buf.Bytes()
	case CompressionSnappy:
		var buf bytes.Buffer
		sw := snappy.NewBufferedWriter(&buf)
		if _, err := sw.Write(raw); err != nil {
			return nil, fmt.Errorf("snappy write: %w", err)
		}
		if err := sw.Close(); err != nil {
			return nil, fmt.Errorf("snappy close: %w", err)
		}
		compressed = buf.Bytes()
	}

	if len(compressed) >= len(raw) {
		return raw, nil
	}
	return compressed, nil
}

// Decode detects compression by magic prefix, decompresses, and JSON-decodes
// the event.
func (c *DefaultCodec) Decode(data []byte) (*event.Event, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}
	ev := &event.Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}

// IsCompressed reports whether the payload carries a recognized compression
// prefix.
func IsCompressed(data []byte) bool {
	return isGzip(data) || isSnappy(data)
}

func isGzip(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

func isSnappy(data []byte) bool {
	// The stream identifier chunk is 10 bytes: framing header then "sNaPpY".
	if len(data) < 10 {
		return false
	}
	return bytes.Contains(data[:10], snappyMagic)
}

func decompress(data []byte) ([]byte, error) {
	switch {
	case isGzip(data):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = zr.Close() }()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return raw, nil
	case isSnappy(data):
		raw, err := io.ReadAll(snappy.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("snappy read: %w", err)
		}
		return raw, nil
	default:
		return data, nil
	}
}
