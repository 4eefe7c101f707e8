// Package compression wraps zstd for large-object buffers.
package compression

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frames written by Compress start with one of these markers so Decompress
// knows whether the remainder is a zstd frame or the raw buffer.
const (
	markerRaw  byte = 0x00
	markerZstd byte = 0x01
)

// minCompressSize is the smallest buffer worth running through the encoder.
const minCompressSize = 128

// levels maps the user-facing 1..4 scale onto zstd presets.
var levels = map[int]zstd.EncoderLevel{
	1: zstd.SpeedFastest,
	2: zstd.SpeedDefault,
	3: zstd.SpeedBetterCompression,
	4: zstd.SpeedBestCompression,
}

// Compressor frames large-object buffers. Decoding works whether or not the
// compressor was built with compression enabled.
type Compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCompressor builds a Compressor. Unknown levels use the zstd default. A
// disabled Compressor writes raw frames only.
func NewCompressor(level int, enabled bool) (*Compressor, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c := &Compressor{dec: dec}
	if !enabled {
		return c, nil
	}

	lvl, ok := levels[level]
	if !ok {
		lvl = zstd.SpeedDefault
	}
	c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))
	if err != nil {
		dec.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return c, nil
}

// Compress frames data, compressing it when that actually saves space.
func (c *Compressor) Compress(data []byte) []byte {
	if c.enc != nil && len(data) >= minCompressSize {
		out := c.enc.EncodeAll(data, []byte{markerZstd})
		if len(out) < len(data)+1 {
			return out
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, markerRaw)
	return append(out, data...)
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch data[0] {
	case markerRaw:
		return bytes.Clone(data[1:]), nil
	case markerZstd:
		out, err := c.dec.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown frame marker 0x%02x", data[0])
	}
}

// Close releases the encoder and decoder.
func (c *Compressor) Close() error {
	if c.enc != nil {
		if err := c.enc.Close(); err != nil {
			return err
		}
	}
	c.dec.Close()
	return nil
}
