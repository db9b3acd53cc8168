// internal/safe/compression.go
package safe

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 4=best)
	Level int
}

// DefaultCompressionOptions provides sensible defaults
func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024, // 1KB
		Level:   2,    // Balanced speed/compression
	}
}

// Stored bodies start with one header byte naming their encoding.
const (
	encodingRaw  byte = 0
	encodingZstd byte = 1
)

// compressionManager handles compression operations
type compressionManager struct {
	opts CompressionOptions

	// Encoder/decoder pools
	encoders sync.Pool
	decoders sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	// Create encoder/decoder for validation
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevel(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating test encoder: %w", err)
	}
	enc.Close()

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating test decoder: %w", err)
	}
	dec.Close()

	cm := &compressionManager{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(zstd.EncoderLevel(opts.Level)),
					zstd.WithEncoderConcurrency(1),
				)
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil,
					zstd.WithDecoderConcurrency(1),
				)
				return dec
			},
		},
	}

	return cm, nil
}

// encode returns the on-disk form of content. Compression is kept only
// when it actually saves space.
func (cm *compressionManager) encode(content []byte) (out []byte, compressed bool) {
	if len(content) >= cm.opts.MinSize {
		enc := cm.encoders.Get().(*zstd.Encoder)
		dst := make([]byte, 1, len(content)/2+1)
		dst[0] = encodingZstd
		dst = enc.EncodeAll(content, dst)
		cm.encoders.Put(enc)

		if len(dst) < len(content)+1 {
			return dst, true
		}
	}

	out = make([]byte, len(content)+1)
	out[0] = encodingRaw
	copy(out[1:], content)
	return out, false
}

// decode reverses encode.
func (cm *compressionManager) decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty blob body")
	}

	switch stored[0] {
	case encodingRaw:
		return bytes.Clone(stored[1:]), nil
	case encodingZstd:
		dec := cm.decoders.Get().(*zstd.Decoder)
		defer cm.decoders.Put(dec)
		out, err := dec.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown blob encoding %d", stored[0])
	}
}
