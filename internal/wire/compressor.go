// Package wire provides the payload codecs the optional audit sink uses to
// compress its records.
package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compressor applies symmetric compression to payload byte slices.
type Compressor interface {
	// Name returns the codec identifier advertised alongside compressed frames.
	Name() string
	// Compress encodes the provided payload into a compressed representation.
	Compress(data []byte) ([]byte, error)
	// Decompress restores the original payload from its compressed form.
	Decompress(data []byte) ([]byte, error)
}

// snappyCompressor wraps the golang/snappy block format; it is the audit
// sink's default codec.
type snappyCompressor struct{}

// NewSnappyCompressor constructs a Compressor backed by snappy block encoding.
func NewSnappyCompressor() Compressor { return snappyCompressor{} }

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("snappy decompress: empty payload")
	}
	return snappy.Decode(nil, data)
}

// zstdCompressor wraps klauspost/compress's zstd implementation. Each
// Compress call encodes its input as one independent block (EncodeAll); the
// audit sink compresses every record on its own.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor constructs a Compressor backed by zstd. The returned
// Compressor owns internal encoder/decoder state and is not safe for
// concurrent use by multiple goroutines without external synchronization.
func NewZstdCompressor() (Compressor, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("zstd decompress: empty payload")
	}
	return z.decoder.DecodeAll(data, nil)
}

// CompressStream compresses src as one block through the Compressor and
// copies the result into dst.
func CompressStream(c Compressor, dst io.Writer, src []byte) error {
	encoded, err := c.Compress(src)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, bytes.NewReader(encoded))
	return err
}
