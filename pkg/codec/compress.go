// Package codec implements the byte transforms applied to an artifact between
// the storage handler and the destinations: compression and encryption.
package codec

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewCompressor wraps w with the encoder for c. Closing the returned writer
// flushes the encoder but does not close w.
func NewCompressor(w io.Writer, c backup.Compression) (io.WriteCloser, error) {
	switch c {
	case "", backup.CompressionNone:
		return nopWriteCloser{w}, nil
	case backup.CompressionGzip:
		return gzip.NewWriter(w), nil
	case backup.CompressionBrotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	case backup.CompressionLZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}

// NewDecompressor wraps r with the decoder for c.
func NewDecompressor(r io.Reader, c backup.Compression) (io.ReadCloser, error) {
	switch c {
	case "", backup.CompressionNone:
		return io.NopCloser(r), nil
	case backup.CompressionGzip:
		return gzip.NewReader(r)
	case backup.CompressionBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case backup.CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}

// Extension returns the file suffix conventionally used for c.
func Extension(c backup.Compression) string {
	switch c {
	case backup.CompressionGzip:
		return ".gz"
	case backup.CompressionBrotli:
		return ".br"
	case backup.CompressionLZ4:
		return ".lz4"
	}
	return ""
}
