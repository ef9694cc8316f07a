package codec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
)

// Summary describes the bytes produced by a transform.
type Summary struct {
	Size     int64
	Checksum string
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// NewContextReader returns a reader failing with the context error once ctx is done.
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Digest reads r to the end and returns its size and SHA-256.
func Digest(r io.Reader) (Summary, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Size: n, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}

// DigestFile is Digest over the content of path.
func DigestFile(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()
	return Digest(f)
}

func transformFile(ctx context.Context, src, dst string, wrap func(io.Writer) (io.WriteCloser, error)) (Summary, error) {
	in, err := os.Open(src)
	if err != nil {
		return Summary{}, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return Summary{}, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return Summary{}, err
	}

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(out, h)}
	enc, err := wrap(cw)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return Summary{}, err
	}
	if _, err := io.Copy(enc, NewContextReader(ctx, in)); err != nil {
		enc.Close()
		out.Close()
		os.Remove(dst)
		return Summary{}, err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return Summary{}, err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return Summary{}, err
	}
	return Summary{Size: cw.n, Checksum: hex.EncodeToString(h.Sum(nil))}, nil
}

// CompressFile writes src compressed with c to dst.
func CompressFile(ctx context.Context, src, dst string, c backup.Compression) (Summary, error) {
	return transformFile(ctx, src, dst, func(w io.Writer) (io.WriteCloser, error) {
		return NewCompressor(w, c)
	})
}

// EncryptFile writes src encrypted under passphrase to dst.
func EncryptFile(ctx context.Context, src, dst, passphrase string) (Summary, error) {
	return transformFile(ctx, src, dst, func(w io.Writer) (io.WriteCloser, error) {
		return NewEncryptor(w, passphrase)
	})
}

type decodeReader struct {
	io.Reader
	closers []io.Closer
}

func (d *decodeReader) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Decode reverses the transforms applied to a stored artifact. Closing the
// returned reader closes r.
func Decode(r io.ReadCloser, c backup.Compression, encrypted bool, passphrase string) (io.ReadCloser, error) {
	var src io.Reader = r
	if encrypted {
		dr, err := NewDecryptor(r, passphrase)
		if err != nil {
			r.Close()
			return nil, err
		}
		src = dr
	}
	dc, err := NewDecompressor(src, c)
	if err != nil {
		r.Close()
		return nil, err
	}
	return &decodeReader{Reader: dc, closers: []io.Closer{r, dc}}, nil
}
