// Package limiter throttles the bandwidth used when writing artifacts to and
// reading them back from destinations.
package limiter

import (
	"io"
	"net/http"
	"strconv"

	"github.com/juju/ratelimit"
)

// OptionRateLimitKB is the destination option holding the upload and download
// limit in KiB/s.
const OptionRateLimitKB = "rateLimitKB"

// Limiter wraps readers, writers and HTTP transports with bandwidth limits.
type Limiter interface {
	Upstream(r io.Reader) io.Reader
	UpstreamWriter(w io.Writer) io.Writer
	Downstream(r io.Reader) io.Reader
	DownstreamWriter(w io.Writer) io.Writer
	Transport(rt http.RoundTripper) http.RoundTripper
}

type staticLimiter struct {
	upstream   *ratelimit.Bucket
	downstream *ratelimit.Bucket
}

// NewStaticLimiter returns a limiter capping upload and download at the given
// rates in bytes per second. A rate of zero means unlimited.
func NewStaticLimiter(uploadBytes, downloadBytes int) Limiter {
	var up, down *ratelimit.Bucket
	if uploadBytes > 0 {
		up = ratelimit.NewBucketWithRate(float64(uploadBytes), int64(uploadBytes))
	}
	if downloadBytes > 0 {
		down = ratelimit.NewBucketWithRate(float64(downloadBytes), int64(downloadBytes))
	}
	return staticLimiter{upstream: up, downstream: down}
}

// FromOptions builds a limiter from the rateLimitKB destination option. A
// missing or malformed value yields an unlimited limiter.
func FromOptions(opts map[string]string) Limiter {
	v, ok := opts[OptionRateLimitKB]
	if !ok {
		v = opts["ratelimitkb"]
	}
	kb, err := strconv.Atoi(v)
	if err != nil || kb <= 0 {
		return NewStaticLimiter(0, 0)
	}
	return NewStaticLimiter(kb*1024, kb*1024)
}

func (l staticLimiter) Upstream(r io.Reader) io.Reader {
	return l.limitReader(r, l.upstream)
}

func (l staticLimiter) UpstreamWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.upstream)
}

func (l staticLimiter) Downstream(r io.Reader) io.Reader {
	return l.limitReader(r, l.downstream)
}

func (l staticLimiter) DownstreamWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.downstream)
}

type roundTripper func(*http.Request) (*http.Response, error)

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt(req)
}

func (l staticLimiter) roundTripper(rt http.RoundTripper, req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		req.Body = limitedReadCloser{
			limited:  l.Upstream(req.Body),
			original: req.Body,
		}
	}

	res, err := rt.RoundTrip(req)

	if res != nil && res.Body != nil {
		res.Body = limitedReadCloser{
			limited:  l.Downstream(res.Body),
			original: res.Body,
		}
	}

	return res, err
}

// Transport returns an HTTP transport limiting request and response bodies.
func (l staticLimiter) Transport(rt http.RoundTripper) http.RoundTripper {
	return roundTripper(func(req *http.Request) (*http.Response, error) {
		return l.roundTripper(rt, req)
	})
}

func (l staticLimiter) limitReader(r io.Reader, b *ratelimit.Bucket) io.Reader {
	if b == nil {
		return r
	}
	return ratelimit.Reader(r, b)
}

func (l staticLimiter) limitWriter(w io.Writer, b *ratelimit.Bucket) io.Writer {
	if b == nil {
		return w
	}
	return ratelimit.Writer(w, b)
}

type limitedReadCloser struct {
	limited  io.Reader
	original io.ReadCloser
}

func (l limitedReadCloser) Read(b []byte) (n int, err error) {
	return l.limited.Read(b)
}

func (l limitedReadCloser) Close() error {
	return l.original.Close()
}
