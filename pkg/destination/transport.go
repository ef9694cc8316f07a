package destination

import (
	"net"
	"net/http"
	"time"

	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/limiter"
)

// TransportOptions collects various options which can be set for an HTTP based transport.
type TransportOptions struct {
	Connect          time.Duration
	ConnKeepAlive    time.Duration
	ExpectContinue   time.Duration
	IdleConn         time.Duration
	MaxAllIdleConns  int
	MaxHostIdleConns int
	ResponseHeader   time.Duration
	TLSHandshake     time.Duration
}

// DefaultTransportOptions are used by the HTTP based sinks.
var DefaultTransportOptions = TransportOptions{
	Connect:          30 * time.Second,
	ExpectContinue:   1 * time.Second,
	IdleConn:         90 * time.Second,
	ConnKeepAlive:    30 * time.Second,
	MaxAllIdleConns:  100,
	MaxHostIdleConns: 100,
	ResponseHeader:   10 * time.Second,
	TLSHandshake:     10 * time.Second,
}

// Transport returns a new http.RoundTripper with opts applied.
func Transport(opts TransportOptions) http.RoundTripper {
	return &http.Transport{
		ResponseHeaderTimeout: opts.ResponseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: opts.ConnKeepAlive,
			Timeout:   opts.Connect,
		}).DialContext,
		MaxIdleConns:          opts.MaxAllIdleConns,
		IdleConnTimeout:       opts.IdleConn,
		TLSHandshakeTimeout:   opts.TLSHandshake,
		MaxIdleConnsPerHost:   opts.MaxHostIdleConns,
		ExpectContinueTimeout: opts.ExpectContinue,
	}
}

// HTTPClient returns a client whose throughput is limited by the
// rateLimitKB option of dest.
func HTTPClient(dest config.Destination) *http.Client {
	rt := Transport(DefaultTransportOptions)
	rt = limiter.FromOptions(dest.Options).Transport(rt)
	return &http.Client{Transport: rt}
}
