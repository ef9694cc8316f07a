// Package backupapi is the client of the agent HTTP API.
package backupapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/server"
)

const (
	defaultServerURLString = "http://127.0.0.1:9000"
	unixServerURLString    = "http://unix"
	userAgent              = "backup-orchestrator-client"
)

// Client is the client for interacting with the agent API.
type Client struct {
	client    *http.Client
	ServerURL *url.URL

	userAgent string

	logger *zap.Logger
}

// NewClient creates a Client with given options.
func NewClient(opts ...ClientOption) (*Client, error) {
	serverUrl, _ := url.Parse(defaultServerURLString)
	c := &Client{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 10 * time.Minute,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		ServerURL: serverUrl,
		userAgent: userAgent,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	return c, nil
}

// ClientOption provides mechanism to configure Client.
type ClientOption func(c *Client) error

// WithHTTPClient sets the underlying HTTP client for Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) error {
		if client == nil {
			return errors.New("nil HTTP client")
		}
		c.client = client
		return nil
	}
}

// WithServerURL sets the server url for Client.
func WithServerURL(serverURL string) ClientOption {
	return func(c *Client) error {
		su, err := url.Parse(serverURL)
		if err != nil {
			return err
		}
		c.ServerURL = su
		return nil
	}
}

// WithAddr points the client at the agent listening on addr, either
// "unix://<socket path>" or an http URL.
func WithAddr(addr string) ClientOption {
	return func(c *Client) error {
		if !strings.HasPrefix(addr, "unix://") {
			return WithServerURL(addr)(c)
		}
		sock := strings.TrimPrefix(addr, "unix://")
		c.client = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sock)
				},
			},
		}
		return WithServerURL(unixServerURLString)(c)
	}
}

// WithLogger sets the logger for Client.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

func (c *Client) urlStringFromRelPath(relPath string) (string, error) {
	rel, err := url.Parse(strings.TrimPrefix(relPath, "/"))
	if err != nil {
		return "", err
	}
	base := *c.ServerURL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(rel).String(), nil
}

// NewRequest create new http request
func (c *Client) NewRequest(ctx context.Context, method, relPath string, body interface{}) (*http.Request, error) {
	buf := new(bytes.Buffer)
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
	}

	reqURl, err := c.urlStringFromRelPath(relPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURl, buf)
	if err != nil {
		return nil, err
	}

	return req, nil
}

// Do makes an http request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	req.Header.Add("User-Agent", c.userAgent)
	req.Header.Add("Content-Type", "application/json")
	c.logger.Debug("Calling agent API", zap.String("method", req.Method), zap.String("url", req.URL.String()))
	return c.client.Do(req)
}

// call performs a request and decodes a successful response into out.
func (c *Client) call(ctx context.Context, method, relPath string, body, out interface{}) error {
	req, err := c.NewRequest(ctx, method, relPath, body)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// checkResponse turns an error response into an error. Responses carrying a
// failure kind become *backup.Error so callers can match them with errors.Is.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var er server.ErrorResponse
	buf, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(buf, &er); err != nil || er.Error == "" {
		return fmt.Errorf("agent returned %s: %s", resp.Status, strings.TrimSpace(string(buf)))
	}
	if er.Kind != "" {
		return backup.NewError(er.Kind, "backupapi", errors.New(er.Error))
	}
	return fmt.Errorf("agent returned %s: %s", resp.Status, er.Error)
}
