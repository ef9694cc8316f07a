// Package webhook posts notification events to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/bizflycloud/backup-orchestrator/pkg/notify"
)

var _ notify.Notifier = (*Webhook)(nil)

// Webhook is a notify.Notifier posting JSON events.
type Webhook struct {
	url    string
	client *retryablehttp.Client
}

// Option configures a Webhook.
type Option func(w *Webhook) error

// WithRetry sets the retry budget and the wait bounds between attempts.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(w *Webhook) error {
		w.client.RetryMax = max
		w.client.RetryWaitMin = waitMin
		w.client.RetryWaitMax = waitMax
		return nil
	}
}

// WithHTTPClient sets the underlying http client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) error {
		w.client.HTTPClient = c
		return nil
	}
}

// New returns a Webhook posting to url.
func New(url string, opts ...Option) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("empty webhook url")
	}
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	w := &Webhook{url: url, client: client}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Notify implements notify.Notifier.
func (w *Webhook) Notify(ctx context.Context, e notify.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook %s: unexpected status %s", w.url, resp.Status)
	}
	return nil
}

func (w *Webhook) String() string {
	return "Webhook [" + w.url + "]"
}
