package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

// DefaultFirstByteTimeout bounds connect plus time-to-first-byte. There is
// no overall deadline; long streams are bounded by the upstream.
const DefaultFirstByteTimeout = 30 * time.Second

var errFirstByteTimeout = errors.New("upstream: first byte deadline exceeded")

// Response is a dispatched upstream request. Body streams; the caller
// must Close it.
type Response struct {
	Status    int
	Header    http.Header
	Body      io.ReadCloser
	FirstByte time.Duration
}

// Client dispatches prepared requests. A second transport routed through
// the configured outbound proxy serves providers flagged use_proxy.
type Client struct {
	direct  *http.Client
	proxied *http.Client

	firstByteTimeout time.Duration
}

// NewClient builds the dispatch client. proxyURL may be empty, in which
// case use_proxy providers fall back to the direct transport.
func NewClient(proxyURL string, firstByteTimeout time.Duration) (*Client, error) {
	if firstByteTimeout <= 0 {
		firstByteTimeout = DefaultFirstByteTimeout
	}

	direct := &http.Client{}
	c := &Client{
		direct:           direct,
		proxied:          direct,
		firstByteTimeout: firstByteTimeout,
	}

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: parse proxy url: %w", err)
		}
		c.proxied = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		}
	}

	return c, nil
}

// Do dispatches the prepared request and returns once response headers
// arrive. The first-byte deadline converts to UpstreamTimeout; the body
// remains readable past it.
func (c *Client) Do(ctx context.Context, method string, prepared *Prepared, useProxy bool) (*Response, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)

	var body io.Reader
	if len(prepared.Body) > 0 {
		body = bytes.NewReader(prepared.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, prepared.URL, body)
	if err != nil {
		cancel(nil)
		return nil, apierr.Wrap(apierr.KindInternal, "build upstream request", err)
	}
	req.Header = prepared.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}

	client := c.direct
	if useProxy {
		client = c.proxied
	}

	timer := time.AfterFunc(c.firstByteTimeout, func() {
		cancel(errFirstByteTimeout)
	})

	start := time.Now()
	resp, err := client.Do(req)
	timer.Stop()
	if err != nil {
		cancel(nil)
		if errors.Is(context.Cause(reqCtx), errFirstByteTimeout) {
			return nil, apierr.Wrap(apierr.KindUpstreamTimeout, "upstream timeout", err)
		}
		return nil, apierr.Wrap(apierr.KindInternal, "upstream request failed", err)
	}

	return &Response{
		Status:    resp.StatusCode,
		Header:    resp.Header,
		Body:      &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		FirstByte: time.Since(start),
	}, nil
}

// cancelOnClose releases the request context when the body is done, so
// the transport can reclaim the connection.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel(nil)
	return err
}
