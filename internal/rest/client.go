// Package rest provides the HTTP helper shared by venue adapters.
package rest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidewave/marketws/errs"
)

const defaultTimeout = 9 * time.Second

// Doer abstracts the HTTP client so tests can stub venue responses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues venue REST requests with query encoding and shared headers.
type Client struct {
	http    Doer
	headers map[string]string
}

// NewClient builds a REST client. A nil doer falls back to a stdlib client
// with the default timeout.
func NewClient(doer Doer, headers map[string]string) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: defaultTimeout}
	}
	merged := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/x-www-form-urlencoded",
	}
	for k, v := range headers {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		merged[key] = strings.TrimSpace(v)
	}
	return &Client{http: doer, headers: merged}
}

// Get issues a GET against base+path with the params form-encoded into the
// query string and returns the response body.
func (c *Client) Get(ctx context.Context, base, path string, params url.Values) ([]byte, error) {
	endpoint := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

// Post issues a POST with an empty form body, used for token-minting
// endpoints that take no parameters.
func (c *Client) Post(ctx context.Context, base, path string) ([]byte, error) {
	endpoint := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	return c.do(ctx, http.MethodPost, endpoint, strings.NewReader(""))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, errs.New("rest", errs.CodeInvalid,
			errs.WithMessage("build request"),
			errs.WithCause(err),
			errs.WithVenueField("url", endpoint))
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.New("rest", errs.CodeNetwork,
			errs.WithMessage("request failed"),
			errs.WithCause(err),
			errs.WithVenueField("url", endpoint))
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New("rest", errs.CodeNetwork,
			errs.WithMessage("read response body"),
			errs.WithCause(err),
			errs.WithVenueField("url", endpoint))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := errs.CodeExchange
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
			code = errs.CodeRateLimited
		}
		return nil, errs.New("rest", code,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("unexpected status"),
			errs.WithRawMessage(truncate(payload, 256)),
			errs.WithVenueField("url", endpoint))
	}
	return payload, nil
}

func truncate(payload []byte, limit int) string {
	if len(payload) <= limit {
		return string(payload)
	}
	return string(payload[:limit])
}
