// Package fetch implements an HTTP client with bounded retries and backoff.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultUserAgent is injected when the caller does not set one. Third-party
// download sites reject obviously non-browser agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3"

const maxBodyBytes = 20 * 1024 * 1024

// HTTPDoer is the interface for the underlying HTTP transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one outbound call. Body is a byte slice so it can be
// replayed across retries.
type Request struct {
	Method  string
	URL     string
	Params  url.Values
	Body    []byte
	Headers http.Header
}

// Response is the successful payload of a fetch.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// ContentType returns the response Content-Type header value.
func (r *Response) ContentType() string {
	return r.Headers.Get("Content-Type")
}

// Config controls client retry behavior.
type Config struct {
	MaxRetries int
	Backoff    BackoffFunc
	UserAgent  string
	Timeout    time.Duration
}

// Client issues HTTP requests with bounded retries. Failures past the retry
// budget come back as a typed *Error, never as a raw transport error.
type Client struct {
	httpClient HTTPDoer
	cfg        Config
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New builds a Client. A nil httpClient gets a default with the configured
// timeout; a nil logger is replaced with a no-op one.
func New(cfg Config, httpClient HTTPDoer, logger *zap.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Exponential(time.Second, 30*time.Second)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Do executes the request, retrying on non-200 status and transport errors.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var (
		lastStatus int
		lastErr    error
	)

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		resp, status, err := c.attempt(ctx, req)
		if err == nil && status == http.StatusOK {
			return resp, nil
		}
		lastStatus = status
		lastErr = err

		c.logger.Warn("fetch attempt failed",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return nil, c.exhausted(req.URL, attempt+1, lastStatus, ctx.Err())
		}
		if err := c.sleep(ctx, c.cfg.Backoff(attempt)); err != nil {
			return nil, c.exhausted(req.URL, attempt+1, lastStatus, err)
		}
	}

	return nil, c.exhausted(req.URL, c.cfg.MaxRetries, lastStatus, lastErr)
}

// Get is a convenience wrapper for GET requests.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, headers http.Header) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Params: params, Headers: headers})
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, int, error) {
	target := req.URL
	if len(req.Params) > 0 {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, 0, err
		}
		q := u.Query()
		for key, values := range req.Params {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, 0, err
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       payload,
	}, resp.StatusCode, nil
}

func (c *Client) exhausted(url string, attempts, status int, err error) *Error {
	kind := KindTransport
	switch {
	case isTimeout(err):
		kind = KindTimeout
	case err == nil && status != 0:
		kind = KindBadStatus
	}
	return &Error{
		Kind:       kind,
		URL:        url,
		Attempts:   attempts,
		StatusCode: status,
		Err:        err,
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
