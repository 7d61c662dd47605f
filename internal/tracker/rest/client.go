// Package rest is the retrying HTTP access layer shared by the tracker clients.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/pengelbrecht/tickrelay/internal/tracker"
)

// Defaults for Options.
const (
	DefaultMaxRetries   = 3
	DefaultRetryWaitMin = 1 * time.Second
	DefaultRetryWaitMax = 30 * time.Second
	DefaultTimeout      = 30 * time.Second

	// maxErrorBody caps how much of a rejected response is kept in the error.
	maxErrorBody = 512
)

// Options configures a Client.
type Options struct {
	BaseURL string

	// MaxRetries bounds retries of transient failures. Rate-limit waits do
	// not count against it.
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration

	// RateLimit is the sustained request rate in requests/second (0 = unlimited).
	RateLimit float64

	// Auth decorates every outgoing request with credentials.
	Auth func(*http.Request)

	// Headers are added to every request.
	Headers map[string]string

	Logger *slog.Logger
}

// Client issues JSON requests against one tracker API.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	limiter *rate.Limiter
	auth    func(*http.Request)
	headers map[string]string
	logger  *slog.Logger
	waitMin time.Duration

	// sleep waits out a rate-limit delay; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client. BaseURL is required.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("rest: base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("rest: invalid base URL %q: %w", opts.BaseURL, err)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = DefaultRetryWaitMin
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = DefaultRetryWaitMax
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = opts.Timeout

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = opts.MaxRetries
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.CheckRetry = checkRetry
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logger

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    rc,
		limiter: rate.NewLimiter(limit, 1),
		auth:    opts.Auth,
		headers: opts.Headers,
		logger:  logger,
		waitMin: opts.RetryWaitMin,
		sleep:   sleepContext,
	}, nil
}

// checkRetry retries connection errors and 5xx responses. 429 is handed back
// to Do, which waits for Retry-After outside the retry budget.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Do sends a request and decodes a JSON response into out (if non-nil).
// body is JSON-encoded when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return &tracker.Error{Kind: tracker.KindTransient, Op: op, Err: err}
		}

		// With the passthrough error handler an exhausted 5xx comes back as
		// both a response and an error; the response carries more detail.
		resp, err := c.send(ctx, method, target, payload)
		if resp == nil {
			if err == nil {
				err = fmt.Errorf("no response")
			}
			return &tracker.Error{Kind: tracker.KindTransient, Op: op, Err: err}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp.Header.Get("Retry-After"), time.Now(), c.waitMin)
			drain(resp)
			c.logger.Warn("rate limited by tracker", "op", op, "retry_after", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return &tracker.Error{Kind: tracker.KindRateLimited, Op: op, StatusCode: http.StatusTooManyRequests, Err: err}
			}
			continue
		}

		return c.handle(op, resp, out)
	}
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte) (*http.Response, error) {
	var raw any
	if payload != nil {
		raw = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, raw)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.auth != nil {
		c.auth(req.Request)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if resp != nil {
		c.logger.Debug("tracker request", "method", method, "url", target, "status", resp.StatusCode, "duration", time.Since(start))
	}
	return resp, err
}

func (c *Client) handle(op string, resp *http.Response, out any) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &tracker.Error{Kind: tracker.KindTransient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return &tracker.Error{Kind: tracker.KindTransient, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", snippet(data))}
	case resp.StatusCode >= 400:
		return &tracker.Error{Kind: tracker.KindRejected, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", snippet(data))}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &tracker.Error{Kind: tracker.KindParse, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// retryAfter parses a Retry-After header given either as delay-seconds or an
// HTTP date. Missing or unparseable values yield fallback.
func retryAfter(header string, now time.Time, fallback time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "empty response body"
	}
	if len(s) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
