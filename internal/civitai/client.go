package civitai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Transport tuning constants.
const (
	connectTimeout     = 10 * time.Second
	firstByteTimeout   = 30 * time.Second
	idleConnsPerHost   = 10
	pageSize           = 100
	defaultMaxAttempts = 5
)

// NewHTTPClient builds the shared pooled HTTP client. One instance is
// shared by the API client and the download engine. Redirects follow the
// net/http default (10 hops).
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   idleConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: firstByteTimeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// Client is the Civitai API client. It handles authentication, retry with
// per-class backoff, Retry-After handling, and tolerant page decoding.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	token       string
	userAgent   string
	maxAttempts int
	logger      *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid real
	// delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// onThrottle is called with the request path after a 429 or 503 so
	// the rate governor can back off the affected channel. May be nil.
	onThrottle func(path string)

	// acquire is called before every request attempt with the request
	// path, so the rate governor can meter each page fetch including
	// retries. May be nil.
	acquire func(ctx context.Context, path string) error
}

// NewClient creates a Civitai API client. baseURL is typically
// "https://civitai.com/api/v1". token may be empty for anonymous access.
func NewClient(baseURL string, httpClient *http.Client, token, userAgent string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		token:       token,
		userAgent:   userAgent,
		maxAttempts: defaultMaxAttempts,
		logger:      logger,
		sleepFunc:   sleepContext,
	}
}

// SetMaxAttempts overrides the per-request attempt ceiling.
func (c *Client) SetMaxAttempts(n int) {
	if n >= 1 {
		c.maxAttempts = n
	}
}

// SetThrottleHook registers a callback invoked after 429/503 responses.
func (c *Client) SetThrottleHook(fn func(path string)) {
	c.onThrottle = fn
}

// SetAcquireHook registers the admission callback invoked before each
// request attempt.
func (c *Client) SetAcquireHook(fn func(ctx context.Context, path string) error) {
	c.acquire = fn
}

// GetJSON fetches a URL and decodes the response body into dst, retrying
// per the classification policy. Absolute URLs are used as-is; paths are
// appended to the base URL.
func (c *Client) GetJSON(ctx context.Context, pathOrURL string, query url.Values, dst any) error {
	body, err := c.get(ctx, pathOrURL, query)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("civitai: decoding %s: %w", pathOrURL, err)
	}

	return nil
}

// get performs a GET with the full retry loop and returns the body.
func (c *Client) get(ctx context.Context, pathOrURL string, query url.Values) ([]byte, error) {
	target := pathOrURL
	if len(target) == 0 || target[0] == '/' {
		target = c.baseURL + pathOrURL
	}

	if len(query) > 0 {
		target = target + "?" + query.Encode()
	}

	var attempt int
	for {
		body, err := c.getOnce(ctx, target)
		if err == nil {
			return body, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("civitai: request canceled: %w", ctx.Err())
		}

		class := Classify(err)
		if !class.Retryable() || attempt >= c.maxAttempts-1 {
			return nil, err
		}

		backoff := retryDelay(err, class, attempt)
		c.logger.Warn("retrying request",
			slog.String("url", redactURL(target)),
			slog.String("class", string(class)),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("civitai: request canceled: %w", sleepErr)
		}

		attempt++
	}
}

// getOnce executes a single GET attempt.
func (c *Client) getOnce(ctx context.Context, target string) ([]byte, error) {
	if c.acquire != nil {
		if err := c.acquire(ctx, requestPath(target)); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("civitai: creating request: %w", err)
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("civitai: GET %s: %w", redactURL(target), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("civitai: reading response body: %w", readErr)
		}

		return body, nil
	}

	return nil, c.statusError(resp, target)
}

// statusError drains an error response into a classified APIError.
func (c *Client) statusError(resp *http.Response, target string) error {
	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	class := classifyStatus(resp.StatusCode)

	if class == ClassRateLimit || resp.StatusCode == http.StatusServiceUnavailable {
		if c.onThrottle != nil {
			c.onThrottle(requestPath(target))
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    string(errBody),
		Endpoint:   redactURL(target),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Class:      class,
	}
}

// setHeaders applies the standard request headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Charset", "utf-8")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// retryDelay picks the wait before the next attempt: Retry-After wins for
// rate-limited responses, otherwise the class schedule applies.
func retryDelay(err error, class ErrorClass, attempt int) time.Duration {
	if class == ClassRateLimit {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			return apiErr.RetryAfter
		}
	}

	return Backoff(class, attempt)
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// requestPath extracts the URL path for rate-channel selection.
func requestPath(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}

	return u.Path
}

// redactURL strips query parameters before logging; download URLs embed
// auth tokens.
func redactURL(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}

	u.RawQuery = ""

	return u.String()
}

// sleepContext waits for the given duration or until the context is
// canceled. Default sleepFunc for Client.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
