// Package external wraps outbound HTTP used to download source grids from
// public mirrors. All calls go through BaseClient, which applies a circuit
// breaker per host, retries with exponential backoff, request ID propagation
// and error mapping to types.AppError.
package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"vshift/internal/types"
)

// DefaultMaxBodyBytes bounds a single grid download.
const DefaultMaxBodyBytes = 2 << 30

// ErrNotFound is returned when the server reports the object does not exist.
var ErrNotFound = errors.New("remote object not found")

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for grid mirrors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// BaseClient downloads objects over HTTP. Each remote host gets its own
// circuit breaker so that one failing mirror does not block the others.
type BaseClient struct {
	client       *http.Client
	retryPolicy  RetryPolicy
	userAgent    string
	maxBodyBytes int64
	sleepFn      func(context.Context, time.Duration) error

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	settings gobreaker.Settings
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the wait between retries. Intended for tests.
func WithSleepFunc(fn func(context.Context, time.Duration) error) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithMaxBodyBytes overrides the download size limit.
func WithMaxBodyBytes(n int64) BaseClientOption {
	return func(c *BaseClient) {
		c.maxBodyBytes = n
	}
}

// WithBreakerSettings overrides the per-host circuit breaker settings.
func WithBreakerSettings(s gobreaker.Settings) BaseClientOption {
	return func(c *BaseClient) {
		c.settings = s
	}
}

// NewBaseClient creates a BaseClient.
func NewBaseClient(httpClient *http.Client, retryPolicy RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	bc := &BaseClient{
		client:       httpClient,
		retryPolicy:  retryPolicy,
		userAgent:    userAgent,
		maxBodyBytes: DefaultMaxBodyBytes,
		sleepFn:      sleepContext,
		breakers:     make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		settings: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil
			},
		},
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// breakerFor returns the circuit breaker of a host, creating it on first use.
func (c *BaseClient) breakerFor(host string) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	s := c.settings
	s.Name = "grid-mirror:" + host
	cb := gobreaker.NewCircuitBreaker[*http.Response](s)
	c.breakers[host] = cb
	return cb
}

// Fetch downloads the object at rawURL and returns its bytes.
func (c *BaseClient) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("reading %s", rawURL), err)
	}
	if int64(len(data)) > c.maxBodyBytes {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s exceeds %d bytes", rawURL, c.maxBodyBytes), nil)
	}
	return data, nil
}

// Get issues a GET with retries on 429/5xx. A 404 maps to ErrNotFound; any
// other non-2xx status is an error. On success the caller closes the body.
func (c *BaseClient) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "invalid grid url", err)
	}
	breaker := c.breakerFor(u.Host)

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "building request", err)
		}
		if id := types.GetRequestID(ctx); id != "" {
			req.Header.Set("X-Request-ID", id)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})

		if err == nil {
			switch {
			case resp.StatusCode == http.StatusNotFound:
				resp.Body.Close()
				return nil, fmt.Errorf("%s: %w", rawURL, ErrNotFound)
			case resp.StatusCode >= 300:
				resp.Body.Close()
				return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable,
					fmt.Sprintf("%s returned %d", rawURL, resp.StatusCode), nil)
			}
			return resp, nil
		}

		lastErr = err
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp

		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if attempt < maxAttempts-1 {
			if serr := c.sleepFn(ctx, c.computeBackoff(attempt, resp)); serr != nil {
				lastErr = serr
				break
			}
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff determines the wait before the next attempt. It respects
// Retry-After when present, otherwise uses exponential backoff with jitter
// clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				return min(wait, c.retryPolicy.MaxWait)
			}
		}
	}

	base := math.Min(float64(c.retryPolicy.MinWait)*math.Pow(2, float64(attempt)), float64(c.retryPolicy.MaxWait))
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

// mapError translates HTTP-level failures into AppErrors.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			"circuit breaker is open; grid mirror unavailable", err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "grid mirror rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("grid mirror returned %d after retries", resp.StatusCode), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "grid download failed", err)
}
