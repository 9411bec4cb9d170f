// Package provider is the typed adapter (C2) for the external code-hosting
// API: every outbound call goes through one Client, which layers rate-limit
// accounting, conditional (etag) caching, circuit breaking, and retry with
// backoff around a plain http.Client.
//
// Grounded on the teacher's infrastructure/ratelimit (golang.org/x/time/rate
// token bucket), infrastructure/resilience (sony/gobreaker circuit breaker,
// cenkalti/backoff retry — that package's stated, if unshipped, design), and
// infrastructure/chain.Client's request/response shape.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/metrics"
)

// CacheStore persists the conditional-request cache across restarts. The
// Store's provider_cache table satisfies this directly: GetProviderCache
// returns a sentinel miss error (store.ErrCacheMiss) rather than a "found"
// flag, which is why the caller here only inspects err == nil.
type CacheStore interface {
	GetProviderCache(ctx context.Context, endpointKey string) (*entity.ProviderCacheEntry, error)
	PutProviderCache(ctx context.Context, endpointKey, etag, body string) error
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	Token           string
	LowWaterMark    int  // remaining-quota floor before slowing down (§4.2)
	WaitOnRateLimit bool // sleep until reset instead of failing fast
	HTTPClient      *http.Client
	Cache           CacheStore
	Metrics         *metrics.Metrics
}

// Client is the process-wide ProviderClient singleton: its rate-limit state
// and circuit breaker are shared by every caller in the process, per §5.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   CacheStore
	metrics *metrics.Metrics
	log     *logrus.Entry

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]

	waitOnRateLimit bool
	lowWater        int

	mu        sync.Mutex
	remaining int
	resetAt   time.Time
}

// New constructs a Client. Quota gating starts optimistic (no observed
// quota yet); the first response populates remaining/resetAt.
func New(cfg Config, log *logrus.Entry) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	settings := gobreaker.Settings{
		Name:        "provider-client",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	lowWater := cfg.LowWaterMark
	if lowWater <= 0 {
		lowWater = 100
	}

	return &Client{
		baseURL:         cfg.BaseURL,
		token:           cfg.Token,
		http:            httpClient,
		cache:           cfg.Cache,
		metrics:         cfg.Metrics,
		log:             log.WithField("component", "provider"),
		limiter:         rate.NewLimiter(rate.Inf, 1), // unlimited and not consulted; awaitQuota gates on remaining/resetAt
		breaker:         gobreaker.NewCircuitBreaker[*http.Response](settings),
		waitOnRateLimit: cfg.WaitOnRateLimit,
		lowWater:        lowWater,
		remaining:       -1,
	}
}

// doRequest executes one HTTP call with rate-limit gating, conditional
// caching, circuit breaking, and retry. method/path/body describe the
// logical call; cacheKey, when non-empty, enables conditional GETs. endpoint
// is a low-cardinality label for ProviderRequests — unlike path, it never
// embeds an id or SHA, so it stays a usable metric dimension.
func (c *Client) doRequest(ctx context.Context, method, path, cacheKey, endpoint string) ([]byte, error) {
	if err := c.awaitQuota(ctx); err != nil {
		return nil, err
	}

	var etag string
	var cachedBody string
	if cacheKey != "" && c.cache != nil {
		if entry, err := c.cache.GetProviderCache(ctx, cacheKey); err == nil {
			etag, cachedBody = entry.ETag, entry.Body
		}
	}

	retryCfg := backoff.NewExponentialBackOff()
	retryCfg.InitialInterval = 200 * time.Millisecond
	retryCfg.MaxInterval = 10 * time.Second
	retryCfg.MaxElapsedTime = 30 * time.Second
	bo := backoff.WithContext(retryCfg, ctx)

	var body []byte
	var notFound bool
	var rateLimited *ErrRateLimited

	op := func() error {
		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.send(ctx, method, path, etag)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(fmt.Errorf("%w: circuit open", ErrProviderTransient))
			}
			return err // network error: retryable
		}
		defer resp.Body.Close()

		c.recordQuota(resp)
		c.recordRequest(endpoint, statusClass(resp.StatusCode))

		switch {
		case resp.StatusCode == http.StatusNotModified:
			notFound = false
			body = []byte(cachedBody)
			return nil
		case resp.StatusCode == http.StatusNotFound:
			notFound = true
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 429:
			if resp.Header.Get("X-RateLimit-Remaining") != "0" {
				// Quota not exhausted: not a rate limit, so retry as transient.
				return fmt.Errorf("%w: status %d", ErrProviderTransient, resp.StatusCode)
			}
			resetAt := c.resetTimeFromHeader(resp)
			rateLimited = &ErrRateLimited{ResetAt: resetAt}
			return backoff.Permanent(rateLimited)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrProviderTransient, resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("provider: status %d", resp.StatusCode))
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read body: %v", ErrProviderTransient, err)
		}
		body = raw
		if cacheKey != "" && c.cache != nil {
			if newETag := resp.Header.Get("ETag"); newETag != "" {
				_ = c.cache.PutProviderCache(ctx, cacheKey, newETag, string(raw))
			}
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		if rateLimited != nil {
			return nil, rateLimited
		}
		return nil, err
	}
	if rateLimited != nil {
		return nil, rateLimited
	}
	if notFound {
		return nil, ErrNotFound
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, path, etag string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrProviderTransient, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderTransient, err)
	}
	return resp, nil
}

type waitOverrideKey struct{}

// WithWaitOnRateLimit overrides the client's default wait-on-rate-limit
// policy for calls made with the returned context. The Enrich stage uses
// this to honor its processAll flag per call (await reset vs. fail fast
// with ErrRateLimited) against a single process-wide Client instance.
func WithWaitOnRateLimit(ctx context.Context, wait bool) context.Context {
	return context.WithValue(ctx, waitOverrideKey{}, wait)
}

// awaitQuota blocks until remaining quota is above the low-water mark, or
// returns ErrRateLimited immediately when waitOnRateLimit is false. The
// sleep is cancellation-aware.
func (c *Client) awaitQuota(ctx context.Context) error {
	c.mu.Lock()
	remaining, resetAt := c.remaining, c.resetAt
	c.mu.Unlock()

	if remaining < 0 || remaining > c.lowWater {
		return nil
	}

	shouldWait := c.waitOnRateLimit
	if override, ok := ctx.Value(waitOverrideKey{}).(bool); ok {
		shouldWait = override
	}
	if !shouldWait {
		return &ErrRateLimited{ResetAt: resetAt}
	}

	remainingWait := time.Until(resetAt)
	if remainingWait <= 0 {
		return nil
	}
	c.log.WithField("reset_at", resetAt).Info("awaiting rate-limit reset")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(remainingWait):
		return nil
	}
}

func (c *Client) recordQuota(resp *http.Response) {
	remaining, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	resetUnix, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.remaining = remaining
	c.resetAt = time.Unix(resetUnix, 0)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RateLimitRemaining.Set(float64(remaining))
	}
}

// recordRequest reports one outbound call against ProviderRequests, a no-op
// when no Metrics was supplied.
func (c *Client) recordRequest(endpoint, class string) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRequests.WithLabelValues(endpoint, class).Inc()
}

func statusClass(status int) string {
	switch {
	case status == http.StatusNotModified:
		return "304"
	case status == http.StatusTooManyRequests:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

func (c *Client) resetTimeFromHeader(resp *http.Response) time.Time {
	if resetUnix, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		return time.Unix(resetUnix, 0)
	}
	return time.Now().Add(time.Minute)
}

func decodeJSON[T any](raw []byte) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode response: %v", ErrProviderTransient, err)
	}
	return out, nil
}
