// Package envelope wraps calls to one integration service with the full
// resilience pipeline: response cache, adaptive rate limiting, circuit
// breaking, and retry with exponential backoff. Every adapter goes
// through an envelope Client; nothing talks to an upstream directly.
package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"atlas/pkg/breaker"
	"atlas/pkg/cache"
	"atlas/pkg/logx"
	"atlas/pkg/metrics"
	"atlas/pkg/ratelimit"
	"atlas/pkg/record"
)

// RetryConfig defines retry behavior for upstream calls.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig provides reasonable defaults.
var DefaultRetryConfig = RetryConfig{ //nolint:gochecknoglobals
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RateLimitedError reports that the envelope could not obtain a rate
// limit slot, or the upstream rejected the call with 429.
type RateLimitedError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Service, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Service)
}

// UpstreamError reports a non-success HTTP status from the upstream.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Body)
}

// retryable reports whether the upstream error is worth retrying.
func (e *UpstreamError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// MalformedError reports an upstream response body that could not be
// decoded. The upstream answered, so the call is never retried and does
// not count against the circuit.
type MalformedError struct {
	Service string
	Cause   error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s returned a malformed response: %v", e.Service, e.Cause)
}

func (e *MalformedError) Unwrap() error {
	return e.Cause
}

// SearchResult is the outcome of one envelope search.
type SearchResult struct {
	Records   []record.Record `json:"records"`
	FromCache bool            `json:"from_cache"`
	Duration  time.Duration   `json:"-"`
}

// Config tunes one envelope Client.
type Config struct {
	Name        string
	BaseURL     string
	Timeout     time.Duration
	WaitTimeout time.Duration // max time to wait for a rate limit slot
	RateLimit   ratelimit.Config
	Breaker     breaker.Config
	Retry       RetryConfig
}

// Client is the resilient wrapper around one integration service.
type Client struct {
	config  Config
	http    *http.Client
	limiter *ratelimit.AdaptiveLimiter
	breaker *breaker.Breaker
	cache   *cache.MultiLayer
	metrics *metrics.Recorder
	logger  *logx.Logger
}

// New creates an envelope client. cache and rec may be nil, disabling
// caching and metrics respectively.
func New(cfg Config, c *cache.MultiLayer, rec *metrics.Recorder) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig
	}

	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: ratelimit.NewAdaptiveLimiter(cfg.Name, cfg.RateLimit),
		breaker: breaker.New(cfg.Name, cfg.Breaker),
		cache:   c,
		metrics: rec,
		logger:  logx.NewLogger("envelope-" + cfg.Name),
	}
}

// Name returns the service name this envelope wraps.
func (c *Client) Name() string {
	return c.config.Name
}

// BreakerStats returns a snapshot of the circuit breaker for health
// reporting.
func (c *Client) BreakerStats() breaker.Stats {
	return c.breaker.GetStats()
}

// ResetBreaker manually closes the circuit.
func (c *Client) ResetBreaker() {
	c.breaker.Reset()
}

// Search runs the full pipeline for one search query.
func (c *Client) Search(ctx context.Context, q record.SearchQuery) (*SearchResult, error) {
	q.Normalize()
	start := time.Now()

	key := cache.Key(c.config.Name, map[string]any{
		"query":   q.Query,
		"limit":   q.Limit,
		"filters": q.Filters,
	})

	if c.cache != nil {
		var cached []record.Record
		if c.cache.Get(ctx, key, &cached) {
			c.recordCacheEvent("hit")
			return &SearchResult{Records: cached, FromCache: true, Duration: time.Since(start)}, nil
		}
		c.recordCacheEvent("miss")
	}

	waitStart := time.Now()
	if !c.limiter.WaitForSlot(ctx, c.config.WaitTimeout) {
		return nil, &RateLimitedError{Service: c.config.Name}
	}
	if c.metrics != nil {
		c.metrics.RecordRateLimitWait(c.config.Name, time.Since(waitStart))
	}

	records, err := c.searchWithRetry(ctx, q)
	elapsed := time.Since(start)

	if c.metrics != nil {
		status := "ok"
		if err != nil {
			status = classify(err)
		}
		c.metrics.RecordServiceRequest(c.config.Name, status, elapsed)
		c.metrics.SetBreakerState(c.config.Name, int(c.breaker.State()))
	}
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if cerr := c.cache.Set(ctx, key, records); cerr != nil {
			c.logger.Warn("cache write failed: %v", cerr)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordRetrieval(c.config.Name, len(records))
	}

	return &SearchResult{Records: records, Duration: elapsed}, nil
}

// searchWithRetry runs the breaker-guarded HTTP call with exponential
// backoff. Circuit rejections are never retried; 429 responses feed the
// adaptive limiter and are retried after its backoff.
func (c *Client) searchWithRetry(ctx context.Context, q record.SearchQuery) ([]record.Record, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(c.config.Retry, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}

		records, err := c.doSearch(ctx, q)

		rateLimited := isRateLimited(err)
		c.breaker.RecordResult(!breakerFailure(err))

		if err == nil {
			c.limiter.RecordSuccess()
			return records, nil
		}
		lastErr = err

		if rateLimited {
			c.limiter.RecordRateLimitError()
			if re, ok := err.(*RateLimitedError); ok && re.RetryAfter > 0 { //nolint:errorlint
				c.limiter.SetRetryAfter(re.RetryAfter)
			}
		}

		if !shouldRetry(err) {
			break
		}
	}

	return nil, fmt.Errorf("%s search failed after retries: %w", c.config.Name, lastErr)
}

// doSearch performs one HTTP search call.
func (c *Client) doSearch(ctx context.Context, q record.SearchQuery) ([]record.Record, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal search query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s search request: %w", c.config.Name, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &RateLimitedError{Service: c.config.Name, RetryAfter: retryAfter}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck
		return nil, &UpstreamError{
			Service: c.config.Name,
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(data)),
		}
	}

	var payload struct {
		Results []record.Record `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &MalformedError{Service: c.config.Name, Cause: err}
	}
	return payload.Results, nil
}

// Health checks the upstream /health endpoint, bypassing cache and
// limiter so status reporting stays accurate under load.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s health check: %w", c.config.Name, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return &UpstreamError{Service: c.config.Name, Status: resp.StatusCode}
	}
	return nil
}

func retryDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1)) //nolint:gosec // jitter needs no crypto rand
		delay += jitter - time.Duration(int64(delay)/10)
	}
	if delay <= 0 {
		delay = cfg.InitialDelay
	}
	return delay
}

func (c *Client) recordCacheEvent(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordCacheEvent(c.config.Name, outcome)
	}
}

// shouldRetry reports whether the pipeline should try again. Circuit
// rejections, malformed responses, and client errors other than 429 are
// final.
func shouldRetry(err error) bool {
	if breaker.IsOpen(err) {
		return false
	}
	if isMalformed(err) {
		return false
	}
	if ue, ok := err.(*UpstreamError); ok { //nolint:errorlint
		return ue.retryable()
	}
	if isRateLimited(err) {
		return true
	}
	// Transport-level failures (timeouts, resets) are retryable.
	return true
}

// breakerFailure reports whether err reflects upstream health. Only
// transport failures and 5xx statuses count: rate limits describe our
// own request rate, other 4xx statuses describe the request, and a
// malformed body still means the upstream answered.
func breakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if isRateLimited(err) || isMalformed(err) {
		return false
	}
	if ue, ok := err.(*UpstreamError); ok { //nolint:errorlint
		return ue.Status >= 500
	}
	return true
}

func isMalformed(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*MalformedError) //nolint:errorlint
	return ok
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*RateLimitedError) //nolint:errorlint
	return ok
}

// classify maps an error to a metrics status label.
func classify(err error) string {
	switch {
	case breaker.IsOpen(err):
		return "circuit_open"
	case isRateLimited(err):
		return "rate_limited"
	default:
		return "error"
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
