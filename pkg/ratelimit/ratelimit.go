// Package ratelimit provides outbound request rate limiting combining a
// token bucket (burst tolerance) with a sliding window counter (precise
// per-window maximum). An adaptive variant tightens the window when the
// upstream starts returning rate-limit errors.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"atlas/pkg/logx"
)

// Config defines rate limiting for one outbound service.
type Config struct {
	RequestsPerWindow int
	WindowSeconds     int
	BurstSize         int
}

// DefaultConfig provides reasonable defaults for a vendor API.
var DefaultConfig = Config{ //nolint:gochecknoglobals
	RequestsPerWindow: 100,
	WindowSeconds:     60,
	BurstSize:         10,
}

// maxSleep bounds each cooperative wait so cancellation stays responsive.
const maxSleep = time.Second

// TokenBucket admits short bursts up to capacity, refilled continuously.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// TryAcquire takes n tokens if available.
func (b *TokenBucket) TryAcquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Wait blocks until n tokens are available or the context expires.
func (b *TokenBucket) Wait(ctx context.Context, n int) bool {
	for {
		if b.TryAcquire(n) {
			return true
		}

		b.mu.Lock()
		deficit := float64(n) - b.tokens
		b.mu.Unlock()

		wait := time.Duration(deficit / b.refillRate * float64(time.Second))
		if wait > maxSleep {
			wait = maxSleep
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (b *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// SlidingWindow enforces a precise per-window request maximum.
type SlidingWindow struct {
	mu       sync.Mutex
	window   time.Duration
	maxCount int
	requests []time.Time
}

// NewSlidingWindow creates a counter for the given window.
func NewSlidingWindow(windowSeconds, maxCount int) *SlidingWindow {
	return &SlidingWindow{
		window:   time.Duration(windowSeconds) * time.Second,
		maxCount: maxCount,
	}
}

// TryAdmit records and admits a request if the window has room.
func (w *SlidingWindow) TryAdmit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.evict(now)

	if len(w.requests) < w.maxCount {
		w.requests = append(w.requests, now)
		return true
	}
	return false
}

// Wait blocks until the window has room or the context expires.
func (w *SlidingWindow) Wait(ctx context.Context) bool {
	for {
		if w.TryAdmit() {
			return true
		}

		w.mu.Lock()
		var wait time.Duration
		if len(w.requests) > 0 {
			wait = time.Until(w.requests[0].Add(w.window)) + 100*time.Millisecond
		} else {
			wait = 100 * time.Millisecond
		}
		w.mu.Unlock()

		if wait > maxSleep {
			wait = maxSleep
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// Remaining returns the number of requests still admissible in the current
// window.
func (w *SlidingWindow) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(time.Now())
	remaining := w.maxCount - len(w.requests)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SetMax adjusts the window maximum (used by the adaptive limiter).
func (w *SlidingWindow) SetMax(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxCount = n
}

func (w *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.requests) && w.requests[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.requests = append(w.requests[:0], w.requests[i:]...)
	}
}

// Limiter combines the token bucket and sliding window. A request is
// admitted only when both permit it.
type Limiter struct {
	config Config
	bucket *TokenBucket
	window *SlidingWindow

	mu         sync.Mutex
	retryAfter time.Time // forced wait deadline from an upstream hint

	logger *logx.Logger
}

// NewLimiter creates a limiter for one outbound service.
func NewLimiter(name string, cfg Config) *Limiter {
	refillRate := float64(cfg.RequestsPerWindow) / float64(cfg.WindowSeconds)
	return &Limiter{
		config: cfg,
		bucket: NewTokenBucket(cfg.BurstSize, refillRate),
		window: NewSlidingWindow(cfg.WindowSeconds, cfg.RequestsPerWindow),
		logger: logx.NewLogger("ratelimit-" + name),
	}
}

// TryAcquire attempts immediate admission.
func (l *Limiter) TryAcquire() bool {
	if l.inForcedWait() {
		return false
	}
	if !l.bucket.TryAcquire(1) {
		return false
	}
	return l.window.TryAdmit()
}

// WaitForSlot blocks cooperatively until admission or timeout, whichever
// comes first. The wait sleeps at most one second at a time so caller
// cancellation is honored promptly.
func (l *Limiter) WaitForSlot(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Honor a forced wait from an upstream Retry-After first.
	l.mu.Lock()
	deadline := l.retryAfter
	l.mu.Unlock()

	if wait := time.Until(deadline); wait > 0 {
		if wait > timeout {
			return false
		}
		l.logger.Info("waiting %.1fs due to upstream retry-after", wait.Seconds())
		for wait > 0 {
			step := wait
			if step > maxSleep {
				step = maxSleep
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(step):
			}
			wait = time.Until(deadline)
		}
		l.mu.Lock()
		l.retryAfter = time.Time{}
		l.mu.Unlock()
	}

	if !l.bucket.Wait(ctx, 1) {
		return false
	}
	return l.window.Wait(ctx)
}

// SetRetryAfter blocks all admissions until the given duration passes.
func (l *Limiter) SetRetryAfter(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryAfter = time.Now().Add(d)
	l.logger.Warn("rate limit hit, retry after %.1fs", d.Seconds())
}

// Remaining returns the estimated requests left in the current window.
func (l *Limiter) Remaining() int {
	return l.window.Remaining()
}

func (l *Limiter) inForcedWait() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.retryAfter.IsZero() && time.Now().Before(l.retryAfter)
}
