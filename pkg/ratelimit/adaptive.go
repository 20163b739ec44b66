package ratelimit

import (
	"math"
	"sync"
	"time"
)

// adaptiveErrorThreshold is the error rate above which the window shrinks.
const adaptiveErrorThreshold = 0.1

// adaptiveMaxBackoff caps the exponential backoff applied after repeated
// upstream rate-limit errors.
const adaptiveMaxBackoff = 60 * time.Second

// AdaptiveLimiter wraps a Limiter and tightens the sliding window when the
// upstream starts rejecting requests. Each observed rate-limit error
// doubles a backoff delay (capped at one minute); an error rate above 10%
// over the trailing window drops the admissible request count to 80% of
// the configured maximum, re-evaluated at most once per window span.
// Sustained success restores the configured maximum.
type AdaptiveLimiter struct {
	*Limiter

	mu          sync.Mutex
	baseMax     int
	currentMax  int
	errorCount  int
	outcomes    []outcome
	outcomeSpan time.Duration
	lastAdjust  time.Time
}

type outcome struct {
	at time.Time
	ok bool
}

// NewAdaptiveLimiter creates an adaptive limiter for one outbound service.
func NewAdaptiveLimiter(name string, cfg Config) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		Limiter:     NewLimiter(name, cfg),
		baseMax:     cfg.RequestsPerWindow,
		currentMax:  cfg.RequestsPerWindow,
		outcomeSpan: time.Duration(cfg.WindowSeconds) * time.Second,
	}
}

// RecordSuccess reports a successful upstream call. Consecutive successes
// reset the backoff and gradually restore the full window.
func (a *AdaptiveLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount = 0
	a.record(true)

	if a.currentMax < a.baseMax && a.errorRate() < adaptiveErrorThreshold/2 {
		a.currentMax = a.baseMax
		a.window.SetMax(a.currentMax)
		a.logger.Info("window restored to %d requests", a.currentMax)
	}
}

// RecordRateLimitError reports an upstream rate-limit rejection, applying
// exponential backoff and shrinking the window if errors are frequent.
func (a *AdaptiveLimiter) RecordRateLimitError() {
	a.mu.Lock()
	a.errorCount++
	a.record(false)

	backoff := time.Duration(math.Min(
		adaptiveMaxBackoff.Seconds(),
		math.Pow(2, float64(a.errorCount)),
	) * float64(time.Second))

	// The shrink target is fixed at 80% of the configured maximum; it
	// never compounds, and re-evaluation is gated to one adjustment per
	// window span.
	target := int(float64(a.baseMax) * 0.8)
	if target < 1 {
		target = 1
	}
	shrink := a.errorRate() > adaptiveErrorThreshold && a.currentMax > target &&
		(a.lastAdjust.IsZero() || time.Since(a.lastAdjust) >= a.outcomeSpan)
	if shrink {
		a.currentMax = target
		a.window.SetMax(a.currentMax)
		a.lastAdjust = time.Now()
	}
	current := a.currentMax
	a.mu.Unlock()

	a.SetRetryAfter(backoff)
	if shrink {
		a.logger.Warn("window shrunk to %d requests after repeated rate-limit errors", current)
	}
}

// CurrentMax returns the current (possibly shrunk) window maximum.
func (a *AdaptiveLimiter) CurrentMax() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentMax
}

// record appends an outcome and evicts entries older than the window.
// Caller holds a.mu.
func (a *AdaptiveLimiter) record(ok bool) {
	now := time.Now()
	a.outcomes = append(a.outcomes, outcome{at: now, ok: ok})

	cutoff := now.Add(-a.outcomeSpan)
	i := 0
	for i < len(a.outcomes) && a.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.outcomes = append(a.outcomes[:0], a.outcomes[i:]...)
	}
}

// errorRate computes the trailing-window error rate. Caller holds a.mu.
func (a *AdaptiveLimiter) errorRate() float64 {
	if len(a.outcomes) == 0 {
		return 0
	}
	errors := 0
	for _, o := range a.outcomes {
		if !o.ok {
			errors++
		}
	}
	return float64(errors) / float64(len(a.outcomes))
}
