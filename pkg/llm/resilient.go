package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"atlas/pkg/breaker"
)

// RetryConfig defines retry behavior for provider calls.
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
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RetryableClient wraps a Client with classified retry logic.
type RetryableClient struct {
	client Client
	config RetryConfig
}

// NewRetryableClient wraps client with retry behavior.
func NewRetryableClient(client Client, cfg RetryConfig) *RetryableClient {
	return &RetryableClient{client: client, config: cfg}
}

// Complete implements Client with retries.
func (r *RetryableClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return CompletionResponse{}, ctx.Err()
			case <-time.After(r.delay(attempt)):
			}
		}

		resp, err := r.client.Complete(ctx, in)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !Classify(err).Type.Retryable() {
			break
		}
	}

	return CompletionResponse{}, fmt.Errorf("completion failed after retries: %w", lastErr)
}

// Stream implements Client with retries on stream establishment. Chunks
// already flowing are not replayed on failure.
func (r *RetryableClient) Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.delay(attempt)):
			}
		}

		ch, err := r.client.Stream(ctx, in)
		if err == nil {
			return ch, nil
		}
		lastErr = err

		if !Classify(err).Type.Retryable() {
			break
		}
	}

	return nil, fmt.Errorf("stream failed after retries: %w", lastErr)
}

// ModelName implements Client.
func (r *RetryableClient) ModelName() string {
	return r.client.ModelName()
}

func (r *RetryableClient) delay(attempt int) time.Duration {
	d := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1)))
	if d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	if r.config.Jitter {
		jitter := time.Duration(rand.Int63n(int64(d)/5 + 1)) //nolint:gosec // jitter needs no crypto rand
		d += jitter - time.Duration(int64(d)/10)
	}
	if d <= 0 {
		d = r.config.InitialDelay
	}
	return d
}

// BreakerClient wraps a Client with a circuit breaker. Auth and bad
// prompt errors reflect the request, not provider health, and do not
// count against the circuit.
type BreakerClient struct {
	client  Client
	breaker *breaker.Breaker
}

// NewBreakerClient wraps client with circuit breaking.
func NewBreakerClient(client Client, cfg breaker.Config) *BreakerClient {
	return &BreakerClient{
		client:  client,
		breaker: breaker.New("llm-"+client.ModelName(), cfg),
	}
}

// Complete implements Client under the breaker.
func (b *BreakerClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if err := b.breaker.Allow(); err != nil {
		return CompletionResponse{}, err
	}
	resp, err := b.client.Complete(ctx, in)
	b.breaker.RecordResult(err == nil || !countsAgainstBreaker(err))
	return resp, err
}

// Stream implements Client under the breaker. Establishment counts;
// individual chunks do not.
func (b *BreakerClient) Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error) {
	if err := b.breaker.Allow(); err != nil {
		return nil, err
	}
	ch, err := b.client.Stream(ctx, in)
	b.breaker.RecordResult(err == nil || !countsAgainstBreaker(err))
	return ch, err
}

// ModelName implements Client.
func (b *BreakerClient) ModelName() string {
	return b.client.ModelName()
}

// Stats exposes the breaker snapshot for health reporting.
func (b *BreakerClient) Stats() breaker.Stats {
	return b.breaker.GetStats()
}

func countsAgainstBreaker(err error) bool {
	switch Classify(err).Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt:
		return false
	default:
		return true
	}
}

// NewResilientClient layers the standard middleware: circuit breaker
// inside, retry outside. Circuit rejections classify as non-retryable,
// so an open circuit fails fast instead of burning retry attempts.
func NewResilientClient(base Client) Client {
	cb := NewBreakerClient(base, breaker.DefaultConfig)

	cfg := DefaultRetryConfig
	cfg.MaxRetries = 2 // breaker handles sustained failure

	return NewRetryableClient(cb, cfg)
}
