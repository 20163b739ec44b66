// Package breaker implements a three-state circuit breaker guarding calls
// to an unreliable upstream. Sustained failures open the circuit and
// reject calls immediately; after a cooldown a limited number of probe
// calls decide whether to close it again.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"atlas/pkg/logx"
)

// State represents the state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing if the upstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes to close from half-open
	Timeout          time.Duration // Cooldown before trying half-open
	MaxProbeCalls    int           // Concurrent probe calls in half-open
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{ //nolint:gochecknoglobals
	FailureThreshold: 5,
	SuccessThreshold: 3,
	Timeout:          30 * time.Second,
	MaxProbeCalls:    3,
}

// OpenError is returned when the circuit rejects a call.
type OpenError struct {
	Service string
	State   State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Service, e.State)
}

// IsOpen reports whether err is a circuit rejection.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError) //nolint:errorlint // OpenError is never wrapped by this package
	return ok
}

// Breaker guards calls to one upstream service.
type Breaker struct {
	service string
	config  Config
	logger  *logx.Logger

	mu              sync.RWMutex
	state           State
	failureCount    int
	successCount    int
	probeCalls      int
	lastFailureTime time.Time
}

// New creates a breaker for the named service.
func New(service string, cfg Config) *Breaker {
	return &Breaker{
		service: service,
		config:  cfg,
		state:   StateClosed,
		logger:  logx.NewLogger("breaker-" + service),
	}
}

// Allow checks whether a call may proceed. A nil return means the caller
// must follow up with RecordResult.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.Timeout {
			b.state = StateHalfOpen
			b.probeCalls = 0
			b.successCount = 0
			b.logger.Info("circuit half-open, probing upstream")
			return nil
		}
		return &OpenError{Service: b.service, State: StateOpen}

	case StateHalfOpen:
		if b.probeCalls >= b.config.MaxProbeCalls {
			return &OpenError{Service: b.service, State: StateHalfOpen}
		}
		b.probeCalls++
		return nil

	default:
		return &OpenError{Service: b.service, State: b.state}
	}
}

// RecordResult records the outcome of a call previously admitted by Allow.
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeCalls--
	}

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// Execute runs fn under the breaker, recording its outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.RecordResult(err == nil)
	return err
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failureCount
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.probeCalls = 0
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.logger.Info("circuit closed after %d probe successes", b.config.SuccessThreshold)
		}
	}
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			b.logger.Error("circuit opened after %d failures", b.failureCount)
		}

	case StateHalfOpen:
		// Any failure in half-open immediately opens the circuit.
		b.state = StateOpen
		b.successCount = 0
		b.logger.Error("circuit opened from half-open after probe failure")
	}
}

// Stats is a snapshot of breaker state for health reporting.
type Stats struct {
	Service      string     `json:"service"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	OpenSince    *time.Time `json:"open_since,omitempty"`
}

// GetStats returns current statistics.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Service:      b.service,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}

	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		stats.LastFailure = &t
	}
	if b.state == StateOpen {
		t := b.lastFailureTime
		stats.OpenSince = &t
	}
	return stats
}
