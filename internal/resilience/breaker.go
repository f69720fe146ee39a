// Package resilience provides reliability patterns used across the daemon:
// a gobreaker-backed circuit breaker, with shared instances for ACME
// issuance and health probes, plus a standalone hand-rolled CircuitBreaker
// and retry helpers.
package resilience

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ServiceBreaker wraps gobreaker with sensible defaults and provides
// a simpler API for common use cases.
type ServiceBreaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// BreakerOption configures a ServiceBreaker
type BreakerOption func(*gobreaker.Settings)

// WithMaxRequests sets the maximum number of requests allowed in half-open state
func WithMaxRequests(n uint32) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.MaxRequests = n
	}
}

// WithInterval sets the cyclic period of the closed state for clearing counts
func WithInterval(d time.Duration) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.Interval = d
	}
}

// WithTimeout sets the period of the open state before becoming half-open
func WithTimeout(d time.Duration) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.Timeout = d
	}
}

// WithFailureThreshold sets the number of consecutive failures before opening
func WithFailureThreshold(n uint32) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n
		}
	}
}

// WithOnStateChange sets a callback for state changes
func WithOnStateChange(fn func(name string, from, to string)) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.OnStateChange = func(name string, from, to gobreaker.State) {
			fn(name, from.String(), to.String())
		}
	}
}

// NewServiceBreaker creates a new circuit breaker with sensible defaults.
// Default settings:
// - MaxRequests: 3 (requests allowed in half-open state)
// - Interval: 60s (stat collection window in closed state)
// - Timeout: 30s (how long to stay open before trying half-open)
// - FailureThreshold: 5 (consecutive failures to trip)
func NewServiceBreaker(name string, opts ...BreakerOption) *ServiceBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			// Default: silent state changes
		},
	}

	// Apply options
	for _, opt := range opts {
		opt(&settings)
	}

	return &ServiceBreaker{
		cb:   gobreaker.NewCircuitBreaker[any](settings),
		name: name,
	}
}

// Execute runs an operation through the circuit breaker.
// Returns an error if the circuit is open or if the operation fails.
func (b *ServiceBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// ExecuteWithResult runs an operation that returns a result through the circuit breaker.
func ExecuteWithResult[T any](b *ServiceBreaker, fn func() (T, error)) (T, error) {
	// Run through b's own breaker so the call counts toward its state
	result, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// State returns the current state of the circuit breaker
func (b *ServiceBreaker) State() string {
	return b.cb.State().String()
}

// Name returns the name of the circuit breaker
func (b *ServiceBreaker) Name() string {
	return b.name
}

// Counts returns the current counts (requests, successes, failures, etc.)
func (b *ServiceBreaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// IsOpen returns true if the circuit is open (blocking requests)
func (b *ServiceBreaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// IsClosed returns true if the circuit is closed (allowing requests)
func (b *ServiceBreaker) IsClosed() bool {
	return b.cb.State() == gobreaker.StateClosed
}

// IsHalfOpen returns true if the circuit is half-open (testing recovery)
func (b *ServiceBreaker) IsHalfOpen() bool {
	return b.cb.State() == gobreaker.StateHalfOpen
}

// ErrCircuitOpen reports an open circuit. ServiceBreaker does not return it:
// an open ServiceBreaker fails calls with gobreaker.ErrOpenState.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open")

// Common breakers for different external dependencies.
var (
	// acmeBreaker protects calls to the ACME directory/issuer.
	acmeBreaker *ServiceBreaker

	// probeBreaker protects the prober's outbound HTTP client.
	probeBreaker *ServiceBreaker
)

// GetACMEBreaker returns the shared ACME issuer circuit breaker.
func GetACMEBreaker() *ServiceBreaker {
	if acmeBreaker == nil {
		acmeBreaker = NewServiceBreaker("acme",
			WithFailureThreshold(3),
			WithTimeout(60*time.Second),
		)
	}
	return acmeBreaker
}

// GetProbeBreaker returns the shared health-probe circuit breaker.
func GetProbeBreaker() *ServiceBreaker {
	if probeBreaker == nil {
		probeBreaker = NewServiceBreaker("probe",
			WithFailureThreshold(5),
			WithTimeout(30*time.Second),
		)
	}
	return probeBreaker
}
