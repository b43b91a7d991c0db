// Package breaker guards calls to remote dependencies (the HelixDB backend and
// the embedding providers) with a gobreaker circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the breaker is open and rejects the call without
// reaching the remote side.
var ErrOpen = errors.New("circuit breaker is open")

// ErrCanceled is returned, wrapping the context error, when the context is
// done before the call starts.
var ErrCanceled = errors.New("call canceled before it was sent")

// Config holds the breaker thresholds.
type Config struct {
	// Name identifies the breaker in state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive counted failures that trips the
	// breaker. Default: 5
	MaxFailures uint32

	// Timeout is how long the breaker stays open before going half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxRequests is the number of probe calls let through while
	// half-open. Default: 1
	HalfOpenMaxRequests uint32

	// Counts decides which errors count as failures. Errors for which it
	// returns false pass through without affecting the breaker. When nil
	// every error counts.
	Counts func(err error) bool

	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to string)
}

// Stats is a snapshot of breaker activity.
type Stats struct {
	State               string
	TotalRequests       uint64
	TotalFailures       uint64
	Rejected            uint64
	ConsecutiveFailures uint32
}

// Breaker wraps gobreaker.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	config Config

	mu       sync.Mutex
	total    uint64
	failures uint64
	rejected uint64
}

// New creates a breaker, filling zero fields with defaults.
func New(config Config) *Breaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxRequests == 0 {
		config.HalfOpenMaxRequests = 1
	}
	if config.Name == "" {
		config.Name = "remote"
	}

	b := &Breaker{config: config}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxRequests,
		Interval:    0,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			if config.Counts != nil {
				return !config.Counts(err)
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if config.OnStateChange != nil {
				config.OnStateChange(name, from.String(), to.String())
			}
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn through the breaker. An open breaker yields ErrOpen.
// A context that is already done yields ErrCanceled without counting.
func (b *Breaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	result, err := b.cb.Execute(fn)

	b.mu.Lock()
	b.total++
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.rejected++
		b.mu.Unlock()
		return nil, ErrOpen
	case err != nil:
		b.failures++
	}
	b.mu.Unlock()

	return result, err
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Stats returns a snapshot of activity counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := b.cb.Counts()
	return Stats{
		State:               b.State(),
		TotalRequests:       b.total,
		TotalFailures:       b.failures,
		Rejected:            b.rejected,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}
