// Package retry computes delays between attempts of a failing request.
package retry

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mmcdole/chansync/internal/domain"
)

// Strategy computes delays for failed actions that need to be retried.
type Strategy interface {
	// Reset clears the failure history.
	Reset()
	// Delay returns how long to wait before the next attempt, or
	// domain.ErrRetryTimeout when no attempt should be made.
	Delay() (time.Duration, error)
}

// ExponentialBackoff grows delays with each consecutive failure. Two calls
// after the same number of failures may return different delays, so that
// independent callers hitting the same backend do not retry in lockstep.
type ExponentialBackoff struct {
	maxDelay   time.Duration
	maxRetries int
	rand       func() float64

	mu       sync.Mutex
	failures int
}

// Option configures an ExponentialBackoff.
type Option func(*ExponentialBackoff)

// WithRand replaces the uniform [0,1) source used for jitter.
func WithRand(f func() float64) Option {
	return func(b *ExponentialBackoff) { b.rand = f }
}

// NewExponentialBackoff returns a strategy allowing maxRetries delays, each
// capped at maxDelay.
func NewExponentialBackoff(maxDelay time.Duration, maxRetries int, opts ...Option) *ExponentialBackoff {
	b := &ExponentialBackoff{
		maxDelay:   maxDelay,
		maxRetries: maxRetries,
		rand:       rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reset implements Strategy.
func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Delay implements Strategy.
func (b *ExponentialBackoff) Delay() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures >= b.maxRetries {
		return 0, domain.ErrRetryTimeout
	}

	lo, hi := bounds(b.failures, b.maxDelay)
	delay := lo + time.Duration(b.rand()*float64(hi-lo))

	b.failures++
	return delay, nil
}

// ConsecutiveFailures returns the number of delays handed out since the
// last Reset.
func (b *ExponentialBackoff) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// bounds returns the jitter window for the given failure count:
//
//	max = min(0.5s + 2s*n, maxDelay)
//	min = min(max(0.25s, 2s*(n-1)), maxDelay)
func bounds(failures int, maxDelay time.Duration) (lo, hi time.Duration) {
	n := time.Duration(failures)
	hi = min(500*time.Millisecond+2*time.Second*n, maxDelay)
	lo = min(max(250*time.Millisecond, 2*time.Second*(n-1)), maxDelay)
	return lo, hi
}
