package sources

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while a source is fast-failing.
var ErrBreakerOpen = errors.New("sources: circuit open")

// Breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF-OPEN"
)

// Breaker is a per-source circuit breaker: after threshold consecutive
// failures it fast-fails calls for a cooldown window, then lets a single
// probe through before fully re-closing.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	failures    int
	lastFailure time.Time
	state       string

	now func() time.Time // test hook
}

// NewBreaker builds a closed breaker. Non-positive arguments get the
// original defaults of 3 failures and a 60 second cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, state: StateClosed, now: time.Now}
}

// Allow reports whether a call may proceed. While open it returns
// ErrBreakerOpen without any I/O; once the cooldown elapses the breaker
// moves to half-open and admits exactly one probe. Further callers are
// rejected until Success or Failure settles the probe's outcome.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) > b.cooldown {
			b.state = StateHalfOpen
			return nil
		}
		return ErrBreakerOpen
	case StateHalfOpen:
		return ErrBreakerOpen
	}
	return nil
}

// Success records a successful call. A half-open probe succeeding fully
// re-closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = StateClosed
}

// Failure records a failed call and opens the breaker once the
// consecutive-failure threshold is reached. A failed half-open probe
// re-opens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
	}
}

// State returns the current state string.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
