// Package backoff implements retry/backoff policies for resource-manager and
// node-manager communicator I/O (§5, §7 kind 3 — container errors are retried
// by re-scheduling on a fresh container). internal/rmcomm and internal/nmcomm
// do not import it: a failed RM/NM call there is not retried.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrRetriesExhausted is returned once a policy's retry budget is spent.
var ErrRetriesExhausted = errors.New("backoff: retries exhausted")

// ErrCanceled is returned when the context is canceled while waiting.
var ErrCanceled = errors.New("backoff: operation canceled")

// Policy computes the wait duration before attempt number retryCount
// (0-based). Returning ErrRetriesExhausted stops retrying.
type Policy interface {
	NextInterval(retryCount int) (time.Duration, error)
}

// Exponential implements decorrelated-jitter exponential backoff: each
// interval is drawn uniformly from [Base, min(Cap, previous*3)), which avoids
// the thundering-herd effect of plain exponential backoff when many
// communicator goroutines retry a failing RM/NM call simultaneously.
type Exponential struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int // 0 means unlimited

	mu   sync.Mutex
	prev time.Duration
	rng  *rand.Rand
}

// NewExponential builds a decorrelated-jitter policy. A zero maxRetries means
// retry forever.
func NewExponential(base, cap time.Duration, maxRetries int) *Exponential {
	return &Exponential{
		Base:       base,
		Cap:        cap,
		MaxRetries: maxRetries,
		prev:       base,
		//nolint:gosec // jitter does not need a cryptographic RNG
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextInterval implements Policy.
func (e *Exponential) NextInterval(retryCount int) (time.Duration, error) {
	if e.MaxRetries > 0 && retryCount >= e.MaxRetries {
		return 0, ErrRetriesExhausted
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	upper := math.Min(float64(e.Cap), float64(e.prev)*3)
	lower := float64(e.Base)
	if upper < lower {
		upper = lower
	}
	next := time.Duration(lower + e.rng.Float64()*(upper-lower))
	e.prev = next
	return next, nil
}

// Reset clears the running state so the next NextInterval call behaves as if
// this were the first retry.
func (e *Exponential) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prev = e.Base
}

// Constant retries at a fixed interval until MaxRetries (0 means unlimited)
// is reached.
type Constant struct {
	Interval   time.Duration
	MaxRetries int
}

// NextInterval implements Policy.
func (c Constant) NextInterval(retryCount int) (time.Duration, error) {
	if c.MaxRetries > 0 && retryCount >= c.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return c.Interval, nil
}

// Retry calls fn until it succeeds, the policy is exhausted, or ctx is
// canceled. Once the policy is exhausted it returns fn's last error.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		wait, perr := policy.NextInterval(attempt)
		if perr != nil {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ErrCanceled
		}
	}
}
