package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"backpack-grid-bot-go/internal/models"
)

// Policy wraps an exchange call with bounded attempts and randomized backoff.
// It is a plain value so call sites can carry distinct budgets per operation
// class and tests can substitute deterministic policies.
type Policy struct {
	Op          string
	MaxAttempts int
	DelayMin    time.Duration
	DelayMax    time.Duration

	// Sleep is overridable for tests; nil means time.Sleep with ctx awareness.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned after MaxAttempts transient failures. It carries
// the last underlying error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// transienter is the opt-in marker errors can implement to control retry.
type transienter interface {
	Transient() bool
}

// Transient reports whether err is worth another attempt. Network timeouts,
// rate limits and server-side errors are transient; signature, balance and
// parameter errors are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var t transienter
	if errors.As(err, &t) {
		return t.Transient()
	}

	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// Unclassified transport-level failures (connection reset, EOF mid-body)
	// are treated as transient: the next attempt sees fresh state either way.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs fn, retrying transient failures up to MaxAttempts with a sleep drawn
// uniformly from [DelayMin, DelayMax] between attempts. Non-transient failures
// propagate immediately. Cancellation is observed between attempts: an
// in-flight attempt finishes, further ones are aborted.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}

		last = fn()
		if last == nil {
			return nil
		}
		if !Transient(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		if err := p.sleep(ctx, p.jitter()); err != nil {
			return last
		}
	}
	return &ExhaustedError{Op: p.Op, Attempts: attempts, Last: last}
}

// jitter draws a uniform delay from [DelayMin, DelayMax] to avoid hammering
// the exchange in lockstep with other workers.
func (p Policy) jitter() time.Duration {
	if p.DelayMax <= p.DelayMin {
		return p.DelayMin
	}
	return p.DelayMin + time.Duration(rand.Int63n(int64(p.DelayMax-p.DelayMin)+1))
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
