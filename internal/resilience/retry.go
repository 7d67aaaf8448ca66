package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/pearl-project/pearl/pkg/backend"
)

// Policy describes capped exponential backoff for transient upstream
// failures. The delay before attempt n (1-based retry count) is
// min(Base * Factor^(n-1), Cap), unless the provider requested a longer
// wait via Retry-After.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// Base is the delay before the first retry. Default: 1s.
	Base time.Duration

	// Factor multiplies the delay after each retry. Default: 2.
	Factor float64

	// Cap bounds the computed delay. Default: 10s. A provider Retry-After
	// may exceed the cap.
	Cap time.Duration
}

// DefaultPolicy returns the standard dispatch retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second, Factor: 2, Cap: 10 * time.Second}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Factor <= 1 {
		p.Factor = 2
	}
	if p.Cap <= 0 {
		p.Cap = 10 * time.Second
	}
	return p
}

// Delay returns the backoff delay before the given retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	p = p.withDefaults()
	d := float64(p.Base)
	for i := 1; i < retry; i++ {
		d *= p.Factor
	}
	if d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Retry runs fn up to p.MaxAttempts times, backing off between attempts.
// Only errors classified retryable by [backend.Retryable] are retried;
// anything else returns immediately. A provider Retry-After overrides the
// computed delay when longer. Returns the last error, or ctx.Err() if the
// context ends during a backoff wait.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !backend.Retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}

		delay := p.Delay(attempt)
		if ra := backend.RetryAfter(err); ra > delay {
			delay = ra
		}
		slog.Debug("retrying after transient failure",
			"attempt", attempt,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
