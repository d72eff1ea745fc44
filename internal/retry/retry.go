// Package retry runs collaborator calls with exponential backoff and full
// jitter. Only errors the classifier marks transient are retried.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"claimrails/internal/apperr"
)

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// AttemptTimeout bounds each call; zero leaves the parent deadline alone.
	AttemptTimeout time.Duration
	Classify       func(error) bool
	// Observe receives "success", "retry" or "failed" per attempt.
	Observe func(result string)

	sleep func(context.Context, time.Duration) error
}

func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		AttemptTimeout: 10 * time.Second,
		Classify:       IsTransient,
	}
}

// Do calls fn until it succeeds, returns a fatal error, or attempts run out.
// Exhaustion is reported as ProviderTransient wrapping the last error.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = IsTransient
	}
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		v, err := attempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			p.observe("success")
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			p.observe("failed")
			return zero, err
		}
		if !classify(err) {
			p.observe("failed")
			return zero, err
		}
		if i == attempts {
			break
		}

		p.observe("retry")
		if err := p.wait(ctx, jitter(backoff)); err != nil {
			return zero, err
		}
		backoff = p.next(backoff)
	}

	p.observe("failed")
	if apperr.KindOf(lastErr) == apperr.KindProviderTransient {
		return zero, lastErr
	}
	return zero, apperr.Wrap(apperr.KindProviderTransient, "upstream unavailable, retries exhausted", lastErr)
}

func attempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

func (p Policy) next(cur time.Duration) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	n := time.Duration(float64(cur) * m)
	if p.MaxBackoff > 0 && n > p.MaxBackoff {
		n = p.MaxBackoff
	}
	return n
}

func (p Policy) observe(result string) {
	if p.Observe != nil {
		p.Observe(result)
	}
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitter picks uniformly in [d/2, d] so concurrent callers spread out
// without ever collapsing to zero.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

var transientMarkers = []string{
	"rate limit",
	"too many requests",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"status 429",
	"status 502",
	"status 503",
	"status 504",
	"not yet mined",
}

var fatalMarkers = []string{
	"insufficient funds",
	"invalid signature",
	"execution reverted",
	"nonce too low",
}

// IsTransient is the default classifier shared by escrow, provider and
// notifier calls.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := apperr.As(err); ok {
		return e.Kind == apperr.KindProviderTransient
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
