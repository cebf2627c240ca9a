package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"promptchain/internal/ephor"
	"promptchain/internal/logging"
	"promptchain/internal/metrics"
)

const (
	DefaultMaxRetries    = 2
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultMaxDelay      = 6000 * time.Millisecond
	DefaultJitter        = 400 * time.Millisecond
	DefaultMinRetryAfter = 500 * time.Millisecond
	DefaultCallTimeout   = 180 * time.Second
)

// Policy retries transient failures with capped exponential backoff.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        time.Duration
	MinRetryAfter time.Duration
	CallTimeout   time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Registry
	// Clock times the backoff sleep; nil uses the wall clock.
	Clock clock.Clock

	// Sleep and RandN are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	RandN func(n int64) int64

	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		Jitter:        DefaultJitter,
		MinRetryAfter: DefaultMinRetryAfter,
		CallTimeout:   DefaultCallTimeout,
	}
}

// Do runs fn until it succeeds, fails fatally or the retry budget is spent.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, ephor.Cancelled(op, err)
		}

		value, err := callOnce(ctx, p.CallTimeout, op, fn)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return zero, ephor.Cancelled(op, ctx.Err())
		}
		if !ephor.IsTransient(err) || attempt >= p.MaxRetries {
			return zero, err
		}

		delay := p.Backoff(attempt+1, err)
		p.Metrics.IncRetry()
		p.Logger.Warn("retrying after transient failure", map[string]string{
			"op":      op,
			"attempt": strconv.Itoa(attempt + 1),
			"delay":   delay.String(),
			"kind":    string(ephor.KindOf(err)),
			"error":   err.Error(),
		})
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return zero, ephor.Cancelled(op, err)
		}
	}
}

// callOnce bounds a single attempt. An attempt that outlives its own deadline
// while the caller's context is still live is reported as a timeout.
func callOnce[T any](ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if ephor.KindOf(err) == ephor.KindCancelled || ephor.KindOf(err) == "" {
			err = ephor.NewError(ephor.KindTimeout, op, err)
		}
	}
	return value, err
}

// Backoff returns the delay before retry number attempt (1-based). A server
// retry hint wins over the exponential schedule.
func (p Policy) Backoff(attempt int, err error) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if hint, ok := ephor.RetryAfterOf(err); ok {
		minDelay := p.MinRetryAfter
		if minDelay <= 0 {
			minDelay = DefaultMinRetryAfter
		}
		return clamp(hint, minDelay, maxDelay)
	}

	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if p.Jitter > 0 {
		delay += time.Duration(p.randN(int64(p.Jitter) + 1))
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func (p Policy) randN(n int64) int64 {
	if p.RandN != nil {
		return p.RandN(n)
	}
	return rand.Int64N(n)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	timer := c.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clamp(value, low, high time.Duration) time.Duration {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
