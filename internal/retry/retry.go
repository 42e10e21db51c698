// Package retry provides the bounded retry and polling primitives every
// browser-facing operation is built on. Delays are sampled uniformly from a
// jitter window so consecutive waits never repeat the same interval.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Jitter is a closed interval [Min, Max] from which a delay is sampled.
type Jitter struct {
	Min time.Duration `mapstructure:"min" yaml:"min"`
	Max time.Duration `mapstructure:"max" yaml:"max"`
}

// Fixed returns a jitter window that always yields d.
func Fixed(d time.Duration) Jitter {
	return Jitter{Min: d, Max: d}
}

// Sample draws a delay uniformly from the window. A reversed window is
// treated as if its bounds were swapped.
func (j Jitter) Sample() time.Duration {
	lo, hi := j.Min, j.Max
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

// Sleep waits for a sampled delay or until ctx is done.
func Sleep(ctx context.Context, j Jitter) error {
	d := j.Sample()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitterBackOff adapts a Jitter window to backoff.BackOff. It keeps no state,
// so Reset is a no-op.
type jitterBackOff struct {
	window Jitter
}

func (b jitterBackOff) NextBackOff() time.Duration { return b.window.Sample() }

func (b jitterBackOff) Reset() {}

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the total number of tries, including the first. Values
	// below one are treated as one.
	Attempts int
	// Delay is the jittered pause between tries.
	Delay Jitter
	// Notify, when set, is called after each failed try that will be retried.
	Notify func(err error, next time.Duration)
}

// Permanent marks err so Do stops retrying immediately and returns it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, the attempts are exhausted or ctx is done.
// op receives the 1-based attempt number. The last error is returned on
// exhaustion; ctx's error is returned on cancellation.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = jitterBackOff{window: p.Delay}
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		return op(ctx, attempt)
	}

	var notify backoff.Notify
	if p.Notify != nil {
		notify = backoff.Notify(p.Notify)
	}
	return backoff.RetryNotify(operation, b, notify)
}

var errPending = errors.New("condition not met")

// Poll evaluates cond until it reports true or timeout elapses, sleeping a
// sampled interval between evaluations. cond receives a context carrying the
// polling deadline so no single evaluation can run materially past it.
func Poll(ctx context.Context, timeout time.Duration, interval Jitter, cond func(ctx context.Context) bool) bool {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := backoff.Retry(func() error {
		if cond(pctx) {
			return nil
		}
		return errPending
	}, backoff.WithContext(jitterBackOff{window: interval}, pctx))
	return err == nil
}
