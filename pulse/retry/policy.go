// Package retry runs per-call exponential backoff with jitter.
//
// Policy.Do retries an operation while Classify says the error is retryable,
// up to MaxAttempts, and honours provider Retry-After hints.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teranos/genepulse/errors"
)

// Policy configures per-call retries
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each interval (0 disables).
	Jitter float64
}

// DefaultPolicy returns initial 500ms, max 10s, ×2, 3 attempts, 50% jitter
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Initial:     500 * time.Millisecond,
		Max:         10 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

// Attempt describes a failed attempt that will be retried
type Attempt struct {
	Number int
	Err    error
	Class  Class
	Wait   time.Duration
}

// NotifyFunc observes retries, e.g. for logging
type NotifyFunc func(Attempt)

// RetryAfterer is implemented by errors carrying a provider's Retry-After hint
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Result summarizes a Do call
type Result struct {
	Attempts int
	Class    Class // classification of the final error, empty on success
}

// Do runs op until it succeeds, fails permanently, exhausts MaxAttempts or ctx ends.
// The returned error is the last attempt's error (or the context's).
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, notify NotifyFunc) (Result, error) {
	p = p.withDefaults()

	hinted := &hintedBackOff{exp: newExp(p), max: p.Max}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return struct{}{}, nil
		}

		if !Classify(err).Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}

		var ra RetryAfterer
		if errors.As(err, &ra) {
			hinted.hint = ra.RetryAfter()
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(hinted),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(Attempt{Number: attempt, Err: err, Class: Classify(err), Wait: wait})
			}
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return Result{Attempts: attempt, Class: Classify(err)}, err
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	return p
}

func newExp(p Policy) *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.RandomizationFactor = p.Jitter
	exp.Multiplier = p.Multiplier
	exp.MaxInterval = p.Max
	exp.Reset()
	return exp
}

// hintedBackOff stretches the next exponential interval to a provider's Retry-After hint, capped at max
type hintedBackOff struct {
	exp  *backoff.ExponentialBackOff
	hint time.Duration
	max  time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.exp.NextBackOff()
	if h.hint > next {
		next = h.hint
	}
	h.hint = 0
	if next > h.max {
		next = h.max
	}
	return next
}

func (h *hintedBackOff) Reset() {
	h.exp.Reset()
	h.hint = 0
}
