// Package ratelimit provides per-provider admission control.
//
// A Limiter combines a token bucket (sustained rate plus burst) with an
// optional sliding-window quota of calls per minute. Acquire blocks until
// both allow the call; the only way it fails is the caller's context.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one provider's limits.
// RatePerSecond <= 0 disables the token bucket; MaxPerMinute <= 0 disables the window.
type Config struct {
	RatePerSecond float64
	Burst         int
	MaxPerMinute  int
}

// Stats is a point-in-time view of a limiter
type Stats struct {
	Name          string  `json:"name"`
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
	MaxPerMinute  int     `json:"max_per_minute"`
	CallsInWindow int     `json:"calls_in_window"`
	Remaining     int     `json:"remaining"` // -1 when no window quota is configured
	Admitted      uint64  `json:"admitted"`
	Waiting       int     `json:"waiting"`
}

// Limiter admits calls for one provider.
// All admission decisions are made under mu, so concurrent callers never overshoot.
type Limiter struct {
	name      string
	mu        sync.Mutex
	bucket    *rate.Limiter
	cfg       Config
	window    time.Duration
	callTimes []time.Time
	admitted  uint64
	waiting   int
	timeNow   func() time.Time                                 // Injectable for testing
	sleep     func(ctx context.Context, d time.Duration) error // Injectable for testing
}

// New creates a limiter with real time
func New(name string, cfg Config) *Limiter {
	return NewWithClock(name, cfg, time.Now, sleepContext)
}

// NewWithClock creates a limiter with an injectable clock and sleep (for testing)
func NewWithClock(name string, cfg Config, timeNow func() time.Time, sleep func(context.Context, time.Duration) error) *Limiter {
	l := &Limiter{
		name:    name,
		window:  time.Minute,
		timeNow: timeNow,
		sleep:   sleep,
	}
	l.bucket = rate.NewLimiter(bucketLimit(cfg), bucketBurst(cfg))
	l.cfg = cfg
	return l
}

// Name returns the provider this limiter guards
func (l *Limiter) Name() string {
	return l.name
}

// Acquire blocks until a call is admitted or ctx is done.
// It returns ctx.Err() on cancellation and never rejects otherwise.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.waiting++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiting--
		l.mu.Unlock()
	}()

	for {
		admitAt, reservation, windowWait := l.reserve()

		if windowWait > 0 {
			if err := l.sleep(ctx, windowWait); err != nil {
				return err
			}
			continue
		}

		now := l.timeNow()
		if delay := admitAt.Sub(now); delay > 0 {
			if err := l.sleep(ctx, delay); err != nil {
				l.release(admitAt, reservation)
				return err
			}
		}
		return nil
	}
}

// reserve takes a token and records the admission time in one critical section.
// When the window quota is exhausted it reserves nothing and returns how long to wait.
func (l *Limiter) reserve() (time.Time, *rate.Reservation, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.removeExpiredCalls(now)

	if l.cfg.MaxPerMinute > 0 && len(l.callTimes) >= l.cfg.MaxPerMinute {
		wait := l.callTimes[0].Add(l.window).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return time.Time{}, nil, wait
	}

	r := l.bucket.ReserveN(now, 1)
	admitAt := now.Add(r.DelayFrom(now))

	l.callTimes = append(l.callTimes, admitAt)
	l.admitted++
	return admitAt, r, 0
}

// release returns a reservation whose caller gave up before being admitted
func (l *Limiter) release(admitAt time.Time, r *rate.Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	r.CancelAt(now)

	for i, ts := range l.callTimes {
		if ts.Equal(admitAt) {
			l.callTimes = append(l.callTimes[:i], l.callTimes[i+1:]...)
			break
		}
	}
	if l.admitted > 0 {
		l.admitted--
	}
}

// removeExpiredCalls removes call timestamps that are outside the sliding window.
// Must be called with lock held.
func (l *Limiter) removeExpiredCalls(now time.Time) {
	cutoff := now.Add(-l.window)

	// Count expired calls from front (timestamps are ordered)
	expired := 0
	for _, callTime := range l.callTimes {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	l.callTimes = l.callTimes[expired:]
}

// SetConfig applies new limits. Calls already admitted are unaffected.
func (l *Limiter) SetConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.bucket.SetLimitAt(now, bucketLimit(cfg))
	l.bucket.SetBurstAt(now, bucketBurst(cfg))
	l.cfg = cfg
}

// Config returns the limits currently in effect
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Reset clears the sliding-window state
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.callTimes = l.callTimes[:0]
}

// Stats returns current limiter statistics
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeExpiredCalls(l.timeNow())

	remaining := -1
	if l.cfg.MaxPerMinute > 0 {
		remaining = l.cfg.MaxPerMinute - len(l.callTimes)
		if remaining < 0 {
			remaining = 0
		}
	}

	return Stats{
		Name:          l.name,
		RatePerSecond: l.cfg.RatePerSecond,
		Burst:         l.cfg.Burst,
		MaxPerMinute:  l.cfg.MaxPerMinute,
		CallsInWindow: len(l.callTimes),
		Remaining:     remaining,
		Admitted:      l.admitted,
		Waiting:       l.waiting,
	}
}

func bucketLimit(cfg Config) rate.Limit {
	if cfg.RatePerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(cfg.RatePerSecond)
}

func bucketBurst(cfg Config) int {
	if cfg.Burst < 1 {
		return 1
	}
	return cfg.Burst
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
