// Package breaker implements the per-provider circuit breaker.
//
//	closed --(FailureThreshold consecutive failures)--> open
//	open   --(cool-down elapsed, next Allow)-----------> half_open (one trial call)
//	half_open --(trial succeeds)--> closed
//	half_open --(trial fails)-----> open, cool-down × BackoffMultiplier (capped)
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/genepulse/errors"
)

// State is the breaker's position in the state machine
type State int

const (
	// Closed is normal operation - calls pass through.
	Closed State = iota
	// Open means too many consecutive failures - calls are rejected without a network call.
	Open
	// HalfOpen admits exactly one trial call to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening (default: 5).
	FailureThreshold int
	// Cooldown is how long to stay open before a trial call (default: 60s).
	Cooldown time.Duration
	// BackoffMultiplier extends the cool-down after a failed trial (default: 2).
	BackoffMultiplier float64
	// MaxCooldown caps the extended cool-down (default: 10m).
	MaxCooldown time.Duration
}

// DefaultConfig returns the default breaker parameters
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Cooldown:          60 * time.Second,
		BackoffMultiplier: 2,
		MaxCooldown:       10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// Snapshot is the externally visible breaker state for one provider
type Snapshot struct {
	Provider            string        `json:"provider"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	OpenUntil           time.Time     `json:"open_until,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
	Rejections          int64         `json:"rejections"`
}

// Outcome is a breaker's verdict on a finished call
type Outcome int

const (
	// Success resets the failure count (and closes a half-open breaker).
	Success Outcome = iota
	// Failure counts towards opening.
	Failure
	// Neutral leaves counters untouched (the call was cancelled by the caller).
	Neutral
)

// Judge maps a call error to an Outcome.
// Not-found and rejected requests mean the provider answered, so they count as success.
func Judge(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, context.Canceled):
		return Neutral
	case errors.IsAny(err, errors.ErrNotFound, errors.ErrInvalidRequest, errors.ErrValidation):
		return Success
	default:
		return Failure
	}
}

// StateChangeFunc observes transitions
type StateChangeFunc func(provider string, from, to State)

// Option configures a Breaker
type Option func(*Breaker)

// WithClock injects the time source (for testing)
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.timeNow = now }
}

// WithStateChange registers a transition observer. It runs with the breaker lock released.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = append(b.onStateChange, fn) }
}

// Breaker tracks failures for one provider
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openUntil     time.Time
	cooldown      time.Duration
	trialInFlight bool
	rejections    int64
	transitions   map[State]int

	timeNow       func() time.Time
	onStateChange []StateChangeFunc
}

// New creates a closed breaker for provider name
func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:        name,
		cfg:         cfg,
		state:       Closed,
		cooldown:    cfg.Cooldown,
		transitions: make(map[State]int),
		timeNow:     time.Now,
	}
	b.onStateChange = append(b.onStateChange, recordTransition)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the provider this breaker guards
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. A nil return obliges the caller to
// finish with Record (or RecordSuccess/RecordFailure/Release).
// Rejections wrap errors.ErrCircuitOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	var change *transition
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return nil

	case Open:
		now := b.timeNow()
		if now.Before(b.openUntil) {
			err := b.rejectLocked()
			b.mu.Unlock()
			return err
		}
		change = b.transitionLocked(HalfOpen)
		b.trialInFlight = true

	case HalfOpen:
		if b.trialInFlight {
			err := b.rejectLocked()
			b.mu.Unlock()
			return err
		}
		b.trialInFlight = true
	}

	b.mu.Unlock()
	b.notify(change)
	return nil
}

// rejectLocked builds the rejection error. Must be called with lock held.
func (b *Breaker) rejectLocked() error {
	b.rejections++
	err := errors.Wrapf(errors.ErrCircuitOpen, "provider %s", b.name)
	if !b.openUntil.IsZero() {
		err = errors.WithDetail(err, fmt.Sprintf("Open until: %s", b.openUntil.Format(time.RFC3339)))
	}
	return err
}

// Record finishes an allowed call using Judge
func (b *Breaker) Record(err error) {
	switch Judge(err) {
	case Success:
		b.RecordSuccess()
	case Failure:
		b.RecordFailure()
	default:
		b.Release()
	}
}

// RecordSuccess resets the failure count; a successful trial closes the breaker
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	var change *transition
	b.failures = 0
	if b.state == HalfOpen {
		b.trialInFlight = false
		b.cooldown = b.cfg.Cooldown
		b.openUntil = time.Time{}
		change = b.transitionLocked(Closed)
	}

	b.mu.Unlock()
	b.notify(change)
}

// RecordFailure counts a failure; reaching the threshold or failing a trial opens the breaker
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	var change *transition
	now := b.timeNow()
	b.failures++
	b.lastFailure = now

	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openUntil = now.Add(b.cooldown)
			change = b.transitionLocked(Open)
		}
	case HalfOpen:
		b.trialInFlight = false
		next := time.Duration(float64(b.cooldown) * b.cfg.BackoffMultiplier)
		if next > b.cfg.MaxCooldown {
			next = b.cfg.MaxCooldown
		}
		b.cooldown = next
		b.openUntil = now.Add(b.cooldown)
		change = b.transitionLocked(Open)
	}

	b.mu.Unlock()
	b.notify(change)
}

// Release ends an allowed call without a verdict. A released trial lets the next Allow try again.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trialInFlight = false
	}
}

// State returns the current state without advancing it
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the provider circuit state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Provider:            b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
		Cooldown:            b.cooldown,
		Rejections:          b.rejections,
	}
	if b.state != Closed {
		snap.OpenUntil = b.openUntil
	}
	return snap
}

// Transitions returns how many times the breaker entered each state
func (b *Breaker) Transitions() map[State]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[State]int, len(b.transitions))
	for s, n := range b.transitions {
		out[s] = n
	}
	return out
}

// Reset closes the breaker and clears all counters except transitions
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.trialInFlight = false
	b.cooldown = b.cfg.Cooldown
	b.openUntil = time.Time{}
}

type transition struct {
	from, to State
}

// transitionLocked moves to a new state. Must be called with lock held.
func (b *Breaker) transitionLocked(to State) *transition {
	from := b.state
	b.state = to
	b.transitions[to]++
	if to == Closed {
		b.failures = 0
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	for _, fn := range b.onStateChange {
		fn(b.name, t.from, t.to)
	}
}
