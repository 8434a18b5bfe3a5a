package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/genepulse/errors"
	gptest "github.com/teranos/genepulse/internal/testing"
)

func newTestBreaker(t *testing.T) (*Breaker, *gptest.Clock) {
	t.Helper()
	clock := gptest.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := New("gnomad", DefaultConfig(), WithClock(clock.Now))
	return b, clock
}

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	failN(t, b, 4)
	assert.Equal(t, Closed, b.State())

	failN(t, b, 1)
	assert.Equal(t, Open, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.Equal(t, int64(1), b.Snapshot().Rejections)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	failN(t, b, 4)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	failN(t, b, 4)

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 4, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(t, b, 5)

	clock.Advance(59 * time.Second)
	assert.Error(t, b.Allow(), "still cooling down")

	clock.Advance(time.Second)
	require.NoError(t, b.Allow(), "first call after cool-down is the trial")
	assert.Equal(t, HalfOpen, b.State())

	err := b.Allow()
	require.Error(t, err, "concurrent call during trial is rejected")
	assert.True(t, errors.IsCircuitOpen(err))
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(t, b, 5)
	clock.Advance(time.Minute)

	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, Closed, b.State())
	snap := b.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, time.Minute, snap.Cooldown)
	assert.True(t, snap.OpenUntil.IsZero())
}

func TestBreaker_TrialFailureExtendsCooldown(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(t, b, 5)

	expected := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	cooldown := time.Minute
	for _, want := range expected {
		clock.Advance(cooldown)
		require.NoError(t, b.Allow())
		b.RecordFailure()

		snap := b.Snapshot()
		assert.Equal(t, "open", snap.State)
		assert.Equal(t, want, snap.Cooldown)
		assert.Equal(t, clock.Now().Add(want), snap.OpenUntil)
		cooldown = want
	}

	// Recovery resets the cool-down to its base value
	clock.Advance(cooldown)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	failN(t, b, 5)
	assert.Equal(t, time.Minute, b.Snapshot().Cooldown)
}

func TestBreaker_ReleasedTrialCanBeRetried(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(t, b, 5)
	clock.Advance(time.Minute)

	require.NoError(t, b.Allow())
	b.Record(context.Canceled)
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Allow(), "a cancelled trial does not consume the trial")
}

func TestBreaker_ConcurrentTrial(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(t, b, 5)
	clock.Advance(time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestBreaker_Transitions(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	clock := gptest.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := New("gtex", Config{FailureThreshold: 2, Cooldown: time.Second}, WithClock(clock.Now),
		WithStateChange(func(provider string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, provider+":"+from.String()+"->"+to.String())
		}))

	failN(t, b, 2)
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []string{
		"gtex:closed->open",
		"gtex:open->half_open",
		"gtex:half_open->closed",
	}, seen)
	assert.Equal(t, map[State]int{Open: 1, HalfOpen: 1, Closed: 1}, b.Transitions())
}

func TestJudge(t *testing.T) {
	assert.Equal(t, Success, Judge(nil))
	assert.Equal(t, Success, Judge(errors.NewNotFoundError("no such gene")))
	assert.Equal(t, Success, Judge(errors.NewInvalidRequestError("bad symbol")))
	assert.Equal(t, Neutral, Judge(errors.Wrap(context.Canceled, "run cancelled")))
	assert.Equal(t, Failure, Judge(errors.Mark(errors.New("503"), errors.ErrServerError)))
	assert.Equal(t, Failure, Judge(errors.Mark(errors.New("slow"), errors.ErrTimeout)))
}

func TestBreaker_NotFoundDoesNotOpen(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Allow())
		b.Record(errors.NewNotFoundError("gene %d", i))
	}
	assert.Equal(t, Closed, b.State())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{Cooldown: time.Hour, MaxCooldown: time.Minute}.withDefaults()
	assert.Equal(t, time.Hour, cfg.MaxCooldown, "max cool-down never below cool-down")
}
