package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/pulse/retry"
)

// DefaultFlushInterval is the persistence throttle when Config leaves it unset
const DefaultFlushInterval = time.Second

// Persister stores run snapshots
type Persister interface {
	Save(ctx context.Context, state State) error
}

// Config configures a Tracker
type Config struct {
	FlushInterval time.Duration
	Now           func() time.Time
	// SaveTimeout bounds one persistence call
	SaveTimeout time.Duration
}

// Tracker owns the live State of the current run. It outlives runs: Begin
// resets the state and subscribers keep receiving events across runs.
type Tracker struct {
	persister Persister
	cfg       Config
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	state   State
	dirty   bool
	subs    map[uint64]*Subscription
	nextSub uint64
	closed  bool

	// saveMu serializes persistence between the flush loop and Flush
	saveMu sync.Mutex

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTracker creates a tracker and starts its flush loop. A nil persister keeps state in memory only.
func NewTracker(persister Persister, cfg Config, logger *zap.SugaredLogger) *Tracker {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	t := &Tracker{
		persister: persister,
		cfg:       cfg,
		logger:    logger.Named("progress"),
		state:     State{Status: RunIdle, Providers: map[string]*ProviderProgress{}},
		subs:      make(map[uint64]*Subscription),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go t.flushLoop()
	return t
}

// Begin starts tracking a new run with every provider pending
func (t *Tracker) Begin(runID string, providers []string) {
	t.mu.Lock()
	now := t.cfg.Now()
	t.state = State{
		RunID:     runID,
		Status:    RunIdle,
		Providers: make(map[string]*ProviderProgress, len(providers)),
		StartedAt: &now,
		UpdatedAt: now,
		Seq:       t.state.Seq,
	}
	for _, p := range providers {
		t.state.Providers[p] = &ProviderProgress{Status: ProviderPending}
	}
	t.emitLocked(t.changedLocked(Event{Type: EventRun}))
	t.mu.Unlock()
}

// changedLocked stamps a change and fills the event's run fields. Must be called with mu held.
func (t *Tracker) changedLocked(ev Event) Event {
	now := t.cfg.Now()
	t.state.Seq++
	t.state.UpdatedAt = now
	t.dirty = true

	ev.Seq = t.state.Seq
	ev.RunID = t.state.RunID
	ev.RunStatus = t.state.Status
	ev.Phase = t.state.Phase
	ev.Time = now
	if ev.Provider != "" {
		if p, ok := t.state.Providers[ev.Provider]; ok {
			cp := *p
			ev.Progress = &cp
		}
	}
	return ev
}

func (t *Tracker) providerLocked(name string) *ProviderProgress {
	p, ok := t.state.Providers[name]
	if !ok {
		p = &ProviderProgress{Status: ProviderPending}
		t.state.Providers[name] = p
	}
	return p
}

// Update applies a counter delta to a provider
func (t *Tracker) Update(provider string, d Delta) {
	t.mu.Lock()
	p := t.providerLocked(provider)
	p.Succeeded += d.Succeeded
	p.Processed += d.Processed
	p.Failed += d.Failed
	p.Skipped += d.Skipped
	p.CacheHits += d.CacheHits
	p.Total += d.Total
	if d.LastError != "" {
		p.LastError = d.LastError
		p.ErrorClass = d.ErrorClass
	}
	delta := d
	t.emitLocked(t.changedLocked(Event{Type: EventProvider, Provider: provider, Delta: &delta}))
	t.mu.Unlock()
}

// MarkStatus moves a provider to status. A failed provider is added to the
// run's failed list with err's classification.
func (t *Tracker) MarkStatus(provider string, status ProviderStatus, err error) {
	t.mu.Lock()
	now := t.cfg.Now()
	p := t.providerLocked(provider)
	p.Status = status

	if status == ProviderRunning && p.StartedAt == nil {
		p.StartedAt = &now
	}
	if status.Done() {
		p.FinishedAt = &now
	}
	if err != nil {
		p.LastError = err.Error()
		p.ErrorClass = string(retry.Classify(err))
	}
	if status == ProviderFailed {
		t.addFailedLocked(provider, p)
	}

	t.emitLocked(t.changedLocked(Event{Type: EventProvider, Provider: provider}))
	t.mu.Unlock()
}

func (t *Tracker) addFailedLocked(provider string, p *ProviderProgress) {
	for i, f := range t.state.FailedProviders {
		if f.Provider == provider {
			t.state.FailedProviders[i] = FailedProvider{Provider: provider, ErrorClass: p.ErrorClass, Error: p.LastError}
			return
		}
	}
	class := p.ErrorClass
	if class == "" {
		class = string(retry.ClassUnknown)
	}
	t.state.FailedProviders = append(t.state.FailedProviders, FailedProvider{
		Provider:   provider,
		ErrorClass: class,
		Error:      p.LastError,
	})
}

// SetRun moves the run to status and phase. Only the orchestrator calls this.
func (t *Tracker) SetRun(status RunStatus, phase int, err error) {
	t.mu.Lock()
	t.state.Status = status
	t.state.Phase = phase
	if err != nil {
		t.state.Error = err.Error()
	}
	if status.Terminal() {
		now := t.cfg.Now()
		t.state.FinishedAt = &now
	}
	t.emitLocked(t.changedLocked(Event{Type: EventRun}))
	t.mu.Unlock()

	if status.Terminal() {
		t.requestFlush()
	}
}

// Snapshot returns a copy of the current state
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// Subscribe registers for all future events
func (t *Tracker) Subscribe() *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSub++
	sub := newSubscription(t.nextSub)
	if t.closed {
		sub.drain()
		return sub
	}
	t.subs[sub.id] = sub
	return sub
}

// Unsubscribe stops delivery and closes the subscription's channel
func (t *Tracker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	t.mu.Lock()
	delete(t.subs, sub.id)
	t.mu.Unlock()
	sub.stop()
}

// emitLocked queues ev for every subscriber. Queues are unbounded so this
// never blocks, and queuing under mu keeps every subscriber in Seq order.
func (t *Tracker) emitLocked(ev Event) {
	for _, s := range t.subs {
		s.enqueue(ev)
	}
}

func (t *Tracker) requestFlush() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Tracker) flushLoop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
		case <-t.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SaveTimeout)
		if err := t.Flush(ctx); err != nil {
			t.logger.Warnw("Failed to persist progress snapshot", "error", err)
		}
		cancel()
	}
}

// Flush persists the current state if it changed since the last write
func (t *Tracker) Flush(ctx context.Context) error {
	if t.persister == nil {
		return nil
	}

	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	t.mu.Lock()
	if !t.dirty || t.state.RunID == "" {
		t.mu.Unlock()
		return nil
	}
	snapshot := t.state.Clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persister.Save(ctx, snapshot); err != nil {
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
		return errors.Wrapf(err, "save progress for run %s", snapshot.RunID)
	}
	return nil
}

// Close stops the flush loop, performs a final flush and ends every subscription
// after its queued events are delivered.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[uint64]*Subscription)
	t.mu.Unlock()

	close(t.stopCh)
	<-t.doneCh

	err := t.Flush(ctx)
	for _, s := range subs {
		s.drain()
	}
	return err
}
