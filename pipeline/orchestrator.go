// Package pipeline sequences annotation runs.
//
// A run resolves its input identifiers with the phase 1 provider, fans the
// remaining providers out under a concurrency bound, then runs maintenance.
// The Orchestrator is the only component that moves run-wide status; sources
// report per-provider progress to the shared tracker.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/pulse/progress"
	"github.com/teranos/genepulse/source"
)

// Cache is what runs need from the cache service
type Cache interface {
	source.Cache
	InvalidateNamespace(ctx context.Context, namespace string) error
	SetBatchMode(ctx context.Context, namespace string, enabled bool) error
	RunGC(ctx context.Context) error
}

// SnapshotLoader reads persisted progress of finished runs
type SnapshotLoader interface {
	Load(ctx context.Context, runID string) (progress.State, error)
}

// Config holds orchestrator settings
type Config struct {
	// FanOut bounds concurrently running phase 2 providers (default 4)
	FanOut int
	// MaintenanceTimeout bounds the finalizing phase (default 5m)
	MaintenanceTimeout time.Duration
	// StopTimeout bounds how long Stop waits for a cancelled run (default 30s)
	StopTimeout time.Duration
	Now         func() time.Time
}

const (
	defaultFanOut             = 4
	defaultMaintenanceTimeout = 5 * time.Minute
	defaultStopTimeout        = 30 * time.Second
)

// Deps are the orchestrator's collaborators. Sources, Records, Cache and
// Tracker are required; the stores default to ones over Records' database.
type Deps struct {
	Sources     []*source.Source
	Records     *annotation.Store
	Checkpoints *source.CheckpointStore
	Cache       Cache
	Tracker     *progress.Tracker
	Snapshots   SnapshotLoader
	Runs        *RunStore
	Logger      *zap.SugaredLogger
}

// Stats reports the phase 2 concurrency gate
type Stats struct {
	ActiveRun       string `json:"active_run,omitempty"`
	FanOut          int    `json:"fan_out"`
	ActiveProviders int    `json:"active_providers"`
	// PeakProviders is the highest concurrency seen in the current or last run
	PeakProviders int `json:"peak_providers"`
}

// pulseLogger marks run openings and closings so they stand out in logs
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Infow("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow("❀ "+msg, keysAndValues...)
}

type activeRun struct {
	run    *Run
	opts   runOptions
	phase1 []*source.Source
	phase2 []*source.Source
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator runs one pipeline run at a time
type Orchestrator struct {
	cfg         Config
	sources     map[string]*source.Source
	order       []string
	records     *annotation.Store
	checkpoints *source.CheckpointStore
	cache       Cache
	tracker     *progress.Tracker
	snapshots   SnapshotLoader
	runs        *RunStore
	runner      *source.Runner
	streamer    *source.StreamProcessor
	logger      pulseLogger

	parentCtx context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	active *activeRun
	// running and peak instrument the phase 2 gate
	running int
	peak    int
}

// New creates an orchestrator whose runs live until Stop
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	return NewWithContext(context.Background(), cfg, deps)
}

// NewWithContext creates an orchestrator whose runs are cancelled with ctx
func NewWithContext(ctx context.Context, cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Records == nil || deps.Cache == nil || deps.Tracker == nil {
		return nil, errors.New("pipeline needs a record store, a cache and a progress tracker")
	}
	if len(deps.Sources) == 0 {
		return nil, errors.New("pipeline needs at least one source")
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = defaultFanOut
	}
	if cfg.MaintenanceTimeout <= 0 {
		cfg.MaintenanceTimeout = defaultMaintenanceTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = source.NewCheckpointStore(deps.Records)
	}
	if deps.Snapshots == nil {
		deps.Snapshots = progress.NewSQLStore(deps.Records.DB())
	}
	if deps.Runs == nil {
		deps.Runs = NewRunStore(deps.Records.DB())
	}

	o := &Orchestrator{
		cfg:         cfg,
		sources:     make(map[string]*source.Source, len(deps.Sources)),
		records:     deps.Records,
		checkpoints: deps.Checkpoints,
		cache:       deps.Cache,
		tracker:     deps.Tracker,
		snapshots:   deps.Snapshots,
		runs:        deps.Runs,
		runner:      source.NewRunner(deps.Records, deps.Cache, deps.Tracker, deps.Logger),
		streamer:    source.NewStreamProcessor(deps.Checkpoints, deps.Cache, deps.Tracker, deps.Logger),
		logger:      pulseLogger{deps.Logger.Named("pipeline")},
	}
	for _, src := range deps.Sources {
		if err := src.Validate(); err != nil {
			return nil, err
		}
		name := src.Name()
		if _, dup := o.sources[name]; dup {
			return nil, errors.Newf("duplicate source %q", name)
		}
		o.sources[name] = src
		o.order = append(o.order, name)
	}
	o.parentCtx, o.cancelAll = context.WithCancel(ctx)
	return o, nil
}

// Start recovers runs a previous process left unfinished and checks memory headroom
func (o *Orchestrator) Start(ctx context.Context) error {
	n, err := o.runs.MarkInterrupted(ctx, o.cfg.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Starting("Marked interrupted runs as failed", logger.FieldCount, n)
	}
	if warning := checkMemoryPressure(o.cfg.FanOut); warning != "" {
		o.logger.Warnw("Memory pressure warning", "warning", warning, "fan_out", o.cfg.FanOut)
	}
	return nil
}

// Sources returns the configured provider names in order
func (o *Orchestrator) Sources() []string {
	return append([]string(nil), o.order...)
}

// StartRun begins a run over entityIDs with the named providers (all when
// empty) and returns its id. Phase 1 providers always take part. Starting
// while another run is active returns ErrConflict.
func (o *Orchestrator) StartRun(ctx context.Context, entityIDs []string, providers []string, opts ...RunOption) (string, error) {
	ro := runOptions{fanOut: o.cfg.FanOut}
	for _, opt := range opts {
		opt(&ro)
	}

	ids := normalizeIDs(entityIDs)
	if len(ids) == 0 {
		return "", errors.NewInvalidRequestError("a run needs at least one entity id")
	}
	phase1, phase2, err := o.selectSources(providers)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return "", errors.Mark(errors.Newf("run %s is already active", o.active.run.ID), errors.ErrConflict)
	}
	if o.parentCtx.Err() != nil {
		return "", errors.Mark(errors.New("pipeline is shutting down"), errors.ErrServiceUnavailable)
	}

	names := make([]string, 0, len(phase1)+len(phase2))
	for _, s := range append(append([]*source.Source(nil), phase1...), phase2...) {
		names = append(names, s.Name())
	}
	run := &Run{
		ID:          uuid.NewString(),
		Status:      progress.RunIdle,
		EntityIDs:   ids,
		Providers:   names,
		FullRefresh: ro.fullRefresh,
		FanOut:      ro.fanOut,
		CreatedAt:   o.cfg.Now(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(o.parentCtx)
	ar := &activeRun{
		run:    run,
		opts:   ro,
		phase1: phase1,
		phase2: phase2,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.active = ar
	o.running, o.peak = 0, 0
	o.tracker.Begin(run.ID, names)

	o.logger.Starting("Run started",
		logger.FieldRunID, run.ID,
		logger.FieldCount, len(ids),
		"providers", names,
		"fan_out", ro.fanOut,
		"full_refresh", ro.fullRefresh)

	go o.execute(runCtx, ar)
	return run.ID, nil
}

func normalizeIDs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// selectSources splits the requested providers into phases, adding phase 1 providers
func (o *Orchestrator) selectSources(names []string) (phase1, phase2 []*source.Source, err error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, ok := o.sources[n]; !ok {
			return nil, nil, errors.NewInvalidRequestError("unknown provider %q", n)
		}
		want[n] = true
	}

	for _, name := range o.order {
		src := o.sources[name]
		switch {
		case src.Phase == 1:
			phase1 = append(phase1, src)
		case len(want) == 0 || want[name]:
			phase2 = append(phase2, src)
		}
	}
	return phase1, phase2, nil
}

// CancelRun cancels the active run. Providers stop at their next entity or page.
func (o *Orchestrator) CancelRun(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active == nil || o.active.run.ID != runID {
		return errors.NewNotFoundError("run %s is not active", runID)
	}
	o.active.cancel()
	o.logger.Closing("Run cancellation requested", logger.FieldRunID, runID)
	return nil
}

// ActiveRun returns the id of the active run, or "" when idle
func (o *Orchestrator) ActiveRun() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.run.ID
}

// GetStatus returns a run's progress. The active or most recent run is served
// from memory, older runs from their last snapshot. An empty id means the latest run.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (progress.State, error) {
	snap := o.tracker.Snapshot()
	if runID == "" {
		if snap.RunID != "" {
			return snap, nil
		}
		return LoadStatus(ctx, o.runs, o.snapshots, "")
	}
	if snap.RunID == runID {
		return snap, nil
	}
	return LoadStatus(ctx, o.runs, o.snapshots, runID)
}

// LoadStatus returns a finished run's progress from its last snapshot, or
// from the run record when none was persisted. It needs no orchestrator, so
// other processes can read runs from the shared database. An empty id means
// the latest run.
func LoadStatus(ctx context.Context, runs *RunStore, snapshots SnapshotLoader, runID string) (progress.State, error) {
	if runID == "" {
		latest, err := runs.Latest(ctx)
		if err != nil {
			return progress.State{}, err
		}
		runID = latest.ID
	}

	state, err := snapshots.Load(ctx, runID)
	if err == nil {
		return state, nil
	}
	if !errors.IsNotFoundError(err) {
		return progress.State{}, err
	}

	run, err := runs.Get(ctx, runID)
	if err != nil {
		return progress.State{}, err
	}
	return stateFromRun(run), nil
}

// stateFromRun describes a run whose progress was never persisted
func stateFromRun(r *Run) progress.State {
	started := r.CreatedAt
	state := progress.State{
		RunID:      r.ID,
		Status:     r.Status,
		Providers:  make(map[string]*progress.ProviderProgress, len(r.Providers)),
		Error:      r.Error,
		StartedAt:  &started,
		FinishedAt: r.FinishedAt,
		UpdatedAt:  r.CreatedAt,
	}
	if r.FinishedAt != nil {
		state.UpdatedAt = *r.FinishedAt
	}
	for _, p := range r.Providers {
		state.Providers[p] = &progress.ProviderProgress{Status: progress.ProviderPending}
	}
	return state
}

// GetRun returns the recorded run
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*Run, error) {
	return o.runs.Get(ctx, runID)
}

// ListRuns returns recent runs, newest first
func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	return o.runs.List(ctx, limit)
}

// Wait blocks until the run finishes or ctx ends and returns its final state
func (o *Orchestrator) Wait(ctx context.Context, runID string) (progress.State, error) {
	o.mu.Lock()
	ar := o.active
	o.mu.Unlock()

	if ar != nil && ar.run.ID == runID {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return progress.State{}, ctx.Err()
		}
	}
	return o.GetStatus(ctx, runID)
}

// Stats returns the phase 2 gate counters
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{FanOut: o.cfg.FanOut, ActiveProviders: o.running, PeakProviders: o.peak}
	if o.active != nil {
		s.ActiveRun = o.active.run.ID
		s.FanOut = o.active.opts.fanOut
	}
	return s
}

func (o *Orchestrator) enterGate() {
	o.mu.Lock()
	o.running++
	if o.running > o.peak {
		o.peak = o.running
	}
	o.mu.Unlock()
	providersActive.Inc()
}

func (o *Orchestrator) exitGate() {
	o.mu.Lock()
	o.running--
	o.mu.Unlock()
	providersActive.Dec()
}

// Stop cancels the active run and waits for it to finish maintenance.
// ❀ Closing: gives up after StopTimeout so shutdown is never blocked for long.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	ar := o.active
	o.mu.Unlock()

	o.cancelAll()
	if ar == nil {
		return
	}

	select {
	case <-ar.done:
		o.logger.Closing("Orchestrator stopped", logger.FieldRunID, ar.run.ID)
	case <-time.After(o.cfg.StopTimeout):
		o.logger.Warnw("Orchestrator stop timed out, run still finalizing",
			logger.FieldRunID, ar.run.ID,
			"timeout", o.cfg.StopTimeout)
	}
}
