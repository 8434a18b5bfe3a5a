package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/errors"
	gptest "github.com/teranos/genepulse/internal/testing"
	"github.com/teranos/genepulse/pulse/breaker"
	"github.com/teranos/genepulse/pulse/progress"
	"github.com/teranos/genepulse/pulse/ratelimit"
	"github.com/teranos/genepulse/pulse/retry"
	"github.com/teranos/genepulse/source"
)

// identity resolves every symbol except the unknown ones
type identity struct {
	unknown map[string]bool
}

func (identity) Name() string { return "hgnc" }

func (a identity) FetchOne(_ context.Context, e source.Entity) (source.Raw, error) {
	if a.unknown[e.ID] {
		return nil, errors.NewNotFoundError("no gene %s", e.ID)
	}
	return json.Marshal(map[string]string{"symbol": e.ID})
}

func (identity) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	return &annotation.Record{EntityID: e.ID, Provider: "hgnc", Payload: json.RawMessage(raw)}, nil
}

func (identity) Validate(rec *annotation.Record) error { return rec.Validate() }

func (identity) Resolve(e source.Entity, _ source.Raw) (*annotation.Gene, error) {
	return &annotation.Gene{
		EntityID:  e.ID,
		HGNCID:    "HGNC:" + e.ID,
		Symbol:    e.ID,
		EnsemblID: "ENSG-" + e.ID,
	}, nil
}

// provider is a phase 2 adapter with injectable failures and latency
type provider struct {
	name string
	err  error
	// failFor fails single entities by id
	failFor map[string]error
	// hold delays every fetch; block waits for cancellation instead
	hold  time.Duration
	block bool

	mu    sync.Mutex
	calls int
}

func (p *provider) Name() string { return p.name }

func (p *provider) FetchOne(ctx context.Context, e source.Entity) (source.Raw, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.hold > 0 {
		select {
		case <-time.After(p.hold):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if err, ok := p.failFor[e.ID]; ok {
		return nil, err
	}
	return json.Marshal(map[string]string{"ensembl": e.EnsemblID, "provider": p.name})
}

func (p *provider) Transform(e source.Entity, raw source.Raw) (*annotation.Record, error) {
	return &annotation.Record{EntityID: e.ID, Provider: p.name, Payload: json.RawMessage(raw)}, nil
}

func (p *provider) Validate(rec *annotation.Record) error { return rec.Validate() }

func (p *provider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newSource(a source.Adapter, phase int) *source.Source {
	return &source.Source{
		Adapter:   a,
		Phase:     phase,
		Limiter:   ratelimit.New(a.Name(), ratelimit.Config{RatePerSecond: 10000, Burst: 100}),
		Breaker:   breaker.New(a.Name(), breaker.Config{FailureThreshold: 2, Cooldown: time.Hour}),
		Retry:     retry.Policy{MaxAttempts: 2, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
		CacheTTL:  time.Hour,
		Namespace: cache.SourceNamespace(a.Name()),
	}
}

type testEnv struct {
	orch    *Orchestrator
	records *annotation.Store
	cache   *cache.Service
	tracker *progress.Tracker
}

func newTestEnv(t *testing.T, cfg Config, adapters ...source.Adapter) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	db := gptest.CreateTestDB(t)
	records := annotation.NewStore(db)

	svc, err := cache.NewService(cache.Config{L1Capacity: 1000}, nil, log)
	require.NoError(t, err)

	tracker := progress.NewTracker(progress.NewSQLStore(db), progress.Config{FlushInterval: 10 * time.Millisecond}, log)
	t.Cleanup(func() { _ = tracker.Close(context.Background()) })

	sources := []*source.Source{newSource(identity{unknown: map[string]bool{"NOPE": true}}, 1)}
	for _, a := range adapters {
		sources = append(sources, newSource(a, 2))
	}

	orch, err := New(cfg, Deps{
		Sources: sources,
		Records: records,
		Cache:   svc,
		Tracker: tracker,
		Logger:  log,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)

	return &testEnv{orch: orch, records: records, cache: svc, tracker: tracker}
}

func (env *testEnv) runToEnd(t *testing.T, ids []string, providers []string, opts ...RunOption) (string, progress.State) {
	t.Helper()
	runID, err := env.orch.StartRun(context.Background(), ids, providers, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := env.orch.Wait(ctx, runID)
	require.NoError(t, err)
	return runID, state
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	gtex := &provider{name: "gtex"}
	hpo := &provider{name: "hpo"}
	env := newTestEnv(t, Config{FanOut: 2}, gtex, hpo)

	runID, state := env.runToEnd(t, []string{"BRCA1", " TP53 ", "EGFR", "BRCA1"}, nil)

	assert.Equal(t, progress.RunCompleted, state.Status)
	assert.Equal(t, finalPhase, state.Phase)
	assert.Empty(t, state.FailedProviders)
	for _, name := range []string{"hgnc", "gtex", "hpo"} {
		p := state.Providers[name]
		require.NotNil(t, p, name)
		assert.Equal(t, progress.ProviderSucceeded, p.Status, name)
		assert.Equal(t, 3, p.Processed, name)
		assert.Equal(t, 3, p.Succeeded, name)

		n, err := env.records.Count(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n, name)
	}

	rec, err := env.records.Get(ctx, "TP53", "gtex")
	require.NoError(t, err)
	assert.Equal(t, runID, rec.RunID)
	assert.JSONEq(t, `{"ensembl":"ENSG-TP53","provider":"gtex"}`, string(rec.Payload))

	summaries, err := env.records.Summaries(ctx)
	require.NoError(t, err)
	assert.Len(t, summaries, 3)

	run, err := env.orch.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, run.Status)
	assert.Equal(t, []string{"BRCA1", "TP53", "EGFR"}, run.EntityIDs)
	assert.Equal(t, []string{"hgnc", "gtex", "hpo"}, run.Providers)
	require.NotNil(t, run.FinishedAt)
	require.Len(t, run.Maintenance, 3)
	for _, task := range run.Maintenance {
		assert.Empty(t, task.Error, task.Task)
	}

	assert.False(t, env.cache.BatchMode(cache.NamespaceAnnotations), "views flushed during finalizing")
	assert.Empty(t, env.orch.ActiveRun())
}

// Provider A succeeds on every entity, provider B fails the second one.
// Records exist for every other pair and B reports 2 of 3.
func TestRunEndToEndWithEntityFailure(t *testing.T) {
	ctx := context.Background()
	a := &provider{name: "a"}
	b := &provider{name: "b", failFor: map[string]error{
		"TP53": errors.NewNotFoundError("b has no entry for TP53"),
	}}
	env := newTestEnv(t, Config{FanOut: 2}, a, b)

	_, state := env.runToEnd(t, []string{"BRCA1", "TP53", "EGFR"}, []string{"a", "b"})

	assert.Equal(t, progress.RunCompleted, state.Status)
	assert.Empty(t, state.FailedProviders)

	for _, pair := range [][2]string{
		{"BRCA1", "a"}, {"TP53", "a"}, {"EGFR", "a"},
		{"BRCA1", "b"}, {"EGFR", "b"},
	} {
		rec, err := env.records.Get(ctx, pair[0], pair[1])
		require.NoError(t, err, pair)
		assert.Equal(t, pair[1], rec.Provider)
	}
	_, err := env.records.Get(ctx, "TP53", "b")
	assert.True(t, errors.IsNotFoundError(err))

	pa := state.Providers["a"]
	require.NotNil(t, pa)
	assert.Equal(t, progress.ProviderSucceeded, pa.Status)
	assert.Equal(t, 3, pa.Succeeded)
	assert.Equal(t, 3, pa.Total)

	pb := state.Providers["b"]
	require.NotNil(t, pb)
	assert.Equal(t, progress.ProviderSucceededWithErrors, pb.Status)
	assert.Equal(t, 2, pb.Succeeded)
	assert.Equal(t, 3, pb.Total)
	assert.Equal(t, 1, pb.Failed)
	assert.Equal(t, 3, pb.Processed)
	assert.Equal(t, string(retry.ClassNotFound), pb.ErrorClass)
	assert.Contains(t, pb.LastError, "TP53")

	persisted, err := LoadStatus(ctx, env.orch.runs, progress.NewSQLStore(env.records.DB()), "")
	require.NoError(t, err)
	assert.Equal(t, 2, persisted.Providers["b"].Succeeded)
}

func TestRunPartialFailureIsolated(t *testing.T) {
	ctx := context.Background()
	var adapters []source.Adapter
	var providers []*provider
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5"} {
		p := &provider{name: name}
		if name == "p3" {
			p.err = errors.Mark(errors.New("HTTP 503"), errors.ErrServerError)
		}
		providers = append(providers, p)
		adapters = append(adapters, p)
	}
	env := newTestEnv(t, Config{FanOut: 5}, adapters...)

	_, state := env.runToEnd(t, []string{"BRCA1", "TP53", "EGFR"}, nil)

	assert.Equal(t, progress.RunPartialSuccess, state.Status)
	require.Len(t, state.FailedProviders, 1)
	assert.Equal(t, "p3", state.FailedProviders[0].Provider)
	assert.Equal(t, string(retry.ClassCircuitOpen), state.FailedProviders[0].ErrorClass)

	for _, p := range providers {
		n, err := env.records.Count(ctx, p.name)
		require.NoError(t, err)
		if p.name == "p3" {
			assert.Equal(t, progress.ProviderFailed, state.Providers["p3"].Status)
			assert.Zero(t, n)
			assert.Equal(t, 2, p.callCount(), "the open breaker stops further calls")
			continue
		}
		assert.Equal(t, progress.ProviderSucceeded, state.Providers[p.name].Status, p.name)
		assert.Equal(t, int64(3), n, p.name)
	}
}

func TestRunFanOutBound(t *testing.T) {
	const width = 2
	var adapters []source.Adapter
	for _, name := range []string{"a", "b", "c", "d"} {
		adapters = append(adapters, &provider{name: name, hold: 50 * time.Millisecond})
	}
	env := newTestEnv(t, Config{FanOut: 4}, adapters...)

	_, state := env.runToEnd(t, []string{"BRCA1"}, nil, WithFanOut(width))
	assert.Equal(t, progress.RunCompleted, state.Status)

	stats := env.orch.Stats()
	assert.Equal(t, width, stats.PeakProviders)
	assert.Zero(t, stats.ActiveProviders)
	assert.Empty(t, stats.ActiveRun)
}

func TestStartRunRejectsConcurrentRun(t *testing.T) {
	slow := &provider{name: "slow", block: true}
	env := newTestEnv(t, Config{}, slow)

	runID, err := env.orch.StartRun(context.Background(), []string{"BRCA1"}, nil)
	require.NoError(t, err)

	_, err = env.orch.StartRun(context.Background(), []string{"TP53"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	require.Eventually(t, func() bool {
		p := env.tracker.Snapshot().Providers["slow"]
		return p != nil && p.Status == progress.ProviderRunning
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, env.orch.CancelRun(runID))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := env.orch.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, progress.RunCancelled, state.Status)
	assert.Equal(t, progress.ProviderCancelled, state.Providers["slow"].Status)

	run, err := env.orch.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, progress.RunCancelled, run.Status)
	assert.Len(t, run.Maintenance, 3, "cancelled runs still finalize")

	// The slot is free again
	_, state = env.runToEnd(t, []string{"TP53"}, []string{"hgnc"})
	assert.Equal(t, progress.RunCompleted, state.Status)
}

func TestCancelRunUnknown(t *testing.T) {
	env := newTestEnv(t, Config{}, &provider{name: "gtex"})
	err := env.orch.CancelRun("missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStartRunValidatesInput(t *testing.T) {
	env := newTestEnv(t, Config{}, &provider{name: "gtex"})

	_, err := env.orch.StartRun(context.Background(), []string{" ", ""}, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = env.orch.StartRun(context.Background(), []string{"BRCA1"}, []string{"cosmic"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Empty(t, env.orch.ActiveRun())
}

func TestRunFailsWhenNothingResolves(t *testing.T) {
	gtex := &provider{name: "gtex"}
	env := newTestEnv(t, Config{}, gtex)

	_, state := env.runToEnd(t, []string{"NOPE"}, nil)

	assert.Equal(t, progress.RunFailed, state.Status)
	assert.Contains(t, state.Error, "could be resolved")
	assert.Equal(t, progress.ProviderPending, state.Providers["gtex"].Status)
	assert.Zero(t, gtex.callCount())
}

func TestRunSelectedProvidersOnly(t *testing.T) {
	ctx := context.Background()
	gtex := &provider{name: "gtex"}
	hpo := &provider{name: "hpo"}
	env := newTestEnv(t, Config{}, gtex, hpo)

	runID, state := env.runToEnd(t, []string{"BRCA1", "NOPE"}, []string{"HPO"})
	assert.Equal(t, progress.RunCompleted, state.Status)
	assert.NotContains(t, state.Providers, "gtex")
	assert.Zero(t, gtex.callCount())
	assert.Equal(t, 1, hpo.callCount(), "unresolved entities are not annotated")

	run, err := env.orch.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hgnc", "hpo"}, run.Providers)
}

func TestFullRefreshBypassesCache(t *testing.T) {
	ctx := context.Background()
	gtex := &provider{name: "gtex"}
	env := newTestEnv(t, Config{}, gtex)

	env.runToEnd(t, []string{"BRCA1", "TP53"}, nil)
	assert.Equal(t, 2, gtex.callCount())

	_, state := env.runToEnd(t, []string{"BRCA1", "TP53"}, nil)
	assert.Equal(t, 2, gtex.callCount(), "second run is served from cache")
	assert.Equal(t, 2, state.Providers["gtex"].CacheHits)

	// A record only an earlier run produced disappears on full refresh
	require.NoError(t, env.records.Upsert(ctx, &annotation.Record{
		EntityID: "OLD1", Provider: "gtex", Payload: json.RawMessage(`{}`),
	}))

	_, state = env.runToEnd(t, []string{"BRCA1", "TP53"}, nil, WithFullRefresh())
	assert.Equal(t, progress.RunCompleted, state.Status)
	assert.Equal(t, 4, gtex.callCount())
	assert.Zero(t, state.Providers["gtex"].CacheHits)

	_, err := env.records.Get(ctx, "OLD1", "gtex")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetStatusOfEarlierRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Config{}, &provider{name: "gtex"})

	first, _ := env.runToEnd(t, []string{"NOPE"}, nil)
	second, _ := env.runToEnd(t, []string{"BRCA1"}, nil)

	state, err := env.orch.GetStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first, state.RunID)
	assert.Equal(t, progress.RunFailed, state.Status)

	state, err = env.orch.GetStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, second, state.RunID)
	assert.Equal(t, progress.RunCompleted, state.Status)

	_, err = env.orch.GetStatus(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	runs, err := env.orch.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestStopRejectsNewRuns(t *testing.T) {
	env := newTestEnv(t, Config{StopTimeout: 5 * time.Second}, &provider{name: "slow", block: true})

	runID, err := env.orch.StartRun(context.Background(), []string{"BRCA1"}, nil)
	require.NoError(t, err)

	env.orch.Stop()

	run, err := env.orch.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, progress.RunCancelled, run.Status)

	_, err = env.orch.StartRun(context.Background(), []string{"BRCA1"}, nil)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestNewRejectsDuplicateSources(t *testing.T) {
	db := gptest.CreateTestDB(t)
	svc, err := cache.NewService(cache.Config{}, nil, nil)
	require.NoError(t, err)
	tracker := progress.NewTracker(nil, progress.Config{}, nil)
	t.Cleanup(func() { _ = tracker.Close(context.Background()) })

	_, err = New(Config{}, Deps{
		Sources: []*source.Source{newSource(&provider{name: "gtex"}, 2), newSource(&provider{name: "gtex"}, 2)},
		Records: annotation.NewStore(db),
		Cache:   svc,
		Tracker: tracker,
	})
	assert.Error(t, err)

	_, err = New(Config{}, Deps{Records: annotation.NewStore(db), Cache: svc, Tracker: tracker})
	assert.Error(t, err)
}
