package source

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/pulse/breaker"
	"github.com/teranos/genepulse/pulse/progress"
	"github.com/teranos/genepulse/pulse/retry"
)

func TestRunnerAnnotatesAndCaches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	adapter := newFakeAdapter("gtex")
	src := newTestSource(adapter, 5, 3)

	require.NoError(t, env.cache.Set(ctx, cache.NamespaceAnnotations, "TP53", []byte(`{"stale":true}`), time.Hour))

	res := env.runner.Run(ctx, src, seeds("BRCA1", "TP53", "EGFR"), "run-1")
	assert.Equal(t, progress.ProviderSucceeded, res.Status())
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 0, res.CacheHits)

	rec, err := env.store.Get(ctx, "TP53", "gtex")
	require.NoError(t, err)
	assert.Equal(t, "run-1", rec.RunID)
	assert.JSONEq(t, `{"symbol":"TP53","provider":"gtex"}`, string(rec.Payload))

	_, ok, err := env.cache.Get(ctx, cache.NamespaceAnnotations, "TP53")
	require.NoError(t, err)
	assert.False(t, ok, "the entity view is invalidated on upsert")

	// Second run is served from the raw cache
	res = env.runner.Run(ctx, src, seeds("BRCA1", "TP53", "EGFR"), "run-2")
	assert.Equal(t, 3, res.CacheHits)
	assert.Equal(t, 3, adapter.totalCalls())

	rec, err = env.store.Get(ctx, "TP53", "gtex")
	require.NoError(t, err)
	assert.Equal(t, "run-2", rec.RunID)

	assert.Equal(t, 6, env.reporter.processed["gtex"])
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	env := newTestEnv(t)
	adapter := newFakeAdapter("hpo")
	adapter.failOnce["BRCA1"] = errors.Mark(errors.New("HTTP 502"), errors.ErrServerError)
	src := newTestSource(adapter, 5, 3)

	res := env.runner.Run(context.Background(), src, seeds("BRCA1"), "run-1")
	assert.Equal(t, progress.ProviderSucceeded, res.Status())
	assert.Equal(t, 2, adapter.callCount("BRCA1"))
	assert.Equal(t, breaker.Closed, src.Breaker.State())
}

func TestRunnerNotFoundDoesNotTripBreaker(t *testing.T) {
	env := newTestEnv(t)
	adapter := newFakeAdapter("uniprot")
	ids := []string{"A", "B", "C", "D", "E", "F"}
	for _, id := range ids {
		adapter.fail[id] = errors.NewNotFoundError("no entry for %s", id)
	}
	src := newTestSource(adapter, 2, 3)

	res := env.runner.Run(context.Background(), src, seeds(ids...), "run-1")
	assert.False(t, res.Aborted)
	assert.Equal(t, 6, res.Failed)
	assert.Equal(t, progress.ProviderFailed, res.Status(), "every entity failed")
	assert.Equal(t, breaker.Closed, src.Breaker.State())
	for _, id := range ids {
		assert.Equal(t, 1, adapter.callCount(id), "not-found is not retried")
	}
	require.NotEmpty(t, res.Failures)
	assert.Equal(t, retry.ClassNotFound, res.Failures[0].Class)
	assert.Error(t, res.Error())
}

func TestRunnerSomeFailuresIsSucceededWithErrors(t *testing.T) {
	env := newTestEnv(t)
	adapter := newFakeAdapter("clinvar")
	adapter.fail["B"] = errors.NewInvalidRequestError("HTTP 400")
	src := newTestSource(adapter, 5, 3)

	res := env.runner.Run(context.Background(), src, seeds("A", "B", "BAD", "C"), "run-1")
	assert.Equal(t, progress.ProviderSucceededWithErrors, res.Status())
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	classes := map[string]retry.Class{}
	for _, f := range res.Failures {
		classes[f.EntityID] = f.Class
	}
	assert.Equal(t, retry.ClassInvalidRequest, classes["B"])
	assert.Equal(t, retry.ClassValidation, classes["BAD"])
}

func TestRunnerBreakerOpenAbortsProvider(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	adapter := newFakeAdapter("gnomad")
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		adapter.fail[id] = errors.Mark(errors.New("HTTP 503"), errors.ErrServerError)
	}
	src := newTestSource(adapter, 2, 1)

	// A record written before the breaker opened is kept
	require.NoError(t, env.store.Upsert(ctx, &annotation.Record{EntityID: "Z", Provider: "gnomad", Payload: json.RawMessage(`{}`)}))

	res := env.runner.Run(ctx, src, seeds("A", "B", "C", "D", "E"), "run-1")
	assert.True(t, res.Aborted)
	assert.Equal(t, progress.ProviderFailed, res.Status())
	assert.Equal(t, retry.ClassCircuitOpen, res.Class)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 0, adapter.callCount("C"), "no network call once open")
	assert.True(t, errors.IsCircuitOpen(res.Error()))

	_, err := env.store.Get(ctx, "Z", "gnomad")
	assert.NoError(t, err)
}

func TestRunnerBatchFetch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	adapter := &fakeBatchAdapter{
		fakeAdapter: newFakeAdapter("string"),
		size:        2,
		missing:     map[string]bool{"D": true},
		failBatch:   2,
	}
	src := newTestSource(adapter, 5, 1)

	require.NoError(t, env.cache.Set(ctx, src.Namespace, "A", []byte(`{"symbol":"A"}`), time.Hour))

	res := env.runner.Run(ctx, src, seeds("A", "B", "C", "D", "E"), "run-1")
	// A from cache; [B C] batch; [D E] batch fails and falls back
	assert.Equal(t, 1, res.CacheHits)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 0, adapter.callCount("B"))
	assert.Equal(t, 1, adapter.callCount("D"), "failed chunk fetched one by one")
	assert.Equal(t, 1, adapter.callCount("E"))
	assert.Equal(t, 0, res.Failed)

	adapter.failBatch = 0
	adapter.mu.Lock()
	adapter.batchCalls = 0
	adapter.mu.Unlock()
	require.NoError(t, env.cache.InvalidateNamespace(ctx, src.Namespace))

	res = env.runner.Run(ctx, src, seeds("C", "D"), "run-2")
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "D", res.Failures[0].EntityID)
	assert.Equal(t, retry.ClassNotFound, res.Failures[0].Class, "missing from the batch response")
}

func TestRunnerCancellation(t *testing.T) {
	env := newTestEnv(t)
	adapter := newFakeAdapter("pubtator")
	adapter.block = true
	src := newTestSource(adapter, 5, 3)
	src.Timeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := env.runner.Run(ctx, src, seeds("A", "B", "C"), "run-1")
	assert.Equal(t, progress.ProviderCancelled, res.Status())
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, breaker.Closed, src.Breaker.State(), "cancellation is not a provider failure")
}

func TestRunnerPerCallTimeoutIsNetworkFailure(t *testing.T) {
	env := newTestEnv(t)
	adapter := newFakeAdapter("gtex")
	adapter.block = true
	src := newTestSource(adapter, 3, 2)
	src.Timeout = 10 * time.Millisecond

	res := env.runner.Run(context.Background(), src, seeds("A", "B", "C"), "run-1")
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "A", res.Failures[0].EntityID)
	assert.Equal(t, retry.ClassTimeout, res.Failures[0].Class)
	assert.Equal(t, 2, adapter.callCount("A"), "timeouts are retried")

	// The third timeout opens the breaker during B's retries
	assert.True(t, res.Aborted, "timeouts count against the breaker")
	assert.Equal(t, 1, adapter.callCount("B"))
	assert.Equal(t, 2, res.Skipped)
}

// geneAdapter resolves identities like the HGNC provider
type geneAdapter struct{ *fakeAdapter }

func (g geneAdapter) Resolve(e Entity, raw Raw) (*annotation.Gene, error) {
	return &annotation.Gene{HGNCID: "HGNC:" + e.ID, Symbol: e.Symbol, EnsemblID: "ENSG-" + e.ID}, nil
}

func TestRunnerResolvesGenes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	src := newTestSource(geneAdapter{newFakeAdapter("hgnc")}, 5, 3)

	res := env.runner.Run(ctx, src, seeds("BRCA1", "TP53"), "run-1")
	require.Equal(t, progress.ProviderSucceeded, res.Status())

	genes, err := env.store.Genes(ctx, []string{"TP53", "BRCA1"})
	require.NoError(t, err)
	require.Len(t, genes, 2)
	assert.Equal(t, "HGNC:TP53", genes[0].HGNCID)
	assert.Equal(t, "run-1", genes[0].RunID)

	e := EntityFromGene(genes[1])
	assert.Equal(t, "BRCA1", e.ID)
	assert.Equal(t, "ENSG-BRCA1", e.EnsemblID)
}

func TestSourceValidate(t *testing.T) {
	assert.Error(t, (&Source{}).Validate())
	src := newTestSource(newFakeAdapter("x"), 1, 1)
	assert.NoError(t, src.Validate())
	src.Paged = &fakeFeed{name: "x"}
	assert.Error(t, src.Validate())
}
