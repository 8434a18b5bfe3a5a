package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

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
)

// fakeAdapter serves payloads from a map and fails entities on demand
type fakeAdapter struct {
	name string

	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]error
	failOnce map[string]error
	block    bool
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:     name,
		calls:    make(map[string]int),
		fail:     make(map[string]error),
		failOnce: make(map[string]error),
	}
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) FetchOne(ctx context.Context, e Entity) (Raw, error) {
	a.mu.Lock()
	a.calls[e.ID]++
	err, failing := a.fail[e.ID]
	if !failing {
		if once, ok := a.failOnce[e.ID]; ok {
			delete(a.failOnce, e.ID)
			err, failing = once, true
		}
	}
	block := a.block
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failing {
		return nil, err
	}
	return Raw(fmt.Sprintf(`{"symbol":%q,"provider":%q}`, e.Symbol, a.name)), nil
}

func (a *fakeAdapter) Transform(e Entity, raw Raw) (*annotation.Record, error) {
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload["symbol"] == "BAD" {
		return nil, errors.New("symbol BAD has no usable payload")
	}
	return &annotation.Record{Payload: json.RawMessage(raw)}, nil
}

func (a *fakeAdapter) Validate(rec *annotation.Record) error { return rec.Validate() }

func (a *fakeAdapter) callCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

func (a *fakeAdapter) totalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

// fakeBatchAdapter adds FetchBatch on top of fakeAdapter
type fakeBatchAdapter struct {
	*fakeAdapter
	size       int
	missing    map[string]bool
	failBatch  int
	batchCalls int
}

func (a *fakeBatchAdapter) BatchSize() int { return a.size }

func (a *fakeBatchAdapter) FetchBatch(ctx context.Context, es []Entity) (map[string]Raw, error) {
	a.mu.Lock()
	a.batchCalls++
	n := a.batchCalls
	a.mu.Unlock()

	if n == a.failBatch {
		return nil, errors.Mark(errors.New("HTTP 400 batch too large"), errors.ErrInvalidRequest)
	}
	out := make(map[string]Raw, len(es))
	for _, e := range es {
		if a.missing[e.ID] {
			continue
		}
		out[e.ID] = Raw(fmt.Sprintf(`{"symbol":%q}`, e.Symbol))
	}
	return out, nil
}

// fakeFeed is a paged feed of n items keyed G0..G(n-1)
type fakeFeed struct {
	name  string
	n     int
	size  int
	total bool

	mu      sync.Mutex
	fetched []string
	failAt  map[string]bool
}

func (f *fakeFeed) Name() string  { return f.name }
func (f *fakeFeed) PageSize() int { return f.size }

func (f *fakeFeed) FetchPage(ctx context.Context, cursor string, size int) (Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, cursor)
	fail := f.failAt[cursor]
	f.mu.Unlock()

	if fail {
		return Page{}, errors.Mark(errors.New("HTTP 503"), errors.ErrServerError)
	}

	off := 0
	if cursor != "" {
		off, _ = strconv.Atoi(cursor)
	}
	end := off + size
	if end > f.n {
		end = f.n
	}
	page := Page{}
	if f.total {
		page.Total = f.n
	}
	for i := off; i < end; i++ {
		page.Items = append(page.Items, Item{Key: fmt.Sprintf("G%d", i), Data: json.RawMessage(fmt.Sprintf(`{"pmids":[%d]}`, i))})
	}
	if end < f.n {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeFeed) TransformItem(e Entity, item Item) (*annotation.Record, error) {
	return &annotation.Record{Payload: item.Data}, nil
}

func (f *fakeFeed) Validate(rec *annotation.Record) error { return rec.Validate() }

func (f *fakeFeed) cursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// countingReporter sums deltas per provider
type countingReporter struct {
	mu        sync.Mutex
	processed map[string]int
	failed    map[string]int
	skipped   map[string]int
}

func newCountingReporter() *countingReporter {
	return &countingReporter{processed: map[string]int{}, failed: map[string]int{}, skipped: map[string]int{}}
}

func (r *countingReporter) Update(provider string, d progress.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed[provider] += d.Processed
	r.failed[provider] += d.Failed
	r.skipped[provider] += d.Skipped
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func newTestSource(a Adapter, threshold int, attempts int) *Source {
	return &Source{
		Adapter:   a,
		Phase:     2,
		Limiter:   ratelimit.New(a.Name(), ratelimit.Config{RatePerSecond: 10000, Burst: 100}),
		Breaker:   breaker.New(a.Name(), breaker.Config{FailureThreshold: threshold, Cooldown: time.Hour}),
		Retry:     fastPolicy(attempts),
		Timeout:   time.Second,
		CacheTTL:  time.Hour,
		Namespace: cache.SourceNamespace(a.Name()),
	}
}

type testEnv struct {
	store    *annotation.Store
	cache    *cache.Service
	reporter *countingReporter
	runner   *Runner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := annotation.NewStore(gptest.CreateTestDB(t))
	svc, err := cache.NewService(cache.Config{L1Capacity: 1000}, nil, nil)
	require.NoError(t, err)
	reporter := newCountingReporter()
	return &testEnv{
		store:    store,
		cache:    svc,
		reporter: reporter,
		runner:   NewRunner(store, svc, reporter, zaptest.NewLogger(t).Sugar()),
	}
}

func seeds(ids ...string) []Entity {
	out := make([]Entity, len(ids))
	for i, id := range ids {
		out[i] = SeedEntity(id)
	}
	return out
}
