// Package source runs provider adapters against a run's entities.
//
// An Adapter knows one provider's wire format. A Source composes it with the
// provider's rate limiter, circuit breaker, retry policy, per-call timeout and
// cache settings. The Runner drives per-entity providers, the StreamProcessor
// drives paged ones.
package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/pulse/breaker"
	"github.com/teranos/genepulse/pulse/ratelimit"
	"github.com/teranos/genepulse/pulse/retry"
)

// Entity is a gene as adapters see it. Before phase 1 only ID and Symbol are known.
type Entity struct {
	// ID is the identifier the run was started with; records are keyed by it
	ID         string
	Symbol     string
	HGNCID     string
	EnsemblID  string
	EntrezID   string
	UniProtIDs []string
}

// SeedEntity is an input identifier before identity resolution
func SeedEntity(id string) Entity {
	return Entity{ID: id, Symbol: id}
}

// EntityFromGene builds the phase 2 view of a resolved gene
func EntityFromGene(g *annotation.Gene) Entity {
	return Entity{
		ID:         g.EntityID,
		Symbol:     g.Symbol,
		HGNCID:     g.HGNCID,
		EnsemblID:  g.EnsemblID,
		EntrezID:   g.EntrezID,
		UniProtIDs: append([]string(nil), g.UniProtIDs...),
	}
}

// Raw is an untransformed provider payload, as cached
type Raw = json.RawMessage

// Adapter fetches and transforms one provider's data for one entity
type Adapter interface {
	Name() string
	FetchOne(ctx context.Context, e Entity) (Raw, error)
	Transform(e Entity, raw Raw) (*annotation.Record, error)
	Validate(rec *annotation.Record) error
}

// BatchFetcher is implemented by adapters whose provider accepts many entities per call.
// Entities absent from the returned map were not found.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, es []Entity) (map[string]Raw, error)
	BatchSize() int
}

// GeneResolver is implemented by the identity provider. The resolved gene is
// stored in the same transaction as the entity's record.
type GeneResolver interface {
	Resolve(e Entity, raw Raw) (*annotation.Gene, error)
}

// Source is a provider adapter together with its resilience settings.
// Exactly one of Adapter and Paged is set.
type Source struct {
	Adapter Adapter
	Paged   PagedAdapter

	Phase     int
	Limiter   *ratelimit.Limiter
	Breaker   *breaker.Breaker
	Retry     retry.Policy
	Timeout   time.Duration
	CacheTTL  time.Duration
	Namespace string
}

// NewSource composes an adapter with fresh resilience components
func NewSource(a Adapter, limits ratelimit.Config, breakerCfg breaker.Config, policy retry.Policy, timeout, ttl time.Duration) *Source {
	return &Source{
		Adapter:   a,
		Phase:     2,
		Limiter:   ratelimit.New(a.Name(), limits),
		Breaker:   breaker.New(a.Name(), breakerCfg),
		Retry:     policy,
		Timeout:   timeout,
		CacheTTL:  ttl,
		Namespace: cache.SourceNamespace(a.Name()),
	}
}

// Name returns the provider name
func (s *Source) Name() string {
	if s.Adapter != nil {
		return s.Adapter.Name()
	}
	if s.Paged != nil {
		return s.Paged.Name()
	}
	return ""
}

// Streamed reports whether the source is driven page by page
func (s *Source) Streamed() bool {
	return s.Paged != nil
}

// Validate checks the composition before a run uses it
func (s *Source) Validate() error {
	if (s.Adapter == nil) == (s.Paged == nil) {
		return errors.AssertionFailedf("source %q must have exactly one of Adapter and Paged", s.Name())
	}
	if s.Limiter == nil || s.Breaker == nil {
		return errors.AssertionFailedf("source %q is missing its limiter or breaker", s.Name())
	}
	return nil
}

// Call runs fn once per attempt behind the limiter and breaker, with the
// per-call timeout, retrying retryable failures. A breaker rejection ends the
// call immediately.
func (s *Source) Call(ctx context.Context, fn func(ctx context.Context) error, notify retry.NotifyFunc) (retry.Result, error) {
	name := s.Name()
	return s.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := s.Limiter.Acquire(ctx); err != nil {
			return err
		}
		if err := s.Breaker.Allow(); err != nil {
			recordRequest(name, outcomeRejected, 0)
			return err
		}

		callCtx := ctx
		cancel := func() {}
		if s.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		}
		start := time.Now()
		err := fn(callCtx)
		elapsed := time.Since(start)
		cancel()

		// The call's own deadline is a provider timeout, the run's is not
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, errors.ErrTimeout) {
			err = errors.Mark(err, errors.ErrTimeout)
		}

		s.Breaker.Record(err)
		recordRequest(name, outcomeFor(err), elapsed)
		return err
	}, notify)
}
