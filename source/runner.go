package source

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/db"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/pulse/progress"
	"github.com/teranos/genepulse/pulse/retry"
)

// Cache is the part of the cache service the runner needs
type Cache interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, namespace, key string) error
}

// Reporter receives progress deltas
type Reporter interface {
	Update(provider string, d progress.Delta)
}

// Runner executes the per-entity flow for a provider:
// cache → limiter → breaker → call → retry → transform+validate → upsert →
// cache set → view invalidation → progress.
type Runner struct {
	store    *annotation.Store
	cache    Cache
	reporter Reporter
	logger   *zap.SugaredLogger
}

// NewRunner creates a runner. cache and reporter may be nil.
func NewRunner(store *annotation.Store, c Cache, reporter Reporter, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{store: store, cache: c, reporter: reporter, logger: log.Named("runner")}
}

func (r *Runner) report(provider string, d progress.Delta) {
	if r.reporter != nil {
		r.reporter.Update(provider, d)
	}
}

// Run annotates entities with src. It never returns an error: failures are
// recorded per entity, and a breaker rejection or cancellation ends the
// provider with the remaining entities skipped.
func (r *Runner) Run(ctx context.Context, src *Source, entities []Entity, runID string) ProviderResult {
	name := src.Name()
	start := time.Now()
	res := ProviderResult{Provider: name, Total: len(entities)}
	log := r.logger.With(logger.FieldProvider, name, logger.FieldRunID, runID)

	if err := src.Validate(); err != nil {
		res.Aborted, res.Err, res.Class = true, err, retry.ClassUnknown
		return res
	}

	r.report(name, progress.Delta{Total: len(entities)})

	batcher, _ := src.Adapter.(BatchFetcher)
	var misses []Entity

	for i, e := range entities {
		if r.stop(ctx, nil, &res, entities[i:], log) {
			break
		}

		if raw, ok := r.cached(ctx, src, e, log); ok {
			r.finish(ctx, src, e, raw, true, runID, &res, log)
			continue
		}

		if batcher != nil {
			misses = append(misses, e)
			continue
		}

		raw, err := r.fetchOne(ctx, src, e, log)
		if err != nil {
			if r.stop(ctx, err, &res, entities[i:], log) {
				break
			}
			r.fail(name, e.ID, err, &res, log)
			continue
		}
		r.finish(ctx, src, e, raw, false, runID, &res, log)
	}

	if batcher != nil && !res.Aborted && res.Err == nil {
		r.runBatches(ctx, src, batcher, misses, runID, &res, log)
	}

	res.Duration = time.Since(start)
	log.Infow("Provider finished",
		"status", res.Status(),
		logger.FieldProcessed, res.Processed,
		logger.FieldFailed, res.Failed,
		"skipped", res.Skipped,
		"cache_hits", res.CacheHits,
		logger.FieldDurationMS, res.Duration.Milliseconds(),
	)
	return res
}

func (r *Runner) runBatches(ctx context.Context, src *Source, batcher BatchFetcher, misses []Entity, runID string, res *ProviderResult, log *zap.SugaredLogger) {
	name := src.Name()
	size := batcher.BatchSize()
	if size <= 0 {
		size = 1
	}

	for start := 0; start < len(misses); start += size {
		end := start + size
		if end > len(misses) {
			end = len(misses)
		}
		chunk := misses[start:end]

		if r.stop(ctx, nil, res, misses[start:], log) {
			return
		}

		var batch map[string]Raw
		_, err := src.Call(ctx, func(ctx context.Context) error {
			m, err := batcher.FetchBatch(ctx, chunk)
			batch = m
			return err
		}, r.notifier(log, ""))

		if err != nil {
			if r.stop(ctx, err, res, misses[start:], log) {
				return
			}
			log.Warnw("Batch fetch failed, falling back to single fetches",
				logger.FieldBatchSize, len(chunk), logger.FieldError, err)

			for j, e := range chunk {
				raw, err := r.fetchOne(ctx, src, e, log)
				if err != nil {
					if r.stop(ctx, err, res, misses[start+j:], log) {
						return
					}
					r.fail(name, e.ID, err, res, log)
					continue
				}
				r.finish(ctx, src, e, raw, false, runID, res, log)
			}
			continue
		}

		for _, e := range chunk {
			raw, ok := batch[e.ID]
			if !ok {
				r.fail(name, e.ID, errors.NewNotFoundError("%s returned no data for %s", name, e.ID), res, log)
				continue
			}
			r.finish(ctx, src, e, raw, false, runID, res, log)
		}
	}
}

// stop ends the provider on cancellation or an open breaker, counting
// remaining as skipped. err is the last call's error, nil between calls.
func (r *Runner) stop(ctx context.Context, err error, res *ProviderResult, remaining []Entity, log *zap.SugaredLogger) bool {
	var cause error
	switch {
	case ctx.Err() != nil:
		cause = ctx.Err()
	case errors.IsCircuitOpen(err):
		cause = err
		res.Aborted = true
	case db.IsDatabaseClosed(err):
		cause = err
		res.Aborted = true
	default:
		return false
	}

	res.Err = cause
	res.Class = retry.Classify(cause)
	res.Skipped += len(remaining)
	r.report(res.Provider, progress.Delta{Skipped: len(remaining), LastError: cause.Error(), ErrorClass: string(res.Class)})

	if res.Aborted {
		log.Warnw("Provider aborted", logger.FieldErrorClass, res.Class, "skipped", len(remaining), logger.FieldError, cause)
	} else {
		log.Infow("Provider cancelled", "skipped", len(remaining))
	}
	return true
}

func (r *Runner) cached(ctx context.Context, src *Source, e Entity, log *zap.SugaredLogger) (Raw, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, ok, err := r.cache.Get(ctx, src.Namespace, e.ID)
	if err != nil {
		log.Warnw("Cache read failed, fetching", logger.FieldEntity, e.ID, logger.FieldError, err)
		return nil, false
	}
	return raw, ok
}

func (r *Runner) fetchOne(ctx context.Context, src *Source, e Entity, log *zap.SugaredLogger) (Raw, error) {
	var raw Raw
	_, err := src.Call(ctx, func(ctx context.Context) error {
		got, err := src.Adapter.FetchOne(ctx, e)
		raw = got
		return err
	}, r.notifier(log, e.ID))
	return raw, err
}

func (r *Runner) notifier(log *zap.SugaredLogger, entityID string) retry.NotifyFunc {
	return func(a retry.Attempt) {
		log.Debugw("Retrying provider call",
			logger.FieldEntity, entityID,
			logger.FieldAttempt, a.Number,
			logger.FieldErrorClass, a.Class,
			logger.FieldBackoff, a.Wait,
			logger.FieldError, a.Err,
		)
	}
}

func (r *Runner) fail(provider, entityID string, err error, res *ProviderResult, log *zap.SugaredLogger) {
	f := res.addFailure(entityID, err)
	r.report(provider, progress.Delta{Processed: 1, Failed: 1, LastError: f.Error, ErrorClass: string(f.Class)})
	log.Debugw("Entity failed", logger.FieldEntity, entityID, logger.FieldErrorClass, f.Class, logger.FieldError, err)
}

// finish transforms, validates and persists one entity's payload
func (r *Runner) finish(ctx context.Context, src *Source, e Entity, raw Raw, fromCache bool, runID string, res *ProviderResult, log *zap.SugaredLogger) {
	name := src.Name()

	rec, err := transform(src.Adapter, e, raw)
	if err != nil {
		r.fail(name, e.ID, err, res, log)
		return
	}
	rec.EntityID, rec.Provider, rec.RunID = e.ID, name, runID

	if err := r.persist(ctx, src, e, raw, rec); err != nil {
		if ctx.Err() != nil {
			err = errors.WithSecondaryError(ctx.Err(), err)
		}
		r.fail(name, e.ID, err, res, log)
		return
	}

	if r.cache != nil {
		if !fromCache {
			if err := r.cache.Set(ctx, src.Namespace, e.ID, raw, src.CacheTTL); err != nil {
				log.Warnw("Cache write failed", logger.FieldEntity, e.ID, logger.FieldError, err)
			}
		}
		if err := r.cache.Invalidate(ctx, cache.NamespaceAnnotations, e.ID); err != nil {
			log.Errorw("Failed to invalidate entity view", logger.FieldEntity, e.ID, logger.FieldError, err)
		}
	}

	res.Processed++
	res.Succeeded++
	d := progress.Delta{Succeeded: 1, Processed: 1}
	if fromCache {
		res.CacheHits++
		d.CacheHits = 1
	}
	r.report(name, d)
}

func transform(a Adapter, e Entity, raw Raw) (*annotation.Record, error) {
	rec, err := a.Transform(e, raw)
	if err == nil {
		err = a.Validate(rec)
	}
	if err != nil {
		// Anything a transform rejects is a payload problem
		if retry.Classify(err) == retry.ClassUnknown {
			err = errors.Mark(err, errors.ErrValidation)
		}
		return nil, err
	}
	return rec, nil
}

func (r *Runner) persist(ctx context.Context, src *Source, e Entity, raw Raw, rec *annotation.Record) error {
	resolver, ok := src.Adapter.(GeneResolver)
	if !ok {
		return r.store.Upsert(ctx, rec)
	}

	gene, err := resolver.Resolve(e, raw)
	if err == nil {
		err = gene.Validate()
	}
	if err != nil {
		return errors.Mark(err, errors.ErrValidation)
	}
	gene.EntityID, gene.RunID = e.ID, rec.RunID

	tx, err := r.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin record transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := r.store.UpsertTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := r.store.UpsertGeneTx(ctx, tx, gene); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit record transaction")
}
