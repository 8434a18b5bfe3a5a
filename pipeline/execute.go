package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/pulse/progress"
	"github.com/teranos/genepulse/source"
)

// Maintenance task names, as recorded on the run
const (
	TaskFlushViews     = "flush_annotation_views"
	TaskRefreshSummary = "refresh_summary"
	TaskCacheGC        = "cache_gc"
)

// finalPhase is the phase a run reports once it reaches finalizing
const finalPhase = 3

// execute drives a run to its terminal state. Status moves only from here.
func (o *Orchestrator) execute(ctx context.Context, ar *activeRun) {
	defer close(ar.done)
	defer ar.cancel()

	run := ar.run
	log := pulseLogger{o.logger.With(logger.FieldRunID, run.ID)}
	start := o.cfg.Now()

	status, runErr := o.runPhases(ctx, ar)

	o.tracker.SetRun(progress.RunFinalizing, finalPhase, nil)
	run.Maintenance = o.maintain(ctx, log)

	finished := o.cfg.Now()
	run.Status = status
	run.FinishedAt = &finished
	if runErr != nil {
		run.Error = runErr.Error()
	}
	o.tracker.SetRun(status, finalPhase, runErr)

	// Detached from the run: a cancelled run still records how it ended
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.tracker.Flush(saveCtx); err != nil {
		log.Warnw("Failed to persist final progress", logger.FieldError, err)
	}
	if err := o.runs.Finish(saveCtx, run); err != nil {
		log.Errorw("Failed to record run outcome", logger.FieldError, err)
	}
	runsTotal.WithLabelValues(string(status)).Inc()

	failed := o.tracker.Snapshot().FailedProviders
	fields := []interface{}{
		logger.FieldStatus, status,
		logger.FieldDurationMS, finished.Sub(start).Milliseconds(),
		"failed_providers", len(failed),
	}
	if runErr != nil {
		fields = append(fields, logger.FieldError, runErr)
	}
	log.Closing("Run finished", fields...)

	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()
}

// runPhases returns the run's terminal status
func (o *Orchestrator) runPhases(ctx context.Context, ar *activeRun) (progress.RunStatus, error) {
	log := o.logger.With(logger.FieldRunID, ar.run.ID)

	// View invalidations are deferred to one namespace sweep during finalizing
	if err := o.cache.SetBatchMode(ctx, cache.NamespaceAnnotations, true); err != nil {
		log.Warnw("Failed to enable batch invalidation", logger.FieldNamespace, cache.NamespaceAnnotations, logger.FieldError, err)
	}

	if ar.opts.fullRefresh {
		if err := o.refresh(ctx, ar); err != nil {
			return terminalFor(ctx, err), errors.Wrap(err, "full refresh")
		}
	}

	o.tracker.SetRun(progress.RunPhase1, 1, nil)
	entities, err := o.phase1(ctx, ar)
	if err != nil {
		return terminalFor(ctx, err), err
	}

	o.tracker.SetRun(progress.RunPhase2, 2, nil)
	failed := o.phase2(ctx, ar, entities)

	switch {
	case ctx.Err() != nil:
		return progress.RunCancelled, ctx.Err()
	case failed > 0:
		return progress.RunPartialSuccess, nil
	default:
		return progress.RunCompleted, nil
	}
}

func terminalFor(ctx context.Context, err error) progress.RunStatus {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return progress.RunCancelled
	}
	return progress.RunFailed
}

// refresh drops everything earlier runs left for the selected providers
func (o *Orchestrator) refresh(ctx context.Context, ar *activeRun) error {
	for _, src := range append(append([]*source.Source(nil), ar.phase1...), ar.phase2...) {
		name := src.Name()
		n, err := o.records.ClearProvider(ctx, name)
		if err != nil {
			return err
		}
		if err := o.cache.InvalidateNamespace(ctx, src.Namespace); err != nil {
			return errors.Wrapf(err, "clear cache for %s", name)
		}
		if src.Streamed() {
			if _, err := o.checkpoints.Reset(ctx, name); err != nil {
				return err
			}
		}
		o.logger.Infow("Provider cleared for full refresh",
			logger.FieldRunID, ar.run.ID,
			logger.FieldProvider, name,
			"records", n)
	}
	return nil
}

// runSource runs one provider and reports its outcome
func (o *Orchestrator) runSource(ctx context.Context, src *source.Source, entities []source.Entity, runID string) source.ProviderResult {
	name := src.Name()
	o.tracker.MarkStatus(name, progress.ProviderRunning, nil)

	var res source.ProviderResult
	if src.Streamed() {
		res = o.streamer.Run(ctx, src, entities, runID)
	} else {
		res = o.runner.Run(ctx, src, entities, runID)
	}

	o.tracker.MarkStatus(name, res.Status(), res.Error())
	return res
}

// phase1 resolves the input identifiers. No resolved entity, or an aborted
// identity provider, fails the run.
func (o *Orchestrator) phase1(ctx context.Context, ar *activeRun) ([]source.Entity, error) {
	run := ar.run
	seeds := make([]source.Entity, len(run.EntityIDs))
	for i, id := range run.EntityIDs {
		seeds[i] = source.SeedEntity(id)
	}

	for _, src := range ar.phase1 {
		res := o.runSource(ctx, src, seeds, run.ID)
		if res.Status() == progress.ProviderCancelled || ctx.Err() != nil {
			return nil, context.Canceled
		}
		if res.Aborted {
			return nil, errors.Wrapf(res.Error(), "identity provider %s aborted", src.Name())
		}
	}

	genes, err := o.records.Genes(ctx, run.EntityIDs)
	if err != nil {
		return nil, errors.Wrap(err, "load resolved entities")
	}
	if len(genes) == 0 {
		return nil, errors.Newf("none of the %d input entities could be resolved", len(run.EntityIDs))
	}

	entities := make([]source.Entity, len(genes))
	for i, g := range genes {
		entities[i] = source.EntityFromGene(g)
	}
	o.logger.Infow("Identity resolution finished",
		logger.FieldRunID, run.ID,
		"resolved", len(entities),
		"unresolved", len(run.EntityIDs)-len(entities))
	return entities, nil
}

// phase2 runs the remaining providers with at most fanOut at once and
// returns how many failed. A failed provider never stops its siblings.
func (o *Orchestrator) phase2(ctx context.Context, ar *activeRun, entities []source.Entity) int {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(ar.opts.fanOut)

	for _, src := range ar.phase2 {
		g.Go(func() error {
			o.enterGate()
			defer o.exitGate()

			if ctx.Err() != nil {
				o.tracker.MarkStatus(src.Name(), progress.ProviderCancelled, ctx.Err())
				return nil
			}
			res := o.runSource(ctx, src, entities, ar.run.ID)
			if res.Status() == progress.ProviderFailed {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// maintain runs the finalizing tasks. Their errors are recorded, never fatal.
func (o *Orchestrator) maintain(ctx context.Context, log pulseLogger) []TaskResult {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.MaintenanceTimeout)
	defer cancel()

	tasks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{TaskFlushViews, func(ctx context.Context) error {
			return o.cache.SetBatchMode(ctx, cache.NamespaceAnnotations, false)
		}},
		{TaskRefreshSummary, func(ctx context.Context) error {
			_, err := o.records.RefreshSummary(ctx)
			return err
		}},
		{TaskCacheGC, o.cache.RunGC},
	}

	results := make([]TaskResult, 0, len(tasks))
	for _, t := range tasks {
		start := time.Now()
		err := t.fn(mctx)
		r := TaskResult{Task: t.name, Duration: time.Since(start)}
		if err != nil {
			r.Error = err.Error()
			log.Errorw("Maintenance task failed", "task", t.name, logger.FieldError, err)
		} else {
			log.Debugw("Maintenance task finished", "task", t.name, logger.FieldDurationMS, r.Duration.Milliseconds())
		}
		results = append(results, r)
	}
	return results
}
