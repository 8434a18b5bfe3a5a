package source

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/pulse/progress"
	"github.com/teranos/genepulse/pulse/retry"
)

// Item is one entry of a paged feed. Key identifies the gene in the
// provider's terms (symbol, Entrez id, HGNC id or Ensembl id).
type Item struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// Page is one response of a paged feed. An empty NextCursor ends the stream.
type Page struct {
	Items      []Item
	NextCursor string
	// Total is the feed size if the provider reports it, else 0
	Total int
}

// PagedAdapter is implemented by providers whose results are an unbounded feed
type PagedAdapter interface {
	Name() string
	PageSize() int
	FetchPage(ctx context.Context, cursor string, size int) (Page, error)
	TransformItem(e Entity, item Item) (*annotation.Record, error)
	Validate(rec *annotation.Record) error
}

// EntityIndex resolves feed keys to the run's entities
type EntityIndex struct {
	byKey map[string]Entity
}

// NewEntityIndex indexes entities by every identifier they carry
func NewEntityIndex(entities []Entity) *EntityIndex {
	idx := &EntityIndex{byKey: make(map[string]Entity, len(entities)*3)}
	for _, e := range entities {
		for _, k := range []string{e.ID, e.Symbol, e.HGNCID, e.EnsemblID, e.EntrezID} {
			if k != "" {
				idx.byKey[strings.ToUpper(k)] = e
			}
		}
	}
	return idx
}

// Lookup returns the entity a feed key refers to
func (x *EntityIndex) Lookup(key string) (Entity, bool) {
	e, ok := x.byKey[strings.ToUpper(key)]
	return e, ok
}

// Len returns the number of indexed keys
func (x *EntityIndex) Len() int {
	return len(x.byKey)
}

// PageResult is one committed page
type PageResult struct {
	Records []*annotation.Record
	Next    Checkpoint
	Total   int
	// Skipped counts items outside the run's entity set
	Skipped  int
	Failures []EntityFailure
}

// StreamProcessor drives paged providers page by page. Each page's records
// and the checkpoint after it commit together before the next page is
// requested, so a crash loses at most the page in flight.
type StreamProcessor struct {
	checkpoints *CheckpointStore
	cache       Cache
	reporter    Reporter
	logger      *zap.SugaredLogger
	timeNow     func() time.Time
}

// NewStreamProcessor creates a processor. cache and reporter may be nil.
func NewStreamProcessor(checkpoints *CheckpointStore, c Cache, reporter Reporter, log *zap.SugaredLogger) *StreamProcessor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StreamProcessor{
		checkpoints: checkpoints,
		cache:       c,
		reporter:    reporter,
		logger:      log.Named("stream"),
		timeNow:     time.Now,
	}
}

// ResumeOrStart returns the checkpoint to continue from. An unfinished
// checkpoint is resumed, even one left by an earlier run, when it was
// written for the same entity set. Anything else starts the feed from its
// first page: pages before a foreign cursor were never matched against
// this run's entities.
func (p *StreamProcessor) ResumeOrStart(ctx context.Context, provider, runID, entitySet string) (Checkpoint, error) {
	fresh := Checkpoint{Provider: provider, RunID: runID, EntitySet: entitySet}
	cp, ok, err := p.checkpoints.Load(ctx, provider)
	if err != nil {
		return Checkpoint{}, err
	}
	if ok && !cp.Done && cp.EntitySet != entitySet {
		p.logger.Infow("Checkpoint covers a different entity set, starting from the first page",
			logger.FieldProvider, provider,
			logger.FieldRunID, runID,
			"previous_run", cp.RunID,
			logger.FieldCursor, cp.Cursor,
		)
		return fresh, nil
	}
	if ok && !cp.Done {
		p.logger.Infow("Resuming stream",
			logger.FieldProvider, provider,
			logger.FieldRunID, runID,
			"previous_run", cp.RunID,
			logger.FieldCursor, cp.Cursor,
			logger.FieldProcessed, cp.Processed,
		)
		cp.RunID = runID
		return cp, nil
	}
	return fresh, nil
}

// ProcessPage fetches the page at cp, transforms the items that belong to
// the run, and commits them with the next checkpoint.
func (p *StreamProcessor) ProcessPage(ctx context.Context, src *Source, cp Checkpoint, index *EntityIndex) (*PageResult, error) {
	if src.Paged == nil {
		return nil, errors.AssertionFailedf("source %q is not paged", src.Name())
	}
	adapter := src.Paged
	name := adapter.Name()

	var page Page
	_, err := src.Call(ctx, func(ctx context.Context) error {
		got, err := adapter.FetchPage(ctx, cp.Cursor, adapter.PageSize())
		page = got
		return err
	}, nil)
	if err != nil {
		return nil, err
	}

	if page.NextCursor != "" && page.NextCursor == cp.Cursor {
		return nil, errors.Mark(errors.Newf("%s cursor %q did not advance", name, cp.Cursor), errors.ErrValidation)
	}

	res := &PageResult{Total: page.Total}
	for _, item := range page.Items {
		e, ok := index.Lookup(item.Key)
		if !ok {
			res.Skipped++
			continue
		}

		rec, err := adapter.TransformItem(e, item)
		if err == nil {
			err = adapter.Validate(rec)
		}
		if err != nil {
			if retry.Classify(err) == retry.ClassUnknown {
				err = errors.Mark(err, errors.ErrValidation)
			}
			res.Failures = append(res.Failures, EntityFailure{EntityID: e.ID, Class: retry.Classify(err), Error: err.Error()})
			continue
		}
		rec.EntityID, rec.Provider, rec.RunID = e.ID, name, cp.RunID
		res.Records = append(res.Records, rec)
	}

	res.Next = Checkpoint{
		Provider:  name,
		RunID:     cp.RunID,
		EntitySet: cp.EntitySet,
		Cursor:    page.NextCursor,
		Processed: cp.Processed + int64(len(page.Items)),
		Done:      page.NextCursor == "",
		UpdatedAt: p.timeNow(),
	}
	if err := p.checkpoints.Commit(ctx, res.Next, res.Records); err != nil {
		return nil, err
	}

	if p.cache != nil {
		for _, rec := range res.Records {
			if err := p.cache.Invalidate(ctx, cache.NamespaceAnnotations, rec.EntityID); err != nil {
				p.logger.Errorw("Failed to invalidate entity view", logger.FieldEntity, rec.EntityID, logger.FieldError, err)
			}
		}
	}
	return res, nil
}

// Run streams the provider's feed until it is done, the context ends or a page fails.
// A failed page stops the stream: later pages cannot be committed before it.
func (p *StreamProcessor) Run(ctx context.Context, src *Source, entities []Entity, runID string) ProviderResult {
	name := src.Name()
	start := time.Now()
	res := ProviderResult{Provider: name}
	log := p.logger.With(logger.FieldProvider, name, logger.FieldRunID, runID)

	if err := src.Validate(); err != nil {
		res.Aborted, res.Err, res.Class = true, err, retry.ClassUnknown
		return res
	}

	index := NewEntityIndex(entities)
	cp, err := p.ResumeOrStart(ctx, name, runID, EntitySetDigest(entities))
	if err != nil {
		res.Aborted, res.Err, res.Class = true, err, retry.Classify(err)
		return res
	}

	pages := 0
	for !cp.Done {
		if ctx.Err() != nil {
			res.Err, res.Class = ctx.Err(), retry.ClassCancelled
			break
		}

		page, err := p.ProcessPage(ctx, src, cp, index)
		if err != nil {
			if ctx.Err() != nil {
				res.Err, res.Class = ctx.Err(), retry.ClassCancelled
				break
			}
			res.Aborted, res.Err, res.Class = true, err, retry.Classify(err)
			p.report(name, progress.Delta{LastError: err.Error(), ErrorClass: string(res.Class)})
			log.Warnw("Stream stopped", logger.FieldCursor, cp.Cursor, logger.FieldErrorClass, res.Class, logger.FieldError, err)
			break
		}
		pages++

		d := progress.Delta{
			Succeeded: len(page.Records),
			Processed: len(page.Records) + len(page.Failures),
			Failed:    len(page.Failures),
			Skipped:   page.Skipped,
		}
		if pages == 1 && page.Total > 0 {
			d.Total = page.Total
			res.Total = page.Total
		}
		for _, f := range page.Failures {
			d.LastError, d.ErrorClass = f.Error, string(f.Class)
			res.Processed++
			res.Failed++
			if len(res.Failures) < maxRecordedFailures {
				res.Failures = append(res.Failures, f)
			}
		}
		res.Processed += len(page.Records)
		res.Succeeded += len(page.Records)
		res.Skipped += page.Skipped
		p.report(name, d)

		log.Debugw("Page committed", logger.FieldCursor, page.Next.Cursor, logger.FieldProcessed, page.Next.Processed, "records", len(page.Records))
		cp = page.Next
	}

	res.Duration = time.Since(start)
	log.Infow("Stream finished",
		"status", res.Status(),
		"pages", pages,
		logger.FieldProcessed, res.Processed,
		logger.FieldFailed, res.Failed,
		"skipped", res.Skipped,
		logger.FieldDurationMS, res.Duration.Milliseconds(),
	)
	return res
}

func (p *StreamProcessor) report(provider string, d progress.Delta) {
	if p.reporter != nil {
		p.reporter.Update(provider, d)
	}
}
