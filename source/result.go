package source

import (
	"context"
	"time"

	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/pulse/progress"
	"github.com/teranos/genepulse/pulse/retry"
)

// maxRecordedFailures bounds the per-entity failure list kept in a result
const maxRecordedFailures = 200

// EntityFailure is one entity a provider could not annotate
type EntityFailure struct {
	EntityID string      `json:"entity_id"`
	Class    retry.Class `json:"class"`
	Error    string      `json:"error"`
}

// ProviderResult summarizes one provider's part of a run
type ProviderResult struct {
	Provider  string `json:"provider"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	CacheHits int    `json:"cache_hits"`
	// Aborted is set when the provider stopped before its last entity (breaker open, stream failure)
	Aborted  bool            `json:"aborted"`
	Err      error           `json:"-"`
	Class    retry.Class     `json:"class,omitempty"`
	Failures []EntityFailure `json:"failures,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Status maps the result onto the provider outcome
func (r ProviderResult) Status() progress.ProviderStatus {
	switch {
	case r.Err != nil && errors.Is(r.Err, context.Canceled):
		return progress.ProviderCancelled
	case r.Aborted:
		return progress.ProviderFailed
	case r.Failed > 0 && r.Succeeded == 0:
		return progress.ProviderFailed
	case r.Failed > 0:
		return progress.ProviderSucceededWithErrors
	default:
		return progress.ProviderSucceeded
	}
}

// Error returns the cause to report for a failed provider
func (r ProviderResult) Error() error {
	if r.Err != nil {
		return r.Err
	}
	if r.Status() == progress.ProviderFailed && len(r.Failures) > 0 {
		last := r.Failures[len(r.Failures)-1]
		return errors.Newf("all %d entities failed, last: %s", r.Failed, last.Error)
	}
	return nil
}

func (r *ProviderResult) addFailure(entityID string, err error) EntityFailure {
	f := EntityFailure{EntityID: entityID, Class: retry.Classify(err), Error: err.Error()}
	r.Processed++
	r.Failed++
	if len(r.Failures) < maxRecordedFailures {
		r.Failures = append(r.Failures, f)
	}
	return f
}
