// Package progress tracks a pipeline run's counters and status and streams
// every change to subscribers.
//
// The in-memory State is updated immediately and each change is emitted as
// an Event. Persistence is throttled: at most one snapshot is written per
// flush interval, off the caller's path.
package progress

import (
	"sort"
	"time"
)

// RunStatus is the orchestrator's run state
type RunStatus string

const (
	RunIdle           RunStatus = "idle"
	RunPhase1         RunStatus = "phase1_running"
	RunPhase2         RunStatus = "phase2_running"
	RunFinalizing     RunStatus = "finalizing"
	RunCompleted      RunStatus = "completed"
	RunPartialSuccess RunStatus = "partial_success"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
)

// Terminal reports whether the run can no longer change
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunPartialSuccess, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ProviderStatus is one provider's state within a run
type ProviderStatus string

const (
	ProviderPending             ProviderStatus = "pending"
	ProviderRunning             ProviderStatus = "running"
	ProviderSucceeded           ProviderStatus = "succeeded"
	ProviderSucceededWithErrors ProviderStatus = "succeeded_with_errors"
	ProviderFailed              ProviderStatus = "failed"
	ProviderCancelled           ProviderStatus = "cancelled"
)

// Done reports whether the provider has finished, successfully or not
func (s ProviderStatus) Done() bool {
	switch s {
	case ProviderSucceeded, ProviderSucceededWithErrors, ProviderFailed, ProviderCancelled:
		return true
	}
	return false
}

// ProviderProgress counts one provider's work. Succeeded is the provider's
// count of entities with a stored record; Processed also includes failures,
// so Processed reaches Total once every entity was attempted.
type ProviderProgress struct {
	Status     ProviderStatus `json:"status" yaml:"status"`
	Succeeded  int            `json:"succeeded" yaml:"succeeded"`
	Processed  int            `json:"processed" yaml:"processed"`
	Failed     int            `json:"failed" yaml:"failed"`
	Skipped    int            `json:"skipped" yaml:"skipped"`
	CacheHits  int            `json:"cache_hits" yaml:"cache_hits"`
	Total      int            `json:"total" yaml:"total"`
	LastError  string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ErrorClass string         `json:"error_class,omitempty" yaml:"error_class,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// FailedProvider names a provider that failed and why
type FailedProvider struct {
	Provider   string `json:"provider" yaml:"provider"`
	ErrorClass string `json:"error_class" yaml:"error_class"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// State is the whole run as observers see it
type State struct {
	RunID           string                       `json:"run_id" yaml:"run_id"`
	Status          RunStatus                    `json:"status" yaml:"status"`
	Phase           int                          `json:"phase" yaml:"phase"`
	Providers       map[string]*ProviderProgress `json:"providers" yaml:"providers"`
	FailedProviders []FailedProvider             `json:"failed_providers,omitempty" yaml:"failed_providers,omitempty"`
	Error           string                       `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt       *time.Time                   `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt      *time.Time                   `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	UpdatedAt       time.Time                    `json:"updated_at" yaml:"updated_at"`
	// Seq increases with every change
	Seq uint64 `json:"seq" yaml:"seq"`
}

// Clone returns a deep copy safe to hand to another goroutine
func (s State) Clone() State {
	out := s
	out.Providers = make(map[string]*ProviderProgress, len(s.Providers))
	for name, p := range s.Providers {
		cp := *p
		out.Providers[name] = &cp
	}
	out.FailedProviders = append([]FailedProvider(nil), s.FailedProviders...)
	return out
}

// ProviderNames returns provider names in sorted order
func (s State) ProviderNames() []string {
	names := make([]string, 0, len(s.Providers))
	for name := range s.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Totals sums the provider counters
func (s State) Totals() ProviderProgress {
	var t ProviderProgress
	for _, p := range s.Providers {
		t.Succeeded += p.Succeeded
		t.Processed += p.Processed
		t.Failed += p.Failed
		t.Skipped += p.Skipped
		t.CacheHits += p.CacheHits
		t.Total += p.Total
	}
	return t
}

// Delta is an additive counter change reported by a provider
type Delta struct {
	Succeeded int `json:"succeeded,omitempty"`
	Processed int `json:"processed,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Skipped   int `json:"skipped,omitempty"`
	CacheHits int `json:"cache_hits,omitempty"`
	Total     int `json:"total,omitempty"`
	// LastError and ErrorClass replace the provider's last error when set
	LastError  string `json:"last_error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
}

// EventType distinguishes run-level from provider-level changes
type EventType string

const (
	EventRun      EventType = "run"
	EventProvider EventType = "provider"
)

// Event is emitted for every Update, MarkStatus and SetRun
type Event struct {
	Seq       uint64            `json:"seq"`
	Type      EventType         `json:"type"`
	RunID     string            `json:"run_id"`
	RunStatus RunStatus         `json:"run_status"`
	Phase     int               `json:"phase"`
	Provider  string            `json:"provider,omitempty"`
	Progress  *ProviderProgress `json:"progress,omitempty"`
	Delta     *Delta            `json:"delta,omitempty"`
	Time      time.Time         `json:"time"`
}
