package ratelimit

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds one limiter per provider
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	logger   *zap.SugaredLogger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		limiters: make(map[string]*Limiter),
		logger:   logger.Named("ratelimit"),
	}
}

// Register returns the limiter for name, creating it with cfg if absent.
// An existing limiter is reconfigured with cfg.
func (r *Registry) Register(name string, cfg Config) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[name]; ok {
		l.SetConfig(cfg)
		return l
	}
	l := New(name, cfg)
	r.limiters[name] = l
	return l
}

// Get returns the limiter for name
func (r *Registry) Get(name string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	return l, ok
}

// Apply pushes new limits to registered limiters. Unknown names are ignored:
// enabling a provider takes effect on the next process start.
func (r *Registry) Apply(cfgs map[string]Config) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, cfg := range cfgs {
		l, ok := r.limiters[name]
		if !ok {
			continue
		}
		if l.Config() == cfg {
			continue
		}
		l.SetConfig(cfg)
		r.logger.Infow("Rate limit updated",
			"provider", name,
			"rate_per_second", cfg.RatePerSecond,
			"burst", cfg.Burst,
			"max_per_minute", cfg.MaxPerMinute)
	}
}

// Stats returns statistics for every limiter, sorted by name
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]Stats, 0, len(r.limiters))
	for _, l := range r.limiters {
		stats = append(stats, l.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
