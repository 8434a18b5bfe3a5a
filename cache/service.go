// Package cache is the two-tier cache in front of provider calls and annotation reads.
//
// L1 is a bounded in-memory LRU, L2 a durable store (badger). Lookups go
// L1 → L2 → promote → miss. Entries carry stored_at + ttl and are never
// returned once expired. Invalidation is per key, per namespace, or deferred
// into one namespace sweep while batch mode is on.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/genepulse/errors"
)

const (
	// DefaultL1Capacity bounds the fast tier when Config leaves it unset
	DefaultL1Capacity = 10000

	// DefaultTTL applies when neither Set nor Config give a ttl
	DefaultTTL = 24 * time.Hour

	// NamespaceAnnotations holds per-entity derived annotation views
	NamespaceAnnotations = "annotations"
)

// SourceNamespace returns the raw-payload namespace for a provider
func SourceNamespace(provider string) string {
	return "source:" + provider
}

// Config configures a Service
type Config struct {
	L1Capacity int
	DefaultTTL time.Duration
	// Now is the clock used for stored_at and expiry; defaults to time.Now
	Now func() time.Time
}

// Stats is a point-in-time view of cache activity
type Stats struct {
	L1Hits          int64 `json:"l1_hits"`
	L2Hits          int64 `json:"l2_hits"`
	Misses          int64 `json:"misses"`
	Expired         int64 `json:"expired"`
	Sets            int64 `json:"sets"`
	Invalidations   int64 `json:"invalidations"`
	Deferred        int64 `json:"deferred_invalidations"`
	NamespaceClears int64 `json:"namespace_clears"`
	L1Entries       int   `json:"l1_entries"`
	// BatchNamespaces lists namespaces currently in batch mode
	BatchNamespaces []string `json:"batch_namespaces,omitempty"`
}

// Service is the cache used by the pipeline. A nil durable tier gives an L1-only cache.
type Service struct {
	l1      *memoryTier
	l2      Durable
	ttl     time.Duration
	timeNow func() time.Time
	logger  *zap.SugaredLogger

	batchMu sync.Mutex
	batch   map[string]map[string]struct{}

	statsMu sync.Mutex
	stats   Stats
}

// NewService creates a cache over the given durable tier
func NewService(cfg Config, l2 Durable, logger *zap.SugaredLogger) (*Service, error) {
	if cfg.L1Capacity <= 0 {
		cfg.L1Capacity = DefaultL1Capacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	l1, err := newMemoryTier(cfg.L1Capacity)
	if err != nil {
		return nil, err
	}

	if bs, ok := l2.(*BadgerStore); ok {
		bs.timeNow = cfg.Now
	}

	return &Service{
		l1:      l1,
		l2:      l2,
		ttl:     cfg.DefaultTTL,
		timeNow: cfg.Now,
		logger:  logger.Named("cache"),
		batch:   make(map[string]map[string]struct{}),
	}, nil
}

func (s *Service) count(f func(*Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

// Get returns the cached value for (namespace, key)
func (s *Service) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	now := s.timeNow()

	if value, ok, expired := s.l1.get(namespace, key, now); ok {
		recordLookup(tierL1, resultHit)
		s.count(func(st *Stats) { st.L1Hits++ })
		return value, true, nil
	} else if expired {
		recordLookup(tierL1, resultExpired)
	} else {
		recordLookup(tierL1, resultMiss)
	}

	if s.l2 == nil {
		s.count(func(st *Stats) { st.Misses++ })
		return nil, false, nil
	}

	version := s.l1.version(namespace)
	entry, ok, err := s.l2.Get(ctx, namespace, key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "cache get %s/%s", namespace, key)
	}
	if !ok {
		recordLookup(tierL2, resultMiss)
		s.count(func(st *Stats) { st.Misses++ })
		return nil, false, nil
	}
	if entry.Expired(now) {
		recordLookup(tierL2, resultExpired)
		s.count(func(st *Stats) { st.Misses++; st.Expired++ })
		return nil, false, nil
	}

	recordLookup(tierL2, resultHit)
	s.count(func(st *Stats) { st.L2Hits++ })
	// Promotion keeps the L2 expiry so an L1 hit never outlives the durable entry
	s.l1.promote(namespace, key, l1Entry{value: entry.Value, expiresAt: entry.ExpiresAt()}, version)
	return entry.Value, true, nil
}

// Set stores value in both tiers. ttl <= 0 uses the default TTL.
func (s *Service) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.timeNow()
	stored := make([]byte, len(value))
	copy(stored, value)

	// An invalidation landing between the two tiers must win over this write
	version := s.l1.version(namespace)
	if s.l2 != nil {
		if err := s.l2.Set(ctx, namespace, key, Entry{Value: stored, StoredAt: now, TTL: ttl}); err != nil {
			return errors.Wrapf(err, "cache set %s/%s", namespace, key)
		}
	}
	if !s.l1.admit(namespace, key, l1Entry{value: stored, expiresAt: now.Add(ttl)}, version) {
		s.logger.Debugw("Namespace changed during set, not admitted to L1", "namespace", namespace, "key", key)
	}
	s.count(func(st *Stats) { st.Sets++ })
	return nil
}

// Invalidate removes one entry, or records it for the namespace sweep while batch mode is on
func (s *Service) Invalidate(ctx context.Context, namespace, key string) error {
	s.batchMu.Lock()
	if pending, ok := s.batch[namespace]; ok {
		pending[key] = struct{}{}
		s.batchMu.Unlock()
		s.count(func(st *Stats) { st.Deferred++ })
		return nil
	}
	s.batchMu.Unlock()

	if s.l2 != nil {
		if err := s.l2.Delete(ctx, namespace, key); err != nil {
			return errors.Wrapf(err, "cache invalidate %s/%s", namespace, key)
		}
	}
	s.l1.remove(namespace, key)
	s.count(func(st *Stats) { st.Invalidations++ })
	return nil
}

// InvalidateNamespace removes every entry in namespace from both tiers
func (s *Service) InvalidateNamespace(ctx context.Context, namespace string) error {
	if s.l2 != nil {
		if err := s.l2.DropNamespace(ctx, namespace); err != nil {
			return errors.Wrapf(err, "cache invalidate namespace %s", namespace)
		}
	}
	dropped := s.l1.removeNamespace(namespace)
	s.count(func(st *Stats) { st.NamespaceClears++ })
	s.logger.Debugw("Cleared cache namespace", "namespace", namespace, "l1_entries", dropped)
	return nil
}

// SetBatchMode turns deferred invalidation on or off for namespace.
// Turning it off performs exactly one InvalidateNamespace, covering every
// invalidation recorded while it was on. Enabling twice is a no-op, as is
// disabling a namespace that is not in batch mode.
func (s *Service) SetBatchMode(ctx context.Context, namespace string, enabled bool) error {
	s.batchMu.Lock()
	pending, active := s.batch[namespace]
	if enabled {
		if !active {
			s.batch[namespace] = make(map[string]struct{})
		}
		s.batchMu.Unlock()
		return nil
	}
	if !active {
		s.batchMu.Unlock()
		return nil
	}
	delete(s.batch, namespace)
	s.batchMu.Unlock()

	s.logger.Debugw("Flushing batch invalidations", "namespace", namespace, "pending", len(pending))
	return s.InvalidateNamespace(ctx, namespace)
}

// BatchMode reports whether namespace is in batch mode
func (s *Service) BatchMode(namespace string) bool {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	_, ok := s.batch[namespace]
	return ok
}

// PendingInvalidations returns the sorted keys recorded while namespace is in batch mode
func (s *Service) PendingInvalidations(namespace string) []string {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	pending := s.batch[namespace]
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetJSON decodes a cached JSON value into out
func (s *Service) GetJSON(ctx context.Context, namespace, key string, out interface{}) (bool, error) {
	raw, ok, err := s.Get(ctx, namespace, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Wrapf(err, "decode cached %s/%s", namespace, key)
	}
	return true, nil
}

// SetJSON encodes value as JSON and stores it
func (s *Service) SetJSON(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode cache value %s/%s", namespace, key)
	}
	return s.Set(ctx, namespace, key, raw, ttl)
}

// RunGC asks the durable tier to reclaim space, if it supports it
func (s *Service) RunGC(ctx context.Context) error {
	c, ok := s.l2.(Collector)
	if !ok {
		return nil
	}
	return c.RunGC(ctx)
}

// Stats returns a copy of the cache counters
func (s *Service) Stats() Stats {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()

	st.L1Entries = s.l1.len()

	s.batchMu.Lock()
	for ns := range s.batch {
		st.BatchNamespaces = append(st.BatchNamespaces, ns)
	}
	s.batchMu.Unlock()
	sort.Strings(st.BatchNamespaces)
	return st
}

// Close closes the durable tier
func (s *Service) Close() error {
	if s.l2 == nil {
		return nil
	}
	return s.l2.Close()
}
