package cache

import (
	"context"
	"time"
)

// Entry is a stored value with its validity window
type Entry struct {
	Value    []byte
	StoredAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns stored_at + ttl
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Expired reports whether the entry must no longer be returned at now
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// Durable is the second cache tier. Implementations must be safe for concurrent use.
type Durable interface {
	Get(ctx context.Context, namespace, key string) (Entry, bool, error)
	Set(ctx context.Context, namespace, key string, entry Entry) error
	Delete(ctx context.Context, namespace, key string) error
	DropNamespace(ctx context.Context, namespace string) error
	Close() error
}

// Collector is implemented by durable tiers that reclaim space on demand
type Collector interface {
	RunGC(ctx context.Context) error
}
