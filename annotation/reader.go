package annotation

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/errors"
)

// ViewCache is the part of the cache the reader needs
type ViewCache interface {
	GetJSON(ctx context.Context, namespace, key string, out interface{}) (bool, error)
	SetJSON(ctx context.Context, namespace, key string, value interface{}, ttl time.Duration) error
}

// ViewNamespace is the cache namespace of entity views. The pipeline
// invalidates an entity's view whenever one of its records changes.
const ViewNamespace = cache.NamespaceAnnotations

// View is everything known about one entity, as served to readers
type View struct {
	EntityID    string                     `json:"entity_id"`
	Gene        *Gene                      `json:"gene,omitempty"`
	Annotations map[string]json.RawMessage `json:"annotations"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// Providers returns the names of the providers in the view, sorted
func (v *View) Providers() []string {
	names := make([]string, 0, len(v.Annotations))
	for name := range v.Annotations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reader serves entity views read-through the cache
type Reader struct {
	store *Store
	cache ViewCache
	ttl   time.Duration
}

// NewReader creates a reader. A nil cache reads straight from the store.
func NewReader(store *Store, cache ViewCache, ttl time.Duration) *Reader {
	return &Reader{store: store, cache: cache, ttl: ttl}
}

// EntityView returns the entity's gene identity and every provider payload.
// An entity with neither is not found.
func (r *Reader) EntityView(ctx context.Context, entityID string) (*View, error) {
	if r.cache != nil {
		var cached View
		ok, err := r.cache.GetJSON(ctx, ViewNamespace, entityID, &cached)
		if err != nil {
			return nil, err
		}
		if ok {
			return &cached, nil
		}
	}

	view, err := r.build(ctx, entityID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, ViewNamespace, entityID, view, r.ttl); err != nil {
			return nil, err
		}
	}
	return view, nil
}

func (r *Reader) build(ctx context.Context, entityID string) (*View, error) {
	view := &View{EntityID: entityID, Annotations: make(map[string]json.RawMessage)}

	gene, err := r.store.Gene(ctx, entityID)
	switch {
	case errors.IsNotFoundError(err):
	case err != nil:
		return nil, err
	default:
		view.Gene = gene
		view.UpdatedAt = gene.UpdatedAt
	}

	records, err := r.store.ForEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		view.Annotations[rec.Provider] = rec.Payload
		if rec.UpdatedAt.After(view.UpdatedAt) {
			view.UpdatedAt = rec.UpdatedAt
		}
	}

	if view.Gene == nil && len(records) == 0 {
		return nil, errors.NewNotFoundError("no annotations for %s", entityID)
	}
	return view, nil
}
