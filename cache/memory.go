package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/teranos/genepulse/errors"
)

type l1Key struct {
	namespace string
	key       string
}

type l1Entry struct {
	value     []byte
	expiresAt time.Time
}

// memoryTier is the bounded fast tier. One mutex guards the LRU, the
// namespace index and the mutation versions together.
type memoryTier struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	index    map[string]map[string]struct{}
	versions map[string]uint64
}

func newMemoryTier(capacity int) (*memoryTier, error) {
	m := &memoryTier{
		index:    make(map[string]map[string]struct{}),
		versions: make(map[string]uint64),
	}
	lru, err := simplelru.NewLRU(capacity, m.onEvict)
	if err != nil {
		return nil, errors.Wrapf(err, "create L1 cache with capacity %d", capacity)
	}
	m.lru = lru
	return m, nil
}

// onEvict runs under mu (simplelru calls it from Add/Remove/Purge)
func (m *memoryTier) onEvict(k interface{}, _ interface{}) {
	key := k.(l1Key)
	keys := m.index[key.namespace]
	delete(keys, key.key)
	if len(keys) == 0 {
		delete(m.index, key.namespace)
	}
}

// get returns the value if present and not expired at now. Expired entries are dropped.
func (m *memoryTier) get(namespace, key string, now time.Time) ([]byte, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.lru.Get(l1Key{namespace, key})
	if !ok {
		return nil, false, false
	}
	entry := v.(l1Entry)
	if now.After(entry.expiresAt) {
		m.lru.Remove(l1Key{namespace, key})
		return nil, false, true
	}
	return entry.value, true, false
}

func (m *memoryTier) addLocked(namespace, key string, entry l1Entry) {
	m.lru.Add(l1Key{namespace, key}, entry)
	keys, ok := m.index[namespace]
	if !ok {
		keys = make(map[string]struct{})
		m.index[namespace] = keys
	}
	keys[key] = struct{}{}
}

// admit stores an entry written to L2 after version was read. If the
// namespace changed in between, the L2 write may have been superseded or
// invalidated, so the key is dropped instead and the next Get reads L2.
func (m *memoryTier) admit(namespace, key string, entry l1Entry, version uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.versions[namespace]
	m.versions[namespace]++
	if current != version {
		m.lru.Remove(l1Key{namespace, key})
		return false
	}
	m.addLocked(namespace, key, entry)
	return true
}

// promote stores an entry read from L2 unless the namespace changed since version was read
func (m *memoryTier) promote(namespace, key string, entry l1Entry, version uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.versions[namespace] != version {
		return false
	}
	m.addLocked(namespace, key, entry)
	return true
}

func (m *memoryTier) version(namespace string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[namespace]
}

func (m *memoryTier) remove(namespace, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.versions[namespace]++
	m.lru.Remove(l1Key{namespace, key})
}

// removeNamespace drops every L1 entry in namespace and returns how many were dropped
func (m *memoryTier) removeNamespace(namespace string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.versions[namespace]++
	keys := m.index[namespace]
	victims := make([]string, 0, len(keys))
	for k := range keys {
		victims = append(victims, k)
	}
	for _, k := range victims {
		m.lru.Remove(l1Key{namespace, k})
	}
	delete(m.index, namespace)
	return len(victims)
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}
