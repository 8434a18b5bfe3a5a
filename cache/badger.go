package cache

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/teranos/genepulse/errors"
)

// BadgerConfig configures the durable tier
type BadgerConfig struct {
	Path     string
	InMemory bool
	// SyncWrites fsyncs every write. Cache contents are reproducible, so this defaults off.
	SyncWrites bool
	// GCInterval runs value-log GC in the background; 0 leaves GC to RunGC callers.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *zap.SugaredLogger
}

// DefaultBadgerConfig returns settings for an on-disk cache at path
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for a cache that never touches disk (tests, one-off runs)
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:       true,
		GCDiscardRatio: 0.5,
	}
}

// headerSize is the stored_at (unix nanos) plus ttl (nanos) prefix of every value
const headerSize = 16

// keySeparator joins namespace and key; namespaces never contain it
const keySeparator = "\x00"

// BadgerStore is the badger-backed durable tier
type BadgerStore struct {
	db      *badger.DB
	cfg     BadgerConfig
	logger  *zap.SugaredLogger
	stopCh  chan struct{}
	doneCh  chan struct{}
	timeNow func() time.Time
}

// badgerLogger adapts zap to badger's logger interface
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// OpenBadger opens the durable tier
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("cache path is required for a persistent cache")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
		cfg.GCDiscardRatio = 0.5
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, errors.Wrapf(err, "create cache directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: cfg.Logger.Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger cache")
	}

	s := &BadgerStore{
		db:      db,
		cfg:     cfg,
		logger:  cfg.Logger,
		timeNow: time.Now,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.gcLoop()
	}

	return s, nil
}

func storageKey(namespace, key string) []byte {
	return []byte(namespace + keySeparator + key)
}

func namespacePrefix(namespace string) []byte {
	return []byte(namespace + keySeparator)
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, headerSize+len(e.Value))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.StoredAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.TTL))
	copy(buf[headerSize:], e.Value)
	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	if len(buf) < headerSize {
		return Entry{}, errors.Newf("corrupt cache entry: %d bytes", len(buf))
	}
	value := make([]byte, len(buf)-headerSize)
	copy(value, buf[headerSize:])
	return Entry{
		StoredAt: time.Unix(0, int64(binary.BigEndian.Uint64(buf[0:8]))),
		TTL:      time.Duration(binary.BigEndian.Uint64(buf[8:16])),
		Value:    value,
	}, nil
}

// Get returns the stored entry. Expiry is left to the caller, which owns the clock.
func (s *BadgerStore) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(namespace, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeEntry(val)
			if err != nil {
				return err
			}
			entry = decoded
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "badger get %s/%s", namespace, key)
	}
	return entry, true, nil
}

// Set stores an entry. Badger also expires it physically once the ttl has passed in real time.
func (s *BadgerStore) Set(ctx context.Context, namespace, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := badger.NewEntry(storageKey(namespace, key), encodeEntry(entry))
	if remaining := entry.ExpiresAt().Sub(s.timeNow()); remaining > 0 {
		// Round up so badger's second granularity never expires an entry early
		e = e.WithTTL(remaining + time.Second)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(e)
	})
	return errors.Wrapf(err, "badger set %s/%s", namespace, key)
}

// Delete removes one entry
func (s *BadgerStore) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(namespace, key))
	})
	return errors.Wrapf(err, "badger delete %s/%s", namespace, key)
}

// DropNamespace removes every entry in namespace
func (s *BadgerStore) DropNamespace(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(s.db.DropPrefix(namespacePrefix(namespace)), "badger drop namespace %s", namespace)
}

// RunGC rewrites value-log files until badger reports nothing left to reclaim
func (s *BadgerStore) RunGC(ctx context.Context) error {
	if s.cfg.InMemory {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.RunValueLogGC(s.cfg.GCDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "badger value log GC")
		}
	}
}

func (s *BadgerStore) gcLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.RunGC(context.Background()); err != nil {
				s.logger.Warnw("Cache GC failed", "error", err)
			}
		}
	}
}

// Close stops background GC and closes badger
func (s *BadgerStore) Close() error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	return errors.Wrap(s.db.Close(), "close badger cache")
}
