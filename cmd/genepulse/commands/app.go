package commands

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/db"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/pipeline"
	"github.com/teranos/genepulse/pulse/progress"
	"github.com/teranos/genepulse/pulse/ratelimit"
	"github.com/teranos/genepulse/source"
	"github.com/teranos/genepulse/source/providers"
	"github.com/teranos/genepulse/version"
)

// ConfigPath is set by the root --config flag
var ConfigPath string

// trackerCloseTimeout bounds the final progress flush on exit
const trackerCloseTimeout = 5 * time.Second

// loadConfig reads --config when given, otherwise the am.toml cascade
func loadConfig() (*am.Config, error) {
	if ConfigPath != "" {
		return am.LoadFromFile(ConfigPath)
	}
	return am.Load()
}

// watchedConfigPath is the file the serve command reloads from, or "" for defaults only
func watchedConfigPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return am.ActiveConfigPath()
}

// app holds everything a command opens from configuration
type app struct {
	cfg      *am.Config
	log      *zap.SugaredLogger
	db       *sql.DB
	records  *annotation.Store
	cache    *cache.Service
	limiters *ratelimit.Registry
	tracker  *progress.Tracker
	orch     *pipeline.Orchestrator
}

// openDatabase opens and migrates the SQLite store, creating its directory
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = "genepulse.db"
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory %s", dir)
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}
	return database, nil
}

// openCache opens the badger tier and the service in front of it
func openCache(cfg am.CacheConfig, log *zap.SugaredLogger) (*cache.Service, error) {
	bcfg := cache.DefaultBadgerConfig(cfg.Path)
	if cfg.InMemory || cfg.Path == "" {
		bcfg = cache.InMemoryBadgerConfig()
	}
	bcfg.GCInterval = time.Duration(cfg.GCIntervalSeconds) * time.Second
	bcfg.Logger = log.Named("badger")

	l2, err := cache.OpenBadger(bcfg)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "failed to open cache at %s", cfg.Path),
			"another genepulse process may hold the cache; set cache.in_memory for one-off runs")
	}

	svc, err := cache.NewService(cache.Config{
		L1Capacity: cfg.L1Capacity,
		DefaultTTL: cfg.DefaultTTL(),
	}, l2, log.Named("cache"))
	if err != nil {
		l2.Close()
		return nil, err
	}
	return svc, nil
}

// openStores loads configuration and opens the database and cache
func openStores() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.Logger

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	svc, err := openCache(cfg.Cache, log)
	if err != nil {
		database.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		log:     log,
		db:      database,
		records: annotation.NewStore(database),
		cache:   svc,
	}, nil
}

// startPipeline builds the provider sources and an orchestrator whose runs end with ctx
func (a *app) startPipeline(ctx context.Context) error {
	opts := httpclient.DefaultOptions()
	opts.UserAgent = version.Get().UserAgent()
	if t := a.cfg.Pipeline.ProviderTimeout(); t > 0 {
		opts.Timeout = t
	}

	a.limiters = ratelimit.NewRegistry(a.log.Named("ratelimit"))
	sources, err := providers.Build(a.cfg, providers.Deps{
		Client:   httpclient.New(opts),
		Limiters: a.limiters,
		Logger:   a.log,
	})
	if err != nil {
		return err
	}

	a.tracker = progress.NewTracker(progress.NewSQLStore(a.db), progress.Config{
		FlushInterval: a.cfg.Pipeline.ProgressFlushInterval(),
	}, a.log.Named("progress"))

	orch, err := pipeline.NewWithContext(ctx, pipeline.Config{
		FanOut: a.cfg.Pipeline.FanOutWidth,
	}, pipeline.Deps{
		Sources: sources,
		Records: a.records,
		Cache:   a.cache,
		Tracker: a.tracker,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// checkpoints returns the streaming checkpoint store over the app's database
func (a *app) checkpoints() *source.CheckpointStore {
	return source.NewCheckpointStore(a.records)
}

// entities reads entity views through the annotations namespace of the cache
func (a *app) entities() *annotation.Reader {
	return annotation.NewReader(a.records, a.cache, time.Duration(a.cfg.Cache.DefaultTTLSeconds)*time.Second)
}

// Close stops the pipeline, flushes progress and closes the stores
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Stop()
	}
	if a.tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), trackerCloseTimeout)
		if err := a.tracker.Close(ctx); err != nil {
			a.log.Warnw("Failed to flush progress on exit", logger.FieldError, err)
		}
		cancel()
	}
	if err := a.cache.Close(); err != nil {
		a.log.Warnw("Failed to close cache", logger.FieldError, err)
	}
	a.db.Close()
}
