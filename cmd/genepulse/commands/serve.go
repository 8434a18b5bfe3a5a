package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/db"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/server"
	"github.com/teranos/genepulse/source/providers"
)

// ServeCmd starts the HTTP server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the HTTP server for run control, live progress and metrics",
	Long: `Serve the pipeline over HTTP:

  POST   /api/runs          start a run ({"entity_ids": [...], "providers": [...]})
  GET    /api/runs          recent runs
  GET    /api/runs/{id}     a run with its progress ("latest" for the newest)
  DELETE /api/runs/{id}     cancel the active run
  GET    /api/entities/{id} gene identity and every provider annotation
  GET    /ws/progress       websocket progress feed
  GET    /health            liveness and pipeline gate
  GET    /metrics           prometheus metrics

Changes to provider rate limits in the config file apply without a restart.`,
	RunE: runServe,
}

var serverPort int

func init() {
	ServeCmd.Flags().IntVar(&serverPort, "port", 0, "Port to listen on (default: server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openStores()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startPipeline(ctx); err != nil {
		return errors.Wrap(err, "failed to start pipeline")
	}

	port := a.cfg.Server.Port
	if serverPort > 0 {
		port = serverPort
	}
	srv := server.New(server.Config{
		Port:           port,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	}, a.orch, a.tracker, a.log.Named("server")).WithEntities(a.entities())

	if stop := watchRateLimits(a); stop != nil {
		defer stop()
	}

	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	cachePath := a.cfg.Cache.Path
	if a.cfg.Cache.InMemory {
		cachePath = "in memory"
	}
	database := a.cfg.Database.Path
	if v, err := db.SchemaVersion(ctx, a.db); err == nil && v != "" {
		database += " (schema " + v + ")"
	}
	printStartupBanner(bannerInfo{
		Addr:      ln.Addr().String(),
		Database:  database,
		Cache:     cachePath,
		Providers: a.orch.Sources(),
		FanOut:    a.orch.Stats().FanOut,
		Verbosity: verbosity,
		Config:    watchedConfigPath(),
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server stopped unexpectedly")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
			defer cancel()
			err := srv.Stop(ctx)
			a.orch.Stop()
			shutdownDone <- err
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

// watchRateLimits applies provider rate limits from the config file whenever
// it changes. It returns nil when there is no file to watch.
func watchRateLimits(a *app) func() {
	path := watchedConfigPath()
	if path == "" {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		a.log.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		return nil
	}
	if ConfigPath != "" {
		watcher.WithLoader(func() (*am.Config, error) {
			return am.LoadFromFile(ConfigPath)
		})
	}
	watcher.OnReload(func(cfg *am.Config) error {
		a.limiters.Apply(providers.AllLimits(cfg))
		a.log.Infow("Provider rate limits reloaded", "path", path, logger.FieldCount, len(cfg.Providers))
		return nil
	})
	watcher.Start()

	return func() {
		if err := watcher.Stop(); err != nil {
			a.log.Debugw("Config watcher stop failed", logger.FieldError, err)
		}
	}
}
