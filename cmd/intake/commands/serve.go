package commands

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/intake/config"
	"github.com/teranos/intake/db"
	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
	"github.com/teranos/intake/logger"
	"github.com/teranos/intake/server"
	"github.com/teranos/intake/statestore"
	"github.com/teranos/intake/taskstore"
)

// ServeCmd starts the ingestion engine and the discovery/metrics API.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion engine and API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Logger

	conn, err := db.Open(cfg.DBPath, log.Named("db"))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(conn, log.Named("db")); err != nil {
		return err
	}

	registry := buildRegistry(cfg)

	engine := ingest.NewEngine(
		registry,
		statestore.New(conn),
		taskstore.New(conn),
		envSecrets,
		ingest.Options{
			PollTimeout:         cfg.PollTimeout,
			LongPollTimeout:     cfg.LongPollTimeout,
			ReconnectDelay:      cfg.ReconnectDelay,
			DefaultPollInterval: cfg.DefaultPollInterval,
			DedupMaxIDs:         cfg.DedupMaxIDs,
		},
		log.Named("engine"),
	)

	sources, err := ingest.LoadSources(cfg.SourcesPath)
	if err != nil {
		return errors.Wrapf(err, "failed to load sources from %s", cfg.SourcesPath)
	}

	// current holds the last successfully loaded source list for the API
	// and for reload diffs.
	var mu sync.Mutex
	current := sources
	getSources := func() []*ingest.Source {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	for _, src := range sources {
		if err := engine.StartSource(src); err != nil {
			log.Errorw("Failed to start source",
				"source_id", src.ID,
				"error", err,
				"category", errors.Category(err),
			)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WatchSources {
		go func() {
			err := ingest.WatchSources(ctx, cfg.SourcesPath, log.Named("watcher"), func(loaded []*ingest.Source) {
				mu.Lock()
				current = loaded
				mu.Unlock()
				engine.Reload(loaded)
			})
			if err != nil {
				log.Warnw("Sources watcher stopped", "error", err)
			}
		}()
	}

	api := server.New(cfg.HTTPAddr, registry, engine, getSources, log.Named("server"))
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- api.ListenAndServe()
	}()

	log.Infow("Intake running",
		"sources", len(sources),
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
	)

	select {
	case <-ctx.Done():
		log.Infow("Shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Errorw("API server exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warnw("API shutdown", "error", err)
	}

	engine.Shutdown()
	return nil
}
