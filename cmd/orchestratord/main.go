// Command orchestratord runs Rivet's orchestrator: the HTTP API, the
// scheduling core, and the stale-claim reaper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rivet-ci/rivet/internal/api"
	"github.com/rivet-ci/rivet/internal/config"
	"github.com/rivet-ci/rivet/internal/logging"
	"github.com/rivet-ci/rivet/internal/orchestrator"
	"github.com/rivet-ci/rivet/internal/orchestrator/pgstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging)

	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	svc := orchestrator.NewService(store, cfg.Scheduling.ClaimTTL)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go orchestrator.RunReaper(ctx, svc, cfg.Scheduling.ReaperInterval, cfg.Scheduling.HeartbeatTTL, logger)

	server := api.NewServer(cfg.Server, svc, logger)
	logger.Info("orchestratord starting", "store_backend", cfg.Store.Backend)
	return server.Run(ctx)
}

func openStore(cfg config.StoreConfig) (orchestrator.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return orchestrator.NewMemStore(), nil
	case "postgres":
		db, err := pgstore.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pgstore.New(db), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
