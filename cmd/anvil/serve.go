package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker pool and HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger.Info("anvil: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backend", cfg.Backend,
		"workers", cfg.Workers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Backends emit output only once started, after eng is assigned.
	var eng *engine.Engine
	p, err := newPool(cfg, func(slot int, line string) { eng.WorkerOutput(slot, line) }, logger)
	if err != nil {
		return err
	}
	eng = engine.NewEngine(db, p, logger)

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	srv := api.NewServer(cfg.ListenAddr, cfg.CORSOrigins, db, p, eng, logger)
	runErr := srv.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace+2*cfg.Pool.StopTimeout)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		logger.Error("stop pool", "error", err)
	}
	eng.Wait()

	return runErr
}
