package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"SnippetAI/internal/artifact"
	"SnippetAI/internal/budget"
	"SnippetAI/internal/pipeline"
	"SnippetAI/internal/router"
	"SnippetAI/internal/server"
	"SnippetAI/internal/session"
	"SnippetAI/internal/stream"
	"SnippetAI/internal/telemetry"
	"SnippetAI/internal/worker"
)

var addr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP pipeline service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	r, err := router.Build(cfg, logger, tracer, meter)
	if err != nil {
		return err
	}

	arts, err := artifact.Open(cfg.Storage.Path, logger)
	if err != nil {
		return err
	}
	defer arts.Close()

	store := session.NewStore(cfg.Session.TTL, logger)
	pool := worker.New(cfg.Worker.Concurrency, cfg.Worker.QueueSize, logger)
	orch, err := pipeline.New(store, r, budget.FromConfig(cfg), pool, arts, logger, tracer, meter)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server.Addr, server.Deps{
		Orchestrator: orch,
		Store:        store,
		Transport:    stream.New(store, logger),
		Router:       r,
		Artifacts:    arts,
	}, logger)

	fmt.Fprintf(os.Stderr, "snippetai listening on %s\n", cfg.Server.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		sweep(gctx, store, cfg.Session.SweepInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// sweep evicts expired sessions until ctx is done
func sweep(ctx context.Context, store *session.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				logger.Debug("expired sessions evicted", "count", n)
			}
		}
	}
}
