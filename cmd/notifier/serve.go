package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/albapepper/parkwatch/internal/api"
	"github.com/albapepper/parkwatch/internal/listener"
	"github.com/albapepper/parkwatch/internal/maintenance"
	"github.com/albapepper/parkwatch/internal/metrics"

	_ "github.com/albapepper/parkwatch/docs" // swagger docs
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP surface and run on a schedule and on new observations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	// LISTEN/NOTIFY wake-ups for freshly recorded observations
	wake := make(chan struct{}, 1)
	go listener.Start(ctx, cfg.DatabaseURL, wake, log)

	// Periodic run, wake-triggered run and retention purge
	mcfg := maintenance.DefaultConfig()
	mcfg.RunInterval = cfg.RunInterval
	mcfg.CleanupInterval = cfg.CleanupInterval
	go maintenance.Start(ctx, a.runner, wake, mcfg, log)

	router := api.NewRouter(a.runner, a.pool, metrics.Handler(a.registry), cfg)

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting Parkwatch notifier",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown error", "error", err)
	}
	log.Info("Server stopped")
	return nil
}
