package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvus-ci/enginectl/internal/config"
	"github.com/corvus-ci/enginectl/internal/httpapi"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Coordinator's HTTP façade and the Worker Pool",
	Long: `serve brings up every long-running component: the Worker Pool
(dequeuing and executing builds), the Retention Sweeper (on its own
ticker), and the Coordinator's HTTP façade. It blocks until SIGINT or
SIGTERM, then drains in-flight work before exiting.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAppConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(cfg.LogFormat)
	logger.Info("enginectl starting",
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"worker_count", cfg.WorkerCount,
	)

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolErrCh := make(chan error, 1)
	go func() {
		poolErrCh <- eng.pool.Run(ctx)
	}()
	go eng.sweeper.Run(ctx)

	router := httpapi.NewRouter(httpapi.Dependencies{
		Logger:        logger,
		Coordinator:   eng.coordinator,
		AllowedOrigin: cfg.AllowedOrigin,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	poolExited := false
	select {
	case sig := <-signalCh:
		logger.Info("shutdown signal received", "signal", sig)
	case err := <-serverErrCh:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	case err := <-poolErrCh:
		poolExited = true
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker pool exited", "error", err)
		}
	}

	cancel() // stop accepting new builds and tell the pool to drain

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful http shutdown failed", "error", err)
	}

	if !poolExited {
		if err := <-poolErrCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker pool drain failed", "error", err)
		}
	}

	logger.Info("enginectl shut down cleanly")
	return nil
}
