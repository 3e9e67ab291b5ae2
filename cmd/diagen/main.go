// diagen server: diagram upload, analysis push streaming over
// WebSockets, and background code synthesis.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/diagen-io/diagen/pkg/api"
	"github.com/diagen-io/diagen/pkg/config"
	"github.com/diagen-io/diagen/pkg/database"
	"github.com/diagen-io/diagen/pkg/jobs"
	"github.com/diagen-io/diagen/pkg/push"
	"github.com/diagen-io/diagen/pkg/registry"
	"github.com/diagen-io/diagen/pkg/storage"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("DIAGEN_CONFIG", "./deploy/diagen.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting diagen", "config", *configPath)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (applies embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Connection registry and its expiry sweeper
	reg := registry.New(dbClient.DB(), cfg.Registry.TTL)
	sweeper := registry.NewSweeper(reg, cfg.Registry.SweepInterval, slog.Default())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 4. Object store and presigned URLs
	store, err := storage.NewFSStore(cfg.Storage.RootDir)
	if err != nil {
		slog.Error("Failed to initialize object store", "root", cfg.Storage.RootDir, "error", err)
		os.Exit(1)
	}
	presigner, err := storage.NewPresigner(cfg.Storage.PresignSecret, cfg.Server.PublicBaseURL, cfg.Storage.PresignExpiry)
	if err != nil {
		slog.Error("Failed to initialize presigner", "error", err)
		os.Exit(1)
	}

	// 5. Job dispatch and the push pipeline
	dispatcher := jobs.NewDispatcher(dbClient.DB(), slog.Default())
	connManager := push.NewManager(reg, dispatcher, cfg.Server.WriteTimeout, cfg.Server.MaxFrameBytes, slog.Default())
	notifier := push.NewNotifier(connManager, reg, slog.Default())

	// The placeholder generator serves both seams until an external
	// model backend is wired in.
	generator := jobs.NewEchoGenerator()
	executor := jobs.NewGenerationExecutor(store, presigner, notifier, generator, generator, slog.Default())

	// 6. Worker pool (before the HTTP server starts accepting jobs)
	workerPool := jobs.NewWorkerPool(dbClient.DB(), cfg.Queue, executor)
	workerPool.Start(ctx)

	// 7. HTTP + WebSocket server
	httpServer := api.NewServer(cfg, dbClient, connManager, dispatcher, workerPool, store, presigner)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("diagen started successfully", "workers", cfg.Queue.WorkerCount)

	// 8. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: drain workers first, then close the listener
	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, abandoning active jobs")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
