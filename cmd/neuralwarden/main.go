// NeuralWarden scanner server. Provides the HTTP API, manages queue workers,
// and orchestrates security scans.
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

	"github.com/mandadapu/neuralwarden/pkg/api"
	"github.com/mandadapu/neuralwarden/pkg/config"
	"github.com/mandadapu/neuralwarden/pkg/events"
	"github.com/mandadapu/neuralwarden/pkg/llm"
	"github.com/mandadapu/neuralwarden/pkg/provider"
	"github.com/mandadapu/neuralwarden/pkg/queue"
	"github.com/mandadapu/neuralwarden/pkg/scan"
	"github.com/mandadapu/neuralwarden/pkg/storage"
	"github.com/mandadapu/neuralwarden/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the replica identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	envPath := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting NeuralWarden",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to PostgreSQL and run migrations
	store, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database", "database", cfg.Database.Database)

	// 3. One-time startup orphan recovery: scans abandoned by a previous
	// incarnation of this pod go back to pending immediately.
	if recovered, err := store.RecoverOrphanedScans(ctx, cfg.Queue.OrphanThreshold); err != nil {
		slog.Error("Startup orphan recovery failed", "error", err)
		// Non-fatal, the pool's recovery loop retries
	} else if recovered > 0 {
		slog.Info("Recovered orphaned scans at startup", "count", recovered)
	}

	// 4. Streaming infrastructure: transactional publisher plus a dedicated
	// LISTEN connection feeding the local broadcaster.
	publisher := events.NewPublisher(store.DB(), slog.Default())
	broadcaster := events.NewBroadcaster()
	listener := events.NewNotifyListener(cfg.Database.DSN(), broadcaster, slog.Default())
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	slog.Info("Streaming infrastructure initialized")

	// 5. LLM client. No API key means the threat pipeline runs on its
	// deterministic fallbacks only.
	var llmClient llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient = llm.NewAnthropicClient(cfg.LLM, cfg.Scan.PerLLMDeadline)
		slog.Info("LLM client initialized", "model", cfg.LLM.Model)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, LLM stages will use deterministic fallbacks")
	}

	// 6. Scan orchestrator and executor
	providers := func(ctx context.Context, projectID string, credential []byte) (provider.Provider, error) {
		return provider.NewGCP(ctx, projectID, credential, slog.Default())
	}
	orchestrator := scan.NewOrchestrator(providers, store, llmClient, cfg.Scan, slog.Default())
	executor := queue.NewOrchestratorExecutor(store, orchestrator, publisher.SinkFor, slog.Default())

	// 7. Start worker pool (before the HTTP server)
	pool := queue.NewWorkerPool(podID, store, cfg.Queue, executor, slog.Default())
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 8. HTTP server (non-blocking)
	server := api.NewServer(store, store.DB(), pool, pool, &api.EventStreamer{
		Catchup:     publisher,
		Broadcaster: broadcaster,
		Listener:    listener,
	}, slog.Default())

	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("NeuralWarden started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: wait for in-flight scans, bounded by the
	// configured timeout. Anything still running gets orphan-recovered.
	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, incomplete scans will be orphan-recovered")
	}

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
