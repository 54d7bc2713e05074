package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/retailpoint/storesync/internal/api"
	"github.com/retailpoint/storesync/internal/config"
	"github.com/retailpoint/storesync/internal/deadletter"
	"github.com/retailpoint/storesync/internal/dispatch"
	"github.com/retailpoint/storesync/internal/remote"
	"github.com/retailpoint/storesync/internal/session"
	"github.com/retailpoint/storesync/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the device-local outbox database
	outbox, err := store.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("failed to open outbox database", "error", err)
		os.Exit(1)
	}
	defer outbox.Close()

	if err := outbox.Migrate(ctx); err != nil {
		logger.Error("failed to migrate outbox schema", "error", err)
		os.Exit(1)
	}
	logger.Info("outbox database ready", "path", cfg.DatabasePath)

	// Wire the sync pipeline
	deadLetters := deadletter.NewService(outbox, logger)
	dispatcher := dispatch.NewDispatcher(outbox, deadLetters, dispatch.Config{
		MaxBatchSize:            cfg.MaxBatchSize,
		MaxConcurrentPartitions: cfg.MaxConcurrentPartitions,
		MaxQueueDepth:           cfg.MaxQueueDepth,
		BatchTimeout:            cfg.BatchTimeout,
		Policy:                  dispatch.ParseOverloadPolicy(cfg.OverloadPolicy),
	}, logger)

	client := remote.NewClient(cfg.RemoteBaseURL, logger)
	sessions := session.NewManager(client, logger)
	pusher := remote.NewPushDeliverer(client, sessions, logger)

	// Admin/inspection API
	router := api.NewRouter(dispatcher, deadLetters)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("admin server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
			os.Exit(1)
		}
	}()

	// Recurring sync cycle
	go runScheduler(ctx, cfg, sessions, dispatcher, deadLetters, pusher, logger)

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()
	sessions.ForceCleanup()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("stopped")
}

// runScheduler triggers one sync cycle per interval until cancelled.
func runScheduler(ctx context.Context, cfg *config.Config, sessions *session.Manager, dispatcher *dispatch.Dispatcher, deadLetters *deadletter.Service, pusher *remote.PushDeliverer, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	logger.Info("sync scheduler started", "interval", cfg.SyncInterval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("sync scheduler stopping")
			return
		case <-ticker.C:
			runCycle(ctx, cfg.TenantID, sessions, dispatcher, deadLetters, pusher, logger)
		}
	}
}

// runCycle opens one session and drains the outbox inside it.
func runCycle(ctx context.Context, tenantID string, sessions *session.Manager, dispatcher *dispatch.Dispatcher, deadLetters *deadletter.Service, pusher *remote.PushDeliverer, logger *slog.Logger) {
	result, err := sessions.RunSyncCycle(ctx, tenantID, func(ctx context.Context, sc session.Context) error {
		if sc.LockoutMessage != "" {
			logger.Warn("remote lockout active", "tenant_id", tenantID, "message", sc.LockoutMessage)
		}

		// Promote entries whose classification already rules out retry.
		candidates, err := deadLetters.AutoDeadLetterCandidates(ctx, tenantID)
		if err != nil {
			return err
		}
		for _, entry := range candidates {
			reason := deadletter.Params{
				TenantID: tenantID,
				ID:       entry.ID,
				Reason:   entry.AutoDeadLetterReason(),
				Error:    "retry budget exhausted",
			}
			if entry.ErrorCategory != nil {
				reason.Category = *entry.ErrorCategory
			}
			if _, err := deadLetters.DeadLetter(ctx, reason); err != nil {
				return err
			}
		}

		dispatchResult, err := dispatcher.ProcessPartitionedBatches(ctx, tenantID, pusher)
		if err != nil {
			return err
		}

		sessions.RecordOperationStats(tenantID, "push", session.Stats{
			Pushed: dispatchResult.Succeeded,
			Errors: dispatchResult.Failed,
		})
		return nil
	})
	if err != nil {
		logger.Error("sync cycle failed", "tenant_id", tenantID, "error", err)
		return
	}

	logger.Info("sync cycle finished",
		"tenant_id", tenantID,
		"session_id", result.SessionID,
		"success", result.Success,
		"pushed", result.Stats.Pushed,
		"errors", result.Stats.Errors,
	)
}
