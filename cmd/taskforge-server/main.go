package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskforge/taskforge/internal/audit"
	auditrepo "github.com/taskforge/taskforge/internal/audit/repositoryimpl"
	"github.com/taskforge/taskforge/internal/config"
	confirmationrepo "github.com/taskforge/taskforge/internal/confirmation/repositoryimpl"
	"github.com/taskforge/taskforge/internal/coordinator"
	"github.com/taskforge/taskforge/internal/dispatch"
	"github.com/taskforge/taskforge/internal/escalation"
	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/internal/monitor"
	"github.com/taskforge/taskforge/internal/policy"
	"github.com/taskforge/taskforge/internal/task"
	taskrepo "github.com/taskforge/taskforge/internal/task/repositoryimpl"
	"github.com/taskforge/taskforge/internal/worker"
	"github.com/taskforge/taskforge/pkg/clog"
	"github.com/taskforge/taskforge/pkg/storage"

	server "github.com/taskforge/taskforge/internal"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup event bus
	bus, err := eventbus.NewEventBus()
	if err != nil {
		slog.Error("failed to create event bus", "error", err)
		os.Exit(1)
	}

	// Setup repositories
	taskStore := task.NewStore(taskrepo.NewYAMLRepository(store), bus)
	auditRepo := auditrepo.NewYAMLRepository(store)
	confirmations := confirmationrepo.NewYAMLRepository(store)

	// Setup worker registry
	orchEnv := config.OrchestrationEnvFromEnv(env)
	registry, err := worker.LoadRegistry(orchEnv.RegistryPath)
	if err != nil {
		slog.Error("failed to load worker registry", "path", orchEnv.RegistryPath, "error", err)
		os.Exit(1)
	}

	// Setup orchestration
	delegationPolicy := policy.New(registry, orchEnv)
	dispatcher := dispatch.NewDispatcher(taskStore, dispatch.NewHTTPExecutor(), auditRepo, bus)
	mon := monitor.NewMonitor()
	engine := escalation.NewEngine(taskStore, registry, auditRepo, bus, orchEnv)
	coord := coordinator.New(taskStore, registry, delegationPolicy, dispatcher, mon, engine, confirmations, bus, orchEnv)

	// Setup servers
	taskServer := task.NewServer(taskStore)
	workerServer := worker.NewServer(registry)
	auditServer := audit.NewServer(auditRepo)
	coordinatorServer := coordinator.NewServer(coord, confirmations)

	srv := server.NewServer(env, taskServer, workerServer, auditServer, coordinatorServer)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		slog.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := bus.Start(ctx); err != nil {
			slog.Error("event bus error", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := registry.Watch(ctx, orchEnv.RegistryPath); err != nil {
			slog.Error("registry watcher error", "error", err)
		}
	}()

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	// Give active connections time to finish after request contexts are
	// cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	coord.Wait()
	if err := bus.Stop(); err != nil {
		slog.Error("failed to stop event bus", "error", err)
	}
}
