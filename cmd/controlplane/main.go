// Package main runs the OpenCoWork control plane: the public API, the run
// queue, configuration resolution, and the callback state machine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/config"
	"github.com/opencowork/opencowork/internal/common/httpmw"
	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/common/tracing"
	"github.com/opencowork/opencowork/internal/controlplane/dpclient"
	"github.com/opencowork/opencowork/internal/controlplane/handlers"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
	"github.com/opencowork/opencowork/internal/controlplane/service"
	"github.com/opencowork/opencowork/internal/events"
	"github.com/opencowork/opencowork/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting OpenCoWork control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := sqlite.New(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()
	log.Info("Database ready",
		zap.String("driver", cfg.Database.Driver))

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	store, err := storage.New(cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize object storage", zap.Error(err))
	}
	if store != nil {
		if err := store.EnsureBucket(ctx); err != nil {
			log.Warn("Object storage bucket check failed", zap.Error(err))
		}
	} else {
		log.Info("Object storage disabled, workspace export links unavailable")
	}

	svc, err := service.NewService(repo, providedBus.Bus, log, cfg)
	if err != nil {
		log.Fatal("Failed to initialize service", zap.Error(err))
	}
	if dp := dpclient.New(cfg.ControlPlane.DispatcherURL, cfg.ControlPlane.InternalToken, log); dp != nil {
		svc.SetDispatcherCanceler(dp)
	}
	svc.StartNightlyRequeuer(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "controlplane"))
	router.Use(httpmw.OtelTracing("controlplane"))

	h := handlers.NewHandlers(svc, providedBus.Bus, store, log)
	h.RegisterRoutes(router, cfg.ControlPlane.InternalToken)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Control plane listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down control plane...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	log.Info("Control plane stopped")
}
