// Package main runs the OpenCoWork dispatcher: it pulls queued runs from
// the control plane, stages workspaces, and drives executor containers.
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
	"github.com/opencowork/opencowork/internal/dispatcher"
	"github.com/opencowork/opencowork/internal/dispatcher/admin"
	"github.com/opencowork/opencowork/internal/dispatcher/container"
	"github.com/opencowork/opencowork/internal/dispatcher/cpclient"
	"github.com/opencowork/opencowork/internal/dispatcher/workspace"
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

	log.Info("Starting OpenCoWork dispatcher...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docker, err := container.NewDocker(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create Docker client", zap.Error(err))
	}
	defer func() { _ = docker.Close() }()
	if err := docker.Ping(ctx); err != nil {
		log.Fatal("Docker daemon not available", zap.Error(err))
	}
	if err := docker.PullImage(ctx, cfg.Dispatcher.ExecutorImage); err != nil {
		log.Warn("Failed to pull executor image, relying on local copy", zap.Error(err))
	}

	store, err := storage.New(cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize object storage", zap.Error(err))
	}
	if store != nil {
		if err := store.EnsureBucket(ctx); err != nil {
			log.Warn("Object storage bucket check failed", zap.Error(err))
		}
	} else {
		log.Info("Object storage disabled, workspace export disabled")
	}

	cp := cpclient.New(cfg.Dispatcher.ControlPlaneURL, cfg.Dispatcher.InternalToken, log)
	workspaces := workspace.NewManager(cfg.Workspace, log)
	workspaces.StartCleaner(ctx)

	pool := container.NewPool(docker, cfg.Dispatcher.ExecutorImage,
		cfg.Dispatcher.ExecutorPort, cfg.Dispatcher.MaxExecutorContainers, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	// Containers cannot reach a wildcard bind address; advertise the host
	// name for callbacks in that case.
	callbackHost := cfg.Server.Host
	if callbackHost == "0.0.0.0" || callbackHost == "" {
		if hostname, err := os.Hostname(); err == nil {
			callbackHost = hostname
		}
	}
	callbackURL := fmt.Sprintf("http://%s:%d/internal/v1/callbacks", callbackHost, cfg.Server.Port)

	disp := dispatcher.New(cfg.Dispatcher, cfg.Queue, cp, pool, workspaces, store, callbackURL, log)
	disp.Start(ctx)
	log.Info("Dispatcher pulling runs", zap.String("worker_id", disp.WorkerID()))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "dispatcher"))
	router.Use(httpmw.OtelTracing("dispatcher"))

	h := admin.NewHandlers(disp, cp, workspaces, log)
	h.RegisterRoutes(router, cfg.Dispatcher.InternalToken)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Dispatcher admin API listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down dispatcher...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	disp.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	log.Info("Dispatcher stopped")
}
