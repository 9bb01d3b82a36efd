// Package main is the Skylight server entry point. One binary runs the
// agent orchestrator, the session log, and the WebSocket gateway over
// shared infrastructure.
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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skylightos/skylight/internal/broadcast"
	"github.com/skylightos/skylight/internal/common/config"
	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/common/tracing"
	"github.com/skylightos/skylight/internal/desktop"
	gateways "github.com/skylightos/skylight/internal/gateway/websocket"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting skylight")

	// 3. Root context, cancelled by SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Event bus (in-memory, or NATS when configured)
	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// 5. Session storage: catalog database plus the live session log
	store, err := provideSessionStore(ctx, cfg, eventBus, log)
	if err != nil {
		log.Fatal("failed to initialize session storage", zap.Error(err))
	}

	// 6. Desktop state and the broadcast fan-out
	registry := desktop.NewRegistry(log)
	center := broadcast.NewCenter(log)

	// 7. Context pool: providers, reload cache, task profiles, agents
	pool, poolCleanup, err := provideContextPool(ctx, cfg, poolDeps{
		Registry: registry,
		Center:   center,
		EventBus: eventBus,
		Store:    store,
		Logger:   log,
	})
	if err != nil {
		log.Fatal("failed to initialize context pool", zap.Error(err))
	}

	// 8. WebSocket gateway and HTTP surface
	gateway := gateways.NewGateway(gateways.Config{
		Pool:      pool,
		Center:    center,
		SessionID: store.SessionID(),
		Logger:    log,
	})
	router := gateways.NewRouter(cfg.Server, gateway, store.Catalog, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 9. Serve until a signal arrives, then drain within the shutdown bound
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("session_id", store.SessionID()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
	}

	log.Info("shutting down skylight")

	// Teardown order: agents first so their final frames and log entries
	// land, then the session log and catalog, then tracing.
	poolCleanup()

	teardownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	store.Close(teardownCtx, log)

	if err := tracing.Shutdown(teardownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("skylight stopped")
}
