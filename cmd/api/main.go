package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cloudmesh-io/cmp/internal/auth"
	"github.com/cloudmesh-io/cmp/internal/bus"
	"github.com/cloudmesh-io/cmp/internal/codec"
	"github.com/cloudmesh-io/cmp/internal/config"
	"github.com/cloudmesh-io/cmp/internal/eventstore"
	internalhttp "github.com/cloudmesh-io/cmp/internal/http"
	"github.com/cloudmesh-io/cmp/internal/logging"
	"github.com/cloudmesh-io/cmp/internal/outbox"
	"github.com/cloudmesh-io/cmp/internal/queue"
	"github.com/cloudmesh-io/cmp/internal/sse"
	"github.com/cloudmesh-io/cmp/internal/storage"
	"github.com/cloudmesh-io/cmp/internal/telemetry"
)

// main is the entrypoint of the API server.
func main() {
	log := logging.Default()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, fmt.Sprintf("failed to load config: %v", err))
		os.Exit(1)
	}
	logging.SetLevel(cfg.Logging.Level)

	shutdownTracing, err := telemetry.InitTracing(ctx, "cmp-api")
	if err != nil {
		log.Error(ctx, fmt.Sprintf("failed to initialize tracing: %v", err))
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Error(ctx, fmt.Sprintf("failed to shutdown tracing: %v", err))
			}
		}()
	}

	// Event bus: NATS when configured, in-process otherwise.
	var eventBus bus.Bus
	if cfg.Bus.URL != "" {
		natsBus, err := bus.NewDefaultNATSBus(cfg.Bus.URL, codec.NewDefaultCodec(cfg.Compression.Type, cfg.Compression.Threshold))
		if err != nil {
			log.Error(ctx, fmt.Sprintf("failed to connect to NATS: %v", err))
			os.Exit(1)
		}
		eventBus = natsBus
	} else {
		log.Warn(ctx, "NATS_URL not set, using in-process bus")
		eventBus = bus.NewLocalBus()
	}
	defer eventBus.Close()

	// Redis-backed event store; absence degrades SSE to live-only.
	var store eventstore.Store
	rdb, err := storage.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		log.Warn(ctx, "redis unavailable, SSE runs live-only", "error", err)
	} else if rdb != nil {
		store = eventstore.NewDefaultStore(rdb)
		defer func() { _ = rdb.Close() }()
	}

	hub := sse.NewDefaultHub(eventBus, store, sse.Config{
		HeartbeatInterval:    cfg.SSE.HeartbeatInterval,
		IdleTimeout:          cfg.SSE.IdleTimeout,
		CleanupInterval:      cfg.SSE.CleanupInterval,
		RetryMS:              cfg.SSE.RetryMS,
		CompressionThreshold: cfg.Compression.Threshold,
		BatchMaxSize:         cfg.SSE.BatchMaxSize,
		BatchFlushInterval:   cfg.SSE.BatchFlushInterval,
	})
	if err := hub.Start(); err != nil {
		log.Error(ctx, fmt.Sprintf("failed to start SSE hub: %v", err))
		os.Exit(1)
	}
	defer hub.Shutdown()

	// Outbox producer API; the REST side stages events, the worker binary
	// publishes them.
	var publisher *outbox.Publisher
	db, err := storage.NewDefaultDatabase(cfg)
	if err != nil {
		log.Warn(ctx, "database unavailable, outbox producer disabled", "error", err)
	} else {
		defer db.Close()
		publisher = outbox.NewPublisher(outbox.NewDefaultRepository(db))
	}

	var enqueuer queue.Enqueuer
	if asynqEnq, err := queue.NewAsynqEnqueuerFromEnv(cfg); err != nil {
		log.Warn(ctx, "notification queue unavailable", "error", err)
	} else {
		enqueuer = asynqEnq
		defer func() { _ = asynqEnq.Close() }()
	}

	var authMW echo.MiddlewareFunc
	if cfg.Auth0.Domain != "" {
		authMW = auth.JWTMiddleware(auth.NewAuth0Config(cfg.Auth0.Domain, cfg.Auth0.Audience))
	} else {
		log.Warn(ctx, "AUTH0_DOMAIN not set, API runs without JWT validation")
	}

	server := internalhttp.NewServer(eventBus, sse.NewDefaultHandler(hub), enqueuer, publisher, rdb, authMW)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, fmt.Sprintf("server shutdown failed: %v", err))
		}
	}()

	log.Info(ctx, "starting API server", "addr", ":8080")
	if err := server.Start(":8080"); err != nil {
		log.Info(ctx, fmt.Sprintf("server stopped: %v", err))
	}
}
