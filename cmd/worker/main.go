package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudmesh-io/cmp/internal/bus"
	"github.com/cloudmesh-io/cmp/internal/codec"
	"github.com/cloudmesh-io/cmp/internal/config"
	"github.com/cloudmesh-io/cmp/internal/logging"
	"github.com/cloudmesh-io/cmp/internal/outbox"
	"github.com/cloudmesh-io/cmp/internal/queue"
	"github.com/cloudmesh-io/cmp/internal/storage"
	"github.com/cloudmesh-io/cmp/internal/telemetry"
)

// main runs the outbox worker and the notification dispatcher.
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

	shutdownTracing, err := telemetry.InitTracing(ctx, "cmp-worker")
	if err != nil {
		log.Error(ctx, fmt.Sprintf("failed to initialize tracing: %v", err))
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Error(ctx, fmt.Sprintf("failed to shutdown tracing: %v", err))
			}
		}()
	}

	db, err := storage.NewDefaultDatabase(cfg)
	if err != nil {
		log.Error(ctx, fmt.Sprintf("failed to connect to database: %v", err))
		os.Exit(1)
	}
	defer db.Close()

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

	worker := outbox.NewWorker(outbox.NewDefaultRepository(db), eventBus, cfg.Outbox)
	go worker.Start(ctx)
	defer worker.Stop()

	if cfg.Redis.Addr != "" {
		dispatcher := queue.NewDispatcher(cfg, eventBus)
		go func() {
			if err := dispatcher.Run(); err != nil {
				log.Error(ctx, fmt.Sprintf("notification dispatcher stopped: %v", err))
			}
		}()
		defer dispatcher.Shutdown()
	} else {
		log.Warn(ctx, "REDIS_ADDR not set, notification dispatcher disabled")
	}

	log.Info(ctx, "worker started",
		"outbox_batch_size", cfg.Outbox.BatchSize,
		"outbox_poll_interval", cfg.Outbox.PollInterval.String())

	<-ctx.Done()
	log.Info(context.Background(), "worker shutting down")
}
