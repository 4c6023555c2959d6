package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bitechdev/OutboxSpec/pkg/config"
	"github.com/bitechdev/OutboxSpec/pkg/errortracking"
	"github.com/bitechdev/OutboxSpec/pkg/logger"
	"github.com/bitechdev/OutboxSpec/pkg/metrics"
	"github.com/bitechdev/OutboxSpec/pkg/outbox"
)

func main() {
	// Load configuration
	cfgMgr := config.NewManager()
	if err := cfgMgr.Load(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	cfg, err := cfgMgr.GetConfig()
	if err != nil {
		log.Fatalf("Failed to get configuration: %v", err)
	}

	// Initialize logger with configuration
	logger.Init(cfg.Logger.Dev)
	if cfg.Logger.Path != "" {
		logger.UpdateLoggerPath(cfg.Logger.Path, cfg.Logger.Dev)
	}
	logger.Info("Outbox daemon starting")

	// Initialize error tracking
	tracker, err := errortracking.NewProviderFromConfig(cfg.ErrorTracking)
	if err != nil {
		logger.Error("Failed to initialize error tracking: %v", err)
		os.Exit(1)
	}
	logger.InitErrorTracking(tracker)
	defer func() {
		if err := logger.CloseErrorTracking(); err != nil {
			logger.Warn("Failed to close error tracking: %v", err)
		}
	}()

	// Initialize metrics
	if cfg.Metrics.Enabled {
		provider := metrics.NewPrometheusProvider(&metrics.Config{
			Enabled:   true,
			Provider:  cfg.Metrics.Provider,
			Namespace: cfg.Metrics.Namespace,
		})
		metrics.SetProvider(provider)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", provider.Handler())
			logger.Info("Metrics endpoint listening on %s", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("Metrics endpoint failed: %v", err)
			}
		}()
	}

	ctx := context.Background()

	// Create the storage adapter
	adapter, err := outbox.NewAdapterFromConfig(ctx, cfg.Outbox)
	if err != nil {
		logger.Error("Failed to create adapter: %+v", err)
		os.Exit(1)
	}

	// Create the bus. Dead-lettered events go to the error tracker with
	// their identity attached.
	bus, err := outbox.NewBus(outbox.BusOptions{
		Adapter: adapter,
		OnError: func(err error) {
			logger.Warn("Dispatch error: %v", err)
			var exceeded *outbox.MaxRetriesExceededError
			if errors.As(err, &exceeded) {
				errortracking.CaptureDispatchFailure(ctx, tracker, exceeded.Cause,
					exceeded.Event.ID, exceeded.Event.Type, cfg.Outbox.MaxRetries)
			}
		},
	})
	if err != nil {
		logger.Error("Failed to create bus: %+v", err)
		os.Exit(1)
	}

	// Optionally forward every dispatched event to NATS
	var publisher *outbox.Publisher
	if cfg.Publisher.Enabled {
		conn, err := nats.Connect(cfg.Publisher.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			logger.Error("Failed to connect to NATS: %v", err)
			os.Exit(1)
		}
		defer conn.Close()

		sink, err := outbox.NewNATSSink(conn, cfg.Publisher.SubjectPrefix)
		if err != nil {
			logger.Error("Failed to create NATS sink: %v", err)
			os.Exit(1)
		}

		publisher, err = outbox.NewPublisher(sink, outbox.PublisherOptions{
			BufferSize:    cfg.Publisher.BufferSize,
			BatchSize:     cfg.Publisher.BatchSize,
			FlushInterval: cfg.Publisher.FlushInterval,
			MaxAttempts:   cfg.Publisher.MaxAttempts,
		})
		if err != nil {
			logger.Error("Failed to create publisher: %v", err)
			os.Exit(1)
		}

		if len(cfg.Publisher.EventTypes) == 0 {
			logger.Warn("Publisher enabled but no event types configured; nothing will be forwarded")
		} else if err := bus.Subscribe(cfg.Publisher.EventTypes, publisher.Handler()); err != nil {
			logger.Error("Failed to register publisher: %v", err)
			os.Exit(1)
		}
		logger.Info("Forwarding %d event type(s) to NATS (subject prefix: %s)",
			len(cfg.Publisher.EventTypes), cfg.Publisher.SubjectPrefix)
	}

	// Start dispatching
	if err := bus.Start(ctx); err != nil {
		logger.Error("Failed to start bus: %+v", err)
		os.Exit(1)
	}
	logger.Info("Outbox daemon running (adapter: %s)", cfg.Outbox.Adapter)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Error("Publisher shutdown error: %v", err)
		}
	}
	logger.Info("Outbox daemon stopped")
}
