package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/ayuuum/amber-eventbus/pkg/api"
	"github.com/ayuuum/amber-eventbus/pkg/broker"
	"github.com/ayuuum/amber-eventbus/pkg/channel"
	"github.com/ayuuum/amber-eventbus/pkg/config"
	"github.com/ayuuum/amber-eventbus/pkg/dlq"
	"github.com/ayuuum/amber-eventbus/pkg/httpserver"
	"github.com/ayuuum/amber-eventbus/pkg/processor"
	"github.com/ayuuum/amber-eventbus/pkg/publisher"
	"github.com/ayuuum/amber-eventbus/pkg/registry"
	"github.com/ayuuum/amber-eventbus/pkg/store"
	"github.com/ayuuum/amber-eventbus/pkg/telemetry"
	"github.com/ayuuum/amber-eventbus/schema"
)

const shutdownTimeout = 10 * time.Second

func main() {
	fs := pflag.NewFlagSet("eventbus", pflag.ExitOnError)
	configDir := fs.String("config-dir", "./cmd/eventbus", "directory holding eventbus.yaml")
	config.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile(*configDir)
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger := telemetry.NewLogger(cfg.Observability.ServiceName, cfg.Observability.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("eventbus stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Settings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()
	metrics := telemetry.NewMetrics()

	repo, err := store.NewRepository(ctx, cfg.Database, store.WithLeaseTimeout(cfg.Processor.LeaseTimeout))
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()

	var handlers []registry.Handler
	handlers = append(handlers,
		channel.NewChatNotifier(cfg.Channels.ChatURL, cfg.Channels.ChatToken, cfg.HTTP.WebhookTimeout),
		channel.NewCalendarSync(cfg.Channels.CalendarURL, cfg.Channels.CalendarToken, cfg.HTTP.WebhookTimeout),
	)
	mb, err := broker.NewBroker(ctx, &cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}
	if mb != nil {
		defer mb.Close()
		handlers = append(handlers, channel.NewBrokerRelay(mb))
	}

	reg, err := registry.New(*cfg, handlers...)
	if err != nil {
		return fmt.Errorf("build handler registry: %w", err)
	}

	checks := []api.ReadyCheck{{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := repo.CountByStatus(ctx, schema.QueueMain)
			return err
		},
	}}

	pubOpts := []publisher.Option{
		publisher.WithMetrics(metrics),
		publisher.WithCeilings(reg),
		publisher.WithRecorder(channel.NewAuditLog(logger)),
	}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		pubOpts = append(pubOpts, publisher.WithGuard(publisher.NewRedisGuard(rdb, cfg.Redis.LockTTL, "")))
		checks = append(checks, api.ReadyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	pub := publisher.New(repo, logger, pubOpts...)

	proc := processor.NewEventProcessor(repo, reg, logger,
		processor.WithMetrics(metrics),
		processor.WithConcurrency(cfg.Processor.Concurrency),
		processor.WithLease(cfg.Processor.LeaseTimeout),
	)

	if cfg.Mode == config.ModeBatch {
		result, err := proc.RunBatch(ctx, cfg.Processor.BatchSize)
		if err != nil {
			return err
		}
		logger.Info("batch run finished", "claimed", result.Claimed, "dead_lettered", result.DeadLettered)
		return nil
	}

	httpServer := httpserver.New(logger,
		httpserver.Addr(cfg.HTTP.Listen),
		httpserver.WriteTimeout(cfg.Processor.LeaseTimeout+shutdownTimeout),
		httpserver.ShutdownTimeout(shutdownTimeout),
	)
	api.NewRouter(httpServer.App, api.Deps{
		Publisher:   pub,
		Processor:   proc,
		DeadLetters: dlq.NewManager(repo, proc, logger),
		Stats:       repo,
		BatchSize:   cfg.Processor.BatchSize,
	}, logger, checks...)
	httpServer.Start()

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		proc.Run(ctx, cfg.Processor.BatchSize, cfg.Processor.PollInterval)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-httpServer.Notify():
		logger.Error("admin API stopped", "error", serveErr)
		stop()
	}

	if err := httpServer.Shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}
	<-processorDone
	if serveErr != nil {
		return fmt.Errorf("admin API: %w", serveErr)
	}
	return nil
}
