package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clan-roster/internal/claims"
	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/entitlement"
	"github.com/clan-roster/internal/handler"
	"github.com/clan-roster/internal/kafka"
	"github.com/clan-roster/internal/metrics"
	"github.com/clan-roster/internal/postgres"
	"github.com/clan-roster/internal/reconciler"
	"github.com/clan-roster/internal/redis"
	"github.com/clan-roster/internal/roster"
	"github.com/clan-roster/internal/service"
	"github.com/clan-roster/internal/validation"
	"github.com/clan-roster/internal/websocket"
	"github.com/clan-roster/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	httpOpts := []handler.Option{handler.WithReadinessCheck("postgres", repo)}
	if cfg.Metrics.Enabled {
		httpOpts = append(httpOpts, handler.WithMetrics(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	}

	// Redis backs the points board and, optionally, the reward claim set
	var board service.Board
	var claimStore service.ClaimStore = claims.NewWindow(cfg.Rewards.Window, cfg.Rewards.MaxClaims)
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		rdb, err := redis.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		board = redis.NewPointsBoard(rdb, cfg.Rewards.KeyPrefix)
		if cfg.Rewards.UseRedis {
			claimStore = redis.NewClaimSet(rdb, cfg.Rewards.KeyPrefix, cfg.Rewards.Window)
		}
		httpOpts = append(httpOpts, handler.WithReadinessCheck("redis", rdb))
	}

	// Live feed
	hub := websocket.NewHub(m, logger)
	go hub.Run()

	// Entitlement sync is optional; nil interfaces keep the reconciler and
	// rank service from queueing role changes.
	var (
		entitlements reconciler.Entitlements
		rankSync     service.RankSync
		notifier     service.Notifier
		synchronizer *entitlement.Synchronizer
	)
	if cfg.Entitlements.Enabled {
		provider, err := entitlement.NewDiscordProvider(cfg.Entitlements.BotToken, cfg.Entitlements.GuildID)
		if err != nil {
			logger.Error("failed to create entitlement provider", "error", err)
			os.Exit(1)
		}
		synchronizer = entitlement.NewSynchronizer(provider, repo, &cfg.Entitlements, m, logger)
		synchronizer.Start(ctx)
		entitlements = synchronizer
		rankSync = synchronizer
		notifier = provider
	}

	rosterClient, err := roster.NewClient(&cfg.Roster, m, logger)
	if err != nil {
		logger.Error("failed to create roster client", "error", err)
		os.Exit(1)
	}

	points := service.NewPointsService(repo, board, notifier, &cfg.Points, m, logger).WithEvents(hub)
	rec := reconciler.New(rosterClient, repo, entitlements, &cfg.Roster, &cfg.Scheduler, m, logger,
		reconciler.WithEvents(hub),
		reconciler.WithEvents(points.RosterListener()))
	validator := validation.New(repo, m, logger)

	rewards := service.NewRewardService(claimStore, repo, points, &cfg.Rewards, m, logger)
	ranks := service.NewRankService(repo, validator, rankSync, logger).WithEvents(hub)

	if board != nil {
		if err := points.RebuildBoard(ctx); err != nil {
			logger.Warn("failed to rebuild points board on startup", "error", err)
		}
	}

	// Scheduled jobs
	scheduler := worker.NewScheduler(m, logger, worker.WithRunOnStart(cfg.Scheduler.RunOnStart))
	jobs := []worker.Job{
		{
			Name:     "reconcile",
			Interval: cfg.Scheduler.Interval,
			Run: func(ctx context.Context) error {
				_, err := rec.Run(ctx)
				return err
			},
		},
		{
			Name:     "validate",
			Interval: cfg.Scheduler.ValidateInterval,
			Run: func(ctx context.Context) error {
				_, err := validator.Run(ctx)
				return err
			},
		},
	}
	if board != nil {
		jobs = append(jobs, worker.Job{
			Name:     "points-board",
			Interval: cfg.Scheduler.Interval,
			Run:      points.RebuildBoard,
		})
	}
	for _, job := range jobs {
		if err := scheduler.Register(job); err != nil {
			logger.Error("failed to register job", "job", job.Name, "error", err)
			os.Exit(1)
		}
	}
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	// Kafka consumer for points events
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, points, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		}
	}

	httpHandler := handler.NewHandler(ranks, points, rewards, scheduler, hub, logger, httpOpts...)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := scheduler.Stop(); err != nil {
		logger.Error("failed to stop scheduler", "error", err)
	}

	if synchronizer != nil {
		synchronizer.Stop()
	}

	hub.Stop()

	logger.Info("server stopped")
}
