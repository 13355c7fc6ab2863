// Command-service hosts the HTTP ingress, the transactional command bus,
// the outbox relay and the sweeper.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/consumer"
	dbpostgres "github.com/flowmesh/flowmesh/internal/database/postgres"
	"github.com/flowmesh/flowmesh/internal/httpapi"
	"github.com/flowmesh/flowmesh/internal/relay"
	storepostgres "github.com/flowmesh/flowmesh/internal/storage/postgres"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
	"github.com/flowmesh/flowmesh/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "command-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New("command-service", cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.Tracing.Enabled {
		tracer, err := tracing.New(tracing.Config{
			ServiceName: "command-service",
			Endpoint:    cfg.Observability.Tracing.Endpoint,
		}, log)
		if err != nil {
			return err
		}
		defer tracer.Shutdown(context.Background())
	}

	m := metrics.New("flowmesh")

	db, err := dbpostgres.InitFromConfig(cfg, log, m)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	store := storepostgres.NewStore(db, log, storepostgres.DefaultCapabilities())

	producer, err := broker.NewProducer(broker.ProducerConfig{
		Brokers:           cfg.Kafka.Brokers,
		MaxRetries:        cfg.Kafka.MaxRetries,
		RetryBackoff:      cfg.Kafka.RetryBackoff,
		ConnectionTimeout: cfg.Kafka.DialTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	defer producer.Close()

	var (
		fastPath  broker.FastPath = broker.NopFastPath{}
		cache     *httpapi.StatusCache
		redisConn *redis.Client
	)
	if cfg.Redis.Addr != "" {
		redisConn = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisConn.Close()
		cache = httpapi.NewStatusCache(redisConn, log)
		if cfg.Outbox.FastpathEnabled {
			fastPath = broker.NewRedisFastPath(redisConn, log)
		}
	}

	commandBus := bus.New(store, fastPath, log, m)

	outboxRelay := relay.New(relay.Config{
		SweepInterval:  cfg.Outbox.SweepInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		BaseBackoff:    time.Duration(cfg.Outbox.BaseBackoffMillis) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Outbox.MaxBackoffMillis) * time.Millisecond,
		StuckThreshold: cfg.Outbox.StuckThreshold,
	}, store, producer, producer, log, m)

	sweeper := relay.NewSweeper(relay.SweeperConfig{
		Interval:        cfg.Outbox.SweepInterval,
		StuckThreshold:  cfg.Outbox.StuckThreshold,
		RetentionPeriod: cfg.Outbox.RetentionPeriod,
		CleanupInterval: cfg.Outbox.CleanupInterval,
	}, store, log, m)

	watchdog := consumer.NewWatchdog(store, cfg.Outbox.SweepInterval*5, log, m)

	api := httpapi.New(commandBus, store, nil, cache, log, m)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		outboxRelay.Start(ctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Start(ctx)
		return nil
	})
	g.Go(func() error {
		watchdog.Start(ctx)
		return nil
	})

	if cfg.Outbox.FastpathEnabled && redisConn != nil {
		pool := relay.NewFastPathPool(
			broker.NewRedisFastPath(redisConn, log),
			outboxRelay,
			int64(cfg.Outbox.FastpathConcurrency),
			log, m,
		)
		g.Go(func() error {
			pool.Start(ctx)
			return nil
		})
	}

	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.CommandService.Host, cfg.CommandService.Port),
		Handler:      api.Router(),
		ReadTimeout:  cfg.CommandService.ReadTimeout,
		WriteTimeout: cfg.CommandService.WriteTimeout,
	}
	g.Go(func() error {
		log.Info("HTTP ingress listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler: promhttp.Handler(),
	}
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return metricsServer.Close()
	})

	log.Info("command-service started")
	return g.Wait()
}
