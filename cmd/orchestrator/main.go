// Orchestrator runs the process manager and the reply consumer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/bus"
	dbpostgres "github.com/flowmesh/flowmesh/internal/database/postgres"
	"github.com/flowmesh/flowmesh/internal/domain/payments"
	"github.com/flowmesh/flowmesh/internal/httpapi"
	"github.com/flowmesh/flowmesh/internal/process"
	storepostgres "github.com/flowmesh/flowmesh/internal/storage/postgres"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
	"github.com/flowmesh/flowmesh/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New("orchestrator", cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.Tracing.Enabled {
		tracer, err := tracing.New(tracing.Config{
			ServiceName: "orchestrator",
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

	var fastPath broker.FastPath = broker.NopFastPath{}
	if cfg.Redis.Addr != "" && cfg.Outbox.FastpathEnabled {
		redisConn := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisConn.Close()
		fastPath = broker.NewRedisFastPath(redisConn, log)
	}

	commandBus := bus.New(store, fastPath, log, m)

	manager := process.NewManager(process.Config{
		MaxRetries: cfg.Process.MaxRetriesDefault,
		RetryBase:  cfg.Process.RetryBase,
	}, store, commandBus, log, m)
	defer manager.Stop()

	if err := manager.Register(payments.SimplePayment{}); err != nil {
		return fmt.Errorf("process registration failed: %w", err)
	}

	replies := process.NewReplyConsumer(manager, log)
	group, err := broker.NewConsumer(broker.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		GroupID:       cfg.Kafka.ReplyGroupID,
		Topics:        []string{broker.ReplyQueueName},
		InitialOffset: sarama.OffsetOldest,
	}, replies, log)
	if err != nil {
		return fmt.Errorf("failed to create reply consumer: %w", err)
	}
	if err := group.Start(); err != nil {
		return err
	}
	log.Info("orchestrator consuming replies", zap.String("queue", broker.ReplyQueueName))

	api := httpapi.New(commandBus, store, manager, nil, log, m)
	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Orchestrator.Host, cfg.Orchestrator.Port),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Orchestrator.ReadTimeout,
		WriteTimeout: cfg.Orchestrator.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("orchestrator API listening", zap.String("addr", apiServer.Addr))
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
		_ = metricsServer.Close()
		return group.Stop()
	})

	return g.Wait()
}
