// Worker consumes command queues behind the inbox guard and executes the
// registered domain handlers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/consumer"
	dbpostgres "github.com/flowmesh/flowmesh/internal/database/postgres"
	"github.com/flowmesh/flowmesh/internal/domain/payments"
	"github.com/flowmesh/flowmesh/internal/domain/users"
	"github.com/flowmesh/flowmesh/internal/registry"
	storepostgres "github.com/flowmesh/flowmesh/internal/storage/postgres"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
	"github.com/flowmesh/flowmesh/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New("worker", cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.Tracing.Enabled {
		tracer, err := tracing.New(tracing.Config{
			ServiceName: "worker",
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

	reg := registry.New(log)
	if err := reg.Discover(
		users.NewHandlers(log),
		payments.NewHandlers(log),
	); err != nil {
		return fmt.Errorf("handler discovery failed: %w", err)
	}

	classifier := consumer.NewClassifier(cfg.Consumer.TransientErrorPatterns, nil)
	endpoint := consumer.New(consumer.Config{
		HandlerName: "worker",
		Lease:       cfg.Consumer.HandlerLease,
		MaxRetries:  cfg.Consumer.MaxRetriesDefault,
	}, store, reg, classifier, log, m)

	topics := make([]string, 0, len(reg.Names()))
	for _, name := range reg.Names() {
		topics = append(topics, broker.CommandTopic(name))
	}

	group, err := broker.NewConsumer(broker.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		GroupID:       cfg.Kafka.GroupID,
		Topics:        topics,
		InitialOffset: sarama.OffsetOldest,
	}, endpoint, log)
	if err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	if err := group.Start(); err != nil {
		return err
	}
	log.Info("worker consuming", zap.Strings("topics", topics))

	g, ctx := errgroup.WithContext(ctx)

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
