// Package relay publishes claimed outbox entries to the broker and keeps
// retrying with bounded backoff until each entry is out the door.
package relay

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

// Config holds relay settings.
type Config struct {
	SweepInterval  time.Duration
	BatchSize      int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	StuckThreshold time.Duration
	// Claimer identifies this worker in claimed_by; defaults to the host name.
	Claimer string
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  time.Second,
		BatchSize:      500,
		BaseBackoff:    time.Second,
		MaxBackoff:     300 * time.Second,
		StuckThreshold: 10 * time.Second,
	}
}

// Relay claims outbox batches and routes them to the broker ports.
type Relay struct {
	cfg     Config
	store   storage.Store
	queue   broker.Queue
	events  broker.Events
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates a relay. queue serves both command and reply categories.
func New(cfg Config, store storage.Store, queue broker.Queue, events broker.Events, log *logger.Logger, m *metrics.Metrics) *Relay {
	if cfg.Claimer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "relay"
		}
		cfg.Claimer = host
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "outbox-publish",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: cfg.SweepInterval * 5,
	})
	return &Relay{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		events:  events,
		breaker: breaker,
		log:     log,
		metrics: m,
		tracer:  otel.GetTracerProvider().Tracer("outbox-relay"),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Relay) Start(ctx context.Context) {
	r.log.Info("Starting outbox relay",
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Duration("sweep_interval", r.cfg.SweepInterval),
		zap.String("claimer", r.cfg.Claimer),
	)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep claims one batch and publishes it. The claim runs in its own
// transaction; publishing happens outside any transaction.
func (r *Relay) Sweep(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "relay.sweep")
	defer span.End()

	var entries []*storage.OutboxEntry
	claim := func() error {
		var err error
		entries, err = r.store.Outbox().ClaimBatch(ctx, r.cfg.BatchSize, r.cfg.Claimer, r.cfg.StuckThreshold)
		return err
	}
	// Transient DB errors are retried here rather than surfaced.
	if err := backoff.Retry(claim, claimRetryPolicy(ctx)); err != nil {
		return fmt.Errorf("failed to claim outbox batch: %w", err)
	}

	r.metrics.OutboxClaimed.Add(float64(len(entries)))
	r.metrics.OutboxBatchSize.Observe(float64(len(entries)))
	span.SetAttributes(attribute.Int("batch.size", len(entries)))

	for _, entry := range entries {
		r.publish(ctx, entry)
	}
	return nil
}

// PublishNow is the fast-path entry point: claim a single NEW row and
// publish it immediately.
func (r *Relay) PublishNow(ctx context.Context, outboxID int64) {
	entry, err := r.store.Outbox().ClaimIfNew(ctx, outboxID, r.cfg.Claimer)
	if err != nil {
		r.log.Debug("Fast-path claim failed", zap.Int64("outbox_id", outboxID), zap.Error(err))
		return
	}
	if entry == nil {
		// Already owned or already published; the sweep has it covered.
		return
	}
	r.publish(ctx, entry)
}

func (r *Relay) publish(ctx context.Context, entry *storage.OutboxEntry) {
	ctx, span := r.tracer.Start(ctx, "relay.publish",
		trace.WithAttributes(
			attribute.Int64("outbox.id", entry.ID),
			attribute.String("outbox.category", string(entry.Category)),
			attribute.String("outbox.topic", entry.Topic),
		),
	)
	defer span.End()

	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.route(ctx, entry)
	})
	if err != nil {
		r.reschedule(ctx, entry, err)
		return
	}

	if err := r.store.Outbox().MarkPublished(ctx, entry.ID); err != nil {
		// The row will be recovered by the sweeper and republished;
		// consumers dedup via the inbox.
		r.log.Warn("Failed to mark outbox entry published",
			zap.Int64("outbox_id", entry.ID),
			zap.Error(err),
		)
		return
	}

	r.metrics.OutboxPublished.WithLabelValues(string(entry.Category)).Inc()
	r.metrics.OutboxPublishDelay.Observe(time.Since(entry.CreatedAt).Seconds())
	r.log.Debug("Outbox entry published",
		zap.Int64("outbox_id", entry.ID),
		zap.String("topic", entry.Topic),
	)
}

func (r *Relay) route(ctx context.Context, entry *storage.OutboxEntry) error {
	switch entry.Category {
	case storage.CategoryCommand, storage.CategoryReply:
		return r.queue.Send(ctx, entry.Topic, entry.Key, entry.Payload, entry.Headers)
	case storage.CategoryEvent:
		return r.events.Publish(ctx, entry.Topic, entry.Key, entry.Payload, entry.Headers)
	default:
		return fmt.Errorf("unknown outbox category %q", entry.Category)
	}
}

func (r *Relay) reschedule(ctx context.Context, entry *storage.OutboxEntry, cause error) {
	delay := Backoff(entry.Attempts, r.cfg.BaseBackoff, r.cfg.MaxBackoff)
	nextAt := time.Now().Add(delay)

	if err := r.store.Outbox().Reschedule(ctx, entry.ID, nextAt, cause.Error()); err != nil {
		r.log.Error("Failed to reschedule outbox entry",
			zap.Int64("outbox_id", entry.ID),
			zap.Error(err),
		)
		return
	}

	r.metrics.OutboxRescheduled.Inc()
	r.log.Warn("Publish failed, rescheduled",
		zap.Int64("outbox_id", entry.ID),
		zap.Int("attempts", entry.Attempts+1),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

// Backoff computes min(base * 2^attempt, max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	shifted := float64(base) * math.Pow(2, float64(attempt))
	if shifted > float64(max) {
		return max
	}
	return time.Duration(shifted)
}

func claimRetryPolicy(ctx context.Context) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	return backoff.WithContext(policy, ctx)
}
