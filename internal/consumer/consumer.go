// Package consumer executes incoming commands behind the inbox dedup guard
// and persists replies through the outbox.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/envelope"
	"github.com/flowmesh/flowmesh/internal/registry"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

// errRedeliver signals the broker wrapper to leave the message unmarked.
var errRedeliver = errors.New("consumer: transient failure, awaiting redelivery")

// Config holds inbox-guarded consumer settings.
type Config struct {
	// HandlerName is the static identity of this queue binding in the
	// inbox dedup set.
	HandlerName string
	Lease       time.Duration
	MaxRetries  int
	// EventDomain, when set, emits a domain event alongside Completed
	// replies.
	EventDomain string
}

// Consumer is the C7 message endpoint.
type Consumer struct {
	cfg        Config
	store      storage.Store
	registry   *registry.Registry
	classifier Classifier
	hostname   string
	log        *logger.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// New creates an inbox-guarded consumer.
func New(cfg Config, store storage.Store, reg *registry.Registry, classifier Classifier, log *logger.Logger, m *metrics.Metrics) *Consumer {
	if cfg.Lease <= 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return &Consumer{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		classifier: classifier,
		hostname:   host,
		log:        log,
		metrics:    m,
		tracer:     otel.GetTracerProvider().Tracer("command-consumer"),
	}
}

// Handle processes one delivery. Returning an error makes the broker
// redeliver; the inbox guard keeps effects at-most-once.
func (c *Consumer) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	env, err := envelope.Decode(msg.Value)
	if err != nil {
		// Unparsable payloads are permanent; drop with a log trail.
		c.log.Error("Dropping unparsable message",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "consumer.handle",
		trace.WithAttributes(
			attribute.String("command.name", env.Name),
			attribute.String("command.id", env.CommandID),
			attribute.String("message.id", env.MessageID),
		),
	)
	defer span.End()

	inserted, err := c.store.Inbox().InsertIfAbsent(ctx, env.MessageID, c.cfg.HandlerName)
	if err != nil {
		return fmt.Errorf("inbox guard failed: %w", err)
	}
	if !inserted {
		c.metrics.InboxDuplicates.Inc()
		c.log.Debug("Duplicate delivery suppressed",
			zap.String("message_id", env.MessageID),
			zap.String("handler", c.cfg.HandlerName),
		)
		return nil
	}

	commandID, err := uuid.Parse(env.CommandID)
	if err != nil {
		c.log.Error("Message carries invalid command id",
			zap.String("command_id", env.CommandID))
		return nil
	}

	if err := c.store.Commands().MarkRunning(ctx, commandID, time.Now().Add(c.cfg.Lease)); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Already terminal elsewhere; nothing left to do.
			return nil
		}
		return fmt.Errorf("failed to mark command running: %w", err)
	}

	handler, err := c.registry.Resolve(env.Name)
	if err != nil {
		// Unknown command is a contract violation: permanent.
		return c.completeFailed(ctx, env, commandID, "UNKNOWN_COMMAND", err)
	}

	result, handleErr := c.invoke(ctx, env, handler)
	if handleErr == nil {
		return c.completeSucceeded(ctx, env, commandID, result)
	}

	if errors.Is(handleErr, context.DeadlineExceeded) {
		return c.completeTimedOut(ctx, env, commandID, handleErr)
	}

	if c.classifier(env.Name, handleErr) {
		return c.retry(ctx, env, commandID, handleErr)
	}

	return c.completeFailed(ctx, env, commandID, errorClass(handleErr), handleErr)
}

func (c *Consumer) invoke(ctx context.Context, env *envelope.Envelope, handler registry.HandlerFunc) (result map[string]interface{}, err error) {
	handlerCtx, cancel := context.WithTimeout(ctx, c.cfg.Lease)
	defer cancel()

	start := time.Now()
	defer func() {
		c.metrics.HandlerDuration.WithLabelValues(env.Name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	result, err = handler(handlerCtx, env.Payload)
	if err == nil && handlerCtx.Err() != nil {
		err = handlerCtx.Err()
	}
	return result, err
}

func (c *Consumer) completeSucceeded(ctx context.Context, env *envelope.Envelope, commandID uuid.UUID, result map[string]interface{}) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return c.completeFailed(ctx, env, commandID, "UNSERIALIZABLE_RESULT", err)
	}

	err = c.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.Commands().MarkTerminal(ctx, commandID, storage.CommandSucceeded, ""); err != nil {
			return err
		}
		reply := c.buildReply(env, envelope.TypeCommandCompleted, payload, "")
		if _, err := tx.Outbox().Insert(ctx, reply); err != nil {
			return err
		}
		if c.cfg.EventDomain != "" {
			event := c.buildEvent(env, payload)
			if _, err := tx.Outbox().Insert(ctx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Undo the inbox slot so the redelivery can finish the job.
		c.releaseInbox(ctx, env)
		return fmt.Errorf("failed to commit command completion: %w", err)
	}

	c.metrics.CommandsTerminal.WithLabelValues(string(storage.CommandSucceeded)).Inc()
	c.log.Info("Command completed",
		zap.String("command_id", commandID.String()),
		zap.String("name", env.Name),
	)
	return nil
}

func (c *Consumer) retry(ctx context.Context, env *envelope.Envelope, commandID uuid.UUID, cause error) error {
	cmd, err := c.store.Commands().FindByID(ctx, commandID)
	if err != nil {
		return fmt.Errorf("failed to load command for retry decision: %w", err)
	}
	if cmd.Retries >= c.cfg.MaxRetries {
		return c.completeFailed(ctx, env, commandID, "RETRIES_EXHAUSTED", cause)
	}

	retries, err := c.store.Commands().MarkRetrying(ctx, commandID, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to release command for retry: %w", err)
	}
	// Release the inbox slot so the broker's redelivery is processed.
	c.releaseInbox(ctx, env)

	c.metrics.CommandRetries.Inc()
	c.metrics.HandlerFailures.WithLabelValues(env.Name, "transient").Inc()
	c.log.Warn("Transient handler failure, awaiting redelivery",
		zap.String("command_id", commandID.String()),
		zap.Int("retries", retries),
		zap.Error(cause),
	)
	return errRedeliver
}

func (c *Consumer) completeFailed(ctx context.Context, env *envelope.Envelope, commandID uuid.UUID, class string, cause error) error {
	cmd, findErr := c.store.Commands().FindByID(ctx, commandID)

	err := c.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.Commands().MarkTerminal(ctx, commandID, storage.CommandFailed, cause.Error()); err != nil {
			return err
		}
		reply := c.buildReply(env, envelope.TypeCommandFailed, nil, cause.Error())
		if _, err := tx.Outbox().Insert(ctx, reply); err != nil {
			return err
		}

		attempts := 0
		payload := env.Payload
		if findErr == nil {
			attempts = cmd.Retries
			payload = cmd.Payload
		}
		return tx.DLQ().Park(ctx, &storage.DeadLetter{
			CommandID:    commandID,
			CommandName:  env.Name,
			BusinessKey:  env.BusinessKey(),
			Payload:      payload,
			FailedStatus: string(storage.CommandFailed),
			ErrorClass:   class,
			ErrorMessage: cause.Error(),
			Attempts:     attempts,
			ParkedBy:     c.hostname,
		})
	})
	if err != nil {
		c.releaseInbox(ctx, env)
		return fmt.Errorf("failed to commit command failure: %w", err)
	}

	c.metrics.CommandsTerminal.WithLabelValues(string(storage.CommandFailed)).Inc()
	c.metrics.CommandsParkedDLQ.Inc()
	c.metrics.HandlerFailures.WithLabelValues(env.Name, "permanent").Inc()
	c.log.Error("Command failed permanently",
		zap.String("command_id", commandID.String()),
		zap.String("name", env.Name),
		zap.String("error_class", class),
		zap.Error(cause),
	)
	return nil
}

func (c *Consumer) completeTimedOut(ctx context.Context, env *envelope.Envelope, commandID uuid.UUID, cause error) error {
	err := c.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.Commands().MarkTerminal(ctx, commandID, storage.CommandTimedOut, cause.Error()); err != nil {
			return err
		}
		reply := c.buildReply(env, envelope.TypeCommandTimedOut, nil, cause.Error())
		_, err := tx.Outbox().Insert(ctx, reply)
		return err
	})
	if err != nil {
		c.releaseInbox(ctx, env)
		return fmt.Errorf("failed to commit command timeout: %w", err)
	}

	c.metrics.CommandsTerminal.WithLabelValues(string(storage.CommandTimedOut)).Inc()
	c.log.Error("Command timed out",
		zap.String("command_id", commandID.String()),
		zap.String("name", env.Name),
	)
	return nil
}

func (c *Consumer) releaseInbox(ctx context.Context, env *envelope.Envelope) {
	if err := c.store.Inbox().Delete(ctx, env.MessageID, c.cfg.HandlerName); err != nil {
		c.log.Error("Failed to release inbox slot",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
	}
}

// buildReply constructs the outbox entry for a command outcome. The reply is
// keyed by correlation id so replies for one process land on one partition.
func (c *Consumer) buildReply(env *envelope.Envelope, t envelope.Type, payload json.RawMessage, errMsg string) *storage.OutboxEntry {
	headers := map[string]string{}
	if branch, ok := env.Headers[envelope.HeaderParallelBranch]; ok {
		headers[envelope.HeaderParallelBranch] = branch
	}
	if tenant, ok := env.Headers[envelope.HeaderTenantID]; ok {
		headers[envelope.HeaderTenantID] = tenant
	}

	reply := envelope.New(t, env.Name, env.CommandID, env.CorrelationID, env.MessageID,
		env.BusinessKey(), headers)
	reply.Payload = payload
	reply.Error = errMsg

	data, err := reply.Encode()
	if err != nil {
		// Envelope fields are all serializable; this cannot happen with
		// well-formed payloads.
		data = []byte("{}")
	}

	topic := env.Headers[envelope.HeaderReplyTo]
	if topic == "" {
		topic = broker.ReplyQueueName
	}

	return &storage.OutboxEntry{
		Category: storage.CategoryReply,
		Topic:    topic,
		Key:      env.CorrelationID,
		Type:     string(t),
		Payload:  data,
		Headers:  reply.Headers,
	}
}

func (c *Consumer) buildEvent(env *envelope.Envelope, payload json.RawMessage) *storage.OutboxEntry {
	event := envelope.New(envelope.TypeCommandCompleted, env.Name, env.CommandID,
		env.CorrelationID, env.MessageID, env.BusinessKey(), map[string]string{})
	event.Payload = payload
	data, err := event.Encode()
	if err != nil {
		data = []byte("{}")
	}
	return &storage.OutboxEntry{
		Category: storage.CategoryEvent,
		Topic:    broker.EventTopic(c.cfg.EventDomain),
		Key:      env.BusinessKey(),
		Type:     env.Name + "Completed",
		Payload:  data,
		Headers:  event.Headers,
	}
}

func errorClass(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}

var _ broker.Handler = (*Consumer)(nil)
