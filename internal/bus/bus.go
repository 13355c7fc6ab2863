// Package bus implements the transactional command bus: idempotency check,
// command row and outbox row in one commit.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/envelope"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

// Bus accepts commands for reliable execution.
type Bus interface {
	Accept(ctx context.Context, req AcceptRequest) (uuid.UUID, error)
}

// AcceptRequest carries one command submission.
type AcceptRequest struct {
	Name           string
	IdempotencyKey string
	BusinessKey    string
	Payload        json.RawMessage
	// Headers are copied into the outgoing envelope (reply routing,
	// tenant, parallel-branch tag).
	Headers map[string]string
	// CorrelationID defaults to the command id when empty.
	CorrelationID string
	CausationID   string
}

// CommandBus is the transactional implementation of Bus.
type CommandBus struct {
	store    storage.Store
	fastPath broker.FastPath
	log      *logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// New creates a command bus. fastPath may be nil when disabled.
func New(store storage.Store, fastPath broker.FastPath, log *logger.Logger, m *metrics.Metrics) *CommandBus {
	if fastPath == nil {
		fastPath = broker.NopFastPath{}
	}
	return &CommandBus{
		store:    store,
		fastPath: fastPath,
		log:      log,
		metrics:  m,
		tracer:   otel.GetTracerProvider().Tracer("command-bus"),
	}
}

// Accept durably records the command and its outbound message in one
// transaction. Replays of the same idempotency key return the original
// command id without emitting new work.
func (b *CommandBus) Accept(ctx context.Context, req AcceptRequest) (uuid.UUID, error) {
	ctx, span := b.tracer.Start(ctx, "bus.accept",
		trace.WithAttributes(
			attribute.String("command.name", req.Name),
			attribute.String("command.idempotency_key", req.IdempotencyKey),
		),
	)
	defer span.End()

	if req.Name == "" {
		return uuid.Nil, fmt.Errorf("command name is required")
	}
	if req.IdempotencyKey == "" {
		return uuid.Nil, fmt.Errorf("idempotency key is required")
	}

	var (
		commandID uuid.UUID
		outboxID  int64
		duplicate bool
	)

	err := b.store.WithTx(ctx, func(tx storage.Tx) error {
		existing, ok, err := tx.Commands().ExistsByIdempotency(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if ok {
			commandID = existing
			duplicate = true
			return nil
		}

		commandID = uuid.New()
		cmd := &storage.Command{
			ID:             commandID,
			Name:           req.Name,
			BusinessKey:    req.BusinessKey,
			IdempotencyKey: req.IdempotencyKey,
			Payload:        req.Payload,
		}
		if err := tx.Commands().InsertPending(ctx, cmd); err != nil {
			return err
		}

		env := b.buildEnvelope(req, commandID)
		payload, err := env.Encode()
		if err != nil {
			return err
		}

		outboxID, err = tx.Outbox().Insert(ctx, &storage.OutboxEntry{
			Category: storage.CategoryCommand,
			Topic:    broker.CommandTopic(req.Name),
			Key:      req.BusinessKey,
			Type:     req.Name,
			Payload:  payload,
			Headers:  env.Headers,
		})
		return err
	})
	if err != nil {
		// A concurrent accept with the same key may have won the insert
		// race; resolve to the existing command.
		if errors.Is(err, storage.ErrDuplicate) {
			return b.resolveExisting(ctx, req.IdempotencyKey)
		}
		return uuid.Nil, fmt.Errorf("failed to accept command: %w", err)
	}

	if duplicate {
		b.metrics.CommandsDuplicate.Inc()
		b.log.Info("Idempotent replay resolved",
			zap.String("command_id", commandID.String()),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		return commandID, nil
	}

	b.metrics.CommandsAccepted.WithLabelValues(req.Name).Inc()
	b.log.Info("Command accepted",
		zap.String("command_id", commandID.String()),
		zap.String("name", req.Name),
		zap.Int64("outbox_id", outboxID),
	)

	// Post-commit only: a lost notification just waits for the sweep.
	b.fastPath.Notify(ctx, outboxID)

	return commandID, nil
}

func (b *CommandBus) resolveExisting(ctx context.Context, idempotencyKey string) (uuid.UUID, error) {
	id, ok, err := b.store.Commands().ExistsByIdempotency(ctx, idempotencyKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve idempotency collision: %w", err)
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("idempotency collision without existing command: %s", idempotencyKey)
	}
	b.metrics.CommandsDuplicate.Inc()
	return id, nil
}

func (b *CommandBus) buildEnvelope(req AcceptRequest, commandID uuid.UUID) *envelope.Envelope {
	headers := make(map[string]string, len(req.Headers)+2)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if _, ok := headers[envelope.HeaderReplyTo]; !ok {
		headers[envelope.HeaderReplyTo] = broker.ReplyQueueName
	}
	headers[envelope.HeaderIdempotencyKey] = req.IdempotencyKey

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = commandID.String()
	}
	causationID := req.CausationID
	if causationID == "" {
		causationID = commandID.String()
	}

	env := envelope.New(envelope.TypeCommandRequested, req.Name, commandID.String(),
		correlationID, causationID, req.BusinessKey, headers)
	env.Payload = req.Payload
	return env
}

var _ Bus = (*CommandBus)(nil)
