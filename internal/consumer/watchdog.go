package consumer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/envelope"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

// Watchdog times out RUNNING commands whose lease expired without a
// completion, emitting the authoritative CommandTimedOut reply.
type Watchdog struct {
	store    storage.Store
	interval time.Duration
	batch    int
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewWatchdog creates a lease watchdog.
func NewWatchdog(store storage.Store, interval time.Duration, log *logger.Logger, m *metrics.Metrics) *Watchdog {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watchdog{
		store:    store,
		interval: interval,
		batch:    100,
		log:      log,
		metrics:  m,
	}
}

// Start runs the watchdog loop until the context is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick expires one batch of overdue leases and returns how many.
func (w *Watchdog) Tick(ctx context.Context) int {
	expired, err := w.store.Commands().FindExpiredLeases(ctx, w.batch)
	if err != nil {
		w.log.Error("Failed to scan expired leases", zap.Error(err))
		return 0
	}

	timedOut := 0
	for _, cmd := range expired {
		if w.expire(ctx, cmd) {
			timedOut++
		}
	}
	return timedOut
}

func (w *Watchdog) expire(ctx context.Context, cmd *storage.Command) bool {
	request, err := w.store.Outbox().FindCommandRequest(ctx, cmd.ID.String())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.log.Error("Failed to load original request for timeout",
			zap.String("command_id", cmd.ID.String()),
			zap.Error(err),
		)
		return false
	}

	var original *envelope.Envelope
	if request != nil {
		original, err = envelope.Decode(request.Payload)
		if err != nil {
			original = nil
		}
	}

	err = w.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.Commands().MarkTerminal(ctx, cmd.ID, storage.CommandTimedOut, "handler lease expired"); err != nil {
			return err
		}
		reply := w.buildTimeout(cmd, original)
		_, err := tx.Outbox().Insert(ctx, reply)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Completed or expired by another watchdog in the meantime.
			return false
		}
		w.log.Error("Failed to time out command",
			zap.String("command_id", cmd.ID.String()),
			zap.Error(err),
		)
		return false
	}

	w.metrics.CommandsTerminal.WithLabelValues(string(storage.CommandTimedOut)).Inc()
	w.log.Warn("Command lease expired, timed out",
		zap.String("command_id", cmd.ID.String()),
		zap.String("name", cmd.Name),
	)
	return true
}

func (w *Watchdog) buildTimeout(cmd *storage.Command, original *envelope.Envelope) *storage.OutboxEntry {
	correlationID := cmd.ID.String()
	causationID := cmd.ID.String()
	headers := map[string]string{}
	topic := ""
	if original != nil {
		correlationID = original.CorrelationID
		causationID = original.MessageID
		topic = original.Headers[envelope.HeaderReplyTo]
		if branch, ok := original.Headers[envelope.HeaderParallelBranch]; ok {
			headers[envelope.HeaderParallelBranch] = branch
		}
	}
	if topic == "" {
		topic = "APP.CMD.REPLY.Q"
	}

	reply := envelope.New(envelope.TypeCommandTimedOut, cmd.Name, cmd.ID.String(),
		correlationID, causationID, cmd.BusinessKey, headers)
	reply.Error = "handler lease expired"
	data, err := reply.Encode()
	if err != nil {
		data = []byte("{}")
	}

	return &storage.OutboxEntry{
		Category: storage.CategoryReply,
		Topic:    topic,
		Key:      correlationID,
		Type:     string(envelope.TypeCommandTimedOut),
		Payload:  data,
		Headers:  reply.Headers,
	}
}
