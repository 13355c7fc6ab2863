package process

import (
	"context"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/envelope"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// ReplyConsumer feeds command outcomes from the reply queue into the
// manager. Replies for one process share a partition key, so they arrive in
// order per process id.
type ReplyConsumer struct {
	manager *Manager
	log     *logger.Logger
}

// NewReplyConsumer creates the reply queue endpoint.
func NewReplyConsumer(manager *Manager, log *logger.Logger) *ReplyConsumer {
	return &ReplyConsumer{manager: manager, log: log}
}

// Handle decodes one reply delivery. Non-reply and unparsable messages are
// dropped; HandleReply errors leave the message unmarked for redelivery.
func (r *ReplyConsumer) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	env, err := envelope.Decode(msg.Value)
	if err != nil {
		r.log.Error("Dropping unparsable reply",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}
	if !env.IsReply() {
		r.log.Warn("Non-reply message on reply queue",
			zap.String("type", string(env.Type)))
		return nil
	}
	return r.manager.HandleReply(ctx, env)
}

var _ broker.Handler = (*ReplyConsumer)(nil)
