package main

import (
	"context"

	"github.com/IBM/sarama"

	"github.com/flowmesh/flowmesh/internal/broker"
)

// loopback short-circuits the broker: command topics dispatch straight into
// the worker endpoint, the reply queue into the reply consumer. A handler
// error propagates so the relay reschedules the entry, which models broker
// redelivery.
type loopback struct {
	worker  broker.Handler
	replies broker.Handler
}

func newLoopback(worker, replies broker.Handler) *loopback {
	return &loopback{worker: worker, replies: replies}
}

func (l *loopback) Send(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	msg := &sarama.ConsumerMessage{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	}
	if topic == broker.ReplyQueueName {
		return l.replies.Handle(ctx, msg)
	}
	return l.worker.Handle(ctx, msg)
}

func (l *loopback) Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	// Event topics have no offline subscriber.
	return nil
}

var (
	_ broker.Queue  = (*loopback)(nil)
	_ broker.Events = (*loopback)(nil)
)
