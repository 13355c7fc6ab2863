package relay

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

// Notifications is the receive side of the fast-path wake channel.
type Notifications interface {
	Receive(ctx context.Context, timeout time.Duration) (int64, bool)
}

// FastPathPool drains the notification channel into PublishNow calls. The
// pool is bounded by a semaphore; when no permit is available the
// notification is dropped and the scheduled sweep picks the row up.
type FastPathPool struct {
	source  Notifications
	relay   *Relay
	sem     *semaphore.Weighted
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewFastPathPool creates a pool with the given number of permits.
func NewFastPathPool(source Notifications, relay *Relay, permits int64, log *logger.Logger, m *metrics.Metrics) *FastPathPool {
	if permits <= 0 {
		permits = 32
	}
	return &FastPathPool{
		source:  source,
		relay:   relay,
		sem:     semaphore.NewWeighted(permits),
		log:     log,
		metrics: m,
	}
}

// Start blocks draining notifications until the context is cancelled.
func (p *FastPathPool) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, ok := p.source.Receive(ctx, time.Second)
		if !ok {
			continue
		}
		p.metrics.FastpathNotified.Inc()

		if !p.sem.TryAcquire(1) {
			p.metrics.FastpathDropped.Inc()
			continue
		}
		go func(outboxID int64) {
			defer p.sem.Release(1)
			p.relay.PublishNow(ctx, outboxID)
		}(id)
	}
}
