package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

// SweeperConfig holds stuck-recovery and retention settings.
type SweeperConfig struct {
	Interval        time.Duration
	StuckThreshold  time.Duration
	RetentionPeriod time.Duration
	CleanupInterval time.Duration
}

// Sweeper re-opens outbox rows whose claim lease expired, complementing the
// relay, and prunes old published rows.
type Sweeper struct {
	cfg     SweeperConfig
	store   storage.Store
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweeperConfig, store storage.Store, log *logger.Logger, m *metrics.Metrics) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 10 * time.Second
	}
	return &Sweeper{cfg: cfg, store: store, log: log, metrics: m}
}

// Start runs recovery until the context is cancelled, and retention cleanup
// on its own slower cadence.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var cleanupC <-chan time.Time
	if s.cfg.CleanupInterval > 0 {
		cleanup := time.NewTicker(s.cfg.CleanupInterval)
		defer cleanup.Stop()
		cleanupC = cleanup.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Recover(ctx)
		case <-cleanupC:
			s.Cleanup(ctx)
		}
	}
}

// Recover re-opens stuck CLAIMED/SENDING rows and returns how many.
func (s *Sweeper) Recover(ctx context.Context) int64 {
	recovered, err := s.store.Outbox().RecoverStuck(ctx, s.cfg.StuckThreshold)
	if err != nil {
		s.log.Error("Failed to recover stuck outbox entries", zap.Error(err))
		return 0
	}
	if recovered > 0 {
		s.metrics.OutboxRecovered.Add(float64(recovered))
		s.log.Info("Recovered stuck outbox entries", zap.Int64("count", recovered))
	}
	return recovered
}

// Cleanup deletes published rows older than the retention period.
func (s *Sweeper) Cleanup(ctx context.Context) {
	if s.cfg.RetentionPeriod <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.RetentionPeriod)
	deleted, err := s.store.Outbox().DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("Failed to cleanup published outbox entries", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.log.Info("Cleaned up published outbox entries",
			zap.Int64("count", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
}
