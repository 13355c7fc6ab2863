package postgres

import (
	"github.com/flowmesh/flowmesh/internal/database"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

// InitFromConfig initializes a database connection from config
func InitFromConfig(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*DB, error) {
	opts := database.Options{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.Username,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		MaxConns:    cfg.Database.MaxOpenConns,
		MinConns:    cfg.Database.MinIdleConns,
		MaxIdleTime: cfg.Database.ConnMaxLifetime,
		DialTimeout: cfg.Database.DialTimeout,
	}

	return New(opts, log, m)
}
