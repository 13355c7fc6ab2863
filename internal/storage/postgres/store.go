package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowmesh/flowmesh/internal/database"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// Capabilities describes dialect features the repositories select SQL by.
// Engines without SKIP LOCKED fall back to a select-then-conditional-update
// claim with a unique-winner contract.
type Capabilities struct {
	SkipLocked bool
}

// DefaultCapabilities matches a current PostgreSQL server.
func DefaultCapabilities() Capabilities {
	return Capabilities{SkipLocked: true}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (database.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (database.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) database.Row
}

// Store is the PostgreSQL persistence port.
type Store struct {
	db   database.DB
	log  *logger.Logger
	caps Capabilities
}

// NewStore creates the persistence port over an open pool.
func NewStore(db database.DB, log *logger.Logger, caps Capabilities) *Store {
	return &Store{db: db, log: log, caps: caps}
}

func (s *Store) Commands() storage.CommandRepo  { return &commandRepo{q: s.db} }
func (s *Store) Outbox() storage.OutboxRepo     { return &outboxRepo{q: s.db, caps: s.caps} }
func (s *Store) Inbox() storage.InboxRepo       { return &inboxRepo{q: s.db} }
func (s *Store) DLQ() storage.DLQRepo           { return &dlqRepo{q: s.db} }
func (s *Store) Processes() storage.ProcessRepo { return &processRepo{q: s.db} }

// WithTx runs fn inside a single read-committed transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	dbtx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&txRepos{q: dbtx, caps: s.caps}); err != nil {
		if rbErr := dbtx.Rollback(ctx); rbErr != nil {
			s.log.Error("rollback failed: " + rbErr.Error())
		}
		return err
	}

	return dbtx.Commit(ctx)
}

// txRepos binds the repositories to one open transaction.
type txRepos struct {
	q    database.Tx
	caps Capabilities
}

func (t *txRepos) Commands() storage.CommandRepo  { return &commandRepo{q: t.q} }
func (t *txRepos) Outbox() storage.OutboxRepo     { return &outboxRepo{q: t.q, caps: t.caps} }
func (t *txRepos) Inbox() storage.InboxRepo       { return &inboxRepo{q: t.q} }
func (t *txRepos) DLQ() storage.DLQRepo           { return &dlqRepo{q: t.q} }
func (t *txRepos) Processes() storage.ProcessRepo { return &processRepo{q: t.q} }

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ storage.Store = (*Store)(nil)
var _ storage.Tx = (*txRepos)(nil)
