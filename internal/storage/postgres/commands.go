package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/internal/storage"
)

type commandRepo struct {
	q querier
}

const commandColumns = `id, name, business_key, idempotency_key, payload, status, retries, lease_until, last_error, created_at, updated_at`

func (r *commandRepo) ExistsByIdempotency(ctx context.Context, key string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.q.QueryRow(ctx,
		`SELECT id FROM platform.command WHERE idempotency_key = $1`, key,
	).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return id, true, nil
}

func (r *commandRepo) InsertPending(ctx context.Context, cmd *storage.Command) error {
	now := time.Now()
	cmd.Status = storage.CommandPending
	cmd.CreatedAt = now
	cmd.UpdatedAt = now

	_, err := r.q.Exec(ctx, `
		INSERT INTO platform.command (id, name, business_key, idempotency_key, payload, status, retries, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, 0, $7, $8)`,
		cmd.ID, cmd.Name, cmd.BusinessKey, cmd.IdempotencyKey, cmd.Payload, cmd.Status, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

func (r *commandRepo) FindByID(ctx context.Context, id uuid.UUID) (*storage.Command, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM platform.command WHERE id = $1`, id)
	return scanCommand(row)
}

func (r *commandRepo) MarkRunning(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE platform.command
		SET status = $2, lease_until = $3, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`,
		id, storage.CommandRunning, leaseUntil, storage.CommandPending, storage.CommandRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to mark command running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (r *commandRepo) MarkRetrying(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	var retries int
	err := r.q.QueryRow(ctx, `
		UPDATE platform.command
		SET status = $2, retries = retries + 1, lease_until = NULL, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = $4
		RETURNING retries`,
		id, storage.CommandPending, lastError, storage.CommandRunning,
	).Scan(&retries)
	if err != nil {
		if isNoRows(err) {
			return 0, storage.ErrConflict
		}
		return 0, fmt.Errorf("failed to mark command retrying: %w", err)
	}
	return retries, nil
}

func (r *commandRepo) MarkTerminal(ctx context.Context, id uuid.UUID, status storage.CommandStatus, lastError string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	// Terminal states are monotonic; a row already terminal stays put.
	tag, err := r.q.Exec(ctx, `
		UPDATE platform.command
		SET status = $2, last_error = NULLIF($3, ''), lease_until = NULL, updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`,
		id, status, lastError, storage.CommandPending, storage.CommandRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to mark command terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (r *commandRepo) FindExpiredLeases(ctx context.Context, limit int) ([]*storage.Command, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+commandColumns+` FROM platform.command
		WHERE status = $1 AND lease_until < now()
		ORDER BY lease_until ASC
		LIMIT $2`,
		storage.CommandRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired leases: %w", err)
	}
	defer rows.Close()

	var cmds []*storage.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired leases: %w", err)
	}
	return cmds, nil
}

func scanCommand(row interface{ Scan(...interface{}) error }) (*storage.Command, error) {
	var (
		cmd         storage.Command
		businessKey *string
		lastError   *string
	)
	err := row.Scan(
		&cmd.ID, &cmd.Name, &businessKey, &cmd.IdempotencyKey, &cmd.Payload,
		&cmd.Status, &cmd.Retries, &cmd.LeaseUntil, &lastError,
		&cmd.CreatedAt, &cmd.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan command: %w", err)
	}
	if businessKey != nil {
		cmd.BusinessKey = *businessKey
	}
	if lastError != nil {
		cmd.LastError = *lastError
	}
	return &cmd, nil
}
