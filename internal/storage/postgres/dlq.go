package postgres

import (
	"context"
	"fmt"

	"github.com/flowmesh/flowmesh/internal/storage"
)

type dlqRepo struct {
	q querier
}

func (r *dlqRepo) Park(ctx context.Context, dl *storage.DeadLetter) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO platform.dlq (command_id, command_name, business_key, payload, failed_status, error_class, error_message, attempts, parked_by, parked_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, now())
		RETURNING id, parked_at`,
		dl.CommandID, dl.CommandName, dl.BusinessKey, dl.Payload,
		dl.FailedStatus, dl.ErrorClass, dl.ErrorMessage, dl.Attempts, dl.ParkedBy,
	).Scan(&dl.ID, &dl.ParkedAt)
	if err != nil {
		return fmt.Errorf("failed to park dead letter: %w", err)
	}
	return nil
}

func (r *dlqRepo) List(ctx context.Context, limit int) ([]*storage.DeadLetter, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, command_id, command_name, business_key, payload, failed_status, error_class, error_message, attempts, parked_by, parked_at
		FROM platform.dlq
		ORDER BY parked_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*storage.DeadLetter
	for rows.Next() {
		var (
			dl          storage.DeadLetter
			businessKey *string
		)
		err := rows.Scan(
			&dl.ID, &dl.CommandID, &dl.CommandName, &businessKey, &dl.Payload,
			&dl.FailedStatus, &dl.ErrorClass, &dl.ErrorMessage, &dl.Attempts,
			&dl.ParkedBy, &dl.ParkedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if businessKey != nil {
			dl.BusinessKey = *businessKey
		}
		letters = append(letters, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return letters, nil
}

var _ storage.DLQRepo = (*dlqRepo)(nil)
