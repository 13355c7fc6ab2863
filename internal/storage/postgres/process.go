package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/internal/database"
	"github.com/flowmesh/flowmesh/internal/storage"
)

type processRepo struct {
	q querier
}

const processColumns = `process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at`

func (r *processRepo) Insert(ctx context.Context, inst *storage.ProcessInstance, event []byte) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal process data: %w", err)
	}

	err = r.q.QueryRow(ctx, `
		INSERT INTO platform.process_instance (process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING created_at, updated_at`,
		inst.ProcessID, inst.ProcessType, inst.BusinessKey, inst.Status,
		inst.CurrentStep, data, inst.Retries,
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("failed to insert process instance: %w", err)
	}

	return r.appendLog(ctx, inst.ProcessID, event)
}

func (r *processRepo) Update(ctx context.Context, inst *storage.ProcessInstance, event []byte) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal process data: %w", err)
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE platform.process_instance
		SET status = $2, current_step = $3, data = $4, retries = $5, updated_at = now()
		WHERE process_id = $1`,
		inst.ProcessID, inst.Status, inst.CurrentStep, data, inst.Retries,
	)
	if err != nil {
		return fmt.Errorf("failed to update process instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	return r.appendLog(ctx, inst.ProcessID, event)
}

// appendLog writes exactly one log entry with the next seq. A concurrent
// appender taking the same seq surfaces as ErrConflict for optimistic retry.
func (r *processRepo) appendLog(ctx context.Context, id uuid.UUID, event []byte) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO platform.process_log (process_id, seq, at, event)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM platform.process_log WHERE process_id = $1), now(), $2)`,
		id, event,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to append process log: %w", err)
	}
	return nil
}

func (r *processRepo) FindByID(ctx context.Context, id uuid.UUID) (*storage.ProcessInstance, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+processColumns+` FROM platform.process_instance WHERE process_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find process instance: %w", err)
	}
	instances, err := scanProcessRows(rows)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, storage.ErrNotFound
	}
	return instances[0], nil
}

func (r *processRepo) FindByStatus(ctx context.Context, status storage.ProcessStatus, limit int) ([]*storage.ProcessInstance, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+processColumns+` FROM platform.process_instance
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find processes by status: %w", err)
	}
	return scanProcessRows(rows)
}

func (r *processRepo) FindByBusinessKey(ctx context.Context, processType, businessKey string) (*storage.ProcessInstance, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+processColumns+` FROM platform.process_instance
		WHERE process_type = $1 AND business_key = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		processType, businessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find process by business key: %w", err)
	}
	instances, err := scanProcessRows(rows)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, storage.ErrNotFound
	}
	return instances[0], nil
}

func (r *processRepo) Log(ctx context.Context, id uuid.UUID, limit int) ([]*storage.ProcessLogEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT process_id, seq, at, event
		FROM platform.process_log
		WHERE process_id = $1
		ORDER BY seq ASC
		LIMIT $2`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read process log: %w", err)
	}
	defer rows.Close()

	var entries []*storage.ProcessLogEntry
	for rows.Next() {
		var e storage.ProcessLogEntry
		if err := rows.Scan(&e.ProcessID, &e.Seq, &e.At, &e.Event); err != nil {
			return nil, fmt.Errorf("failed to scan process log entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process log: %w", err)
	}
	return entries, nil
}

func scanProcessRows(rows database.Rows) ([]*storage.ProcessInstance, error) {
	defer rows.Close()

	var instances []*storage.ProcessInstance
	for rows.Next() {
		var (
			inst storage.ProcessInstance
			data []byte
		)
		err := rows.Scan(
			&inst.ProcessID, &inst.ProcessType, &inst.BusinessKey, &inst.Status,
			&inst.CurrentStep, &data, &inst.Retries, &inst.CreatedAt, &inst.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process instance: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &inst.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal process data: %w", err)
			}
		}
		instances = append(instances, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process instances: %w", err)
	}
	return instances, nil
}

var _ storage.ProcessRepo = (*processRepo)(nil)
