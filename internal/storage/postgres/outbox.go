package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/internal/database"
	"github.com/flowmesh/flowmesh/internal/storage"
)

type outboxRepo struct {
	q    querier
	caps Capabilities
}

const outboxColumns = `id, category, topic, key, type, payload, headers, status, attempts, next_at, claimed_by, claimed_at, created_at, published_at, last_error`

func (r *outboxRepo) Insert(ctx context.Context, entry *storage.OutboxEntry) (int64, error) {
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal outbox headers: %w", err)
	}

	var id int64
	err = r.q.QueryRow(ctx, `
		INSERT INTO platform.outbox (category, topic, key, type, payload, headers, status, attempts, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, 0, now())
		RETURNING id`,
		entry.Category, entry.Topic, entry.Key, entry.Type, entry.Payload, headers, storage.OutboxNew,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	entry.ID = id
	entry.Status = storage.OutboxNew
	return id, nil
}

func (r *outboxRepo) ClaimIfNew(ctx context.Context, id int64, claimer string) (*storage.OutboxEntry, error) {
	rows, err := r.q.Query(ctx, `
		UPDATE platform.outbox
		SET status = $2, claimed_by = $3, claimed_at = now()
		WHERE id = $1 AND status = $4 AND (next_at IS NULL OR next_at <= now())
		RETURNING `+outboxColumns,
		id, storage.OutboxClaimed, claimer, storage.OutboxNew,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entry: %w", err)
	}
	entries, err := scanOutboxRows(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (r *outboxRepo) ClaimBatch(ctx context.Context, n int, claimer string, stuckThreshold time.Duration) ([]*storage.OutboxEntry, error) {
	if r.caps.SkipLocked {
		return r.claimBatchSkipLocked(ctx, n, claimer, stuckThreshold)
	}
	return r.claimBatchFallback(ctx, n, claimer, stuckThreshold)
}

func (r *outboxRepo) claimBatchSkipLocked(ctx context.Context, n int, claimer string, stuckThreshold time.Duration) ([]*storage.OutboxEntry, error) {
	stuckBefore := time.Now().Add(-stuckThreshold)
	rows, err := r.q.Query(ctx, `
		WITH picked AS (
			SELECT id FROM platform.outbox
			WHERE (status = $3
			       OR (status IN ($4, $5) AND claimed_at < $6))
			  AND (next_at IS NULL OR next_at <= now())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE platform.outbox o
		SET status = $4, claimed_by = $2, claimed_at = now()
		FROM picked
		WHERE o.id = picked.id
		RETURNING `+qualifiedOutboxColumns("o"),
		n, claimer,
		storage.OutboxNew, storage.OutboxClaimed, storage.OutboxSending,
		stuckBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	return scanOutboxRows(rows)
}

// claimBatchFallback selects candidates and claims each with a conditional
// update; losing a row to a concurrent claimer skips it. Unique winner is
// guaranteed by the status predicate on the update.
func (r *outboxRepo) claimBatchFallback(ctx context.Context, n int, claimer string, stuckThreshold time.Duration) ([]*storage.OutboxEntry, error) {
	stuckBefore := time.Now().Add(-stuckThreshold)
	rows, err := r.q.Query(ctx, `
		SELECT id, status, claimed_at FROM platform.outbox
		WHERE (status = $2
		       OR (status IN ($3, $4) AND claimed_at < $5))
		  AND (next_at IS NULL OR next_at <= now())
		ORDER BY created_at ASC
		LIMIT $1`,
		n, storage.OutboxNew, storage.OutboxClaimed, storage.OutboxSending, stuckBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}

	type candidate struct {
		id        int64
		status    storage.OutboxStatus
		claimedAt *time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.status, &c.claimedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claim candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claim candidates: %w", err)
	}

	var claimed []*storage.OutboxEntry
	for _, c := range candidates {
		won, err := r.q.Query(ctx, `
			UPDATE platform.outbox
			SET status = $2, claimed_by = $3, claimed_at = now()
			WHERE id = $1 AND status = $4 AND claimed_at IS NOT DISTINCT FROM $5
			RETURNING `+outboxColumns,
			c.id, storage.OutboxClaimed, claimer, c.status, c.claimedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to claim candidate %d: %w", c.id, err)
		}
		entries, err := scanOutboxRows(won)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entries...)
	}
	return claimed, nil
}

func (r *outboxRepo) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	// A lost claim counts as a failed attempt.
	tag, err := r.q.Exec(ctx, `
		UPDATE platform.outbox
		SET status = $1, attempts = attempts + 1, claimed_by = NULL, claimed_at = NULL
		WHERE status IN ($2, $3) AND claimed_at < $4`,
		storage.OutboxNew, storage.OutboxClaimed, storage.OutboxSending, time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *outboxRepo) MarkPublished(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE platform.outbox
		SET status = $2, published_at = now(), last_error = NULL
		WHERE id = $1 AND status IN ($3, $4)`,
		id, storage.OutboxPublished, storage.OutboxClaimed, storage.OutboxSending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (r *outboxRepo) Reschedule(ctx context.Context, id int64, nextAt time.Time, lastError string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE platform.outbox
		SET status = $2, attempts = attempts + 1, next_at = $3, last_error = $4,
		    claimed_by = NULL, claimed_at = NULL
		WHERE id = $1`,
		id, storage.OutboxNew, nextAt, lastError,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox entry: %w", err)
	}
	return nil
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id int64, lastError string, nextAt *time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE platform.outbox
		SET status = $2, attempts = attempts + 1, last_error = $3, next_at = $4,
		    claimed_by = NULL, claimed_at = NULL
		WHERE id = $1`,
		id, storage.OutboxFailed, lastError, nextAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry failed: %w", err)
	}
	return nil
}

func (r *outboxRepo) FindByID(ctx context.Context, id int64) (*storage.OutboxEntry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+outboxColumns+` FROM platform.outbox WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find outbox entry: %w", err)
	}
	entries, err := scanOutboxRows(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, storage.ErrNotFound
	}
	return entries[0], nil
}

func (r *outboxRepo) FindCommandRequest(ctx context.Context, commandID string) (*storage.OutboxEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+outboxColumns+` FROM platform.outbox
		WHERE category = $1 AND payload->>'commandId' = $2
		ORDER BY id DESC
		LIMIT 1`,
		storage.CategoryCommand, commandID)
	if err != nil {
		return nil, fmt.Errorf("failed to find command request: %w", err)
	}
	entries, err := scanOutboxRows(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, storage.ErrNotFound
	}
	return entries[0], nil
}

func (r *outboxRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM platform.outbox
		WHERE status = $1 AND published_at < $2`,
		storage.OutboxPublished, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func qualifiedOutboxColumns(alias string) string {
	return alias + ".id, " + alias + ".category, " + alias + ".topic, " + alias + ".key, " +
		alias + ".type, " + alias + ".payload, " + alias + ".headers, " + alias + ".status, " +
		alias + ".attempts, " + alias + ".next_at, " + alias + ".claimed_by, " + alias + ".claimed_at, " +
		alias + ".created_at, " + alias + ".published_at, " + alias + ".last_error"
}

func scanOutboxRows(rows database.Rows) ([]*storage.OutboxEntry, error) {
	defer rows.Close()

	var entries []*storage.OutboxEntry
	for rows.Next() {
		var (
			e         storage.OutboxEntry
			key       *string
			claimedBy *string
			lastError *string
			headers   []byte
		)
		err := rows.Scan(
			&e.ID, &e.Category, &e.Topic, &key, &e.Type, &e.Payload, &headers,
			&e.Status, &e.Attempts, &e.NextAt, &claimedBy, &e.ClaimedAt,
			&e.CreatedAt, &e.PublishedAt, &lastError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		if key != nil {
			e.Key = *key
		}
		if claimedBy != nil {
			e.ClaimedBy = *claimedBy
		}
		if lastError != nil {
			e.LastError = *lastError
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &e.Headers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal outbox headers: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox entries: %w", err)
	}
	return entries, nil
}
