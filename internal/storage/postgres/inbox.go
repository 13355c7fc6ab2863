package postgres

import (
	"context"
	"fmt"

	"github.com/flowmesh/flowmesh/internal/storage"
)

type inboxRepo struct {
	q querier
}

func (r *inboxRepo) InsertIfAbsent(ctx context.Context, messageID, handler string) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO platform.inbox (message_id, handler, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (message_id, handler) DO NOTHING`,
		messageID, handler,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert inbox record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *inboxRepo) Delete(ctx context.Context, messageID, handler string) error {
	_, err := r.q.Exec(ctx,
		`DELETE FROM platform.inbox WHERE message_id = $1 AND handler = $2`,
		messageID, handler,
	)
	if err != nil {
		return fmt.Errorf("failed to delete inbox record: %w", err)
	}
	return nil
}

var _ storage.InboxRepo = (*inboxRepo)(nil)
