package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned on a unique-constraint collision the caller
	// is expected to resolve (idempotency keys, inbox records).
	ErrDuplicate = errors.New("storage: duplicate")
	// ErrConflict is returned when an optimistic update lost the race and
	// should be retried by the caller.
	ErrConflict = errors.New("storage: conflict")
)

// CommandRepo exposes typed operations over the command table.
type CommandRepo interface {
	ExistsByIdempotency(ctx context.Context, key string) (uuid.UUID, bool, error)
	InsertPending(ctx context.Context, cmd *Command) error
	FindByID(ctx context.Context, id uuid.UUID) (*Command, error)
	MarkRunning(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error
	// MarkRetrying releases a RUNNING command back to PENDING so broker
	// redelivery can claim it again, incrementing retries. Returns the new
	// retry count.
	MarkRetrying(ctx context.Context, id uuid.UUID, lastError string) (int, error)
	MarkTerminal(ctx context.Context, id uuid.UUID, status CommandStatus, lastError string) error
	// FindExpiredLeases returns RUNNING commands whose lease has passed,
	// for the timeout watchdog.
	FindExpiredLeases(ctx context.Context, limit int) ([]*Command, error)
}

// OutboxRepo exposes typed operations over the outbox table.
type OutboxRepo interface {
	Insert(ctx context.Context, entry *OutboxEntry) (int64, error)
	// ClaimIfNew claims a single NEW entry for the fast-path worker.
	// Returns nil when the entry is absent or already owned.
	ClaimIfNew(ctx context.Context, id int64, claimer string) (*OutboxEntry, error)
	// ClaimBatch atomically claims up to n eligible entries: NEW rows, or
	// CLAIMED/SENDING rows whose claim is older than stuckThreshold, with
	// next_at null or past. No row is handed to two claimers.
	ClaimBatch(ctx context.Context, n int, claimer string, stuckThreshold time.Duration) ([]*OutboxEntry, error)
	// RecoverStuck re-opens CLAIMED/SENDING rows claimed before the
	// threshold and returns how many were recovered.
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	MarkPublished(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64, nextAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id int64, lastError string, nextAt *time.Time) error
	FindByID(ctx context.Context, id int64) (*OutboxEntry, error)
	// FindCommandRequest returns the original command-category entry whose
	// envelope carries the given command id. Used by the timeout watchdog
	// to reconstruct reply routing.
	FindCommandRequest(ctx context.Context, commandID string) (*OutboxEntry, error)
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// InboxRepo is the durable dedup set of (message, handler) tuples.
type InboxRepo interface {
	// InsertIfAbsent inserts and returns true, or detects the duplicate
	// and returns false without raising.
	InsertIfAbsent(ctx context.Context, messageID, handler string) (bool, error)
	// Delete releases an inbox slot so a redelivery can be processed again
	// after a retryable handler failure.
	Delete(ctx context.Context, messageID, handler string) error
}

// DLQRepo parks permanently failed commands.
type DLQRepo interface {
	Park(ctx context.Context, dl *DeadLetter) error
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
}

// ProcessRepo exposes typed operations over process instances and their log.
// Insert and Update write the instance row and append exactly one log entry
// in one commit; Update returns ErrConflict when a concurrent updater
// appended the next seq first.
type ProcessRepo interface {
	Insert(ctx context.Context, inst *ProcessInstance, event []byte) error
	Update(ctx context.Context, inst *ProcessInstance, event []byte) error
	FindByID(ctx context.Context, id uuid.UUID) (*ProcessInstance, error)
	FindByStatus(ctx context.Context, status ProcessStatus, limit int) ([]*ProcessInstance, error)
	FindByBusinessKey(ctx context.Context, processType, businessKey string) (*ProcessInstance, error)
	Log(ctx context.Context, id uuid.UUID, limit int) ([]*ProcessLogEntry, error)
}

// Tx is the set of repositories bound to one transaction.
type Tx interface {
	Commands() CommandRepo
	Outbox() OutboxRepo
	Inbox() InboxRepo
	DLQ() DLQRepo
	Processes() ProcessRepo
}

// Store is the persistence port. Repository methods called directly on the
// store run in their own implicit transaction; WithTx groups several
// operations into a single commit.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
