// Package memory provides a thread-safe in-memory implementation of the
// persistence port. Useful for offline runs and unit tests; transactions are
// serialized, not isolated.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/internal/storage"
)

// Store implements storage.Store in memory.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	commands     map[uuid.UUID]*storage.Command
	byIdem       map[string]uuid.UUID
	outbox       map[int64]*storage.OutboxEntry
	outboxOrder  []int64
	nextOutboxID int64
	inbox        map[[2]string]time.Time
	dlq          []*storage.DeadLetter
	processes    map[uuid.UUID]*storage.ProcessInstance
	logs         map[uuid.UUID][]*storage.ProcessLogEntry
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		commands:  make(map[uuid.UUID]*storage.Command),
		byIdem:    make(map[string]uuid.UUID),
		outbox:    make(map[int64]*storage.OutboxEntry),
		inbox:     make(map[[2]string]time.Time),
		processes: make(map[uuid.UUID]*storage.ProcessInstance),
		logs:      make(map[uuid.UUID][]*storage.ProcessLogEntry),
	}
}

func (s *Store) Commands() storage.CommandRepo  { return (*commandRepo)(s) }
func (s *Store) Outbox() storage.OutboxRepo     { return (*outboxRepo)(s) }
func (s *Store) Inbox() storage.InboxRepo       { return (*inboxRepo)(s) }
func (s *Store) DLQ() storage.DLQRepo           { return (*dlqRepo)(s) }
func (s *Store) Processes() storage.ProcessRepo { return (*processRepo)(s) }

// WithTx serializes grouped operations; there is no rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}

type commandRepo Store

func (r *commandRepo) ExistsByIdempotency(ctx context.Context, key string) (uuid.UUID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byIdem[key]
	return id, ok, nil
}

func (r *commandRepo) InsertPending(ctx context.Context, cmd *storage.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byIdem[cmd.IdempotencyKey]; ok {
		return storage.ErrDuplicate
	}
	now := time.Now()
	cp := *cmd
	cp.Status = storage.CommandPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.commands[cmd.ID] = &cp
	r.byIdem[cmd.IdempotencyKey] = cmd.ID
	cmd.Status = cp.Status
	cmd.CreatedAt = now
	cmd.UpdatedAt = now
	return nil
}

func (r *commandRepo) FindByID(ctx context.Context, id uuid.UUID) (*storage.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *cmd
	return &cp, nil
}

func (r *commandRepo) MarkRunning(ctx context.Context, id uuid.UUID, leaseUntil time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok || cmd.Status.IsTerminal() {
		return storage.ErrConflict
	}
	cmd.Status = storage.CommandRunning
	cmd.LeaseUntil = &leaseUntil
	cmd.UpdatedAt = time.Now()
	return nil
}

func (r *commandRepo) MarkRetrying(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok || cmd.Status != storage.CommandRunning {
		return 0, storage.ErrConflict
	}
	cmd.Status = storage.CommandPending
	cmd.Retries++
	cmd.LeaseUntil = nil
	cmd.LastError = lastError
	cmd.UpdatedAt = time.Now()
	return cmd.Retries, nil
}

func (r *commandRepo) MarkTerminal(ctx context.Context, id uuid.UUID, status storage.CommandStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok || cmd.Status.IsTerminal() {
		return storage.ErrConflict
	}
	cmd.Status = status
	cmd.LastError = lastError
	cmd.LeaseUntil = nil
	cmd.UpdatedAt = time.Now()
	return nil
}

func (r *commandRepo) FindExpiredLeases(ctx context.Context, limit int) ([]*storage.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []*storage.Command
	for _, cmd := range r.commands {
		if len(out) >= limit {
			break
		}
		if cmd.Status == storage.CommandRunning && cmd.LeaseUntil != nil && cmd.LeaseUntil.Before(now) {
			cp := *cmd
			out = append(out, &cp)
		}
	}
	return out, nil
}

type outboxRepo Store

func (r *outboxRepo) Insert(ctx context.Context, entry *storage.OutboxEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextOutboxID++
	cp := *entry
	cp.ID = r.nextOutboxID
	cp.Status = storage.OutboxNew
	cp.CreatedAt = time.Now()
	if cp.Headers == nil {
		cp.Headers = make(map[string]string)
	}
	r.outbox[cp.ID] = &cp
	r.outboxOrder = append(r.outboxOrder, cp.ID)
	entry.ID = cp.ID
	entry.Status = cp.Status
	entry.CreatedAt = cp.CreatedAt
	return cp.ID, nil
}

func (r *outboxRepo) ClaimIfNew(ctx context.Context, id int64, claimer string) (*storage.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.outbox[id]
	if !ok || e.Status != storage.OutboxNew {
		return nil, nil
	}
	if e.NextAt != nil && e.NextAt.After(time.Now()) {
		return nil, nil
	}
	now := time.Now()
	e.Status = storage.OutboxClaimed
	e.ClaimedBy = claimer
	e.ClaimedAt = &now
	cp := *e
	return &cp, nil
}

func (r *outboxRepo) ClaimBatch(ctx context.Context, n int, claimer string, stuckThreshold time.Duration) ([]*storage.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var claimed []*storage.OutboxEntry
	for _, id := range r.outboxOrder {
		if len(claimed) >= n {
			break
		}
		e := r.outbox[id]
		if e == nil {
			continue
		}
		eligible := e.Status == storage.OutboxNew ||
			((e.Status == storage.OutboxClaimed || e.Status == storage.OutboxSending) &&
				e.ClaimedAt != nil && e.ClaimedAt.Before(now.Add(-stuckThreshold)))
		if !eligible {
			continue
		}
		if e.NextAt != nil && e.NextAt.After(now) {
			continue
		}
		claimedAt := now
		e.Status = storage.OutboxClaimed
		e.ClaimedBy = claimer
		e.ClaimedAt = &claimedAt
		cp := *e
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *outboxRepo) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var recovered int64
	for _, e := range r.outbox {
		if (e.Status == storage.OutboxClaimed || e.Status == storage.OutboxSending) &&
			e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = storage.OutboxNew
			e.Attempts++
			e.ClaimedBy = ""
			e.ClaimedAt = nil
			recovered++
		}
	}
	return recovered, nil
}

func (r *outboxRepo) MarkPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Status != storage.OutboxClaimed && e.Status != storage.OutboxSending {
		return storage.ErrConflict
	}
	now := time.Now()
	e.Status = storage.OutboxPublished
	e.PublishedAt = &now
	e.LastError = ""
	return nil
}

func (r *outboxRepo) Reschedule(ctx context.Context, id int64, nextAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Status = storage.OutboxNew
	e.Attempts++
	e.NextAt = &nextAt
	e.LastError = lastError
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	return nil
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id int64, lastError string, nextAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Status = storage.OutboxFailed
	e.Attempts++
	e.LastError = lastError
	e.NextAt = nextAt
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	return nil
}

func (r *outboxRepo) FindByID(ctx context.Context, id int64) (*storage.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.outbox[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *outboxRepo) FindCommandRequest(ctx context.Context, commandID string) (*storage.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.outboxOrder) - 1; i >= 0; i-- {
		e := r.outbox[r.outboxOrder[i]]
		if e == nil || e.Category != storage.CategoryCommand {
			continue
		}
		var env struct {
			CommandID string `json:"commandId"`
		}
		if json.Unmarshal(e.Payload, &env) == nil && env.CommandID == commandID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *outboxRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, e := range r.outbox {
		if e.Status == storage.OutboxPublished && e.PublishedAt != nil && e.PublishedAt.Before(cutoff) {
			delete(r.outbox, id)
			deleted++
		}
	}
	return deleted, nil
}

type inboxRepo Store

func (r *inboxRepo) InsertIfAbsent(ctx context.Context, messageID, handler string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]string{messageID, handler}
	if _, ok := r.inbox[key]; ok {
		return false, nil
	}
	r.inbox[key] = time.Now()
	return true, nil
}

func (r *inboxRepo) Delete(ctx context.Context, messageID, handler string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inbox, [2]string{messageID, handler})
	return nil
}

type dlqRepo Store

func (r *dlqRepo) Park(ctx context.Context, dl *storage.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *dl
	cp.ID = int64(len(r.dlq) + 1)
	cp.ParkedAt = time.Now()
	r.dlq = append(r.dlq, &cp)
	dl.ID = cp.ID
	dl.ParkedAt = cp.ParkedAt
	return nil
}

func (r *dlqRepo) List(ctx context.Context, limit int) ([]*storage.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*storage.DeadLetter, 0, limit)
	for i := len(r.dlq) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *r.dlq[i]
		out = append(out, &cp)
	}
	return out, nil
}

type processRepo Store

func (r *processRepo) Insert(ctx context.Context, inst *storage.ProcessInstance, event []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processes[inst.ProcessID]; ok {
		return storage.ErrDuplicate
	}
	now := time.Now()
	cp := inst.Clone()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.processes[inst.ProcessID] = cp
	r.appendLogLocked(inst.ProcessID, event)
	inst.CreatedAt = now
	inst.UpdatedAt = now
	return nil
}

func (r *processRepo) Update(ctx context.Context, inst *storage.ProcessInstance, event []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processes[inst.ProcessID]; !ok {
		return storage.ErrNotFound
	}
	cp := inst.Clone()
	cp.UpdatedAt = time.Now()
	r.processes[inst.ProcessID] = cp
	r.appendLogLocked(inst.ProcessID, event)
	return nil
}

func (r *processRepo) appendLogLocked(id uuid.UUID, event []byte) {
	seq := int64(len(r.logs[id]) + 1)
	r.logs[id] = append(r.logs[id], &storage.ProcessLogEntry{
		ProcessID: id,
		Seq:       seq,
		At:        time.Now(),
		Event:     append([]byte(nil), event...),
	})
}

func (r *processRepo) FindByID(ctx context.Context, id uuid.UUID) (*storage.ProcessInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.processes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return inst.Clone(), nil
}

func (r *processRepo) FindByStatus(ctx context.Context, status storage.ProcessStatus, limit int) ([]*storage.ProcessInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*storage.ProcessInstance
	for _, inst := range r.processes {
		if inst.Status == status {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *processRepo) FindByBusinessKey(ctx context.Context, processType, businessKey string) (*storage.ProcessInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *storage.ProcessInstance
	for _, inst := range r.processes {
		if inst.ProcessType == processType && inst.BusinessKey == businessKey {
			if latest == nil || inst.CreatedAt.After(latest.CreatedAt) {
				latest = inst
			}
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest.Clone(), nil
}

func (r *processRepo) Log(ctx context.Context, id uuid.UUID, limit int) ([]*storage.ProcessLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.logs[id]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*storage.ProcessLogEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

var _ storage.Store = (*Store)(nil)
