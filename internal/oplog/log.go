// Package oplog implements the durable, ordered queue of mutations awaiting
// confirmation by the remote store.
//
// The Log is the only structure mutated by more than one logical actor
// (submission, sync drain, conflict resolution), so every state transition
// happens under one mutex and is flushed to durable storage before it is
// observable. The host runtime may be effectively single-threaded today, but
// the actor boundary keeps a multi-goroutine port correct.
package oplog

import (
	"sort"
	"sync"

	"stocksync/internal/core/apperror"
	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/pkg/logger"
)

// Store persists log entries. Every mutation is flushed synchronously;
// a write failure must surface to the caller, never drop an operation.
type Store interface {
	Insert(op entity.PendingOperation) error
	Update(op entity.PendingOperation) error
	Delete(opID id.ID) error
	LoadActive() ([]entity.PendingOperation, error)
}

// Log is the pending operation queue.
type Log struct {
	mu    sync.Mutex
	store Store
	ops   map[id.ID]*entity.PendingOperation

	// onStorageError escalates durable-storage failures to the health monitor.
	onStorageError func(error)

	log *logger.Logger
}

// Open loads persisted entries and returns a ready log. Entries found in
// `syncing` state were interrupted mid-drain by a crash; their remote outcome
// is unknown, so they are requeued as pending for the next pass.
func Open(store Store, log *logger.Logger) (*Log, error) {
	ops, err := store.LoadActive()
	if err != nil {
		return nil, apperror.NewStorage("load pending operations", err)
	}

	l := &Log{
		store: store,
		ops:   make(map[id.ID]*entity.PendingOperation, len(ops)),
		log:   log.WithComponent("oplog"),
	}

	for i := range ops {
		op := ops[i]
		if op.Status == entity.OpStatusSyncing {
			op.Status = entity.OpStatusPending
			if err := store.Update(op); err != nil {
				return nil, apperror.NewStorage("requeue interrupted operation", err)
			}
			l.log.Infow("requeued interrupted operation", "op_id", op.ID, "entity", op.Table)
		}
		l.ops[op.ID] = &op
	}

	return l, nil
}

// SetStorageErrorHandler registers the escalation hook. Called outside the
// log mutex is not guaranteed; handlers must be non-blocking.
func (l *Log) SetStorageErrorHandler(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStorageError = fn
}

// Enqueue appends an operation with status pending. No deduplication:
// two logically equal operations stay distinct entries.
func (l *Log) Enqueue(op entity.PendingOperation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	op.Status = entity.OpStatusPending
	if err := l.store.Insert(op); err != nil {
		return l.storageError("enqueue operation", err)
	}
	l.ops[op.ID] = &op

	l.log.Infow("operation enqueued", "op_id", op.ID, "entity", op.Table, "action", op.Action)
	return nil
}

// ListPending returns pending entries in created_at order.
func (l *Log) ListPending() []entity.PendingOperation {
	return l.list(entity.OpStatusPending)
}

// ListConflicts returns conflicted entries in created_at order.
func (l *Log) ListConflicts() []entity.PendingOperation {
	return l.list(entity.OpStatusConflict)
}

// ListFailed returns entries whose retry budget is exhausted.
func (l *Log) ListFailed() []entity.PendingOperation {
	return l.list(entity.OpStatusFailed)
}

// Summary returns queue counters for badge UI.
func (l *Log) Summary() entity.QueueSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s entity.QueueSummary
	for _, op := range l.ops {
		switch op.Status {
		case entity.OpStatusPending, entity.OpStatusSyncing:
			s.Pending++
		case entity.OpStatusConflict:
			s.Conflicts++
		}
	}
	return s
}

// Get returns a copy of the entry, if present.
func (l *Log) Get(opID id.ID) (entity.PendingOperation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op, ok := l.ops[opID]
	if !ok {
		return entity.PendingOperation{}, false
	}
	return *op, true
}

// Retry re-enqueues a conflicted or failed entry as pending, clearing its
// error and attempt count.
func (l *Log) Retry(opID id.ID) error {
	return l.transition(opID, func(op *entity.PendingOperation) error {
		if op.Status != entity.OpStatusConflict && op.Status != entity.OpStatusFailed {
			return apperror.NewValidation("only conflict or failed entries can be retried").
				WithDetail("op_id", opID.String()).
				WithDetail("status", string(op.Status))
		}
		op.Status = entity.OpStatusPending
		op.Error = ""
		op.Attempts = 0
		return nil
	})
}

// Dismiss removes the entry permanently. It does not revert the optimistic
// local change; the orchestrator issues a compensating update when needed.
func (l *Log) Dismiss(opID id.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ops[opID]; !ok {
		return apperror.NewNotFound("pending operation", opID.String())
	}
	if err := l.store.Delete(opID); err != nil {
		return l.storageError("dismiss operation", err)
	}
	delete(l.ops, opID)

	l.log.Infow("operation dismissed", "op_id", opID)
	return nil
}

// --- Processor-facing transitions ---

// MarkSyncing claims a pending entry for an in-flight remote call.
func (l *Log) MarkSyncing(opID id.ID) error {
	return l.transition(opID, func(op *entity.PendingOperation) error {
		if op.Status != entity.OpStatusPending {
			return apperror.NewValidation("only pending entries can enter syncing").
				WithDetail("op_id", opID.String()).
				WithDetail("status", string(op.Status))
		}
		op.Status = entity.OpStatusSyncing
		return nil
	})
}

// MarkDone removes a confirmed entry from the queue.
func (l *Log) MarkDone(opID id.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	op, ok := l.ops[opID]
	if !ok {
		return apperror.NewNotFound("pending operation", opID.String())
	}
	if op.Status != entity.OpStatusSyncing {
		return apperror.NewValidation("only syncing entries can complete").
			WithDetail("op_id", opID.String()).
			WithDetail("status", string(op.Status))
	}
	if err := l.store.Delete(opID); err != nil {
		return l.storageError("complete operation", err)
	}
	delete(l.ops, opID)
	return nil
}

// MarkConflict parks an entry rejected by the remote store for human review.
func (l *Log) MarkConflict(opID id.ID, message string) error {
	return l.transition(opID, func(op *entity.PendingOperation) error {
		op.Status = entity.OpStatusConflict
		op.Error = message
		return nil
	})
}

// MarkFailed parks an entry whose retry budget is exhausted.
func (l *Log) MarkFailed(opID id.ID, message string) error {
	return l.transition(opID, func(op *entity.PendingOperation) error {
		op.Status = entity.OpStatusFailed
		op.Error = message
		return nil
	})
}

// RequeueTransient returns a syncing entry to pending after a transient
// failure and reports the new attempt count so the processor can apply the
// retry budget.
func (l *Log) RequeueTransient(opID id.ID, message string) (int, error) {
	var attempts int
	err := l.transition(opID, func(op *entity.PendingOperation) error {
		if op.Status != entity.OpStatusSyncing {
			return apperror.NewValidation("only syncing entries can be requeued").
				WithDetail("op_id", opID.String()).
				WithDetail("status", string(op.Status))
		}
		op.Status = entity.OpStatusPending
		op.Attempts++
		op.Error = message
		attempts = op.Attempts
		return nil
	})
	return attempts, err
}

// --- internals ---

func (l *Log) list(status entity.OpStatus) []entity.PendingOperation {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []entity.PendingOperation
	for _, op := range l.ops {
		if op.Status == status {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (l *Log) transition(opID id.ID, mutate func(*entity.PendingOperation) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	op, ok := l.ops[opID]
	if !ok {
		return apperror.NewNotFound("pending operation", opID.String())
	}

	updated := *op
	if err := mutate(&updated); err != nil {
		return err
	}
	if err := l.store.Update(updated); err != nil {
		return l.storageError("update operation", err)
	}
	*op = updated
	return nil
}

// storageError wraps, escalates and logs a durable-storage failure.
// Callers must hold the mutex.
func (l *Log) storageError(msg string, err error) error {
	wrapped := apperror.NewStorage(msg, err)
	l.log.Errorw("durable storage write failed", "error", err, "operation", msg)
	if l.onStorageError != nil {
		go l.onStorageError(wrapped)
	}
	return wrapped
}
