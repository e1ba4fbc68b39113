// Package conflict exposes the read/retry/dismiss surface over conflicted
// queue entries. It carries no business logic of its own; the UI renders
// conflicts through it without knowing queue internals.
package conflict

import (
	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/internal/oplog"
	"stocksync/pkg/logger"
)

// Resolver is the conflict command surface.
type Resolver struct {
	queue *oplog.Log
	log   *logger.Logger

	// notify asks the sync processor for a drain after a retry.
	notify func()

	// compensate reverts the optimistic local projection of a dismissed
	// entry. Optional.
	compensate func(entity.PendingOperation)
}

// New creates a resolver. notify and compensate may be nil.
func New(queue *oplog.Log, notify func(), compensate func(entity.PendingOperation), log *logger.Logger) *Resolver {
	return &Resolver{
		queue:      queue,
		log:        log.WithComponent("conflict"),
		notify:     notify,
		compensate: compensate,
	}
}

// List returns conflicted entries in created_at order, read-only.
func (r *Resolver) List() []entity.PendingOperation {
	return r.queue.ListConflicts()
}

// ListFailed returns entries whose retry budget ran out. They share the
// retry/dismiss commands with conflicts.
func (r *Resolver) ListFailed() []entity.PendingOperation {
	return r.queue.ListFailed()
}

// Retry re-enqueues one conflicted or failed entry and triggers a drain.
func (r *Resolver) Retry(opID id.ID) error {
	if err := r.queue.Retry(opID); err != nil {
		return err
	}
	r.log.Infow("conflict retried", "op_id", opID)
	if r.notify != nil {
		r.notify()
	}
	return nil
}

// RetryAll retries every conflicted entry sequentially. The first error
// stops the walk; entries already retried stay pending.
func (r *Resolver) RetryAll() error {
	for _, op := range r.queue.ListConflicts() {
		if err := r.queue.Retry(op.ID); err != nil {
			return err
		}
	}
	if r.notify != nil {
		r.notify()
	}
	return nil
}

// Dismiss discards one entry and compensates its optimistic local change.
func (r *Resolver) Dismiss(opID id.ID) error {
	op, ok := r.queue.Get(opID)
	if err := r.queue.Dismiss(opID); err != nil {
		return err
	}
	r.log.Infow("conflict dismissed", "op_id", opID)
	if ok && r.compensate != nil {
		r.compensate(op)
	}
	return nil
}

// DismissAll discards every conflicted entry sequentially.
func (r *Resolver) DismissAll() error {
	for _, op := range r.queue.ListConflicts() {
		if err := r.Dismiss(op.ID); err != nil {
			return err
		}
	}
	return nil
}
