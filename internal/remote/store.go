// Package remote defines the contract to the authoritative store reachable
// over an unreliable link.
//
// Error semantics are the heart of the contract: implementations must return
// apperror.CodeTransient for failures worth an automatic retry (network,
// timeout) and any other AppError for rejections. The sync processor turns
// the former into a later pass and the latter into a conflict entry.
package remote

import (
	"context"

	"stocksync/internal/core/entity"
)

// Store is the remote source of truth.
type Store interface {
	// Apply executes a single queued mutation. Implementations must not
	// abandon an in-flight write: a call completes, times out or errors,
	// so the queue's at-most-once-per-outcome semantics hold.
	Apply(ctx context.Context, op entity.PendingOperation) error

	// Snapshot fetches all rows of every syncable table for cache hydration.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Counts reports row counts consulted by the data guard.
	Counts(ctx context.Context) (Counts, error)

	// Ping verifies reachability.
	Ping(ctx context.Context) error
}

// Snapshot is a full copy of the remote dataset.
type Snapshot struct {
	Items        []entity.Item
	Transactions []entity.Transaction
	Categories   []entity.Category
	Contractors  []entity.Contractor
	Users        []entity.User
}

// Counts holds the row counts the data guard inspects.
type Counts struct {
	Items        int64
	Transactions int64
	Users        int64
}

// AllZero reports an entirely empty remote store.
func (c Counts) AllZero() bool {
	return c.Items == 0 && c.Transactions == 0 && c.Users == 0
}
