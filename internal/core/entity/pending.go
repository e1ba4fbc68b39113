package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"stocksync/internal/core/id"
)

// Table names the remote entity a pending operation targets.
type Table string

const (
	TableItems        Table = "items"
	TableTransactions Table = "transactions"
	TableCategories   Table = "categories"
	TableContractors  Table = "contractors"
	TableUsers        Table = "users"
)

// Tables lists all syncable tables in drain order.
func Tables() []Table {
	return []Table{TableItems, TableCategories, TableContractors, TableUsers, TableTransactions}
}

// Action is the kind of mutation a pending operation carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionUpsert Action = "upsert"
)

// OpStatus represents the state of a pending operation.
type OpStatus string

const (
	OpStatusPending  OpStatus = "pending"
	OpStatusSyncing  OpStatus = "syncing"
	OpStatusDone     OpStatus = "done"
	OpStatusConflict OpStatus = "conflict"
	OpStatusFailed   OpStatus = "failed"
)

// PendingOperation is a durable record of a mutation not yet confirmed by
// the remote store. The persisted shape must stay stable across application
// versions: entries may sit in the queue across a restart.
type PendingOperation struct {
	ID      id.ID           `db:"id" json:"id"`
	Table   Table           `db:"entity" json:"entity"`
	Action  Action          `db:"action" json:"action"`
	Payload json.RawMessage `db:"payload" json:"payload"`

	// BaseUpdatedAt is the remote updated_at the operation implicitly assumed
	// when it was queued. Updates and deletes carry it into the optimistic
	// concurrency guard; a newer remote value means conflict.
	BaseUpdatedAt *time.Time `db:"base_updated_at" json:"base_updated_at,omitempty"`

	Status    OpStatus  `db:"status" json:"status"`
	Attempts  int       `db:"attempts" json:"attempts"`
	Error     string    `db:"error" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// NewPendingOperation builds a pending operation with a generated id and a
// marshalled payload. Two logically equal operations stay distinct entries;
// the log never deduplicates.
func NewPendingOperation(table Table, action Action, payload any) (PendingOperation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("marshal operation payload: %w", err)
	}
	return PendingOperation{
		ID:        id.New(),
		Table:     table,
		Action:    action,
		Payload:   raw,
		Status:    OpStatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// TargetID extracts the id field from the payload. Updates and deletes
// address an existing remote row through it.
func (op *PendingOperation) TargetID() (id.ID, error) {
	var probe struct {
		ID id.ID `json:"id"`
	}
	if err := json.Unmarshal(op.Payload, &probe); err != nil {
		return id.Nil(), fmt.Errorf("extract target id: %w", err)
	}
	if id.IsNil(probe.ID) {
		return id.Nil(), fmt.Errorf("operation payload has no id")
	}
	return probe.ID, nil
}

// QueueSummary is the badge-UI counter pair.
type QueueSummary struct {
	Pending   int `json:"pending"`
	Conflicts int `json:"conflicts"`
}
