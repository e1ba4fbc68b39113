package oplog

import (
	"database/sql"
	"fmt"
	"time"

	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
)

// SQLiteStore persists log entries in the local database. Writes go through
// immediately; batching would open a window where a crash silently drops a
// user-recorded mutation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over an opened local database
// (see localdb.Open).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Insert(op entity.PendingOperation) error {
	_, err := s.db.Exec(`
		INSERT INTO pending_operations
			(id, entity, action, payload, base_updated_at, status, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID.String(), string(op.Table), string(op.Action), []byte(op.Payload),
		formatNullableTime(op.BaseUpdatedAt), string(op.Status), op.Attempts, op.Error,
		op.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert pending operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(op entity.PendingOperation) error {
	result, err := s.db.Exec(`
		UPDATE pending_operations
		SET status = ?, attempts = ?, error = ?
		WHERE id = ?
	`, string(op.Status), op.Attempts, op.Error, op.ID.String())
	if err != nil {
		return fmt.Errorf("update pending operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pending operation: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pending operation %s not persisted", op.ID)
	}
	return nil
}

func (s *SQLiteStore) Delete(opID id.ID) error {
	if _, err := s.db.Exec(`DELETE FROM pending_operations WHERE id = ?`, opID.String()); err != nil {
		return fmt.Errorf("delete pending operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadActive() ([]entity.PendingOperation, error) {
	rows, err := s.db.Query(`
		SELECT id, entity, action, payload, base_updated_at, status, attempts, error, created_at
		FROM pending_operations
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load pending operations: %w", err)
	}
	defer rows.Close()

	var ops []entity.PendingOperation
	for rows.Next() {
		var (
			op                    entity.PendingOperation
			opID, table, action   string
			status, baseUpdatedAt sql.NullString
			createdAt             string
			payload               []byte
		)
		if err := rows.Scan(&opID, &table, &action, &payload, &baseUpdatedAt, &status, &op.Attempts, &op.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}

		op.ID, err = id.Parse(opID)
		if err != nil {
			return nil, fmt.Errorf("parse pending operation id: %w", err)
		}
		op.Table = entity.Table(table)
		op.Action = entity.Action(action)
		op.Payload = payload
		op.Status = entity.OpStatus(status.String)

		op.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse pending operation created_at: %w", err)
		}
		if baseUpdatedAt.Valid && baseUpdatedAt.String != "" {
			t, err := time.Parse(time.RFC3339Nano, baseUpdatedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse pending operation base_updated_at: %w", err)
			}
			op.BaseUpdatedAt = &t
		}

		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending operations: %w", err)
	}

	return ops, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
