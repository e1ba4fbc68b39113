package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stocksync/internal/core/apperror"
	"stocksync/internal/core/entity"
	"stocksync/internal/remote"
)

// Compile-time check that Store implements the remote contract.
var _ remote.Store = (*Store)(nil)

// Store is the PostgreSQL remote store adapter.
//
// Optimistic concurrency: updates carry the updated_at the operation assumed
// when it was queued as a WHERE predicate. Zero rows affected with a newer
// server-side value means the record changed underneath the queued mutation.
type Store struct {
	pool        *pgxpool.Pool
	callTimeout time.Duration
}

// NewStore creates the adapter. callTimeout bounds every remote call; there
// is no mid-flight cancellation beyond it, since an abandoned write with an
// unknown outcome would corrupt the queue's semantics.
func NewStore(pool *pgxpool.Pool, callTimeout time.Duration) *Store {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Store{pool: pool, callTimeout: callTimeout}
}

// Builder returns a squirrel builder with PostgreSQL placeholders.
func (s *Store) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Apply executes a single queued mutation.
func (s *Store) Apply(ctx context.Context, op entity.PendingOperation) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	switch op.Action {
	case entity.ActionCreate:
		return s.insert(ctx, op)
	case entity.ActionUpdate:
		return s.update(ctx, op)
	case entity.ActionUpsert:
		return s.upsert(ctx, op)
	case entity.ActionDelete:
		return s.delete(ctx, op)
	default:
		return apperror.NewValidation("unknown operation action").WithDetail("action", string(op.Action))
	}
}

func (s *Store) insert(ctx context.Context, op entity.PendingOperation) error {
	values, err := rowValues(op.Table, op.Payload)
	if err != nil {
		return apperror.NewValidation("undecodable operation payload").WithCause(err)
	}

	sql, args, err := s.Builder().
		Insert(string(op.Table)).
		SetMap(values).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return classify(string(op.Table), err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, op entity.PendingOperation) error {
	values, err := rowValues(op.Table, op.Payload)
	if err != nil {
		return apperror.NewValidation("undecodable operation payload").WithCause(err)
	}
	targetID, err := op.TargetID()
	if err != nil {
		return apperror.NewValidation("update payload has no id").WithCause(err)
	}
	delete(values, "id")

	q := s.Builder().
		Update(string(op.Table)).
		SetMap(values).
		Where(squirrel.Eq{"id": targetID})
	if op.BaseUpdatedAt != nil {
		// The optimistic guard: only apply on top of the revision the
		// operation was queued against.
		q = q.Where(squirrel.Eq{"updated_at": op.BaseUpdatedAt.UTC()})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return classify(string(op.Table), err)
	}
	if result.RowsAffected() == 0 {
		return s.explainMissedUpdate(ctx, op, targetID)
	}
	return nil
}

// explainMissedUpdate distinguishes a vanished row from a concurrent change.
func (s *Store) explainMissedUpdate(ctx context.Context, op entity.PendingOperation, targetID any) error {
	sql, args, err := s.Builder().
		Select("updated_at").
		From(string(op.Table)).
		Where(squirrel.Eq{"id": targetID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build revision probe: %w", err)
	}

	var remoteUpdatedAt time.Time
	err = s.pool.QueryRow(ctx, sql, args...).Scan(&remoteUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NewNotFound(string(op.Table), fmt.Sprintf("%v", targetID))
	}
	if err != nil {
		return classify(string(op.Table), err)
	}

	return apperror.NewConcurrentModification(string(op.Table), fmt.Sprintf("%v", targetID)).
		WithDetail("remote_updated_at", remoteUpdatedAt.UTC().Format(time.RFC3339Nano))
}

func (s *Store) upsert(ctx context.Context, op entity.PendingOperation) error {
	values, err := rowValues(op.Table, op.Payload)
	if err != nil {
		return apperror.NewValidation("undecodable operation payload").WithCause(err)
	}

	assignments := make([]string, 0, len(values))
	for col := range values {
		if col == "id" {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	sql, args, err := s.Builder().
		Insert(string(op.Table)).
		SetMap(values).
		Suffix("ON CONFLICT (id) DO UPDATE SET " + strings.Join(assignments, ", ")).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return classify(string(op.Table), err)
	}
	return nil
}

// delete is idempotent: a missing row means the deletion already took
// effect, which is success, not rejection.
func (s *Store) delete(ctx context.Context, op entity.PendingOperation) error {
	targetID, err := op.TargetID()
	if err != nil {
		return apperror.NewValidation("delete payload has no id").WithCause(err)
	}

	sql, args, err := s.Builder().
		Delete(string(op.Table)).
		Where(squirrel.Eq{"id": targetID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return classify(string(op.Table), err)
	}
	return nil
}

// Snapshot fetches all rows of every syncable table.
func (s *Store) Snapshot(ctx context.Context) (*remote.Snapshot, error) {
	snap := &remote.Snapshot{}

	if err := s.selectAll(ctx, entity.TableItems, itemColumns, &snap.Items); err != nil {
		return nil, err
	}
	if err := s.selectAll(ctx, entity.TableCategories, categoryColumns, &snap.Categories); err != nil {
		return nil, err
	}
	if err := s.selectAll(ctx, entity.TableContractors, contractorColumns, &snap.Contractors); err != nil {
		return nil, err
	}
	if err := s.selectAll(ctx, entity.TableUsers, userColumns, &snap.Users); err != nil {
		return nil, err
	}
	if err := s.selectAll(ctx, entity.TableTransactions, transactionColumns, &snap.Transactions); err != nil {
		return nil, err
	}

	return snap, nil
}

func (s *Store) selectAll(ctx context.Context, table entity.Table, cols []string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	sql, args, err := s.Builder().
		Select(cols...).
		From(string(table)).
		OrderBy("updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build select %s: %w", table, err)
	}

	if err := pgxscan.Select(ctx, s.pool, dest, sql, args...); err != nil {
		return classify(string(table), err)
	}
	return nil
}

// Counts reports the row counts consulted by the data guard.
func (s *Store) Counts(ctx context.Context) (remote.Counts, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var counts remote.Counts
	row := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM items),
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM users)
	`)
	if err := row.Scan(&counts.Items, &counts.Transactions, &counts.Users); err != nil {
		return remote.Counts{}, classify("counts", err)
	}
	return counts, nil
}

// Ping verifies reachability.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// --- row mapping ---

var (
	itemColumns        = []string{"id", "name", "unit", "category_id", "updated_at"}
	categoryColumns    = []string{"id", "name", "updated_at"}
	contractorColumns  = []string{"id", "name", "phone", "updated_at"}
	userColumns        = []string{"id", "name", "role", "updated_at"}
	transactionColumns = []string{
		"id", "item_id", "type", "quantity", "user_name", "reason", "timestamp",
		"location", "amount", "bill_number", "contractor_id", "created_by", "updated_at",
	}
)

// rowValues decodes the payload into its typed entity and lays it out as
// column values. Quantities travel as scaled integers (BIGINT), matching the
// fixed-point representation.
func rowValues(table entity.Table, payload json.RawMessage) (map[string]any, error) {
	switch table {
	case entity.TableItems:
		var item entity.Item
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, err
		}
		return map[string]any{
			"id":          item.ID,
			"name":        item.Name,
			"unit":        item.Unit,
			"category_id": item.CategoryID,
			"updated_at":  item.UpdatedAt.UTC(),
		}, nil

	case entity.TableCategories:
		var category entity.Category
		if err := json.Unmarshal(payload, &category); err != nil {
			return nil, err
		}
		return map[string]any{
			"id":         category.ID,
			"name":       category.Name,
			"updated_at": category.UpdatedAt.UTC(),
		}, nil

	case entity.TableContractors:
		var contractor entity.Contractor
		if err := json.Unmarshal(payload, &contractor); err != nil {
			return nil, err
		}
		return map[string]any{
			"id":         contractor.ID,
			"name":       contractor.Name,
			"phone":      contractor.Phone,
			"updated_at": contractor.UpdatedAt.UTC(),
		}, nil

	case entity.TableUsers:
		var user entity.User
		if err := json.Unmarshal(payload, &user); err != nil {
			return nil, err
		}
		return map[string]any{
			"id":         user.ID,
			"name":       user.Name,
			"role":       user.Role,
			"updated_at": user.UpdatedAt.UTC(),
		}, nil

	case entity.TableTransactions:
		var tx entity.Transaction
		if err := json.Unmarshal(payload, &tx); err != nil {
			return nil, err
		}
		return map[string]any{
			"id":            tx.ID,
			"item_id":       tx.ItemID,
			"type":          string(tx.Type),
			"quantity":      tx.Quantity.Int64Scaled(),
			"user_name":     tx.User,
			"reason":        tx.Reason,
			"timestamp":     tx.Timestamp.UTC(),
			"location":      tx.Location,
			"amount":        tx.Amount,
			"bill_number":   tx.BillNumber,
			"contractor_id": tx.ContractorID,
			"created_by":    tx.CreatedBy,
			"updated_at":    tx.UpdatedAt.UTC(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}

// --- error classification ---

// classify maps driver errors onto the contract's Rejected/Transient split.
// Unknown connection-level failures default to transient; the retry budget
// bounds how long they stay invisible.
func classify(scope string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.NewTransient("remote call timed out", err).WithDetail("scope", scope)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			// Serialization failure / deadlock: safe to retry.
			return apperror.NewTransient("remote transaction retryable", err).WithDetail("scope", scope)
		case strings.HasPrefix(pgErr.Code, "08"):
			// Connection exception class.
			return apperror.NewTransient("remote connection failure", err).WithDetail("scope", scope)
		case pgErr.Code == "23505":
			return apperror.NewConflict("record already exists on the server").
				WithDetail("scope", scope).
				WithCause(err)
		default:
			return apperror.NewConflict("remote store rejected the operation: " + pgErr.Message).
				WithDetail("scope", scope).
				WithDetail("pg_code", pgErr.Code).
				WithCause(err)
		}
	}

	if pgconn.Timeout(err) {
		return apperror.NewTransient("remote call timed out", err).WithDetail("scope", scope)
	}

	return apperror.NewTransient("remote store unreachable", err).WithDetail("scope", scope)
}
