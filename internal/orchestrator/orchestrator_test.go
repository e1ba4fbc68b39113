package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/cache"
	"stocksync/internal/core/apperror"
	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/internal/core/types"
	"stocksync/internal/localdb"
	"stocksync/internal/oplog"
	"stocksync/internal/remote"
	"stocksync/pkg/logger"
)

// scriptedStore answers Apply calls from a queue of scripted outcomes and
// records every call.
type scriptedStore struct {
	mu       sync.Mutex
	outcomes []error
	applied  []entity.PendingOperation
}

func (s *scriptedStore) script(outcomes ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
}

func (s *scriptedStore) Apply(ctx context.Context, op entity.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, op)
	if len(s.outcomes) == 0 {
		return nil
	}
	out := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return out
}

func (s *scriptedStore) Snapshot(ctx context.Context) (*remote.Snapshot, error) {
	return &remote.Snapshot{}, nil
}

func (s *scriptedStore) Counts(ctx context.Context) (remote.Counts, error) {
	return remote.Counts{}, nil
}

func (s *scriptedStore) Ping(ctx context.Context) error { return nil }

func (s *scriptedStore) appliedOps() []entity.PendingOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.PendingOperation, len(s.applied))
	copy(out, s.applied)
	return out
}

type fixture struct {
	orch     *Orchestrator
	cache    *cache.Cache
	queue    *oplog.Log
	store    *scriptedStore
	item     entity.Item
	user     id.ID
	notified int
}

// newFixture seeds an item plus history producing the given stock and WIP.
func newFixture(t *testing.T, stock, wip int64) *fixture {
	t.Helper()

	db, err := localdb.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue, err := oplog.Open(oplog.NewSQLiteStore(db), logger.Nop())
	require.NoError(t, err)

	c, err := cache.New(nil, logger.Nop())
	require.NoError(t, err)

	f := &fixture{
		cache: c,
		queue: queue,
		store: &scriptedStore{},
		item:  entity.Item{ID: id.New(), Name: "Steel Rod", Unit: "kg", UpdatedAt: time.Now().UTC()},
		user:  id.New(),
	}

	var txs []entity.Transaction
	if stock > 0 {
		txs = append(txs, entity.NewTransaction(f.item.ID, entity.TransactionIn, types.NewQuantityFromInt(stock)))
	}
	if wip > 0 {
		txs = append(txs, entity.NewTransaction(f.item.ID, entity.TransactionWIP, types.NewQuantityFromInt(wip)))
	}
	c.Hydrate(&remote.Snapshot{Items: []entity.Item{f.item}, Transactions: txs})

	f.orch = New(c, queue, f.store, nil, func() { f.notified++ }, logger.Nop())
	return f
}

func (f *fixture) submitOut(t *testing.T, qty int64) (SubmitResult, error) {
	t.Helper()
	return f.orch.Submit(context.Background(), SubmitInput{
		ItemID:    f.item.ID,
		Type:      entity.TransactionOut,
		Quantity:  types.NewQuantityFromInt(qty),
		User:      "alice",
		CreatedBy: f.user,
	})
}

func (f *fixture) balance() (stock, wip types.Quantity) {
	b := f.orch.Balance(f.item.ID)
	return b.Stock, b.WIP
}

func TestSubmitInRecordsSingleRow(t *testing.T) {
	f := newFixture(t, 0, 0)

	result, err := f.orch.Submit(context.Background(), SubmitInput{
		ItemID:    f.item.ID,
		Type:      entity.TransactionIn,
		Quantity:  types.NewQuantityFromInt(10),
		User:      "alice",
		CreatedBy: f.user,
	})
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.False(t, result.Queued)

	stock, wip := f.balance()
	assert.Equal(t, types.NewQuantityFromInt(10), stock)
	assert.True(t, wip.IsZero())
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, 10, 0)

	_, err := f.orch.Submit(context.Background(), SubmitInput{
		ItemID:    f.item.ID,
		Type:      "BOGUS",
		Quantity:  types.NewQuantityFromInt(1),
		User:      "alice",
		CreatedBy: f.user,
	})
	assert.True(t, apperror.IsCode(err, apperror.CodeValidation))
	assert.Empty(t, f.store.appliedOps(), "nothing reaches the remote store")
}

func TestSubmitOutInsufficientStockRejectedBeforeEnqueue(t *testing.T) {
	f := newFixture(t, 10, 0)

	_, err := f.submitOut(t, 11)
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, 10.0, appErr.Details["available"])

	assert.Empty(t, f.store.appliedOps())
	assert.Empty(t, f.queue.ListPending())
	stock, _ := f.balance()
	assert.Equal(t, types.NewQuantityFromInt(10), stock)
}

func TestSagaShortCircuit(t *testing.T) {
	// WIP=10, stock=20, OUT(6): only a WIP(-6) row, no OUT row.
	f := newFixture(t, 20, 10)

	result, err := f.submitOut(t, 6)
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.Equal(t, entity.TransactionWIP, result.Created[0].Type)
	assert.Equal(t, types.NewQuantityFromInt(-6), result.Created[0].Quantity)

	stock, wip := f.balance()
	assert.Equal(t, types.NewQuantityFromInt(20), stock)
	assert.Equal(t, types.NewQuantityFromInt(4), wip)
}

func TestSagaReductionPlusRemainder(t *testing.T) {
	// WIP=5, stock=10, OUT(8): WIP(-5) then OUT(3).
	f := newFixture(t, 10, 5)

	result, err := f.submitOut(t, 8)
	require.NoError(t, err)
	require.Len(t, result.Created, 2)
	assert.Equal(t, types.NewQuantityFromInt(-5), result.Created[0].Quantity)
	assert.Equal(t, entity.TransactionOut, result.Created[1].Type)
	assert.Equal(t, types.NewQuantityFromInt(3), result.Created[1].Quantity)

	stock, wip := f.balance()
	assert.Equal(t, types.NewQuantityFromInt(7), stock)
	assert.True(t, wip.IsZero())
}

func TestSagaAmountSplitSumsExactly(t *testing.T) {
	f := newFixture(t, 10, 5)
	amount := types.MustMoney("100")

	result, err := f.orch.Submit(context.Background(), SubmitInput{
		ItemID:    f.item.ID,
		Type:      entity.TransactionOut,
		Quantity:  types.NewQuantityFromInt(8),
		User:      "alice",
		CreatedBy: f.user,
		Amount:    &amount,
	})
	require.NoError(t, err)
	require.Len(t, result.Created, 2)

	wipAmount := result.Created[0].Amount
	outAmount := result.Created[1].Amount
	require.NotNil(t, wipAmount)
	require.NotNil(t, outAmount)

	// 100 * 5/8 = 62.5 on the reduction, remainder on the OUT.
	assert.True(t, wipAmount.Equal(types.MustMoney("62.5")), "got %s", wipAmount)
	assert.True(t, outAmount.Equal(types.MustMoney("37.5")), "got %s", outAmount)
	assert.True(t, wipAmount.Add(*outAmount).Equal(amount))
}

func TestSagaRollbackRestoresWIP(t *testing.T) {
	// WIP=5, stock=10, OUT(8): reduction succeeds, remainder rejected.
	f := newFixture(t, 10, 5)
	f.store.script(
		nil, // WIP(-5) create confirmed
		apperror.NewInsufficientStock(f.item.ID.String(), 3, 0), // OUT(3) rejected
		nil, // rollback delete confirmed
	)

	_, err := f.submitOut(t, 8)
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))

	stock, wip := f.balance()
	assert.Equal(t, types.NewQuantityFromInt(10), stock)
	assert.Equal(t, types.NewQuantityFromInt(5), wip)

	// The reduction row is gone from the transaction set.
	for _, tx := range f.cache.Transactions() {
		assert.False(t, tx.Quantity.IsNegative(), "reduction row must be rolled back")
	}

	// Reduction create, OUT create, rollback delete.
	applied := f.store.appliedOps()
	require.Len(t, applied, 3)
	assert.Equal(t, entity.ActionDelete, applied[2].Action)
}

func TestSagaRollbackDismissesQueuedReduction(t *testing.T) {
	// Reduction lands in the queue (transient), remainder is rejected: the
	// rollback must dismiss the queued entry, not issue a remote delete.
	f := newFixture(t, 10, 5)
	f.store.script(
		apperror.NewTransient("offline", errors.New("dial tcp")), // WIP create queued
		apperror.NewConcurrentModification("transactions", "x"),  // OUT rejected
	)

	_, err := f.submitOut(t, 8)
	require.Error(t, err)

	assert.Empty(t, f.queue.ListPending(), "queued reduction dismissed during rollback")
	_, wip := f.balance()
	assert.Equal(t, types.NewQuantityFromInt(5), wip)
}

func TestSubmitQueuesOnTransientFailure(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.store.script(apperror.NewTransient("offline", errors.New("dial tcp")))

	result, err := f.orch.Submit(context.Background(), SubmitInput{
		ItemID:    f.item.ID,
		Type:      entity.TransactionIn,
		Quantity:  types.NewQuantityFromInt(4),
		User:      "alice",
		CreatedBy: f.user,
	})
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Equal(t, 1, f.notified, "drain requested after enqueue")

	pending := f.queue.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, entity.TableTransactions, pending[0].Table)

	// Optimistic projection applied.
	stock, _ := f.balance()
	assert.Equal(t, types.NewQuantityFromInt(4), stock)
}

func TestUpdateMetaRejectionLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t, 10, 0)
	txs := f.cache.Transactions()
	require.NotEmpty(t, txs)
	target := txs[0]

	f.store.script(apperror.NewConcurrentModification("transactions", target.ID.String()))

	location := "Shelf B"
	err := f.orch.UpdateTransactionMeta(context.Background(), target.ID, entity.TransactionMetaPatch{Location: &location})
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))

	got, ok := f.cache.Transaction(target.ID)
	require.True(t, ok)
	assert.Empty(t, got.Location)
}

func TestUpdateMetaCarriesBaseUpdatedAt(t *testing.T) {
	f := newFixture(t, 10, 0)
	target := f.cache.Transactions()[0]

	location := "Shelf B"
	require.NoError(t, f.orch.UpdateTransactionMeta(context.Background(), target.ID, entity.TransactionMetaPatch{Location: &location}))

	applied := f.store.appliedOps()
	require.Len(t, applied, 1)
	require.NotNil(t, applied[0].BaseUpdatedAt)
	assert.WithinDuration(t, target.UpdatedAt, *applied[0].BaseUpdatedAt, time.Millisecond)

	got, _ := f.cache.Transaction(target.ID)
	assert.Equal(t, "Shelf B", got.Location)
}

func TestDeleteTransactionReversesLedgerEffect(t *testing.T) {
	f := newFixture(t, 10, 0)
	target := f.cache.Transactions()[0]

	require.NoError(t, f.orch.DeleteTransaction(context.Background(), target.ID))

	stock, _ := f.balance()
	assert.True(t, stock.IsZero())
}

func TestCompensateDismissedDeleteRestoresRow(t *testing.T) {
	f := newFixture(t, 10, 0)
	target := f.cache.Transactions()[0]

	// Queue the deletion while offline, then dismiss it.
	f.store.script(apperror.NewTransient("offline", errors.New("dial tcp")))
	require.NoError(t, f.orch.DeleteTransaction(context.Background(), target.ID))
	_, ok := f.cache.Transaction(target.ID)
	require.False(t, ok)

	pending := f.queue.ListPending()
	require.Len(t, pending, 1)
	op := pending[0]
	require.NoError(t, f.queue.Dismiss(op.ID))

	f.orch.CompensateDismissed(op)
	restored, ok := f.cache.Transaction(target.ID)
	require.True(t, ok)
	assert.Equal(t, target.Quantity, restored.Quantity)

	stock, _ := f.balance()
	assert.Equal(t, types.NewQuantityFromInt(10), stock)
}

func TestCompensateDismissedCreateRemovesRow(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.store.script(apperror.NewTransient("offline", errors.New("dial tcp")))

	result, err := f.orch.Submit(context.Background(), SubmitInput{
		ItemID:    f.item.ID,
		Type:      entity.TransactionIn,
		Quantity:  types.NewQuantityFromInt(4),
		User:      "alice",
		CreatedBy: f.user,
	})
	require.NoError(t, err)

	pending := f.queue.ListPending()
	require.Len(t, pending, 1)
	op := pending[0]
	require.NoError(t, f.queue.Dismiss(op.ID))

	f.orch.CompensateDismissed(op)
	_, ok := f.cache.Transaction(result.Created[0].ID)
	assert.False(t, ok)
	stock, _ := f.balance()
	assert.True(t, stock.IsZero())
}

func TestSubmitUnknownItemRejected(t *testing.T) {
	f := newFixture(t, 10, 0)

	_, err := f.orch.Submit(context.Background(), SubmitInput{
		ItemID:    id.New(),
		Type:      entity.TransactionIn,
		Quantity:  types.NewQuantityFromInt(1),
		User:      "alice",
		CreatedBy: f.user,
	})
	assert.True(t, apperror.IsNotFound(err))
}
