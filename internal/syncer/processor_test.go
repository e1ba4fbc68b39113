package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/core/apperror"
	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/internal/localdb"
	"stocksync/internal/oplog"
	"stocksync/internal/remote"
	"stocksync/pkg/logger"
)

// fakeStore scripts Apply outcomes per target id.
type fakeStore struct {
	mu      sync.Mutex
	outcome map[id.ID]error
	applied []entity.PendingOperation
}

func newFakeStore() *fakeStore {
	return &fakeStore{outcome: make(map[id.ID]error)}
}

func (f *fakeStore) Apply(ctx context.Context, op entity.PendingOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, op)
	return f.outcome[op.ID]
}

func (f *fakeStore) Snapshot(ctx context.Context) (*remote.Snapshot, error) {
	return &remote.Snapshot{}, nil
}

func (f *fakeStore) Counts(ctx context.Context) (remote.Counts, error) {
	return remote.Counts{}, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) appliedOps() []entity.PendingOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entity.PendingOperation, len(f.applied))
	copy(out, f.applied)
	return out
}

func newTestQueue(t *testing.T) *oplog.Log {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue, err := oplog.Open(oplog.NewSQLiteStore(db), logger.Nop())
	require.NoError(t, err)
	return queue
}

func enqueue(t *testing.T, queue *oplog.Log, table entity.Table) entity.PendingOperation {
	t.Helper()
	op, err := entity.NewPendingOperation(table, entity.ActionCreate, map[string]any{"id": id.New()})
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(op))
	return op
}

func TestDrainConfirmsAndRemoves(t *testing.T) {
	queue := newTestQueue(t)
	store := newFakeStore()
	p := New(queue, store, Config{}, logger.Nop())

	enqueue(t, queue, entity.TableItems)
	enqueue(t, queue, entity.TableTransactions)

	stats := p.Drain(context.Background())

	assert.Equal(t, 2, stats.Confirmed)
	assert.False(t, stats.Offline)
	assert.Empty(t, queue.ListPending())
	assert.Equal(t, entity.QueueSummary{}, queue.Summary())
}

func TestDrainOrdersParentsBeforeTransactions(t *testing.T) {
	queue := newTestQueue(t)
	store := newFakeStore()
	p := New(queue, store, Config{}, logger.Nop())

	// Enqueued transaction-first; the drain must still push the item first.
	tx := enqueue(t, queue, entity.TableTransactions)
	item := enqueue(t, queue, entity.TableItems)

	p.Drain(context.Background())

	applied := store.appliedOps()
	require.Len(t, applied, 2)
	assert.Equal(t, item.ID, applied[0].ID)
	assert.Equal(t, tx.ID, applied[1].ID)
}

func TestTransientStopsPassAndRequeues(t *testing.T) {
	queue := newTestQueue(t)
	store := newFakeStore()
	p := New(queue, store, Config{}, logger.Nop())

	first := enqueue(t, queue, entity.TableItems)
	enqueue(t, queue, entity.TableItems)
	store.outcome[first.ID] = apperror.NewTransient("connection refused", errors.New("dial tcp"))

	stats := p.Drain(context.Background())

	assert.True(t, stats.Offline)
	assert.Equal(t, 1, stats.Requeued)
	assert.Equal(t, 0, stats.Confirmed)

	// The later entry was never attempted.
	applied := store.appliedOps()
	require.Len(t, applied, 1)
	assert.Equal(t, first.ID, applied[0].ID)

	pending := queue.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestConflictParksAndDrainContinues(t *testing.T) {
	queue := newTestQueue(t)
	store := newFakeStore()
	p := New(queue, store, Config{}, logger.Nop())

	rejected := enqueue(t, queue, entity.TableItems)
	enqueue(t, queue, entity.TableItems)
	store.outcome[rejected.ID] = apperror.NewConcurrentModification("items", "x")

	stats := p.Drain(context.Background())

	assert.Equal(t, 1, stats.Conflicted)
	assert.Equal(t, 1, stats.Confirmed)
	assert.False(t, stats.Offline)

	conflicts := queue.ListConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, rejected.ID, conflicts[0].ID)
	assert.NotEmpty(t, conflicts[0].Error)
}

func TestRetriedConflictCompletesOnceRemoteAccepts(t *testing.T) {
	queue := newTestQueue(t)
	store := newFakeStore()
	p := New(queue, store, Config{}, logger.Nop())

	op := enqueue(t, queue, entity.TableItems)
	store.outcome[op.ID] = apperror.NewConcurrentModification("items", "x")

	p.Drain(context.Background())
	require.Len(t, queue.ListConflicts(), 1)

	// The underlying remote record has since been fixed; the retried entry
	// must drain to done and leave the conflict list.
	store.mu.Lock()
	delete(store.outcome, op.ID)
	store.mu.Unlock()
	require.NoError(t, queue.Retry(op.ID))

	stats := p.Drain(context.Background())
	assert.Equal(t, 1, stats.Confirmed)
	assert.Empty(t, queue.ListConflicts())
	assert.Empty(t, queue.ListPending())
	_, ok := queue.Get(op.ID)
	assert.False(t, ok, "completed entry removed from the queue")
}

func TestRetryBudgetParksAsFailed(t *testing.T) {
	queue := newTestQueue(t)
	store := newFakeStore()
	p := New(queue, store, Config{RetryBudget: 3}, logger.Nop())

	op := enqueue(t, queue, entity.TableItems)
	store.outcome[op.ID] = apperror.NewTransient("timeout", context.DeadlineExceeded)

	for i := 0; i < 3; i++ {
		p.Drain(context.Background())
	}

	failed := queue.ListFailed()
	require.Len(t, failed, 1)
	assert.Equal(t, op.ID, failed[0].ID)
	assert.Empty(t, queue.ListPending())
}

func TestNotifyDuringDrainSchedulesFollowUpPass(t *testing.T) {
	queue := newTestQueue(t)
	store := newFakeStore()
	p := New(queue, store, Config{}, logger.Nop())

	enqueue(t, queue, entity.TableItems)

	// While the first op is in flight, enqueue another and signal. Notify
	// must fold into one follow-up pass of the running drain.
	var once sync.Once
	p.store = &hookStore{fakeStore: store, onApply: func() {
		once.Do(func() {
			enqueue(t, queue, entity.TableItems)
			p.Notify()
		})
	}}

	stats := p.Drain(context.Background())

	assert.Equal(t, 2, stats.Confirmed)
	assert.Empty(t, queue.ListPending())
}

type hookStore struct {
	*fakeStore
	onApply func()
}

func (h *hookStore) Apply(ctx context.Context, op entity.PendingOperation) error {
	h.onApply()
	return h.fakeStore.Apply(ctx, op)
}
