package cache

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/internal/core/types"
	"stocksync/internal/localdb"
	"stocksync/internal/remote"
	"stocksync/pkg/logger"
)

func newMemoryCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(nil, logger.Nop())
	require.NoError(t, err)
	return c
}

func newStoredCache(t *testing.T, path string) *Cache {
	t.Helper()
	db, err := localdb.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	snapshots, err := NewSnapshotStore(db)
	require.NoError(t, err)

	c, err := New(snapshots, logger.Nop())
	require.NoError(t, err)
	return c
}

func TestHydrateReplacesStateAndMarksSynced(t *testing.T) {
	c := newMemoryCache(t)
	assert.False(t, c.HasSyncedData())

	stale := entity.NewTransaction(id.New(), entity.TransactionIn, types.NewQuantityFromInt(1))
	c.UpsertTransaction(stale)

	item := entity.Item{ID: id.New(), Name: "Steel Rod", Unit: "kg", UpdatedAt: time.Now().UTC()}
	fresh := entity.NewTransaction(item.ID, entity.TransactionIn, types.NewQuantityFromInt(5))

	c.Hydrate(&remote.Snapshot{
		Items:        []entity.Item{item},
		Transactions: []entity.Transaction{fresh},
	})

	require.True(t, c.HasSyncedData())

	txs := c.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, fresh.ID, txs[0].ID)

	got, ok := c.Item(item.ID)
	require.True(t, ok)
	assert.Equal(t, "Steel Rod", got.Name)

	_, ok = c.Transaction(stale.ID)
	assert.False(t, ok, "hydrate must drop rows absent from the snapshot")
}

func TestHydrateEmptySnapshotDoesNotMarkSynced(t *testing.T) {
	c := newMemoryCache(t)
	c.Hydrate(&remote.Snapshot{})
	assert.False(t, c.HasSyncedData())
}

func TestTransactionsSortedByTimestamp(t *testing.T) {
	c := newMemoryCache(t)

	base := time.Now().UTC()
	late := entity.NewTransaction(id.New(), entity.TransactionIn, types.NewQuantityFromInt(1))
	late.Timestamp = base.Add(time.Hour)
	early := entity.NewTransaction(id.New(), entity.TransactionOut, types.NewQuantityFromInt(1))
	early.Timestamp = base

	c.UpsertTransaction(late)
	c.UpsertTransaction(early)

	txs := c.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, early.ID, txs[0].ID)
	assert.Equal(t, late.ID, txs[1].ID)
}

func TestApplyRemoteUpsertAndDelete(t *testing.T) {
	c := newMemoryCache(t)

	item := entity.Item{ID: id.New(), Name: "Copper Wire", Unit: "m", UpdatedAt: time.Now().UTC()}
	payload, err := json.Marshal(item)
	require.NoError(t, err)

	c.ApplyRemote(entity.TableItems, entity.ActionUpdate, payload)
	got, ok := c.Item(item.ID)
	require.True(t, ok)
	assert.Equal(t, "Copper Wire", got.Name)
	assert.True(t, c.HasSyncedData())

	del, err := json.Marshal(map[string]any{"id": item.ID})
	require.NoError(t, err)
	c.ApplyRemote(entity.TableItems, entity.ActionDelete, del)
	_, ok = c.Item(item.ID)
	assert.False(t, ok)
}

func TestApplyRemoteMalformedPayloadSkipped(t *testing.T) {
	c := newMemoryCache(t)
	c.ApplyRemote(entity.TableItems, entity.ActionCreate, json.RawMessage(`{broken`))
	assert.Empty(t, c.Items())
	assert.False(t, c.HasSyncedData())
}

func TestRemoveTransaction(t *testing.T) {
	c := newMemoryCache(t)
	tx := entity.NewTransaction(id.New(), entity.TransactionWIP, types.NewQuantityFromInt(2))
	c.UpsertTransaction(tx)
	c.RemoveTransaction(tx.ID)
	_, ok := c.Transaction(tx.ID)
	assert.False(t, ok)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")

	first := newStoredCache(t, path)
	item := entity.Item{ID: id.New(), Name: "Bearing", Unit: "pcs", UpdatedAt: time.Now().UTC()}
	tx := entity.NewTransaction(item.ID, entity.TransactionIn, types.NewQuantityFromFloat64(2.5))
	first.Hydrate(&remote.Snapshot{
		Items:        []entity.Item{item},
		Transactions: []entity.Transaction{tx},
	})

	second := newStoredCache(t, path)
	require.True(t, second.HasSyncedData())

	got, ok := second.Item(item.ID)
	require.True(t, ok)
	assert.Equal(t, "Bearing", got.Name)

	txs := second.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, tx.Quantity, txs[0].Quantity)
}
