// Package cache holds the local copy of all entities: the source of truth
// for rendering while offline.
//
// The cache never inspects queue internals: it only sees optimistic
// projections already applied by the orchestrator and remote-origin changes
// delivered in coalesced batches.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/internal/remote"
	"stocksync/pkg/logger"
)

// Cache is the in-memory entity store with a persisted snapshot.
type Cache struct {
	mu sync.RWMutex

	items        map[id.ID]entity.Item
	transactions map[id.ID]entity.Transaction
	categories   map[id.ID]entity.Category
	contractors  map[id.ID]entity.Contractor
	users        map[id.ID]entity.User

	// hasSyncedData records that the cache once held cloud-confirmed rows;
	// the data guard uses it to spot a suspiciously empty remote store.
	hasSyncedData bool

	snapshots *SnapshotStore
	log       *logger.Logger
}

// New creates a cache, restoring the persisted snapshot when one exists.
// snapshots may be nil for a memory-only cache (tests).
func New(snapshots *SnapshotStore, log *logger.Logger) (*Cache, error) {
	c := &Cache{
		items:        make(map[id.ID]entity.Item),
		transactions: make(map[id.ID]entity.Transaction),
		categories:   make(map[id.ID]entity.Category),
		contractors:  make(map[id.ID]entity.Contractor),
		users:        make(map[id.ID]entity.User),
		snapshots:    snapshots,
		log:          log.WithComponent("cache"),
	}

	if snapshots != nil {
		var state snapshotState
		found, err := snapshots.Load(snapshotName, &state)
		if err != nil {
			return nil, fmt.Errorf("restore cache snapshot: %w", err)
		}
		if found {
			c.applyState(state)
			c.log.Infow("cache restored from snapshot",
				"items", len(c.items),
				"transactions", len(c.transactions),
			)
		}
	}

	return c, nil
}

// Hydrate replaces the cache with a fresh remote snapshot.
func (c *Cache) Hydrate(snap *remote.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[id.ID]entity.Item, len(snap.Items))
	for _, item := range snap.Items {
		c.items[item.ID] = item
	}
	c.transactions = make(map[id.ID]entity.Transaction, len(snap.Transactions))
	for _, tx := range snap.Transactions {
		c.transactions[tx.ID] = tx
	}
	c.categories = make(map[id.ID]entity.Category, len(snap.Categories))
	for _, category := range snap.Categories {
		c.categories[category.ID] = category
	}
	c.contractors = make(map[id.ID]entity.Contractor, len(snap.Contractors))
	for _, contractor := range snap.Contractors {
		c.contractors[contractor.ID] = contractor
	}
	c.users = make(map[id.ID]entity.User, len(snap.Users))
	for _, user := range snap.Users {
		c.users[user.ID] = user
	}

	if len(snap.Items) > 0 || len(snap.Transactions) > 0 || len(snap.Users) > 0 {
		c.hasSyncedData = true
	}

	c.persistLocked()
}

// HasSyncedData reports whether the cache ever held cloud-confirmed rows.
func (c *Cache) HasSyncedData() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasSyncedData
}

// Transactions returns all transactions ordered by timestamp.
func (c *Cache) Transactions() []entity.Transaction {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]entity.Transaction, 0, len(c.transactions))
	for _, tx := range c.transactions {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Transaction returns a single transaction by id.
func (c *Cache) Transaction(txID id.ID) (entity.Transaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tx, ok := c.transactions[txID]
	return tx, ok
}

// Item returns a single item by id.
func (c *Cache) Item(itemID id.ID) (entity.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[itemID]
	return item, ok
}

// Category returns a single category by id.
func (c *Cache) Category(categoryID id.ID) (entity.Category, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	category, ok := c.categories[categoryID]
	return category, ok
}

// Items returns all items sorted by name.
func (c *Cache) Items() []entity.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]entity.Item, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Categories returns all categories sorted by name.
func (c *Cache) Categories() []entity.Category {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]entity.Category, 0, len(c.categories))
	for _, category := range c.categories {
		out = append(out, category)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Contractors returns all contractors sorted by name.
func (c *Cache) Contractors() []entity.Contractor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]entity.Contractor, 0, len(c.contractors))
	for _, contractor := range c.contractors {
		out = append(out, contractor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Users returns all users sorted by name.
func (c *Cache) Users() []entity.User {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]entity.User, 0, len(c.users))
	for _, user := range c.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpsertTransaction applies an optimistic or remote-origin transaction row.
func (c *Cache) UpsertTransaction(tx entity.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions[tx.ID] = tx
	c.persistLocked()
}

// RemoveTransaction drops a transaction row (reversal or saga compensation).
func (c *Cache) RemoveTransaction(txID id.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transactions, txID)
	c.persistLocked()
}

// ApplyRemote applies one remote-origin change to the cache. Unknown tables
// and undecodable payloads are logged and skipped: a malformed event must not
// wedge the feed.
func (c *Cache) ApplyRemote(table entity.Table, action entity.Action, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyRemoteLocked(table, action, payload); err != nil {
		c.log.Warnw("skipped remote change", "entity", table, "action", action, "error", err)
		return
	}
	c.hasSyncedData = true
	c.persistLocked()
}

func (c *Cache) applyRemoteLocked(table entity.Table, action entity.Action, payload json.RawMessage) error {
	if action == entity.ActionDelete {
		var probe struct {
			ID id.ID `json:"id"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			return err
		}
		switch table {
		case entity.TableItems:
			delete(c.items, probe.ID)
		case entity.TableTransactions:
			delete(c.transactions, probe.ID)
		case entity.TableCategories:
			delete(c.categories, probe.ID)
		case entity.TableContractors:
			delete(c.contractors, probe.ID)
		case entity.TableUsers:
			delete(c.users, probe.ID)
		default:
			return fmt.Errorf("unknown table %q", table)
		}
		return nil
	}

	switch table {
	case entity.TableItems:
		var item entity.Item
		if err := json.Unmarshal(payload, &item); err != nil {
			return err
		}
		c.items[item.ID] = item
	case entity.TableTransactions:
		var tx entity.Transaction
		if err := json.Unmarshal(payload, &tx); err != nil {
			return err
		}
		c.transactions[tx.ID] = tx
	case entity.TableCategories:
		var category entity.Category
		if err := json.Unmarshal(payload, &category); err != nil {
			return err
		}
		c.categories[category.ID] = category
	case entity.TableContractors:
		var contractor entity.Contractor
		if err := json.Unmarshal(payload, &contractor); err != nil {
			return err
		}
		c.contractors[contractor.ID] = contractor
	case entity.TableUsers:
		var user entity.User
		if err := json.Unmarshal(payload, &user); err != nil {
			return err
		}
		c.users[user.ID] = user
	default:
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

// --- snapshot persistence ---

const snapshotName = "entities"

type snapshotState struct {
	Items         []entity.Item        `json:"items"`
	Transactions  []entity.Transaction `json:"transactions"`
	Categories    []entity.Category    `json:"categories"`
	Contractors   []entity.Contractor  `json:"contractors"`
	Users         []entity.User        `json:"users"`
	HasSyncedData bool                 `json:"has_synced_data"`
}

func (c *Cache) applyState(state snapshotState) {
	for _, item := range state.Items {
		c.items[item.ID] = item
	}
	for _, tx := range state.Transactions {
		c.transactions[tx.ID] = tx
	}
	for _, category := range state.Categories {
		c.categories[category.ID] = category
	}
	for _, contractor := range state.Contractors {
		c.contractors[contractor.ID] = contractor
	}
	for _, user := range state.Users {
		c.users[user.ID] = user
	}
	c.hasSyncedData = state.HasSyncedData
}

// persistLocked writes the snapshot. Best effort: user intent is already
// durable in the operation log, the snapshot only accelerates startup.
func (c *Cache) persistLocked() {
	if c.snapshots == nil {
		return
	}

	state := snapshotState{HasSyncedData: c.hasSyncedData}
	for _, item := range c.items {
		state.Items = append(state.Items, item)
	}
	for _, tx := range c.transactions {
		state.Transactions = append(state.Transactions, tx)
	}
	for _, category := range c.categories {
		state.Categories = append(state.Categories, category)
	}
	for _, contractor := range c.contractors {
		state.Contractors = append(state.Contractors, contractor)
	}
	for _, user := range c.users {
		state.Users = append(state.Users, user)
	}

	if err := c.snapshots.Save(snapshotName, state); err != nil {
		c.log.Warnw("cache snapshot write failed", "error", err)
	}
}
