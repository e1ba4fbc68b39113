package guard

import (
	"context"
	"database/sql"

	"stocksync/internal/cache"
	"stocksync/internal/core/apperror"
	"stocksync/internal/localdb"
	"stocksync/internal/remote"
	"stocksync/pkg/logger"
)

// overrideKey persists the user's acknowledgement of an empty remote store.
const overrideKey = "data_guard_override"

// DataGuard blocks startup when the remote store is empty while the local
// cache holds previously synced cloud data. An empty remote in that state is
// more likely an accidental wipe or a misconfigured endpoint than the truth.
type DataGuard struct {
	db    *sql.DB
	store remote.Store
	cache *cache.Cache
	log   *logger.Logger
}

// NewDataGuard wires the guard over the local database, remote store and cache.
func NewDataGuard(db *sql.DB, store remote.Store, c *cache.Cache, log *logger.Logger) *DataGuard {
	return &DataGuard{db: db, store: store, cache: c, log: log.WithComponent("dataguard")}
}

// Check evaluates the guard at startup. Returns a CodeDataGuard error when
// normal operation must be blocked pending an explicit override. An
// unreachable remote store never trips the guard; the condition needs a
// reachable remote reporting zero rows.
func (g *DataGuard) Check(ctx context.Context) error {
	override, err := localdb.GetSetting(g.db, overrideKey)
	if err != nil {
		return apperror.NewStorage("read data guard override", err)
	}
	if override == "1" {
		return nil
	}

	counts, err := g.store.Counts(ctx)
	if err != nil {
		g.log.Debugw("remote unreachable, guard not evaluated", "error", err)
		return nil
	}

	if counts.AllZero() && g.cache.HasSyncedData() {
		g.log.Warnw("empty remote store with populated local cache, blocking startup")
		return apperror.NewDataGuard(
			"remote store reports no data while local cache holds previously synced records; " +
				"confirm the remote store before continuing")
	}
	return nil
}

// AcceptOverride persists the user's acknowledgement so the guard does not
// trip again.
func (g *DataGuard) AcceptOverride() error {
	if err := localdb.SetSetting(g.db, overrideKey, "1"); err != nil {
		return apperror.NewStorage("persist data guard override", err)
	}
	g.log.Infow("data guard override accepted")
	return nil
}
