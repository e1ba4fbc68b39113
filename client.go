// Package stocksync is an offline-first inventory sync core: a durable
// pending-operation queue, a write-through transaction orchestrator with WIP
// auto-reduction, a conflict resolution surface and a pure stock ledger over
// a locally cached copy of the remote store.
//
// The package is a library; it exposes no process surface of its own. A UI
// layer opens a Client, starts it and drives submissions and conflict
// decisions through it.
package stocksync

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"stocksync/internal/cache"
	"stocksync/internal/config"
	"stocksync/internal/conflict"
	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/internal/guard"
	"stocksync/internal/ledger"
	"stocksync/internal/localdb"
	"stocksync/internal/oplog"
	"stocksync/internal/orchestrator"
	"stocksync/internal/remote"
	"stocksync/internal/remote/postgres"
	"stocksync/internal/remote/realtime"
	"stocksync/internal/sink"
	"stocksync/internal/syncer"
	"stocksync/pkg/logger"
)

// Re-exported aliases so consumers rarely need the internal packages.
type (
	SubmitInput  = orchestrator.SubmitInput
	SubmitResult = orchestrator.SubmitResult
	Balance      = ledger.Balance
	QueueSummary = entity.QueueSummary
	DrainStats   = syncer.DrainStats
	Config       = config.Config
)

// Client is the assembled sync core.
type Client struct {
	cfg config.Config
	log *logger.Logger

	db   *sql.DB
	pool *pgxpool.Pool

	cache     *cache.Cache
	queue     *oplog.Log
	store     remote.Store
	processor *syncer.Processor
	conflicts *conflict.Resolver
	orch      *orchestrator.Orchestrator
	monitor   *guard.Monitor
	dataGuard *guard.DataGuard
	listener  *realtime.Listener

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// Open builds a client from configuration. It opens the local database and
// the remote connection pool but does not start background work; call Start.
func Open(ctx context.Context, cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		return nil, err
	}

	db, err := localdb.Open(cfg.LocalDBPath)
	if err != nil {
		return nil, err
	}

	snapshots, err := cache.NewSnapshotStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	c, err := cache.New(snapshots, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	queue, err := oplog.Open(oplog.NewSQLiteStore(db), log)
	if err != nil {
		db.Close()
		return nil, err
	}

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.RemoteDSN))
	if err != nil {
		db.Close()
		return nil, err
	}
	store := postgres.NewStore(pool, 0)

	processor := syncer.New(queue, store, syncer.Config{
		RetryBudget: cfg.RetryBudget,
		Interval:    cfg.SyncInterval,
	}, log)

	var notificationSink sink.Sink
	if cfg.SpreadsheetPath != "" {
		notificationSink = sink.NewSpreadsheet(cfg.SpreadsheetPath)
	}

	orch := orchestrator.New(c, queue, store, notificationSink, processor.Notify, log)
	resolver := conflict.New(queue, processor.Notify, orch.CompensateDismissed, log)

	monitor := guard.NewMonitor(db, guard.MonitorConfig{BudgetBytes: cfg.StorageBudgetBytes}, log)
	queue.SetStorageErrorHandler(monitor.HandleStorageError)

	client := &Client{
		cfg:       cfg,
		log:       log.WithComponent("client"),
		db:        db,
		pool:      pool,
		cache:     c,
		queue:     queue,
		store:     store,
		processor: processor,
		conflicts: resolver,
		orch:      orch,
		monitor:   monitor,
		dataGuard: guard.NewDataGuard(db, store, c, log),
	}

	if cfg.RealtimeURL != "" {
		client.listener = realtime.NewListener(realtime.ListenerConfig{
			URL:            cfg.RealtimeURL,
			CoalesceWindow: cfg.CoalesceWindow,
		}, client.applyRemoteBatch, log)
	}

	return client, nil
}

// Start evaluates the data guard, hydrates the cache and launches the
// background loops. A CodeDataGuard error means startup is blocked pending
// AcceptDataGuardOverride; call Start again after the user accepts.
func (cl *Client) Start(ctx context.Context) error {
	if err := cl.dataGuard.Check(ctx); err != nil {
		return err
	}

	cl.mu.Lock()
	if cl.started {
		cl.mu.Unlock()
		return nil
	}
	cl.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	cl.cancel = cancel
	cl.mu.Unlock()

	cl.hydrate(ctx)

	cl.wg.Add(2)
	go func() {
		defer cl.wg.Done()
		cl.processor.Run(runCtx)
	}()
	go func() {
		defer cl.wg.Done()
		cl.monitor.Run(runCtx)
	}()
	if cl.listener != nil {
		cl.wg.Add(1)
		go func() {
			defer cl.wg.Done()
			cl.listener.Run(runCtx)
		}()
	}

	cl.processor.Notify()
	return nil
}

// hydrate refreshes the cache from a full remote snapshot. Unreachable
// remote is fine: the persisted cache keeps serving reads.
func (cl *Client) hydrate(ctx context.Context) {
	snap, err := cl.store.Snapshot(ctx)
	if err != nil {
		cl.log.Warnw("cache hydration skipped, serving persisted cache", "error", err)
		return
	}
	cl.cache.Hydrate(snap)
	cl.log.Infow("cache hydrated",
		"items", len(snap.Items), "transactions", len(snap.Transactions))
}

func (cl *Client) applyRemoteBatch(events []realtime.ChangeEvent) {
	for _, ev := range events {
		cl.cache.ApplyRemote(ev.Entity, ev.Action, ev.Payload)
	}
	cl.log.Debugw("remote change batch applied", "events", len(events))
}

// Close stops background loops and releases both stores.
func (cl *Client) Close() error {
	cl.mu.Lock()
	if cl.cancel != nil {
		cl.cancel()
		cl.cancel = nil
	}
	cl.started = false
	cl.mu.Unlock()

	cl.wg.Wait()
	cl.pool.Close()
	return cl.db.Close()
}

// --- mutation surface ---

// Submit records an inventory movement; see orchestrator.Submit.
func (cl *Client) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	return cl.orch.Submit(ctx, input)
}

// UpdateTransactionMeta corrects metadata on a recorded transaction.
func (cl *Client) UpdateTransactionMeta(ctx context.Context, txID id.ID, patch entity.TransactionMetaPatch) error {
	return cl.orch.UpdateTransactionMeta(ctx, txID, patch)
}

// DeleteTransaction reverses a recorded movement.
func (cl *Client) DeleteTransaction(ctx context.Context, txID id.ID) error {
	return cl.orch.DeleteTransaction(ctx, txID)
}

// --- read surface ---

// Balance returns the derived stock and WIP position of one item.
func (cl *Client) Balance(itemID id.ID) Balance { return cl.orch.Balance(itemID) }

// Balances returns the derived position of every item with history.
func (cl *Client) Balances() map[id.ID]Balance { return cl.orch.Balances() }

// Transactions returns the cached transaction history in timestamp order.
func (cl *Client) Transactions() []entity.Transaction { return cl.cache.Transactions() }

// Items returns the cached item catalog.
func (cl *Client) Items() []entity.Item { return cl.cache.Items() }

// Summary returns the queue badge counters.
func (cl *Client) Summary() QueueSummary { return cl.queue.Summary() }

// --- sync and conflicts ---

// SyncNow triggers an immediate drain and reports its outcome.
func (cl *Client) SyncNow(ctx context.Context) DrainStats {
	return cl.processor.Drain(ctx)
}

// Conflicts exposes the conflict read/retry/dismiss surface.
func (cl *Client) Conflicts() *conflict.Resolver { return cl.conflicts }

// --- guard surface ---

// AcceptDataGuardOverride persists the user's acknowledgement of an empty
// remote store so Start no longer blocks.
func (cl *Client) AcceptDataGuardOverride() error { return cl.dataGuard.AcceptOverride() }

// RegisterStorageWarning registers a storage warning callback; the returned
// func unregisters it.
func (cl *Client) RegisterStorageWarning(fn func(message string)) (unregister func()) {
	return cl.monitor.RegisterWarning(fn)
}

// StorageHealth runs one health check.
func (cl *Client) StorageHealth() guard.Status { return cl.monitor.Check() }
