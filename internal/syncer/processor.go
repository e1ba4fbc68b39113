// Package syncer drains the pending operation log against the remote store.
package syncer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"stocksync/internal/core/apperror"
	"stocksync/internal/core/entity"
	"stocksync/internal/oplog"
	"stocksync/internal/remote"
	"stocksync/pkg/logger"
)

var tracer = otel.Tracer("stocksync/internal/syncer")

// DefaultRetryBudget is the number of transient attempts before an entry is
// parked as failed.
const DefaultRetryBudget = 5

// DrainStats summarizes one drain.
type DrainStats struct {
	Confirmed  int
	Conflicted int
	Requeued   int
	Failed     int

	// Offline is set when the pass stopped early on a transient failure.
	Offline bool
}

// Processor serializes queue drains. At most one drain runs at a time; a
// trigger arriving mid-drain schedules exactly one follow-up pass instead of
// overlapping work.
type Processor struct {
	queue       *oplog.Log
	store       remote.Store
	retryBudget int
	interval    time.Duration
	log         *logger.Logger

	mu          sync.Mutex
	draining    bool
	pendingPass bool

	notify chan struct{}
}

// Config tunes the processor; zero values get defaults.
type Config struct {
	RetryBudget int
	Interval    time.Duration
}

// New creates a processor over the queue and remote store.
func New(queue *oplog.Log, store remote.Store, cfg Config, log *logger.Logger) *Processor {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Processor{
		queue:       queue,
		store:       store,
		retryBudget: cfg.RetryBudget,
		interval:    cfg.Interval,
		log:         log.WithComponent("syncer"),
		notify:      make(chan struct{}, 1),
	}
}

// Notify requests a drain. Non-blocking; a trigger arriving mid-drain
// schedules exactly one follow-up pass instead of a concurrent drain.
func (p *Processor) Notify() {
	p.mu.Lock()
	if p.draining {
		p.pendingPass = true
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run drains on every trigger and on a periodic tick until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		case <-ticker.C:
		}
		p.Drain(ctx)
	}
}

// Drain runs sync passes until the queue is quiet. If a drain is already in
// flight the call schedules one follow-up pass and returns immediately.
func (p *Processor) Drain(ctx context.Context) DrainStats {
	p.mu.Lock()
	if p.draining {
		p.pendingPass = true
		p.mu.Unlock()
		return DrainStats{}
	}
	p.draining = true
	p.mu.Unlock()

	var total DrainStats
	for {
		stats := p.pass(ctx)
		total.Confirmed += stats.Confirmed
		total.Conflicted += stats.Conflicted
		total.Requeued += stats.Requeued
		total.Failed += stats.Failed
		total.Offline = stats.Offline

		p.mu.Lock()
		// Entries enqueued mid-pass or an explicit trigger warrant one more
		// pass, except when the remote just proved unreachable.
		again := p.pendingPass && !stats.Offline
		p.pendingPass = false
		if !again {
			p.draining = false
			p.mu.Unlock()
			return total
		}
		p.mu.Unlock()
	}
}

// pass pushes every currently pending entry once, table by table in
// referential order so parents land before the rows that point at them.
func (p *Processor) pass(ctx context.Context) DrainStats {
	pending := p.queue.ListPending()
	if len(pending) == 0 {
		return DrainStats{}
	}

	ctx, span := tracer.Start(ctx, "syncer.drain")
	defer span.End()
	span.SetAttributes(attribute.Int("queue.pending", len(pending)))

	byTable := make(map[entity.Table][]entity.PendingOperation, len(entity.Tables()))
	for _, op := range pending {
		byTable[op.Table] = append(byTable[op.Table], op)
	}

	var stats DrainStats
	for _, table := range entity.Tables() {
		for _, op := range byTable[table] {
			if ctx.Err() != nil {
				stats.Offline = true
				return stats
			}
			outcome := p.push(ctx, op, &stats)
			if outcome == outcomeTransient {
				// The link is down; later entries would fail the same way.
				stats.Offline = true
				span.SetAttributes(attribute.Bool("drain.offline", true))
				return stats
			}
		}
	}

	span.SetAttributes(
		attribute.Int("drain.confirmed", stats.Confirmed),
		attribute.Int("drain.conflicted", stats.Conflicted),
	)
	return stats
}

type pushOutcome int

const (
	outcomeConfirmed pushOutcome = iota
	outcomeConflict
	outcomeTransient
	outcomeSkipped
)

func (p *Processor) push(ctx context.Context, op entity.PendingOperation, stats *DrainStats) pushOutcome {
	if err := p.queue.MarkSyncing(op.ID); err != nil {
		// The entry changed state since listing (dismissed or retried); skip.
		p.log.Debugw("entry not claimable, skipped", "op_id", op.ID, "error", err)
		return outcomeSkipped
	}

	err := p.store.Apply(ctx, op)
	if err == nil {
		if markErr := p.queue.MarkDone(op.ID); markErr != nil {
			p.log.Errorw("confirmed operation not removed", "op_id", op.ID, "error", markErr)
		}
		stats.Confirmed++
		p.log.Infow("operation confirmed", "op_id", op.ID, "entity", op.Table, "action", op.Action)
		return outcomeConfirmed
	}

	if apperror.IsTransient(err) {
		attempts, requeueErr := p.queue.RequeueTransient(op.ID, err.Error())
		if requeueErr != nil {
			p.log.Errorw("transient requeue failed", "op_id", op.ID, "error", requeueErr)
			return outcomeTransient
		}
		if attempts >= p.retryBudget {
			if markErr := p.queue.MarkFailed(op.ID, err.Error()); markErr != nil {
				p.log.Errorw("retry budget park failed", "op_id", op.ID, "error", markErr)
			}
			stats.Failed++
			p.log.Warnw("retry budget exhausted", "op_id", op.ID, "attempts", attempts)
		} else {
			stats.Requeued++
			p.log.Infow("transient failure, will retry", "op_id", op.ID, "attempts", attempts, "error", err)
		}
		return outcomeTransient
	}

	// Definitive rejection: park for human review and keep draining.
	if markErr := p.queue.MarkConflict(op.ID, err.Error()); markErr != nil {
		p.log.Errorw("conflict park failed", "op_id", op.ID, "error", markErr)
	}
	stats.Conflicted++
	p.log.Warnw("operation rejected by remote", "op_id", op.ID, "entity", op.Table, "error", err)
	return outcomeConflict
}
