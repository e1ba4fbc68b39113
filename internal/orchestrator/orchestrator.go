// Package orchestrator coordinates transaction submission: ledger checks,
// the WIP auto-reduction saga, write-through to the remote store and
// optimistic queueing when the link is down.
package orchestrator

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"stocksync/internal/cache"
	"stocksync/internal/core/apperror"
	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/internal/core/types"
	"stocksync/internal/ledger"
	"stocksync/internal/oplog"
	"stocksync/internal/remote"
	"stocksync/internal/sink"
	"stocksync/pkg/logger"
	"stocksync/pkg/validation"
)

var tracer = otel.Tracer("stocksync/internal/orchestrator")

// Orchestrator is the single entry point for inventory mutations.
type Orchestrator struct {
	cache *cache.Cache
	queue *oplog.Log
	store remote.Store
	sink  sink.Sink
	log   *logger.Logger

	// notify asks the sync processor for a drain after an enqueue.
	notify func()
}

// New wires an orchestrator. sink and notify may be nil.
func New(c *cache.Cache, queue *oplog.Log, store remote.Store, s sink.Sink, notify func(), log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cache:  c,
		queue:  queue,
		store:  store,
		sink:   s,
		log:    log.WithComponent("orchestrator"),
		notify: notify,
	}
}

// SubmitInput is a user-initiated inventory movement.
type SubmitInput struct {
	ItemID       id.ID                  `validate:"required"`
	Type         entity.TransactionType `validate:"required,oneof=IN OUT WIP"`
	Quantity     types.Quantity         `validate:"required"`
	User         string                 `validate:"required,max=100"`
	Reason       string                 `validate:"max=500"`
	Location     string                 `validate:"max=200"`
	Amount       *types.Money           `validate:"-"`
	BillNumber   string                 `validate:"max=100"`
	ContractorID *id.ID                 `validate:"-"`
	CreatedBy    id.ID                  `validate:"required"`
}

// SubmitResult reports what a submission produced.
type SubmitResult struct {
	// Created lists the transactions recorded, in creation order. An OUT
	// against an item with WIP may produce two rows (the reduction and the
	// remainder) or only the reduction.
	Created []entity.Transaction

	// Queued is set when at least one row awaits remote confirmation.
	Queued bool
}

// Submit validates and records a movement. OUT submissions run the WIP
// auto-reduction saga; IN and WIP submissions record a single row.
func (o *Orchestrator) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	if err := validation.Struct(input); err != nil {
		return SubmitResult{}, err
	}
	if !input.Quantity.IsPositive() {
		return SubmitResult{}, apperror.NewValidation("quantity must be positive").
			WithDetail("quantity", input.Quantity.String())
	}
	if _, ok := o.cache.Item(input.ItemID); !ok {
		return SubmitResult{}, apperror.NewNotFound("item", input.ItemID.String())
	}

	ctx, span := tracer.Start(ctx, "orchestrator.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("tx.type", string(input.Type)),
		attribute.String("tx.item_id", input.ItemID.String()),
	)

	if input.Type == entity.TransactionOut {
		return o.submitOut(ctx, input)
	}

	tx := o.buildTransaction(input)
	rec, err := o.record(ctx, tx)
	if err != nil {
		return SubmitResult{}, err
	}
	o.pushSink(tx)
	return SubmitResult{Created: []entity.Transaction{tx}, Queued: rec.queued}, nil
}

// submitOut runs the WIP auto-reduction saga: draw down WIP first, issue the
// remainder from stock, and compensate the reduction if the remainder fails.
func (o *Orchestrator) submitOut(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	txs := o.cache.Transactions()
	currentWIP := ledger.WIP(txs, input.ItemID)
	currentStock := ledger.Stock(txs, input.ItemID)

	wipToReduce := types.MinQuantity(currentWIP, input.Quantity)
	if wipToReduce.IsNegative() {
		wipToReduce = 0
	}
	remainder := input.Quantity - wipToReduce

	// Reducing WIP never reduces stock, so only the remainder needs cover.
	if remainder > currentStock {
		return SubmitResult{}, apperror.NewInsufficientStock(
			input.ItemID.String(), remainder.Float64(), currentStock.Float64())
	}

	wipAmount, outAmount := splitAmount(input.Amount, wipToReduce, input.Quantity)

	var result SubmitResult
	var wipTx entity.Transaction
	var wipRec recorded

	if wipToReduce.IsPositive() {
		wipTx = o.buildTransaction(input)
		wipTx.Type = entity.TransactionWIP
		wipTx.Quantity = wipToReduce.Neg()
		wipTx.Amount = wipAmount

		var err error
		wipRec, err = o.record(ctx, wipTx)
		if err != nil {
			return SubmitResult{}, err
		}
		result.Created = append(result.Created, wipTx)
		result.Queued = result.Queued || wipRec.queued
	}

	if remainder.IsZero() {
		// WIP covered the whole request; no OUT row.
		o.pushSink(result.Created...)
		return result, nil
	}

	outTx := o.buildTransaction(input)
	outTx.Quantity = remainder
	outTx.Amount = outAmount

	outRec, err := o.record(ctx, outTx)
	if err != nil {
		if wipToReduce.IsPositive() {
			o.rollbackReduction(ctx, wipTx, wipRec)
		}
		return SubmitResult{}, err
	}
	result.Created = append(result.Created, outTx)
	result.Queued = result.Queued || outRec.queued

	o.pushSink(result.Created...)
	return result, nil
}

// splitAmount divides a monetary amount proportionally between the WIP
// reduction and the OUT remainder. The two parts always sum exactly to the
// original. Assumes amount scales linearly with quantity; a flat fee gets
// split the same way, a known approximation carried over deliberately.
func splitAmount(amount *types.Money, wipToReduce, requested types.Quantity) (*types.Money, *types.Money) {
	if amount == nil {
		return nil, nil
	}
	if !wipToReduce.IsPositive() {
		out := *amount
		return nil, &out
	}
	if wipToReduce == requested {
		wip := *amount
		return &wip, nil
	}
	wipShare := amount.Mul(wipToReduce.Decimal()).DivRound(requested.Decimal(), 4)
	outShare := amount.Sub(wipShare)
	return &wipShare, &outShare
}

// rollbackReduction compensates the WIP-reduction row after the OUT
// remainder failed. Failure here is logged and swallowed: the submission
// error already travels back to the caller, and a half-rolled-back saga is a
// manual reconciliation case, not a crash.
func (o *Orchestrator) rollbackReduction(ctx context.Context, wipTx entity.Transaction, rec recorded) {
	o.cache.RemoveTransaction(wipTx.ID)

	if rec.queued {
		if err := o.queue.Dismiss(rec.opID); err != nil {
			o.log.Errorw("saga rollback could not dismiss queued reduction, manual reconciliation required",
				"tx_id", wipTx.ID, "op_id", rec.opID, "error", err)
		}
		return
	}

	// The reduction was confirmed remotely; delete the row. Full row as
	// payload so a later dismissal can restore the local projection.
	op, err := entity.NewPendingOperation(entity.TableTransactions, entity.ActionDelete, wipTx)
	if err != nil {
		o.log.Errorw("saga rollback could not build delete, manual reconciliation required",
			"tx_id", wipTx.ID, "error", err)
		return
	}

	if err := o.store.Apply(ctx, op); err != nil {
		if apperror.IsTransient(err) {
			if qErr := o.queue.Enqueue(op); qErr == nil {
				o.notifyDrain()
				return
			}
		}
		o.log.Errorw("saga rollback delete failed, manual reconciliation required",
			"tx_id", wipTx.ID, "error", err)
	}
}

// UpdateTransactionMeta corrects metadata on an existing transaction.
// Quantity and type are immutable; only the patch fields change.
func (o *Orchestrator) UpdateTransactionMeta(ctx context.Context, txID id.ID, patch entity.TransactionMetaPatch) error {
	tx, ok := o.cache.Transaction(txID)
	if !ok {
		return apperror.NewNotFound("transaction", txID.String())
	}

	base := tx.UpdatedAt
	patch.Apply(&tx)

	op, err := entity.NewPendingOperation(entity.TableTransactions, entity.ActionUpdate, tx)
	if err != nil {
		return apperror.NewInternal(err)
	}
	op.BaseUpdatedAt = &base

	applyErr := o.store.Apply(ctx, op)
	switch {
	case applyErr == nil:
		o.cache.UpsertTransaction(tx)
		return nil
	case apperror.IsTransient(applyErr):
		if err := o.queue.Enqueue(op); err != nil {
			return err
		}
		o.cache.UpsertTransaction(tx)
		o.notifyDrain()
		return nil
	default:
		// Rejected (stale write or otherwise): no local change, surface it.
		return applyErr
	}
}

// DeleteTransaction reverses a recorded movement. The ledger is a pure
// recomputation, so removing the row reverses its stock effect with no
// further bookkeeping.
func (o *Orchestrator) DeleteTransaction(ctx context.Context, txID id.ID) error {
	tx, ok := o.cache.Transaction(txID)
	if !ok {
		return apperror.NewNotFound("transaction", txID.String())
	}

	// Full row as payload so a dismissed deletion can restore the local
	// projection.
	op, err := entity.NewPendingOperation(entity.TableTransactions, entity.ActionDelete, tx)
	if err != nil {
		return apperror.NewInternal(err)
	}

	applyErr := o.store.Apply(ctx, op)
	switch {
	case applyErr == nil:
		o.cache.RemoveTransaction(txID)
		return nil
	case apperror.IsTransient(applyErr):
		if err := o.queue.Enqueue(op); err != nil {
			return err
		}
		o.cache.RemoveTransaction(txID)
		o.notifyDrain()
		return nil
	default:
		return applyErr
	}
}

// Balance returns the derived stock and WIP position of one item.
func (o *Orchestrator) Balance(itemID id.ID) ledger.Balance {
	txs := o.cache.Transactions()
	return ledger.Balance{
		Stock: ledger.Stock(txs, itemID),
		WIP:   ledger.WIP(txs, itemID),
	}
}

// Balances returns the derived position of every item with history.
func (o *Orchestrator) Balances() map[id.ID]ledger.Balance {
	return ledger.Balances(o.cache.Transactions())
}

// CompensateDismissed reverts the optimistic local projection of a dismissed
// queue entry. Registered as the conflict resolver's compensation hook.
func (o *Orchestrator) CompensateDismissed(op entity.PendingOperation) {
	if op.Table != entity.TableTransactions {
		// Other entities re-converge on the next hydration.
		return
	}

	switch op.Action {
	case entity.ActionCreate:
		targetID, err := op.TargetID()
		if err != nil {
			o.log.Warnw("dismissed create not compensated", "op_id", op.ID, "error", err)
			return
		}
		o.cache.RemoveTransaction(targetID)
	case entity.ActionDelete:
		var tx entity.Transaction
		if err := json.Unmarshal(op.Payload, &tx); err != nil {
			o.log.Warnw("dismissed delete not compensated", "op_id", op.ID, "error", err)
			return
		}
		o.cache.UpsertTransaction(tx)
	case entity.ActionUpdate:
		// The stale metadata stays until the next hydration; the remote
		// value wins then.
	}
}

// --- internals ---

type recorded struct {
	queued bool
	opID   id.ID
}

// record writes one transaction through to the remote store, falling back to
// the durable queue on a transient failure. A definitive rejection surfaces
// to the caller with nothing applied locally.
func (o *Orchestrator) record(ctx context.Context, tx entity.Transaction) (recorded, error) {
	if err := tx.Validate(ctx); err != nil {
		return recorded{}, err
	}

	op, err := entity.NewPendingOperation(entity.TableTransactions, entity.ActionCreate, tx)
	if err != nil {
		return recorded{}, apperror.NewInternal(err)
	}

	applyErr := o.store.Apply(ctx, op)
	switch {
	case applyErr == nil:
		o.cache.UpsertTransaction(tx)
		return recorded{}, nil
	case apperror.IsTransient(applyErr):
		// Offline path: the queue write must succeed before the optimistic
		// projection becomes visible.
		if err := o.queue.Enqueue(op); err != nil {
			return recorded{}, err
		}
		o.cache.UpsertTransaction(tx)
		o.notifyDrain()
		return recorded{queued: true, opID: op.ID}, nil
	default:
		return recorded{}, applyErr
	}
}

func (o *Orchestrator) buildTransaction(input SubmitInput) entity.Transaction {
	tx := entity.NewTransaction(input.ItemID, input.Type, input.Quantity)
	tx.User = input.User
	tx.Reason = input.Reason
	tx.Location = input.Location
	tx.BillNumber = input.BillNumber
	tx.CreatedBy = input.CreatedBy
	if input.Amount != nil {
		amount := *input.Amount
		tx.Amount = &amount
	}
	if input.ContractorID != nil {
		contractorID := *input.ContractorID
		tx.ContractorID = &contractorID
	}
	return tx
}

// pushSink notifies the spreadsheet collaborator about created transactions.
// Fire-and-forget: a sink failure never affects queue or ledger state.
func (o *Orchestrator) pushSink(txs ...entity.Transaction) {
	if o.sink == nil {
		return
	}

	batch := make([]sink.Notification, 0, len(txs))
	for _, tx := range txs {
		n := sink.Notification{
			Date:       tx.Timestamp,
			Type:       string(tx.Type),
			Quantity:   tx.Quantity.String(),
			User:       tx.User,
			Reason:     tx.Reason,
			Location:   tx.Location,
			BillNumber: tx.BillNumber,
		}
		if item, ok := o.cache.Item(tx.ItemID); ok {
			n.Item = item.Name
			n.Unit = item.Unit
			if item.CategoryID != nil {
				if category, ok := o.cache.Category(*item.CategoryID); ok {
					n.Category = category.Name
				}
			}
		}
		if tx.Amount != nil {
			n.Amount = tx.Amount.StringFixed(2)
		}
		batch = append(batch, n)
	}

	// One goroutine per batch, rows pushed in order; a saga's two rows must
	// not race each other on the sink.
	go func() {
		for _, n := range batch {
			if err := o.sink.Push(context.Background(), n); err != nil {
				o.log.Warnw("notification sink push failed", "item", n.Item, "error", err)
			}
		}
	}()
}

func (o *Orchestrator) notifyDrain() {
	if o.notify != nil {
		o.notify()
	}
}
