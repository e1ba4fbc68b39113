// Package ledger derives stock and work-in-progress quantities from the
// transaction history.
//
// Everything here is a pure recomputation over the full transaction set.
// No incremental counter is trusted as the primary source: insertion,
// metadata updates and deletion are all handled naturally because the
// functions hold no state between calls.
package ledger

import (
	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/internal/core/types"
)

// Balance is the derived position of a single item.
type Balance struct {
	Stock types.Quantity `json:"stock"`
	WIP   types.Quantity `json:"wip"`
}

// Stock returns sum(IN) - sum(OUT) for the item.
func Stock(txs []entity.Transaction, itemID id.ID) types.Quantity {
	var total types.Quantity
	for i := range txs {
		t := &txs[i]
		if t.ItemID != itemID {
			continue
		}
		switch t.Type {
		case entity.TransactionIn:
			total += t.Quantity
		case entity.TransactionOut:
			total -= t.Quantity
		}
	}
	return total
}

// WIP returns the signed sum of WIP quantities for the item. Auto-reduction
// rows carry negative quantities, so a consistent history never drops below
// zero.
func WIP(txs []entity.Transaction, itemID id.ID) types.Quantity {
	var total types.Quantity
	for i := range txs {
		t := &txs[i]
		if t.ItemID == itemID && t.Type == entity.TransactionWIP {
			total += t.Quantity
		}
	}
	return total
}

// Balances computes stock and WIP for every item in one pass.
// Transactions referencing unknown items are aggregated like any other;
// filtering against the item catalog is the consumer's concern.
func Balances(txs []entity.Transaction) map[id.ID]Balance {
	balances := make(map[id.ID]Balance)
	for i := range txs {
		t := &txs[i]
		b := balances[t.ItemID]
		switch t.Type {
		case entity.TransactionIn:
			b.Stock += t.Quantity
		case entity.TransactionOut:
			b.Stock -= t.Quantity
		case entity.TransactionWIP:
			b.WIP += t.Quantity
		}
		balances[t.ItemID] = b
	}
	return balances
}
