package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"stocksync/internal/core/entity"
	"stocksync/internal/core/id"
	"stocksync/internal/core/types"
)

func tx(itemID id.ID, txType entity.TransactionType, qty int64) entity.Transaction {
	t := entity.NewTransaction(itemID, txType, types.NewQuantityFromInt(qty))
	return t
}

func TestStockArithmetic(t *testing.T) {
	itemID := id.New()
	txs := []entity.Transaction{
		tx(itemID, entity.TransactionIn, 10),
		tx(itemID, entity.TransactionOut, 3),
		tx(itemID, entity.TransactionWIP, 2),
	}

	assert.Equal(t, types.NewQuantityFromInt(7), Stock(txs, itemID))
	assert.Equal(t, types.NewQuantityFromInt(2), WIP(txs, itemID))

	// A negative WIP row reduces WIP but leaves stock untouched.
	txs = append(txs, tx(itemID, entity.TransactionWIP, -2))
	assert.Equal(t, types.NewQuantityFromInt(7), Stock(txs, itemID))
	assert.True(t, WIP(txs, itemID).IsZero())
}

func TestStockIgnoresOtherItems(t *testing.T) {
	itemA := id.New()
	itemB := id.New()
	txs := []entity.Transaction{
		tx(itemA, entity.TransactionIn, 5),
		tx(itemB, entity.TransactionIn, 9),
		tx(itemB, entity.TransactionOut, 4),
	}

	assert.Equal(t, types.NewQuantityFromInt(5), Stock(txs, itemA))
	assert.Equal(t, types.NewQuantityFromInt(5), Stock(txs, itemB))
}

func TestStockIsPure(t *testing.T) {
	itemID := id.New()
	txs := []entity.Transaction{
		tx(itemID, entity.TransactionIn, 12),
		tx(itemID, entity.TransactionOut, 5),
		tx(itemID, entity.TransactionWIP, 3),
	}

	first := Stock(txs, itemID)
	second := Stock(txs, itemID)
	assert.Equal(t, first, second)

	// Deletion is reflected by recomputation alone.
	assert.Equal(t, types.NewQuantityFromInt(12), Stock(txs[:1], itemID))
}

func TestStockUnknownItemIsZero(t *testing.T) {
	txs := []entity.Transaction{tx(id.New(), entity.TransactionIn, 3)}
	assert.True(t, Stock(txs, id.New()).IsZero())
	assert.True(t, WIP(txs, id.New()).IsZero())
}

func TestBalancesSinglePass(t *testing.T) {
	itemA := id.New()
	itemB := id.New()
	txs := []entity.Transaction{
		tx(itemA, entity.TransactionIn, 10),
		tx(itemA, entity.TransactionOut, 3),
		tx(itemA, entity.TransactionWIP, 2),
		tx(itemB, entity.TransactionIn, 1),
	}

	balances := Balances(txs)
	assert.Len(t, balances, 2)
	assert.Equal(t, types.NewQuantityFromInt(7), balances[itemA].Stock)
	assert.Equal(t, types.NewQuantityFromInt(2), balances[itemA].WIP)
	assert.Equal(t, types.NewQuantityFromInt(1), balances[itemB].Stock)

	// Per-item functions agree with the single-pass view.
	assert.Equal(t, Stock(txs, itemA), balances[itemA].Stock)
	assert.Equal(t, WIP(txs, itemA), balances[itemA].WIP)
}

func TestFractionalQuantities(t *testing.T) {
	itemID := id.New()
	txs := []entity.Transaction{
		tx(itemID, entity.TransactionIn, 0),
		{ID: id.New(), ItemID: itemID, Type: entity.TransactionIn, Quantity: types.NewQuantityFromFloat64(2.5)},
		{ID: id.New(), ItemID: itemID, Type: entity.TransactionOut, Quantity: types.NewQuantityFromFloat64(1.25)},
	}

	assert.Equal(t, types.NewQuantityFromFloat64(1.25), Stock(txs, itemID))
}
