package entity

import (
	"context"
	"time"

	"stocksync/internal/core/apperror"
	"stocksync/internal/core/id"
	"stocksync/internal/core/types"
)

// TransactionType classifies an inventory movement.
type TransactionType string

const (
	// TransactionIn is a receipt into stock.
	TransactionIn TransactionType = "IN"
	// TransactionOut is an issue out of stock.
	TransactionOut TransactionType = "OUT"
	// TransactionWIP marks material withdrawn for use but not yet consumed.
	// Auto-reduction records WIP rows with negative quantity.
	TransactionWIP TransactionType = "WIP"
)

// Transaction is an immutable fact about an inventory movement.
// Quantity and type are never changed after creation; only metadata
// (location, amount, bill number, contractor) may be corrected.
type Transaction struct {
	ID           id.ID           `db:"id" json:"id"`
	ItemID       id.ID           `db:"item_id" json:"item_id"`
	Type         TransactionType `db:"type" json:"type"`
	Quantity     types.Quantity  `db:"quantity" json:"quantity"`
	User         string          `db:"user_name" json:"user_name"`
	Reason       string          `db:"reason" json:"reason,omitempty"`
	Timestamp    time.Time       `db:"timestamp" json:"timestamp"`
	Location     string          `db:"location" json:"location,omitempty"`
	Amount       *types.Money    `db:"amount" json:"amount,omitempty"`
	BillNumber   string          `db:"bill_number" json:"bill_number,omitempty"`
	ContractorID *id.ID          `db:"contractor_id" json:"contractor_id,omitempty"`
	CreatedBy    id.ID           `db:"created_by" json:"created_by"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// NewTransaction creates a transaction with a generated id and timestamps.
func NewTransaction(itemID id.ID, txType TransactionType, qty types.Quantity) Transaction {
	now := time.Now().UTC()
	return Transaction{
		ID:        id.New(),
		ItemID:    itemID,
		Type:      txType,
		Quantity:  qty,
		Timestamp: now,
		UpdatedAt: now,
	}
}

// Validate checks transaction invariants.
func (t *Transaction) Validate(ctx context.Context) error {
	switch t.Type {
	case TransactionIn, TransactionOut, TransactionWIP:
	default:
		return apperror.NewValidation("unknown transaction type").WithDetail("type", string(t.Type))
	}

	if id.IsNil(t.ItemID) {
		return apperror.NewValidation("item_id is required")
	}

	if t.Quantity.IsZero() {
		return apperror.NewValidation("quantity must be non-zero")
	}

	// Only WIP rows may carry a negative quantity (auto-reduction).
	if t.Quantity.IsNegative() && t.Type != TransactionWIP {
		return apperror.NewValidation("quantity must be positive").
			WithDetail("type", string(t.Type)).
			WithDetail("quantity", t.Quantity.String())
	}

	return nil
}

// TransactionMetaPatch holds the correctable metadata fields of a transaction.
// Nil fields are left unchanged.
type TransactionMetaPatch struct {
	Location     *string      `json:"location,omitempty"`
	Amount       *types.Money `json:"amount,omitempty"`
	BillNumber   *string      `json:"bill_number,omitempty"`
	ContractorID *id.ID       `json:"contractor_id,omitempty"`
}

// Apply copies the non-nil patch fields onto the transaction and bumps UpdatedAt.
func (p TransactionMetaPatch) Apply(t *Transaction) {
	if p.Location != nil {
		t.Location = *p.Location
	}
	if p.Amount != nil {
		amount := *p.Amount
		t.Amount = &amount
	}
	if p.BillNumber != nil {
		t.BillNumber = *p.BillNumber
	}
	if p.ContractorID != nil {
		contractorID := *p.ContractorID
		t.ContractorID = &contractorID
	}
	t.UpdatedAt = time.Now().UTC()
}
