// Package entity provides the core domain entities shared by the cache,
// the pending operation log and the remote store adapters.
//
// JSON tags are snake_case and match the remote store's column names, so a
// marshalled entity doubles as the payload of a queued operation.
package entity

import (
	"context"
	"time"

	"stocksync/internal/core/id"
)

// Validatable is implemented by entities that support self-validation.
// Validation checks internal invariants (without storage access).
type Validatable interface {
	// Validate checks entity invariants.
	// Returns nil if valid, AppError with details otherwise.
	Validate(ctx context.Context) error
}

// Item is a catalog entry for a tracked inventory position.
type Item struct {
	ID         id.ID     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Unit       string    `db:"unit" json:"unit"`
	CategoryID *id.ID    `db:"category_id" json:"category_id,omitempty"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Category groups items for reporting.
type Category struct {
	ID        id.ID     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Contractor is an external party transactions can reference.
type Contractor struct {
	ID        id.ID     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Phone     string    `db:"phone" json:"phone,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// User is an application account; transactions record the display name
// separately so history survives account renames.
type User struct {
	ID        id.ID     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Role      string    `db:"role" json:"role,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
