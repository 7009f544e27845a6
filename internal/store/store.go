// Package store defines storage interfaces for orders and the order journal,
// with in-memory, SQLite and Parquet implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"perpcore/internal/domain"
)

// MutateFunc edits a copy of an order inside Update. It must not call back
// into the store. Returning an error aborts the update.
type MutateFunc func(o *domain.Order) error

// OrderStore is the authoritative set of orders. Writes to a single order are
// serialized; readers never observe a partially written record.
type OrderStore interface {
	// Insert adds a new order. It fails with domain.ErrDuplicateID if the ID
	// is already present. A zero CreatedAt is stamped by the store so that
	// creation order matches insertion order.
	Insert(ctx context.Context, order *domain.Order) error

	// Get returns the order with the given ID or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Order, error)

	// List returns all orders ordered by creation time ascending.
	List(ctx context.Context) ([]domain.Order, error)

	// ListByStatus returns orders in any of the given statuses, ordered by
	// creation time ascending.
	ListByStatus(ctx context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error)

	// UpdateStatus moves the order to status, enforcing the transition table.
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error)

	// Update applies fn to the order atomically. A status change made by fn
	// is checked against the transition table.
	Update(ctx context.Context, id string, fn MutateFunc) (*domain.Order, error)
}

// JournalStore archives orders that reached a terminal state.
type JournalStore interface {
	// AppendOrders adds orders to the journal of the day they were last
	// updated. Re-appending the same (ID, Version) is a no-op.
	AppendOrders(ctx context.Context, orders []domain.Order) error

	// ReadOrders returns the journal entries of the given UTC day.
	ReadOrders(ctx context.Context, day time.Time) ([]domain.Order, error)
}

// applyUpdate runs fn against a copy of cur and validates the result. Fields
// owned by the store (ID, CreatedAt, Version, UpdatedAt) cannot be changed by
// fn.
func applyUpdate(cur domain.Order, fn MutateFunc) (domain.Order, error) {
	next := cur
	if err := fn(&next); err != nil {
		return cur, err
	}
	if next.Status != cur.Status && !domain.CanTransition(cur.Status, next.Status) {
		return cur, fmt.Errorf("%w: %s -> %s for order %s",
			domain.ErrInvalidTransition, cur.Status, next.Status, cur.ID)
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

func setStatus(status domain.OrderStatus) MutateFunc {
	return func(o *domain.Order) error {
		o.Status = status
		return nil
	}
}

func matchesStatus(s domain.OrderStatus, statuses []domain.OrderStatus) bool {
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
