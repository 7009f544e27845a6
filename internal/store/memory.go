package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"perpcore/internal/domain"
)

// Compile-time interface check.
var _ OrderStore = (*MemoryStore)(nil)

// MemoryStore is an OrderStore held in process memory. Each order has its own
// lock, so writers to different orders do not contend.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]*memEntry
	ordered     []*memEntry // insertion order
	lastCreated time.Time
}

type memEntry struct {
	mu    sync.Mutex
	order domain.Order
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// Insert adds a new order.
func (s *MemoryStore) Insert(_ context.Context, order *domain.Order) error {
	if order.ID == "" {
		return fmt.Errorf("%w: empty order id", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[order.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateID, order.ID)
	}

	if order.CreatedAt.IsZero() {
		now := time.Now().UTC()
		if !now.After(s.lastCreated) {
			now = s.lastCreated.Add(time.Nanosecond)
		}
		order.CreatedAt = now
	}
	if order.CreatedAt.After(s.lastCreated) {
		s.lastCreated = order.CreatedAt
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	if order.Version == 0 {
		order.Version = 1
	}

	e := &memEntry{order: *order}
	s.entries[order.ID] = e
	s.ordered = append(s.ordered, e)
	return nil
}

// Get returns a copy of the order with the given ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Order, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	o := e.order
	e.mu.Unlock()
	return &o, nil
}

// List returns a snapshot of all orders by creation time.
func (s *MemoryStore) List(_ context.Context) ([]domain.Order, error) {
	return s.snapshot(nil), nil
}

// ListByStatus returns a snapshot of the orders in any of statuses.
func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	return s.snapshot(statuses), nil
}

// UpdateStatus moves the order to status.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	return s.Update(ctx, id, setStatus(status))
}

// Update applies fn to the order under its lock.
func (s *MemoryStore) Update(_ context.Context, id string, fn MutateFunc) (*domain.Order, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := applyUpdate(e.order, fn)
	if err != nil {
		return nil, err
	}
	e.order = next
	return &next, nil
}

func (s *MemoryStore) entry(id string) (*memEntry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return e, nil
}

func (s *MemoryStore) snapshot(statuses []domain.OrderStatus) []domain.Order {
	s.mu.RLock()
	entries := make([]*memEntry, len(s.ordered))
	copy(entries, s.ordered)
	s.mu.RUnlock()

	out := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		o := e.order
		e.mu.Unlock()
		if len(statuses) > 0 && !matchesStatus(o.Status, statuses) {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
