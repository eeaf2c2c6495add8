package offers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/otcmesh/otcmesh/internal/money"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	offers map[string]*Offer
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func (s *MemoryStore) Create(ctx context.Context, o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.offers[o.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	cp := *o
	s.offers[o.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[id]; !ok {
		return ErrOfferNotFound
	}
	delete(s.offers, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Offer
	for _, o := range s.offers {
		if f.Side != "" && o.Side != f.Side {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.OwnerID != "" && o.OwnerID != f.OwnerID {
			continue
		}
		cp := *o
		all = append(all, &cp)
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	// Keyset position: skip rows at or before the cursor.
	if f.Cursor != nil {
		idx := 0
		for i, o := range all {
			if o.CreatedAt.Before(f.Cursor.CreatedAt) ||
				(o.CreatedAt.Equal(f.Cursor.CreatedAt) && o.ID < f.Cursor.ID) {
				idx = i
				break
			}
			idx = len(all)
		}
		all = all[idx:]
	}

	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, id string, amount decimal.Decimal) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if o.Status != StatusActive {
		return nil, ErrOfferNotActive
	}

	remaining := decimal.RequireFromString(o.Remaining)
	if amount.GreaterThan(remaining) {
		return nil, ErrAmountOutOfRange
	}

	next := remaining.Sub(amount)
	o.Remaining = money.Format(money.Stable, next)
	if next.IsZero() {
		o.Status = StatusCompleted
	}
	o.UpdatedAt = time.Now()

	cp := *o
	return &cp, nil
}

func (s *MemoryStore) Restore(ctx context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return ErrOfferNotFound
	}

	remaining := decimal.RequireFromString(o.Remaining).Add(amount)
	total := decimal.RequireFromString(o.Amount)
	if remaining.GreaterThan(total) {
		remaining = total
	}
	o.Remaining = money.Format(money.Stable, remaining)
	if o.Status == StatusCompleted {
		o.Status = StatusActive
	}
	o.UpdatedAt = time.Now()
	return nil
}
