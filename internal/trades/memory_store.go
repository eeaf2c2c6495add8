package trades

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	trades map[string]*Trade
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]*Trade)}
}

func (s *MemoryStore) Create(ctx context.Context, t *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneTrade(t)
	s.trades[t.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return cloneTrade(t), nil
}

func (s *MemoryStore) Update(ctx context.Context, t *Trade, fromStatus Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if existing.Status != fromStatus {
		return ErrInvalidState
	}
	s.trades[t.ID] = cloneTrade(t)
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Trade
	for _, t := range s.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			out = append(out, cloneTrade(t))
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Trade
	for _, t := range s.trades {
		if t.Status == status {
			out = append(out, cloneTrade(t))
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkOverdue(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flagged []*Trade
	for _, t := range s.trades {
		if t.Status == StatusPaymentPending && !t.Overdue && now.After(t.PaymentDeadline) {
			t.Overdue = true
			t.UpdatedAt = now
			flagged = append(flagged, cloneTrade(t))
			if len(flagged) == limit {
				break
			}
		}
	}
	return flagged, nil
}

func sortNewestFirst(ts []*Trade) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.After(ts[j].CreatedAt)
		}
		return ts[i].ID > ts[j].ID
	})
}

func cloneTrade(t *Trade) *Trade {
	cp := *t
	if t.DisputeEvidence != nil {
		cp.DisputeEvidence = append([]string(nil), t.DisputeEvidence...)
	}
	return &cp
}
