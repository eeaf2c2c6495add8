package ratings

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	ratings map[string]*Rating // by ID
	byPair  map[string]string  // tradeID+raterID -> rating ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ratings: make(map[string]*Rating),
		byPair:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, r *Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.TradeID + "|" + r.RaterID
	if _, ok := s.byPair[key]; ok {
		return ErrDuplicateRating
	}

	cp := *r
	s.ratings[r.ID] = &cp
	s.byPair[key] = r.ID
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.ratings[id]
	if !ok {
		return ErrRatingNotFound
	}
	delete(s.byPair, r.TradeID+"|"+r.RaterID)
	delete(s.ratings, id)
	return nil
}

func (s *MemoryStore) ListForUser(ctx context.Context, ratedUserID string, limit int) ([]*Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Rating
	for _, r := range s.ratings {
		if r.RatedUserID == ratedUserID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
