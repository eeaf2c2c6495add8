package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/otcmesh/otcmesh/internal/money"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[string]*Balance
	transactions map[string]*Transaction   // by ID
	byReference  map[string][]*Transaction // legs sharing a reference
	order        []string                  // insertion order of tx IDs
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:     make(map[string]*Balance),
		transactions: make(map[string]*Transaction),
		byReference:  make(map[string][]*Transaction),
	}
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(userID)
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Credit(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findLeg(tx.Reference, tx.UserID, tx.Currency); existing != nil {
		cp := *existing
		return &cp, false, nil
	}

	b := s.balance(tx.UserID)
	cur := mustDecimal(b.Amount(tx.Currency))
	s.setBalance(b, tx.Currency, cur.Add(mustDecimal(tx.Amount)))
	s.record(tx)
	cp := *tx
	return &cp, true, nil
}

func (s *MemoryStore) Debit(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findLeg(tx.Reference, tx.UserID, tx.Currency); existing != nil {
		cp := *existing
		return &cp, false, nil
	}

	b := s.balance(tx.UserID)
	cur := mustDecimal(b.Amount(tx.Currency))
	next := cur.Sub(mustDecimal(tx.Amount))
	if next.IsNegative() {
		return nil, false, ErrInsufficientFunds
	}
	s.setBalance(b, tx.Currency, next)
	s.record(tx)
	cp := *tx
	return &cp, true, nil
}

func (s *MemoryStore) Transfer(ctx context.Context, debit, credit *Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findLeg(debit.Reference, debit.UserID, debit.Currency) != nil {
		return false, nil
	}

	from := s.balance(debit.UserID)
	next := mustDecimal(from.Amount(debit.Currency)).Sub(mustDecimal(debit.Amount))
	if next.IsNegative() {
		return false, ErrInsufficientFunds
	}
	to := s.balance(credit.UserID)

	s.setBalance(from, debit.Currency, next)
	s.setBalance(to, credit.Currency, mustDecimal(to.Amount(credit.Currency)).Add(mustDecimal(credit.Amount)))
	s.record(debit)
	s.record(credit)
	return true, nil
}

func (s *MemoryStore) Swap(ctx context.Context, debit, credit *Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findLeg(debit.Reference, debit.UserID, debit.Currency) != nil {
		return false, nil
	}

	b := s.balance(debit.UserID)
	next := mustDecimal(b.Amount(debit.Currency)).Sub(mustDecimal(debit.Amount))
	if next.IsNegative() {
		return false, ErrInsufficientFunds
	}

	s.setBalance(b, debit.Currency, next)
	s.setBalance(b, credit.Currency, mustDecimal(b.Amount(credit.Currency)).Add(mustDecimal(credit.Amount)))
	s.record(debit)
	s.record(credit)
	return true, nil
}

func (s *MemoryStore) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	legs, ok := s.byReference[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *legs[0]
	return &cp, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, txID string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[txID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, txID string, from, to TxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[txID]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != from {
		return ErrInvalidStatusChange
	}
	tx.Status = to
	tx.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		tx := s.transactions[s.order[i]]
		if tx.UserID == userID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status TxStatus, txType TxType, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for _, id := range s.order {
		tx := s.transactions[id]
		if tx.Status == status && tx.Type == txType {
			cp := *tx
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// balance returns the live balance record, creating a zero one on first use.
// Caller must hold mu.
func (s *MemoryStore) balance(userID string) *Balance {
	b, ok := s.balances[userID]
	if !ok {
		b = &Balance{
			UserID:    userID,
			Fiat:      money.Zero(money.Fiat),
			Stable:    money.Zero(money.Stable),
			UpdatedAt: time.Now(),
		}
		s.balances[userID] = b
	}
	return b
}

func (s *MemoryStore) setBalance(b *Balance, c money.Currency, d decimal.Decimal) {
	if c == money.Fiat {
		b.Fiat = money.Format(money.Fiat, d)
	} else {
		b.Stable = money.Format(money.Stable, d)
	}
	b.UpdatedAt = time.Now()
}

// findLeg matches with the same scope Postgres enforces through its
// unique index: one leg per (reference, user, currency). Caller must
// hold mu.
func (s *MemoryStore) findLeg(reference, userID string, c money.Currency) *Transaction {
	for _, leg := range s.byReference[reference] {
		if leg.UserID == userID && leg.Currency == c {
			return leg
		}
	}
	return nil
}

func (s *MemoryStore) record(tx *Transaction) {
	cp := *tx
	s.transactions[cp.ID] = &cp
	s.byReference[cp.Reference] = append(s.byReference[cp.Reference], &cp)
	s.order = append(s.order, cp.ID)
}

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
