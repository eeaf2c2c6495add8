// Package ledger tracks user balances on the platform.
//
// Every user carries two balances, fiat and stablecoin, stored as
// fixed-scale decimal strings. All mutation goes through Credit, Debit,
// Transfer and Swap; nothing else writes balance fields. Every mutation
// produces exactly one Transaction row per leg, and the transaction
// reference doubles as a durable idempotency key: replaying an operation
// with a reference that was already settled is a no-op that returns the
// original row.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/otcmesh/otcmesh/internal/idgen"
	"github.com/otcmesh/otcmesh/internal/metrics"
	"github.com/otcmesh/otcmesh/internal/money"
)

var (
	ErrInsufficientFunds    = errors.New("ledger: insufficient funds")
	ErrInvalidAmount        = errors.New("ledger: invalid amount")
	ErrAccountNotFound      = errors.New("ledger: account not found")
	ErrDuplicateReference   = errors.New("ledger: reference already settled")
	ErrTransactionNotFound  = errors.New("ledger: transaction not found")
	ErrInvalidStatusChange  = errors.New("ledger: invalid transaction status change")
	ErrSameCurrencySwap     = errors.New("ledger: swap requires two different currencies")
	ErrSelfTransfer         = errors.New("ledger: cannot transfer to self")
	ErrMissingReference     = errors.New("ledger: transaction reference is required")
	ErrMissingDescription   = errors.New("ledger: description is required")
	ErrWithdrawalNotPending = errors.New("ledger: withdrawal is not pending")
)

// TxType classifies a balance mutation.
type TxType string

const (
	TxDeposit     TxType = "deposit"
	TxWithdrawal  TxType = "withdrawal"
	TxSettlement  TxType = "trade_settlement"
	TxAdminCredit TxType = "admin_credit"
	TxAdminDebit  TxType = "admin_debit"
	TxSwap        TxType = "swap"
)

// TxStatus tracks a transaction's lifecycle. Most mutations complete
// immediately; withdrawals sit pending until an admin approves the payout.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusFailed    TxStatus = "failed"
	StatusApproved  TxStatus = "approved"
	StatusRejected  TxStatus = "rejected"
)

// Transaction is one leg of a balance mutation (the audit trail).
type Transaction struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	Type           TxType         `json:"type"`
	Amount         string         `json:"amount"`
	Currency       money.Currency `json:"currency"`
	Status         TxStatus       `json:"status"`
	Reference      string         `json:"reference"`
	Description    string         `json:"description,omitempty"`
	CounterpartyID string         `json:"counterpartyId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Balance holds a user's two balances as fixed-scale decimal strings.
type Balance struct {
	UserID    string    `json:"userId"`
	Fiat      string    `json:"fiat"`
	Stable    string    `json:"stable"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Amount returns the balance in the given currency.
func (b *Balance) Amount(c money.Currency) string {
	if c == money.Fiat {
		return b.Fiat
	}
	return b.Stable
}

// Store persists balances and transactions. Implementations must make each
// mutating call atomic: balance change and transaction row land together or
// not at all, and the non-negative balance invariant holds under concurrent
// callers.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	// Credit increases a balance. Returns (tx, false, nil) when the
	// reference was already settled (idempotent replay).
	Credit(ctx context.Context, tx *Transaction) (*Transaction, bool, error)
	// Debit decreases a balance; ErrInsufficientFunds if it would go negative.
	Debit(ctx context.Context, tx *Transaction) (*Transaction, bool, error)
	// Transfer moves amount between two users in one atomic step,
	// recording one debit and one credit leg sharing the reference.
	Transfer(ctx context.Context, debit, credit *Transaction) (bool, error)
	// Swap converts between a user's two balances atomically.
	Swap(ctx context.Context, debit, credit *Transaction) (bool, error)
	FindByReference(ctx context.Context, reference string) (*Transaction, error)
	GetByID(ctx context.Context, txID string) (*Transaction, error)
	UpdateStatus(ctx context.Context, txID string, from, to TxStatus) error
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status TxStatus, txType TxType, limit int) ([]*Transaction, error)
}

// Notifier fans withdrawal state changes out to side channels
// (webhooks, realtime). Never on the settlement path.
type Notifier interface {
	EmitBalanceWithdraw(userID, reference, amount, currency, status string)
}

// Ledger implements balance business logic over a Store.
type Ledger struct {
	store    Store
	notifier Notifier
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// SetNotifier attaches the event side channel. Call before serving.
func (l *Ledger) SetNotifier(n Notifier) {
	l.notifier = n
}

func countMutation(txType TxType, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrDuplicateReference):
		result = "duplicate"
	case errors.Is(err, ErrInsufficientFunds):
		result = "insufficient"
	case err != nil:
		result = "error"
	}
	metrics.LedgerMutationsTotal.WithLabelValues(string(txType), result).Inc()
}

func (l *Ledger) notifyWithdraw(tx *Transaction, status TxStatus) {
	if l.notifier == nil {
		return
	}
	l.notifier.EmitBalanceWithdraw(tx.UserID, tx.Reference, tx.Amount, string(tx.Currency), string(status))
}

// GetBalance returns a user's current balances.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// Credit increases a user's balance. Idempotent on reference: replaying a
// settled reference returns the original transaction and ErrDuplicateReference.
func (l *Ledger) Credit(ctx context.Context, userID string, currency money.Currency, amount string, txType TxType, reference, description string) (_ *Transaction, err error) {
	defer func() { countMutation(txType, err) }()
	amt, err := money.ParsePositive(currency, amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrMissingReference
	}

	tx := newTransaction(userID, txType, currency, money.Format(currency, amt), reference, description)
	stored, created, err := l.store.Credit(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, ErrDuplicateReference
	}
	return stored, nil
}

// Debit decreases a user's balance. Never allows a negative balance.
func (l *Ledger) Debit(ctx context.Context, userID string, currency money.Currency, amount string, txType TxType, reference, description string) (_ *Transaction, err error) {
	defer func() { countMutation(txType, err) }()
	amt, err := money.ParsePositive(currency, amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrMissingReference
	}

	tx := newTransaction(userID, txType, currency, money.Format(currency, amt), reference, description)
	stored, created, err := l.store.Debit(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, ErrDuplicateReference
	}
	return stored, nil
}

// Transfer moves amount from one user to another atomically: either both
// legs apply or neither does. Idempotent on reference.
func (l *Ledger) Transfer(ctx context.Context, fromUserID, toUserID string, currency money.Currency, amount string, txType TxType, reference, description string) (err error) {
	defer func() { countMutation(txType, err) }()
	if fromUserID == toUserID {
		return ErrSelfTransfer
	}
	amt, err := money.ParsePositive(currency, amount)
	if err != nil {
		return ErrInvalidAmount
	}
	if reference == "" {
		return ErrMissingReference
	}

	formatted := money.Format(currency, amt)
	debit := newTransaction(fromUserID, txType, currency, formatted, reference, description)
	debit.CounterpartyID = toUserID
	credit := newTransaction(toUserID, txType, currency, formatted, reference, description)
	credit.CounterpartyID = fromUserID

	created, err := l.store.Transfer(ctx, debit, credit)
	if err != nil {
		return err
	}
	if !created {
		return ErrDuplicateReference
	}
	return nil
}

// Swap converts fromAmount in one currency into toAmount of the other,
// both legs atomic and keyed by one reference.
func (l *Ledger) Swap(ctx context.Context, userID string, fromCurrency money.Currency, fromAmount, toAmount, reference, description string) (err error) {
	defer func() { countMutation(TxSwap, err) }()
	toCurrency := money.Stable
	if fromCurrency == money.Stable {
		toCurrency = money.Fiat
	}
	if fromCurrency == toCurrency {
		return ErrSameCurrencySwap
	}

	fromAmt, err := money.ParsePositive(fromCurrency, fromAmount)
	if err != nil {
		return ErrInvalidAmount
	}
	toAmt, err := money.ParsePositive(toCurrency, toAmount)
	if err != nil {
		return ErrInvalidAmount
	}
	if reference == "" {
		return ErrMissingReference
	}

	debit := newTransaction(userID, TxSwap, fromCurrency, money.Format(fromCurrency, fromAmt), reference, description)
	credit := newTransaction(userID, TxSwap, toCurrency, money.Format(toCurrency, toAmt), reference, description)

	created, err := l.store.Swap(ctx, debit, credit)
	if err != nil {
		return err
	}
	if !created {
		return ErrDuplicateReference
	}
	return nil
}

// RequestWithdrawal debits the balance immediately and leaves the
// transaction pending until an admin approves or rejects the payout.
func (l *Ledger) RequestWithdrawal(ctx context.Context, userID string, currency money.Currency, amount, reference, destination string) (*Transaction, error) {
	amt, err := money.ParsePositive(currency, amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrMissingReference
	}

	tx := newTransaction(userID, TxWithdrawal, currency, money.Format(currency, amt), reference, destination)
	tx.Status = StatusPending
	stored, created, err := l.store.Debit(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, ErrDuplicateReference
	}
	l.notifyWithdraw(stored, StatusPending)
	return stored, nil
}

// ApproveWithdrawal marks a pending withdrawal approved (payout sent).
func (l *Ledger) ApproveWithdrawal(ctx context.Context, txID string) error {
	tx, err := l.store.GetByID(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Type != TxWithdrawal {
		return ErrTransactionNotFound
	}
	if err := l.store.UpdateStatus(ctx, txID, StatusPending, StatusApproved); err != nil {
		return err
	}
	l.notifyWithdraw(tx, StatusApproved)
	return nil
}

// RejectWithdrawal marks a pending withdrawal rejected and returns the
// funds. The refund is keyed by a derived reference and lands before the
// status flip, so a reject that fails partway is repaired by calling it
// again: the replayed credit is a no-op and the flip is retried.
func (l *Ledger) RejectWithdrawal(ctx context.Context, txID string) error {
	tx, err := l.store.GetByID(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Type != TxWithdrawal {
		return ErrTransactionNotFound
	}
	if tx.Status != StatusPending && tx.Status != StatusRejected {
		return ErrWithdrawalNotPending
	}

	_, err = l.Credit(ctx, tx.UserID, tx.Currency, tx.Amount, TxAdminCredit, tx.Reference+":reject", "withdrawal_rejected")
	if err != nil && !errors.Is(err, ErrDuplicateReference) {
		return err
	}

	if tx.Status == StatusRejected {
		return nil
	}
	if err := l.store.UpdateStatus(ctx, txID, StatusPending, StatusRejected); err != nil {
		return err
	}
	l.notifyWithdraw(tx, StatusRejected)
	return nil
}

// FindByReference returns the transaction settled under a reference.
func (l *Ledger) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	return l.store.FindByReference(ctx, reference)
}

// History returns a user's most recent transactions.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}

// PendingWithdrawals lists withdrawals awaiting admin review.
func (l *Ledger) PendingWithdrawals(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.ListByStatus(ctx, StatusPending, TxWithdrawal, limit)
}

func newTransaction(userID string, txType TxType, currency money.Currency, amount, reference, description string) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Currency:    currency,
		Status:      StatusCompleted,
		Reference:   reference,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
