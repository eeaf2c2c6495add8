// Package trades implements the trade lifecycle state machine.
//
// A trade is born from an offer in payment_pending, the buyer asserts
// payment to reach payment_made, and the seller's release moves the
// stablecoin and completes the trade in one atomic step. Either side can
// escalate to disputed; admins force release or refund from there.
// Transitions on one trade serialize on a per-trade mutex, and the
// store's guarded status writes make the loser of any cross-process race
// observe an invalid state instead of silently overwriting.
package trades

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/otcmesh/otcmesh/internal/idgen"
	"github.com/otcmesh/otcmesh/internal/ledger"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/metrics"
	"github.com/otcmesh/otcmesh/internal/money"
	"github.com/otcmesh/otcmesh/internal/offers"
	"github.com/otcmesh/otcmesh/internal/traces"
	"github.com/otcmesh/otcmesh/internal/users"
)

var (
	ErrTradeNotFound      = errors.New("trades: trade not found")
	ErrSelfTrade          = errors.New("trades: cannot trade on your own offer")
	ErrAmountOutOfRange   = errors.New("trades: amount outside the offer's limits")
	ErrForbidden          = errors.New("trades: caller may not perform this action")
	ErrInvalidState       = errors.New("trades: trade state does not allow this transition")
	ErrDeadlineExpired    = errors.New("trades: payment deadline has passed")
	ErrAlreadyDisputed    = errors.New("trades: trade is already disputed")
	ErrAdminNotesRequired = errors.New("trades: adminNotes is required to resolve a dispute")
	ErrInvalidResolution  = errors.New("trades: resolution action must be release or refund")
	ErrKYCCapExceeded     = errors.New("trades: amount exceeds the unverified trade cap")
	ErrDisputeReason      = errors.New("trades: dispute category and reason are required")
)

// Status is the trade's position in the lifecycle.
type Status string

const (
	StatusPaymentPending Status = "payment_pending"
	StatusPaymentMade    Status = "payment_made"
	StatusCompleted      Status = "completed"
	StatusDisputed       Status = "disputed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Trade is one agreed exchange between a buyer and a seller.
// FiatAmount is fixed at creation and never recomputed from the offer.
type Trade struct {
	ID              string     `json:"id"`
	OfferID         string     `json:"offerId"`
	BuyerID         string     `json:"buyerId"`
	SellerID        string     `json:"sellerId"`
	Amount          string     `json:"amount"`
	Rate            string     `json:"rate"`
	FiatAmount      string     `json:"fiatAmount"`
	Status          Status     `json:"status"`
	PaymentMethod   string     `json:"paymentMethod,omitempty"`
	PaymentDeadline time.Time  `json:"paymentDeadline"`
	Overdue         bool       `json:"overdue"`
	DisputeCategory string     `json:"disputeCategory,omitempty"`
	DisputeReason   string     `json:"disputeReason,omitempty"`
	DisputeRaisedBy string     `json:"disputeRaisedBy,omitempty"`
	DisputeEvidence []string   `json:"disputeEvidence,omitempty"`
	DisputedAt      *time.Time `json:"disputedAt,omitempty"`
	AdminNotes      string     `json:"adminNotes,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	CancelReason    string     `json:"cancelReason,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Participant reports whether userID is the buyer or the seller.
func (t *Trade) Participant(userID string) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// Counterparty returns the other participant.
func (t *Trade) Counterparty(userID string) string {
	if userID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}

// SettlementRef is the ledger idempotency key for this trade's
// stablecoin transfer. One trade settles at most once, so the key is
// derived from the trade ID alone.
func (t *Trade) SettlementRef() string {
	return "settle_" + t.ID
}

// Store persists trades. Update must only apply when the stored status
// still equals fromStatus, so racing transitions lose cleanly.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Update(ctx context.Context, t *Trade, fromStatus Status) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error)
	// MarkOverdue flags payment_pending trades whose deadline has passed
	// and returns the flagged trades.
	MarkOverdue(ctx context.Context, now time.Time, limit int) ([]*Trade, error)
}

// UserGate validates that a user may trade. Satisfied by users.Service.
type UserGate interface {
	CheckTradable(ctx context.Context, id string) (*users.User, error)
}

// Funds is the slice of the ledger the state machine needs.
// Satisfied by *ledger.Ledger.
type Funds interface {
	Transfer(ctx context.Context, fromUserID, toUserID string, currency money.Currency, amount string, txType ledger.TxType, reference, description string) error
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	FindByReference(ctx context.Context, reference string) (*ledger.Transaction, error)
}

// Emitter publishes trade lifecycle events to side channels (webhooks,
// websocket feed). Emission failures never affect the transition.
type Emitter interface {
	Emit(ctx context.Context, event string, trade *Trade)
}

// Events emitted on transitions.
const (
	EventCreated         = "trade.created"
	EventPaymentMade     = "trade.payment_made"
	EventCompleted       = "trade.completed"
	EventCancelled       = "trade.cancelled"
	EventDisputed        = "trade.disputed"
	EventDisputeResolved = "dispute.resolved"
)

// Service drives the trade state machine.
type Service struct {
	store   Store
	offers  *offers.Service
	funds   Funds
	gate    UserGate
	emitter Emitter

	// unverifiedCap bounds the stablecoin amount per trade for users
	// without completed KYC. Zero means no cap.
	unverifiedCap decimal.Decimal

	// tradeLocks serializes transitions per trade within this process.
	tradeLocks sync.Map
}

// NewService creates the trade service.
func NewService(store Store, offerSvc *offers.Service, funds Funds, gate UserGate, unverifiedCap decimal.Decimal) *Service {
	return &Service{
		store:         store,
		offers:        offerSvc,
		funds:         funds,
		gate:          gate,
		unverifiedCap: unverifiedCap,
	}
}

// SetEmitter attaches the event side channel. Call before serving.
func (s *Service) SetEmitter(e Emitter) {
	s.emitter = e
}

func (s *Service) lockTrade(id string) func() {
	mu, _ := s.tradeLocks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// CreateRequest opens a trade against an offer.
type CreateRequest struct {
	OfferID string `json:"offerId" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// Create opens a trade against an active offer. The caller takes the
// side opposite the offer owner; the offer's remaining amount is
// consumed in the same serialization as the reservation.
func (s *Service) Create(ctx context.Context, callerID string, req CreateRequest) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trades.Create",
		traces.OfferID(req.OfferID), traces.UserID(callerID), traces.Amount(req.Amount))
	defer span.End()

	offer, err := s.offers.Get(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	if offer.OwnerID == callerID {
		return nil, ErrSelfTrade
	}

	amount, err := money.ParsePositive(money.Stable, req.Amount)
	if err != nil {
		return nil, money.ErrInvalidAmount
	}
	if !offer.WithinLimits(amount) {
		return nil, ErrAmountOutOfRange
	}

	var buyerID, sellerID string
	if offer.Side == offers.SideSell {
		sellerID, buyerID = offer.OwnerID, callerID
	} else {
		buyerID, sellerID = offer.OwnerID, callerID
	}

	caller, err := s.gate.CheckTradable(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.gate.CheckTradable(ctx, offer.OwnerID); err != nil {
		return nil, err
	}
	if !caller.KYCVerified && !s.unverifiedCap.IsZero() && amount.GreaterThan(s.unverifiedCap) {
		return nil, ErrKYCCapExceeded
	}

	// Soft custody check only: the stablecoin moves at release, so a thin
	// seller balance is a warning, not a rejection.
	if bal, err := s.funds.GetBalance(ctx, sellerID); err == nil {
		if held, perr := decimal.NewFromString(bal.Stable); perr == nil && held.LessThan(amount) {
			logging.L(ctx).Warn("seller balance below trade amount at creation",
				"sellerId", sellerID, "offerId", offer.ID, "amount", money.Format(money.Stable, amount))
		}
	}

	reserved, err := s.offers.Reserve(ctx, offer.ID, amount)
	if err != nil {
		return nil, err
	}

	rate := decimal.RequireFromString(reserved.Rate)
	now := time.Now()
	trade := &Trade{
		ID:              idgen.WithPrefix("trd_"),
		OfferID:         reserved.ID,
		BuyerID:         buyerID,
		SellerID:        sellerID,
		Amount:          money.Format(money.Stable, amount),
		Rate:            reserved.Rate,
		FiatAmount:      money.Format(money.Fiat, money.FiatValue(amount, rate)),
		Status:          StatusPaymentPending,
		PaymentMethod:   reserved.PaymentMethod,
		PaymentDeadline: now.Add(s.offers.PaymentWindow(reserved)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, trade); err != nil {
		// Reservation already happened; give the amount back.
		if rerr := s.offers.Restore(ctx, reserved.ID, amount); rerr != nil {
			logging.L(ctx).Error("failed to restore offer after trade create failure",
				"offerId", reserved.ID, "error", rerr)
		}
		return nil, err
	}

	s.emit(ctx, EventCreated, trade)
	return trade, nil
}

// Get returns one trade; participants and admins only is enforced at the
// handler layer.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// ListForUser returns a user's trades, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListDisputed returns the admin dispute queue.
func (s *Service) ListDisputed(ctx context.Context, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, StatusDisputed, limit)
}

// ConfirmPayment records the buyer's assertion that the fiat payment was
// sent. Buyer only, from payment_pending, and never past the deadline.
func (s *Service) ConfirmPayment(ctx context.Context, tradeID, callerID string) (*Trade, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if callerID != trade.BuyerID {
		return nil, ErrForbidden
	}
	if trade.Status != StatusPaymentPending {
		return nil, ErrInvalidState
	}
	if time.Now().After(trade.PaymentDeadline) {
		return nil, ErrDeadlineExpired
	}

	trade.Status = StatusPaymentMade
	trade.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, trade, StatusPaymentPending); err != nil {
		return nil, err
	}

	s.emit(ctx, EventPaymentMade, trade)
	return trade, nil
}

// ReleaseFunds settles the trade: the seller's stablecoin moves to the
// buyer and the trade completes, atomically. The transfer is keyed by
// the trade's settlement reference, so a crash between transfer and
// status write is repaired by retrying or by startup reconciliation
// without double-moving funds.
func (s *Service) ReleaseFunds(ctx context.Context, tradeID, callerID string) (*Trade, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if callerID != trade.SellerID {
		return nil, ErrForbidden
	}
	if trade.Status != StatusPaymentMade {
		return nil, ErrInvalidState
	}

	if err := s.settle(ctx, trade, StatusPaymentMade); err != nil {
		return nil, err
	}

	s.emit(ctx, EventCompleted, trade)
	return trade, nil
}

// settle runs the ledger transfer and the status write as one unit.
// Caller must hold the trade lock. A duplicate settlement reference means
// the transfer already landed in a previous attempt; the status write
// then simply catches up.
func (s *Service) settle(ctx context.Context, trade *Trade, from Status) error {
	ctx, span := traces.StartSpan(ctx, "trades.settle",
		traces.TradeID(trade.ID), traces.Amount(trade.Amount), traces.Reference(trade.SettlementRef()))
	defer span.End()

	err := s.funds.Transfer(ctx, trade.SellerID, trade.BuyerID, money.Stable, trade.Amount,
		ledger.TxSettlement, trade.SettlementRef(), "trade settlement "+trade.ID)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
		return err
	}

	now := time.Now()
	trade.Status = StatusCompleted
	trade.CompletedAt = &now
	trade.UpdatedAt = now
	if err := s.store.Update(ctx, trade, from); err != nil {
		return fmt.Errorf("settlement transfer applied but status write failed: %w", err)
	}
	return nil
}

// Cancel aborts a trade before the buyer asserts payment. Either
// participant may cancel; the reserved offer amount is restored.
func (s *Service) Cancel(ctx context.Context, tradeID, callerID, reason string) (*Trade, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.Participant(callerID) {
		return nil, ErrForbidden
	}
	if trade.Status != StatusPaymentPending {
		return nil, ErrInvalidState
	}

	trade.Status = StatusCancelled
	trade.CancelReason = reason
	trade.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, trade, StatusPaymentPending); err != nil {
		return nil, err
	}

	s.restoreOffer(ctx, trade)
	s.emit(ctx, EventCancelled, trade)
	return trade, nil
}

// DisputeRequest escalates a trade to admin mediation.
type DisputeRequest struct {
	Category string   `json:"category" binding:"required"`
	Reason   string   `json:"reason" binding:"required"`
	Evidence []string `json:"evidence"`
}

// RaiseDispute freezes the trade for admin resolution. Valid from
// payment_pending or payment_made; one dispute per trade.
func (s *Service) RaiseDispute(ctx context.Context, tradeID, callerID string, req DisputeRequest) (*Trade, error) {
	if req.Category == "" || req.Reason == "" {
		return nil, ErrDisputeReason
	}

	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.Participant(callerID) {
		return nil, ErrForbidden
	}
	if trade.Status == StatusDisputed {
		return nil, ErrAlreadyDisputed
	}
	if trade.Status != StatusPaymentPending && trade.Status != StatusPaymentMade {
		return nil, ErrInvalidState
	}

	from := trade.Status
	now := time.Now()
	trade.Status = StatusDisputed
	trade.DisputeCategory = req.Category
	trade.DisputeReason = req.Reason
	trade.DisputeRaisedBy = callerID
	trade.DisputeEvidence = req.Evidence
	trade.DisputedAt = &now
	trade.UpdatedAt = now
	if err := s.store.Update(ctx, trade, from); err != nil {
		return nil, err
	}

	s.emit(ctx, EventDisputed, trade)
	return trade, nil
}

// ResolveRequest is an admin's dispute verdict.
type ResolveRequest struct {
	Action     string `json:"action" binding:"required"`
	AdminNotes string `json:"adminNotes" binding:"required"`
}

// Resolution actions.
const (
	ActionRelease = "release"
	ActionRefund  = "refund"
)

// ResolveDispute forces a disputed trade to an outcome. Release runs the
// same settlement as ReleaseFunds; refund cancels and restores the offer.
// adminNotes is mandatory, and terminal trades reject a second resolve.
func (s *Service) ResolveDispute(ctx context.Context, tradeID, adminID string, req ResolveRequest) (*Trade, error) {
	if req.AdminNotes == "" {
		return nil, ErrAdminNotesRequired
	}
	if req.Action != ActionRelease && req.Action != ActionRefund {
		return nil, ErrInvalidResolution
	}

	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != StatusDisputed {
		return nil, ErrInvalidState
	}

	now := time.Now()
	trade.AdminNotes = req.AdminNotes
	trade.ResolvedBy = adminID
	trade.ResolvedAt = &now

	if req.Action == ActionRelease {
		if err := s.settle(ctx, trade, StatusDisputed); err != nil {
			return nil, err
		}
	} else {
		// Refund: no stablecoin ever left the seller, so cancelling and
		// restoring the offer is the whole reversal. Any custodied fiat
		// is reconciled through explicit admin ledger entries.
		trade.Status = StatusCancelled
		trade.UpdatedAt = now
		if err := s.store.Update(ctx, trade, StatusDisputed); err != nil {
			return nil, err
		}
		s.restoreOffer(ctx, trade)
	}

	metrics.DisputesTotal.WithLabelValues(req.Action).Inc()
	s.emit(ctx, EventDisputeResolved, trade)
	return trade, nil
}

// ReconcileSettlements repairs trades whose ledger transfer landed but
// whose status write was lost to a crash. Run once at startup.
func (s *Service) ReconcileSettlements(ctx context.Context) error {
	for _, status := range []Status{StatusPaymentMade, StatusDisputed} {
		stuck, err := s.store.ListByStatus(ctx, status, 1000)
		if err != nil {
			return err
		}
		for _, trade := range stuck {
			if _, err := s.funds.FindByReference(ctx, trade.SettlementRef()); err != nil {
				if errors.Is(err, ledger.ErrTransactionNotFound) {
					continue
				}
				return err
			}

			// Transfer exists: finish the interrupted completion.
			unlock := s.lockTrade(trade.ID)
			now := time.Now()
			trade.Status = StatusCompleted
			trade.CompletedAt = &now
			trade.UpdatedAt = now
			if err := s.store.Update(ctx, trade, status); err != nil {
				unlock()
				return fmt.Errorf("failed to reconcile trade %s: %w", trade.ID, err)
			}
			unlock()
			logging.L(ctx).Info("reconciled settled trade after restart", "tradeId", trade.ID)
		}
	}
	return nil
}

func (s *Service) restoreOffer(ctx context.Context, trade *Trade) {
	amount := decimal.RequireFromString(trade.Amount)
	if err := s.offers.Restore(ctx, trade.OfferID, amount); err != nil {
		logging.L(ctx).Error("failed to restore offer amount",
			"offerId", trade.OfferID, "tradeId", trade.ID, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, event string, trade *Trade) {
	metrics.TradesTotal.WithLabelValues(string(trade.Status)).Inc()
	if event == EventCompleted && trade.CompletedAt != nil {
		metrics.TradeDuration.Observe(trade.CompletedAt.Sub(trade.CreatedAt).Seconds())
	}
	if s.emitter == nil {
		return
	}
	cp := *trade
	s.emitter.Emit(ctx, event, &cp)
}
