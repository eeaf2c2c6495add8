// Package offers maintains the registry of standing buy/sell intents.
//
// An offer advertises a fixed rate for a stablecoin amount. Trades consume
// the offer's remaining amount through Reserve and give it back through
// Restore; both run under the store's serialization so a racing pair of
// trades cannot oversell an offer.
package offers

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/otcmesh/otcmesh/internal/idgen"
	"github.com/otcmesh/otcmesh/internal/money"
	"github.com/otcmesh/otcmesh/internal/pagination"
)

var (
	ErrOfferNotFound    = errors.New("offers: offer not found")
	ErrNotOwner         = errors.New("offers: caller does not own this offer")
	ErrInvalidState     = errors.New("offers: offer state does not allow this operation")
	ErrOfferNotActive   = errors.New("offers: offer is not active")
	ErrAmountOutOfRange = errors.New("offers: amount outside the offer's limits")
	ErrInvalidRange     = errors.New("offers: min/max/amount ordering is invalid")
	ErrInvalidSide      = errors.New("offers: side must be buy or sell")
)

// Side says what the owner wants to do with stablecoin.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status of an offer. Completed offers are immutable.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Offer is a standing intent to trade stablecoin at a fixed fiat rate.
// Amount is the original size; Remaining shrinks as trades consume it.
type Offer struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Side          Side      `json:"side"`
	Amount        string    `json:"amount"`
	Remaining     string    `json:"remaining"`
	Rate          string    `json:"rate"`
	Status        Status    `json:"status"`
	MinAmount     string    `json:"minAmount,omitempty"`
	MaxAmount     string    `json:"maxAmount,omitempty"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
	TimeLimitMin  int       `json:"timeLimitMinutes"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// WithinLimits reports whether a trade amount satisfies the offer's
// min/max constraints and fits in the remaining amount.
func (o *Offer) WithinLimits(amount decimal.Decimal) bool {
	remaining, err := decimal.NewFromString(o.Remaining)
	if err != nil || amount.GreaterThan(remaining) {
		return false
	}
	if o.MinAmount != "" {
		if min, err := decimal.NewFromString(o.MinAmount); err == nil && amount.LessThan(min) {
			return false
		}
	}
	if o.MaxAmount != "" {
		if max, err := decimal.NewFromString(o.MaxAmount); err == nil && amount.GreaterThan(max) {
			return false
		}
	}
	return true
}

// ListFilter narrows a listing. Zero values mean no filter.
type ListFilter struct {
	Side    Side
	Status  Status
	OwnerID string
	Cursor  *pagination.Cursor
	Limit   int
}

// Store persists offers. Reserve and Restore must be atomic with respect
// to concurrent callers on the same offer.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f ListFilter) ([]*Offer, error)
	// Reserve decrements remaining by amount and flips the offer to
	// completed when exhausted. Fails when the offer is not active or
	// remaining is too small. Returns the offer as of the reservation.
	Reserve(ctx context.Context, id string, amount decimal.Decimal) (*Offer, error)
	// Restore gives a cancelled trade's amount back and reactivates a
	// completed offer.
	Restore(ctx context.Context, id string, amount decimal.Decimal) error
}

// CreateRequest carries the fields for a new offer.
type CreateRequest struct {
	Side          string `json:"side" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Rate          string `json:"rate" binding:"required"`
	MinAmount     string `json:"minAmount"`
	MaxAmount     string `json:"maxAmount"`
	PaymentMethod string `json:"paymentMethod"`
	TimeLimitMin  int    `json:"timeLimitMinutes"`
}

// UpdateRequest patches an offer. Nil fields are left unchanged.
type UpdateRequest struct {
	Rate          *string `json:"rate"`
	MinAmount     *string `json:"minAmount"`
	MaxAmount     *string `json:"maxAmount"`
	PaymentMethod *string `json:"paymentMethod"`
	TimeLimitMin  *int    `json:"timeLimitMinutes"`
	Status        *string `json:"status"`
}

// Service implements offer business logic over a Store.
type Service struct {
	store            Store
	defaultTimeLimit time.Duration
	maxTimeLimit     time.Duration
}

// NewService creates the offer service. Time limits bound the payment
// window a new trade inherits from the offer.
func NewService(store Store, defaultTimeLimit, maxTimeLimit time.Duration) *Service {
	return &Service{
		store:            store,
		defaultTimeLimit: defaultTimeLimit,
		maxTimeLimit:     maxTimeLimit,
	}
}

// Create validates and stores a new offer.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateRequest) (*Offer, error) {
	side := Side(req.Side)
	if side != SideBuy && side != SideSell {
		return nil, ErrInvalidSide
	}

	amount, err := money.ParsePositive(money.Stable, req.Amount)
	if err != nil {
		return nil, money.ErrInvalidAmount
	}
	rate, err := money.ParsePositive(money.Fiat, req.Rate)
	if err != nil {
		return nil, money.ErrInvalidAmount
	}

	min, max, err := parseRange(req.MinAmount, req.MaxAmount, amount)
	if err != nil {
		return nil, err
	}

	timeLimit := s.defaultTimeLimit
	if req.TimeLimitMin > 0 {
		timeLimit = time.Duration(req.TimeLimitMin) * time.Minute
		if timeLimit > s.maxTimeLimit {
			timeLimit = s.maxTimeLimit
		}
	}

	now := time.Now()
	o := &Offer{
		ID:            idgen.WithPrefix("ofr_"),
		OwnerID:       ownerID,
		Side:          side,
		Amount:        money.Format(money.Stable, amount),
		Remaining:     money.Format(money.Stable, amount),
		Rate:          money.Format(money.Fiat, rate),
		Status:        StatusActive,
		MinAmount:     min,
		MaxAmount:     max,
		PaymentMethod: req.PaymentMethod,
		TimeLimitMin:  int(timeLimit / time.Minute),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns one offer.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of offers matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) (*pagination.Page[*Offer], error) {
	f.Limit = pagination.ClampLimit(f.Limit)
	// Fetch one extra row to learn whether another page exists.
	fetch := f
	fetch.Limit = f.Limit + 1
	items, err := s.store.List(ctx, fetch)
	if err != nil {
		return nil, err
	}

	page := &pagination.Page[*Offer]{Items: items}
	if len(items) > f.Limit {
		page.Items = items[:f.Limit]
		last := page.Items[len(page.Items)-1]
		page.NextCursor = pagination.Encode(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Items == nil {
		page.Items = []*Offer{}
	}
	return page, nil
}

// Update applies an owner's patch. Completed offers cannot be changed.
func (s *Service) Update(ctx context.Context, id, callerID string, req UpdateRequest) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != callerID {
		return nil, ErrNotOwner
	}
	if o.Status == StatusCompleted {
		return nil, ErrInvalidState
	}

	if req.Rate != nil {
		rate, err := money.ParsePositive(money.Fiat, *req.Rate)
		if err != nil {
			return nil, money.ErrInvalidAmount
		}
		o.Rate = money.Format(money.Fiat, rate)
	}
	if req.MinAmount != nil {
		o.MinAmount = *req.MinAmount
	}
	if req.MaxAmount != nil {
		o.MaxAmount = *req.MaxAmount
	}
	if req.MinAmount != nil || req.MaxAmount != nil {
		amount := decimal.RequireFromString(o.Amount)
		min, max, err := parseRange(o.MinAmount, o.MaxAmount, amount)
		if err != nil {
			return nil, err
		}
		o.MinAmount, o.MaxAmount = min, max
	}
	if req.PaymentMethod != nil {
		o.PaymentMethod = *req.PaymentMethod
	}
	if req.TimeLimitMin != nil && *req.TimeLimitMin > 0 {
		limit := time.Duration(*req.TimeLimitMin) * time.Minute
		if limit > s.maxTimeLimit {
			limit = s.maxTimeLimit
		}
		o.TimeLimitMin = int(limit / time.Minute)
	}
	if req.Status != nil {
		next := Status(*req.Status)
		if next != StatusActive && next != StatusPaused {
			return nil, ErrInvalidState
		}
		o.Status = next
	}

	o.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Delete removes an offer; owner only, and never while completed (the
// row backs historical trades).
func (s *Service) Delete(ctx context.Context, id, callerID string) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.OwnerID != callerID {
		return ErrNotOwner
	}
	if o.Status == StatusCompleted {
		return ErrInvalidState
	}
	return s.store.Delete(ctx, id)
}

// Reserve consumes part of the offer's remaining amount for a new trade.
func (s *Service) Reserve(ctx context.Context, id string, amount decimal.Decimal) (*Offer, error) {
	return s.store.Reserve(ctx, id, amount)
}

// Restore returns a cancelled trade's amount to the offer.
func (s *Service) Restore(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.store.Restore(ctx, id, amount)
}

// PaymentWindow returns the deadline duration a trade on this offer gets.
func (s *Service) PaymentWindow(o *Offer) time.Duration {
	if o.TimeLimitMin > 0 {
		return time.Duration(o.TimeLimitMin) * time.Minute
	}
	return s.defaultTimeLimit
}

func parseRange(minStr, maxStr string, amount decimal.Decimal) (string, string, error) {
	var min, max decimal.Decimal
	if minStr != "" {
		d, err := money.ParsePositive(money.Stable, minStr)
		if err != nil {
			return "", "", money.ErrInvalidAmount
		}
		min = d
		minStr = money.Format(money.Stable, d)
	}
	if maxStr != "" {
		d, err := money.ParsePositive(money.Stable, maxStr)
		if err != nil {
			return "", "", money.ErrInvalidAmount
		}
		max = d
		maxStr = money.Format(money.Stable, d)
	}
	if minStr != "" && maxStr != "" && min.GreaterThan(max) {
		return "", "", ErrInvalidRange
	}
	if maxStr != "" && max.GreaterThan(amount) {
		return "", "", ErrInvalidRange
	}
	if minStr != "" && maxStr == "" && min.GreaterThan(amount) {
		return "", "", ErrInvalidRange
	}
	return minStr, maxStr, nil
}
