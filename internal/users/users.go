// Package users implements account registration and profile state.
//
// A user account carries the flags the trading core gates on: KYC status,
// the ban flag, and the funds-freeze flag. Balances live in the ledger and
// are never written through this package; rating aggregates are updated
// only through ApplyRating so the rolling average stays consistent.
package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/otcmesh/otcmesh/internal/idgen"
	"github.com/otcmesh/otcmesh/internal/validation"
)

var (
	ErrUserNotFound = errors.New("users: user not found")
	ErrEmailTaken   = errors.New("users: email already registered")
	ErrUserBanned   = errors.New("users: account is banned")
	ErrFundsFrozen  = errors.New("users: funds are frozen")
	ErrInvalidScore = errors.New("users: rating score must be 1-5")
)

// KYCStatus tracks identity-verification progress.
type KYCStatus string

const (
	KYCNone     KYCStatus = "none"
	KYCPending  KYCStatus = "pending"
	KYCVerified KYCStatus = "verified"
	KYCRejected KYCStatus = "rejected"
)

// User represents a marketplace account.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	KYCStatus   KYCStatus `json:"kycStatus"`
	KYCVerified bool      `json:"kycVerified"`

	// Rating aggregate, maintained incrementally by ApplyRating.
	RatingAverage float64 `json:"ratingAverage"`
	RatingCount   int64   `json:"ratingCount"`

	// Soft-disable flags. Accounts are never hard-deleted while trades
	// reference them.
	IsBanned    bool `json:"isBanned"`
	FundsFrozen bool `json:"fundsFrozen"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists user accounts.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	// ApplyRating folds one score into the user's rolling average atomically.
	ApplyRating(ctx context.Context, id string, score int) error
	List(ctx context.Context, limit int) ([]*User, error)
}

// RegisterRequest is the payload for account registration.
type RegisterRequest struct {
	Email       string `json:"email" binding:"required"`
	DisplayName string `json:"displayName" binding:"required"`
}

// Service implements account business logic.
type Service struct {
	store Store
}

// NewService creates a new users service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a new account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("users: email is invalid")
	}

	if existing, err := s.store.GetByEmail(ctx, email); err == nil && existing != nil {
		return nil, ErrEmailTaken
	}

	now := time.Now()
	u := &User{
		ID:          idgen.WithPrefix("usr_"),
		Email:       email,
		DisplayName: validation.SanitizeString(req.DisplayName, 100),
		KYCStatus:   KYCNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// SetKYCStatus records the outcome of an identity check.
func (s *Service) SetKYCStatus(ctx context.Context, id string, status KYCStatus) (*User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u.KYCStatus = status
	u.KYCVerified = status == KYCVerified
	u.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SetBanned toggles the ban flag.
func (s *Service) SetBanned(ctx context.Context, id string, banned bool) (*User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u.IsBanned = banned
	u.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SetFundsFrozen toggles the funds-freeze flag.
func (s *Service) SetFundsFrozen(ctx context.Context, id string, frozen bool) (*User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u.FundsFrozen = frozen
	u.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ApplyRating folds one score into the user's rolling average.
func (s *Service) ApplyRating(ctx context.Context, id string, score int) error {
	if score < 1 || score > 5 {
		return ErrInvalidScore
	}
	return s.store.ApplyRating(ctx, id, score)
}

// CheckTradable returns an error if the account may not participate in trades.
func (s *Service) CheckTradable(ctx context.Context, id string) (*User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.IsBanned {
		return nil, ErrUserBanned
	}
	if u.FundsFrozen {
		return nil, ErrFundsFrozen
	}
	return u, nil
}
