// Package kyc gates trade size on identity verification.
//
// The provider is an external collaborator behind a one-method interface;
// the core only cares whether a user verified. Unverified users trade
// under the configured per-trade cap enforced by the trade service.
package kyc

import (
	"context"
	"errors"
	"strings"

	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/users"
)

var (
	ErrExternalService = errors.New("kyc: identity provider error")
	ErrMissingFields   = errors.New("kyc: identity number and full name are required")
	ErrAlreadyVerified = errors.New("kyc: user is already verified")
)

// Provider performs the actual identity check.
type Provider interface {
	VerifyIdentity(ctx context.Context, identityNumber, fullName string) (bool, error)
}

// UserUpdater flips a user's KYC status. Satisfied by users.Service.
type UserUpdater interface {
	Get(ctx context.Context, id string) (*users.User, error)
	SetKYCStatus(ctx context.Context, id string, status users.KYCStatus) (*users.User, error)
}

// Service runs verification attempts against the provider.
type Service struct {
	provider Provider
	users    UserUpdater
}

// NewService creates the KYC service.
func NewService(provider Provider, userUpdater UserUpdater) *Service {
	return &Service{provider: provider, users: userUpdater}
}

// Verify checks the user's identity with the provider and records the
// outcome on the account.
func (s *Service) Verify(ctx context.Context, userID, identityNumber, fullName string) (*users.User, error) {
	identityNumber = strings.TrimSpace(identityNumber)
	fullName = strings.TrimSpace(fullName)
	if identityNumber == "" || fullName == "" {
		return nil, ErrMissingFields
	}

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.KYCVerified {
		return nil, ErrAlreadyVerified
	}

	if _, err := s.users.SetKYCStatus(ctx, userID, users.KYCPending); err != nil {
		return nil, err
	}

	verified, err := s.provider.VerifyIdentity(ctx, identityNumber, fullName)
	if err != nil {
		logging.L(ctx).Error("identity provider error", "userId", userID, "error", err)
		// Leave the account pending; the user can retry.
		return nil, ErrExternalService
	}

	status := users.KYCRejected
	if verified {
		status = users.KYCVerified
	}
	return s.users.SetKYCStatus(ctx, userID, status)
}

// Sandbox is a deterministic Provider for development: identity numbers
// of at least 10 digits verify, anything else is rejected.
type Sandbox struct{}

var _ Provider = (*Sandbox)(nil)

func (Sandbox) VerifyIdentity(ctx context.Context, identityNumber, fullName string) (bool, error) {
	if len(identityNumber) < 10 {
		return false, nil
	}
	for _, r := range identityNumber {
		if r < '0' || r > '9' {
			return false, nil
		}
	}
	return true, nil
}
