// Package payments connects the ledger to external payment gateways for
// fiat deposits.
//
// The gateway is an interface with two real implementations, Paystack and
// Stripe, selected by configuration. Webhook delivery is at-least-once;
// the ledger's reference idempotency is what makes a replayed
// charge.success credit exactly once.
package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/otcmesh/otcmesh/internal/ledger"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/money"
)

var (
	ErrExternalService  = errors.New("payments: payment gateway error")
	ErrInvalidSignature = errors.New("payments: webhook signature verification failed")
	ErrUnknownReference = errors.New("payments: unknown payment reference")
	ErrNotSuccessful    = errors.New("payments: payment is not successful")
	ErrNotPayer         = errors.New("payments: reference was initialized by a different user")
)

// InitResult is what a user needs to complete a gateway checkout.
type InitResult struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirectUrl"`
}

// VerifyResult is the gateway's view of a payment. UserID is the user
// the charge was initialized for, read back from gateway metadata.
type VerifyResult struct {
	Reference string
	Status    string // "success", "failed", "pending"
	Amount    string // fiat, major units
	UserID    string
}

// Gateway abstracts a payment provider. Implementations: Paystack, Stripe.
type Gateway interface {
	Name() string
	InitializePayment(ctx context.Context, userID, email, amount string) (*InitResult, error)
	VerifyPayment(ctx context.Context, reference string) (*VerifyResult, error)
}

// Notifier fans deposit confirmations out to side channels (webhooks,
// realtime). Never on the settlement path.
type Notifier interface {
	EmitBalanceDeposit(userID, reference, amount, currency string)
}

// Service drives deposits through a gateway into the ledger.
type Service struct {
	gateway  Gateway
	ledger   *ledger.Ledger
	notifier Notifier
}

// NewService creates the payments service.
func NewService(gateway Gateway, ledg *ledger.Ledger) *Service {
	return &Service{gateway: gateway, ledger: ledg}
}

// SetNotifier attaches the event side channel. Call before serving.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// GatewayName returns the active provider's name.
func (s *Service) GatewayName() string {
	return s.gateway.Name()
}

// InitializeDeposit starts a gateway checkout for a fiat deposit. No
// ledger row is written until the gateway confirms the charge, so a
// gateway failure here leaves nothing to roll back.
func (s *Service) InitializeDeposit(ctx context.Context, userID, email, amount string) (*InitResult, error) {
	parsed, err := money.ParsePositive(money.Fiat, amount)
	if err != nil {
		return nil, money.ErrInvalidAmount
	}

	result, err := s.gateway.InitializePayment(ctx, userID, email, money.Format(money.Fiat, parsed))
	if err != nil {
		logging.L(ctx).Error("payment initialization failed",
			"gateway", s.gateway.Name(), "userId", userID, "error", err)
		return nil, ErrExternalService
	}
	return result, nil
}

// SettleDeposit verifies a reference with the gateway and credits the
// ledger. Only the user the charge was initialized for may settle it;
// anyone else gets ErrNotPayer no matter what the gateway reports. Safe
// to call any number of times per reference: replays hit the ledger's
// idempotency and return the original transaction.
func (s *Service) SettleDeposit(ctx context.Context, userID, reference string) (*ledger.Transaction, error) {
	result, err := s.gateway.VerifyPayment(ctx, reference)
	if err != nil {
		return nil, ErrExternalService
	}
	if result.UserID != userID {
		logging.L(ctx).Warn("deposit settle attempt by non-payer",
			"reference", reference, "callerId", userID, "payerId", result.UserID)
		return nil, ErrNotPayer
	}
	if result.Status != "success" {
		return nil, ErrNotSuccessful
	}

	return s.creditVerified(ctx, userID, result)
}

// CreditVerified credits a charge the gateway has already confirmed
// (webhook path, where the event itself carries the verified amount).
func (s *Service) CreditVerified(ctx context.Context, userID string, result *VerifyResult) (*ledger.Transaction, error) {
	return s.creditVerified(ctx, userID, result)
}

func (s *Service) creditVerified(ctx context.Context, userID string, result *VerifyResult) (*ledger.Transaction, error) {
	amount, err := money.ParsePositive(money.Fiat, result.Amount)
	if err != nil {
		return nil, money.ErrInvalidAmount
	}

	tx, err := s.ledger.Credit(ctx, userID, money.Fiat, money.Format(money.Fiat, amount),
		ledger.TxDeposit, result.Reference, "deposit via "+s.gateway.Name())
	if errors.Is(err, ledger.ErrDuplicateReference) {
		logging.L(ctx).Info("deposit reference replayed, no-op",
			"reference", result.Reference, "userId", userID)
		return tx, nil
	}
	if err == nil && s.notifier != nil {
		s.notifier.EmitBalanceDeposit(userID, result.Reference, tx.Amount, string(tx.Currency))
	}
	return tx, err
}

// MinorUnits converts a fiat major-unit decimal string to gateway minor
// units (kobo, cents).
func MinorUnits(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, money.ErrInvalidAmount
	}
	return d.Shift(money.FiatScale).IntPart(), nil
}

// MajorUnits converts gateway minor units back to a fiat decimal string.
func MajorUnits(minor int64) string {
	return money.Format(money.Fiat, decimal.NewFromInt(minor).Shift(-money.FiatScale))
}
