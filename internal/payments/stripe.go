package payments

import (
	"context"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Stripe implements Gateway using PaymentIntents. The intent ID doubles
// as the deposit reference.
type Stripe struct {
	webhookSecret string
}

var _ Gateway = (*Stripe)(nil)

// NewStripe creates a Stripe gateway client. The stripe SDK keys itself
// off the package-level stripe.Key.
func NewStripe(apiKey, webhookSecret string) *Stripe {
	stripe.Key = apiKey
	return &Stripe{webhookSecret: webhookSecret}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) InitializePayment(ctx context.Context, userID, email, amount string) (*InitResult, error) {
	minor, err := MinorUnits(amount)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(minor),
		Currency:     stripe.String(string(stripe.CurrencyUSD)),
		ReceiptEmail: stripe.String(email),
		Metadata:     map[string]string{"user_id": userID},
	}
	params.Context = ctx
	params.SetIdempotencyKey("deposit_" + userID + "_" + amount)

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, err
	}
	return &InitResult{Reference: intent.ID}, nil
}

func (s *Stripe) VerifyPayment(ctx context.Context, reference string) (*VerifyResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	intent, err := paymentintent.Get(reference, params)
	if err != nil {
		return nil, err
	}

	status := "pending"
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = "success"
	case stripe.PaymentIntentStatusCanceled:
		status = "failed"
	}
	return &VerifyResult{
		Reference: intent.ID,
		Status:    status,
		Amount:    MajorUnits(intent.Amount),
		UserID:    intent.Metadata["user_id"],
	}, nil
}

// ConstructWebhookEvent verifies the Stripe-Signature header and parses
// the event.
func (s *Stripe) ConstructWebhookEvent(body []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEvent(body, signature, s.webhookSecret)
}
