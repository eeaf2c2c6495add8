package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcmesh/otcmesh/internal/ledger"
	"github.com/otcmesh/otcmesh/internal/money"
)

type fakeGateway struct {
	initErr   error
	verify    map[string]*VerifyResult
	verifyErr error
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) InitializePayment(ctx context.Context, userID, email, amount string) (*InitResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &InitResult{Reference: "ref_1", RedirectURL: "https://pay.example/ref_1"}, nil
}

func (f *fakeGateway) VerifyPayment(ctx context.Context, reference string) (*VerifyResult, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	r, ok := f.verify[reference]
	if !ok {
		return nil, ErrUnknownReference
	}
	return r, nil
}

func newTestService(gw *fakeGateway) (*Service, *ledger.Ledger) {
	ledg := ledger.New(ledger.NewMemoryStore())
	return NewService(gw, ledg), ledg
}

func TestInitializeDeposit(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})
	ctx := context.Background()

	result, err := svc.InitializeDeposit(ctx, "usr_a", "a@x.com", "500")
	require.NoError(t, err)
	assert.Equal(t, "ref_1", result.Reference)
	assert.NotEmpty(t, result.RedirectURL)

	_, err = svc.InitializeDeposit(ctx, "usr_a", "a@x.com", "-5")
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
}

func TestInitializeDepositGatewayDown(t *testing.T) {
	svc, ledg := newTestService(&fakeGateway{initErr: errors.New("connection refused")})
	ctx := context.Background()

	_, err := svc.InitializeDeposit(ctx, "usr_a", "a@x.com", "500")
	assert.ErrorIs(t, err, ErrExternalService)

	// No orphaned transaction rows from the failed attempt.
	history, err := ledg.History(ctx, "usr_a", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSettleDeposit(t *testing.T) {
	gw := &fakeGateway{verify: map[string]*VerifyResult{
		"ref_1": {Reference: "ref_1", Status: "success", Amount: "500.00", UserID: "usr_a"},
	}}
	svc, ledg := newTestService(gw)
	ctx := context.Background()

	tx, err := svc.SettleDeposit(ctx, "usr_a", "ref_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxDeposit, tx.Type)

	bal, _ := ledg.GetBalance(ctx, "usr_a")
	assert.Equal(t, "500.00", bal.Fiat)

	// At-least-once delivery: the replay credits nothing new.
	replay, err := svc.SettleDeposit(ctx, "usr_a", "ref_1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, replay.ID)

	bal, _ = ledg.GetBalance(ctx, "usr_a")
	assert.Equal(t, "500.00", bal.Fiat, "credited exactly once")
}

func TestSettleDepositNotSuccessful(t *testing.T) {
	gw := &fakeGateway{verify: map[string]*VerifyResult{
		"ref_1": {Reference: "ref_1", Status: "pending", Amount: "500.00", UserID: "usr_a"},
	}}
	svc, ledg := newTestService(gw)
	ctx := context.Background()

	_, err := svc.SettleDeposit(ctx, "usr_a", "ref_1")
	assert.ErrorIs(t, err, ErrNotSuccessful)

	bal, _ := ledg.GetBalance(ctx, "usr_a")
	assert.Equal(t, "0.00", bal.Fiat)
}

func TestSettleDepositOnlyByPayer(t *testing.T) {
	gw := &fakeGateway{verify: map[string]*VerifyResult{
		"ref_1": {Reference: "ref_1", Status: "success", Amount: "100.00", UserID: "usr_a"},
	}}
	svc, ledg := newTestService(gw)
	ctx := context.Background()

	// Another user cannot claim the charge, even knowing the reference.
	_, err := svc.SettleDeposit(ctx, "usr_b", "ref_1")
	assert.ErrorIs(t, err, ErrNotPayer)

	bal, _ := ledg.GetBalance(ctx, "usr_b")
	assert.Equal(t, "0.00", bal.Fiat, "claimer is not credited")

	// The payer settles normally.
	tx, err := svc.SettleDeposit(ctx, "usr_a", "ref_1")
	require.NoError(t, err)

	bal, _ = ledg.GetBalance(ctx, "usr_a")
	assert.Equal(t, "100.00", bal.Fiat)

	// The later webhook for the same charge is a no-op, not a second credit.
	replay, err := svc.CreditVerified(ctx, "usr_a", gw.verify["ref_1"])
	require.NoError(t, err)
	assert.Equal(t, tx.ID, replay.ID)

	bal, _ = ledg.GetBalance(ctx, "usr_a")
	assert.Equal(t, "100.00", bal.Fiat, "external reference settles exactly once")
}

func TestSettleDepositChargeWithoutOwner(t *testing.T) {
	// A charge that carries no owner metadata was not initialized here
	// and may not be settled through the client-driven path.
	gw := &fakeGateway{verify: map[string]*VerifyResult{
		"ref_x": {Reference: "ref_x", Status: "success", Amount: "100.00"},
	}}
	svc, _ := newTestService(gw)

	_, err := svc.SettleDeposit(context.Background(), "usr_a", "ref_x")
	assert.ErrorIs(t, err, ErrNotPayer)
}

func TestPaystackSignature(t *testing.T) {
	p := NewPaystack("sk_test_secret", "")
	body := []byte(`{"event":"charge.success"}`)

	// Signature computed with the same secret validates.
	mac := hmac.New(sha512.New, []byte("sk_test_secret"))
	mac.Write(body)
	valid := hex.EncodeToString(mac.Sum(nil))
	assert.True(t, p.VerifyWebhookSignature(body, valid))
	assert.False(t, p.VerifyWebhookSignature(body, "deadbeef"))
	assert.False(t, p.VerifyWebhookSignature([]byte(`tampered`), valid))
}

func TestMinorUnits(t *testing.T) {
	minor, err := MinorUnits("500.25")
	require.NoError(t, err)
	assert.Equal(t, int64(50025), minor)
	assert.Equal(t, "500.25", MajorUnits(50025))

	_, err = MinorUnits("abc")
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
}
