package trades

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcmesh/otcmesh/internal/ledger"
	"github.com/otcmesh/otcmesh/internal/money"
	"github.com/otcmesh/otcmesh/internal/offers"
	"github.com/otcmesh/otcmesh/internal/users"
)

type fixture struct {
	trades *Service
	offers *offers.Service
	ledger *ledger.Ledger
	users  *users.Service
	store  Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	userSvc := users.NewService(users.NewMemoryStore())
	ledg := ledger.New(ledger.NewMemoryStore())
	offerSvc := offers.NewService(offers.NewMemoryStore(), 30*time.Minute, 120*time.Minute)
	store := NewMemoryStore()
	tradeSvc := NewService(store, offerSvc, ledg, userSvc, decimal.Zero)

	return &fixture{trades: tradeSvc, offers: offerSvc, ledger: ledg, users: userSvc, store: store}
}

func (f *fixture) registerUser(t *testing.T, email string) *users.User {
	t.Helper()
	u, err := f.users.Register(context.Background(), users.RegisterRequest{
		Email:       email,
		DisplayName: email,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), userID, money.Stable, amount, ledger.TxDeposit, "dep_"+userID+"_"+amount, "")
	require.NoError(t, err)
}

func (f *fixture) sellOffer(t *testing.T, ownerID, amount, rate string) *offers.Offer {
	t.Helper()
	o, err := f.offers.Create(context.Background(), ownerID, offers.CreateRequest{
		Side: "sell", Amount: amount, Rate: rate,
	})
	require.NoError(t, err)
	return o
}

func TestCreateTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	f.fund(t, seller.ID, "100")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)

	assert.Equal(t, buyer.ID, trade.BuyerID)
	assert.Equal(t, seller.ID, trade.SellerID)
	assert.Equal(t, "40.00000000", trade.Amount)
	assert.Equal(t, "40000.00", trade.FiatAmount)
	assert.Equal(t, StatusPaymentPending, trade.Status)
	assert.True(t, trade.PaymentDeadline.After(time.Now()))

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "60.00000000", got.Remaining, "offer remaining decremented")
}

func TestCreateTradeGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	_, err := f.trades.Create(ctx, seller.ID, CreateRequest{OfferID: offer.ID, Amount: "10"})
	assert.ErrorIs(t, err, ErrSelfTrade)

	_, err = f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "101"})
	assert.ErrorIs(t, err, ErrAmountOutOfRange)

	_, err = f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: "ofr_missing", Amount: "10"})
	assert.ErrorIs(t, err, offers.ErrOfferNotFound)

	// Paused offers cannot be traded.
	paused := string(offers.StatusPaused)
	_, err = f.offers.Update(ctx, offer.ID, seller.ID, offers.UpdateRequest{Status: &paused})
	require.NoError(t, err)
	_, err = f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "10"})
	assert.ErrorIs(t, err, offers.ErrOfferNotActive)
}

func TestCreateTradeBannedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	_, err := f.users.SetBanned(ctx, buyer.ID, true)
	require.NoError(t, err)

	_, err = f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "10"})
	assert.ErrorIs(t, err, users.ErrUserBanned)
}

func TestKYCCap(t *testing.T) {
	userSvc := users.NewService(users.NewMemoryStore())
	ledg := ledger.New(ledger.NewMemoryStore())
	offerSvc := offers.NewService(offers.NewMemoryStore(), 30*time.Minute, 120*time.Minute)
	svc := NewService(NewMemoryStore(), offerSvc, ledg, userSvc, decimal.NewFromInt(25))
	ctx := context.Background()

	seller, err := userSvc.Register(ctx, users.RegisterRequest{Email: "s@x.com", DisplayName: "s"})
	require.NoError(t, err)
	buyer, err := userSvc.Register(ctx, users.RegisterRequest{Email: "b@x.com", DisplayName: "b"})
	require.NoError(t, err)

	offer, err := offerSvc.Create(ctx, seller.ID, offers.CreateRequest{Side: "sell", Amount: "100", Rate: "1000"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "30"})
	assert.ErrorIs(t, err, ErrKYCCapExceeded)

	// Verified buyers are uncapped.
	_, err = userSvc.SetKYCStatus(ctx, buyer.ID, users.KYCVerified)
	require.NoError(t, err)
	_, err = svc.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "30"})
	require.NoError(t, err)
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	f.fund(t, seller.ID, "100")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)

	// Only the buyer can confirm payment.
	_, err = f.trades.ConfirmPayment(ctx, trade.ID, seller.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	trade, err = f.trades.ConfirmPayment(ctx, trade.ID, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentMade, trade.Status)

	// Only the seller can release.
	_, err = f.trades.ReleaseFunds(ctx, trade.ID, buyer.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	trade, err = f.trades.ReleaseFunds(ctx, trade.ID, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, trade.Status)
	require.NotNil(t, trade.CompletedAt)

	sellerBal, _ := f.ledger.GetBalance(ctx, seller.ID)
	buyerBal, _ := f.ledger.GetBalance(ctx, buyer.ID)
	assert.Equal(t, "60.00000000", sellerBal.Stable)
	assert.Equal(t, "40.00000000", buyerBal.Stable)

	// Terminal trades refuse further transitions.
	_, err = f.trades.ReleaseFunds(ctx, trade.ID, seller.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.trades.Cancel(ctx, trade.ID, buyer.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReleaseInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	f.fund(t, seller.ID, "10")
	offer := f.sellOffer(t, seller.ID, "40", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)
	_, err = f.trades.ConfirmPayment(ctx, trade.ID, buyer.ID)
	require.NoError(t, err)

	_, err = f.trades.ReleaseFunds(ctx, trade.ID, seller.ID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, _ := f.trades.Get(ctx, trade.ID)
	assert.Equal(t, StatusPaymentMade, got.Status, "failed transfer does not advance status")
}

func TestFiatAmountFixedAtCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)
	assert.Equal(t, "40000.00", trade.FiatAmount)

	newRate := "2000"
	_, err = f.offers.Update(ctx, offer.ID, seller.ID, offers.UpdateRequest{Rate: &newRate})
	require.NoError(t, err)

	got, _ := f.trades.Get(ctx, trade.ID)
	assert.Equal(t, "40000.00", got.FiatAmount, "fiat leg does not float with the offer's rate")
}

func TestCancelRestoresOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)

	trade, err = f.trades.Cancel(ctx, trade.ID, buyer.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, trade.Status)

	got, _ := f.offers.Get(ctx, offer.ID)
	assert.Equal(t, "100.00000000", got.Remaining)
}

func TestCancelAfterPaymentMade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)
	_, err = f.trades.ConfirmPayment(ctx, trade.ID, buyer.ID)
	require.NoError(t, err)

	// Once payment is asserted, cancellation must go through dispute.
	_, err = f.trades.Cancel(ctx, trade.ID, seller.ID, "no payment received")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConfirmPastDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)

	// Force the deadline into the past.
	trade.PaymentDeadline = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.Update(ctx, trade, StatusPaymentPending))

	_, err = f.trades.ConfirmPayment(ctx, trade.ID, buyer.ID)
	assert.ErrorIs(t, err, ErrDeadlineExpired)
}

func TestDisputeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	f.fund(t, seller.ID, "100")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)
	_, err = f.trades.ConfirmPayment(ctx, trade.ID, buyer.ID)
	require.NoError(t, err)

	trade, err = f.trades.RaiseDispute(ctx, trade.ID, seller.ID, DisputeRequest{
		Category: "payment_not_received",
		Reason:   "no transfer arrived",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, trade.Status)
	assert.Equal(t, seller.ID, trade.DisputeRaisedBy)

	// A second dispute fails.
	_, err = f.trades.RaiseDispute(ctx, trade.ID, buyer.ID, DisputeRequest{Category: "x", Reason: "y"})
	assert.ErrorIs(t, err, ErrAlreadyDisputed)

	// adminNotes is mandatory.
	_, err = f.trades.ResolveDispute(ctx, trade.ID, "adm_1", ResolveRequest{Action: ActionRefund})
	assert.ErrorIs(t, err, ErrAdminNotesRequired)

	trade, err = f.trades.ResolveDispute(ctx, trade.ID, "adm_1", ResolveRequest{
		Action:     ActionRefund,
		AdminNotes: "seller provided no evidence of receipt",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, trade.Status)
	assert.Equal(t, "adm_1", trade.ResolvedBy)
	require.NotNil(t, trade.ResolvedAt)

	got, _ := f.offers.Get(ctx, offer.ID)
	assert.Equal(t, "100.00000000", got.Remaining, "refund restores the offer")

	// Resolving a terminal trade fails.
	_, err = f.trades.ResolveDispute(ctx, trade.ID, "adm_1", ResolveRequest{
		Action: ActionRelease, AdminNotes: "second look",
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDisputeResolveRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	f.fund(t, seller.ID, "100")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)
	_, err = f.trades.ConfirmPayment(ctx, trade.ID, buyer.ID)
	require.NoError(t, err)
	_, err = f.trades.RaiseDispute(ctx, trade.ID, buyer.ID, DisputeRequest{
		Category: "funds_not_released", Reason: "seller went silent",
	})
	require.NoError(t, err)

	trade, err = f.trades.ResolveDispute(ctx, trade.ID, "adm_1", ResolveRequest{
		Action: ActionRelease, AdminNotes: "buyer showed proof of payment",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, trade.Status)

	buyerBal, _ := f.ledger.GetBalance(ctx, buyer.ID)
	assert.Equal(t, "40.00000000", buyerBal.Stable)
}

func TestConcurrentRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	f.fund(t, seller.ID, "100")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)
	_, err = f.trades.ConfirmPayment(ctx, trade.ID, buyer.ID)
	require.NoError(t, err)

	// Two simultaneous releases: exactly one succeeds, one transfer lands.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.trades.ReleaseFunds(ctx, trade.ID, seller.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, invalid int
	for err := range results {
		switch {
		case err == nil:
			ok++
		default:
			assert.ErrorIs(t, err, ErrInvalidState)
			invalid++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, invalid)

	sellerBal, _ := f.ledger.GetBalance(ctx, seller.ID)
	buyerBal, _ := f.ledger.GetBalance(ctx, buyer.ID)
	assert.Equal(t, "60.00000000", sellerBal.Stable, "exactly one transfer applied")
	assert.Equal(t, "40.00000000", buyerBal.Stable)
}

func TestReconcileSettlements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	f.fund(t, seller.ID, "100")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)
	_, err = f.trades.ConfirmPayment(ctx, trade.ID, buyer.ID)
	require.NoError(t, err)

	// Simulate a crash between transfer and status write: apply the
	// transfer under the trade's settlement reference, leave the status.
	err = f.ledger.Transfer(ctx, seller.ID, buyer.ID, money.Stable, trade.Amount,
		ledger.TxSettlement, trade.SettlementRef(), "trade settlement "+trade.ID)
	require.NoError(t, err)

	require.NoError(t, f.trades.ReconcileSettlements(ctx))

	got, _ := f.trades.Get(ctx, trade.ID)
	assert.Equal(t, StatusCompleted, got.Status, "interrupted settlement completed on restart")

	// Balances reflect a single transfer even after reconciliation.
	sellerBal, _ := f.ledger.GetBalance(ctx, seller.ID)
	assert.Equal(t, "60.00000000", sellerBal.Stable)
}

func TestMarkOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller := f.registerUser(t, "seller@example.com")
	buyer := f.registerUser(t, "buyer@example.com")
	offer := f.sellOffer(t, seller.ID, "100", "1000")

	trade, err := f.trades.Create(ctx, buyer.ID, CreateRequest{OfferID: offer.ID, Amount: "40"})
	require.NoError(t, err)

	trade.PaymentDeadline = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.Update(ctx, trade, StatusPaymentPending))

	flagged, err := f.store.MarkOverdue(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.True(t, flagged[0].Overdue)
	assert.Equal(t, StatusPaymentPending, flagged[0].Status, "flagging does not auto-cancel")

	// Second sweep finds nothing new.
	flagged, err = f.store.MarkOverdue(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}
