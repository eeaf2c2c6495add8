package offers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcmesh/otcmesh/internal/money"
	"github.com/otcmesh/otcmesh/internal/pagination"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), 30*time.Minute, 120*time.Minute)
}

func TestCreateOffer(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	o, err := s.Create(ctx, "usr_a", CreateRequest{
		Side: "sell", Amount: "100", Rate: "1550.50",
		MinAmount: "10", MaxAmount: "50", TimeLimitMin: 45,
	})
	require.NoError(t, err)
	assert.Equal(t, SideSell, o.Side)
	assert.Equal(t, "100.00000000", o.Amount)
	assert.Equal(t, "100.00000000", o.Remaining)
	assert.Equal(t, "1550.50", o.Rate)
	assert.Equal(t, StatusActive, o.Status)
	assert.Equal(t, 45, o.TimeLimitMin)
}

func TestCreateOfferValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Create(ctx, "usr_a", CreateRequest{Side: "hodl", Amount: "100", Rate: "1000"})
	assert.ErrorIs(t, err, ErrInvalidSide)

	_, err = s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "0", Rate: "1000"})
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	_, err = s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "100", Rate: "-5"})
	assert.ErrorIs(t, err, money.ErrInvalidAmount)

	// min > max
	_, err = s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "100", Rate: "1000", MinAmount: "60", MaxAmount: "40"})
	assert.ErrorIs(t, err, ErrInvalidRange)

	// max > amount
	_, err = s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "100", Rate: "1000", MaxAmount: "150"})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestTimeLimitClamped(t *testing.T) {
	s := newTestService()
	o, err := s.Create(context.Background(), "usr_a", CreateRequest{
		Side: "sell", Amount: "100", Rate: "1000", TimeLimitMin: 999,
	})
	require.NoError(t, err)
	assert.Equal(t, 120, o.TimeLimitMin, "clamped to the configured maximum")
}

func TestUpdateOffer(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	o, err := s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "100", Rate: "1000"})
	require.NoError(t, err)

	rate := "1100"
	updated, err := s.Update(ctx, o.ID, "usr_a", UpdateRequest{Rate: &rate})
	require.NoError(t, err)
	assert.Equal(t, "1100.00", updated.Rate)

	_, err = s.Update(ctx, o.ID, "usr_b", UpdateRequest{Rate: &rate})
	assert.ErrorIs(t, err, ErrNotOwner)

	paused := string(StatusPaused)
	_, err = s.Update(ctx, o.ID, "usr_a", UpdateRequest{Status: &paused})
	require.NoError(t, err)

	completed := string(StatusCompleted)
	_, err = s.Update(ctx, o.ID, "usr_a", UpdateRequest{Status: &completed})
	assert.ErrorIs(t, err, ErrInvalidState, "owner cannot force completed")
}

func TestReserve(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	o, err := s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "100", Rate: "1000"})
	require.NoError(t, err)

	reserved, err := s.Reserve(ctx, o.ID, decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.Equal(t, "60.00000000", reserved.Remaining)
	assert.Equal(t, StatusActive, reserved.Status)

	// Exhausting the offer completes it.
	reserved, err = s.Reserve(ctx, o.ID, decimal.NewFromInt(60))
	require.NoError(t, err)
	assert.Equal(t, "0.00000000", reserved.Remaining)
	assert.Equal(t, StatusCompleted, reserved.Status)

	_, err = s.Reserve(ctx, o.ID, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrOfferNotActive)
}

func TestReserveOverRemaining(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	o, err := s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "50", Rate: "1000"})
	require.NoError(t, err)

	_, err = s.Reserve(ctx, o.ID, decimal.NewFromInt(51))
	assert.ErrorIs(t, err, ErrAmountOutOfRange)

	got, _ := s.Get(ctx, o.ID)
	assert.Equal(t, "50.00000000", got.Remaining, "failed reserve changes nothing")
}

func TestRestoreReactivates(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	o, err := s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "50", Rate: "1000"})
	require.NoError(t, err)

	_, err = s.Reserve(ctx, o.ID, decimal.NewFromInt(50))
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, o.ID, decimal.NewFromInt(50)))
	got, _ := s.Get(ctx, o.ID)
	assert.Equal(t, "50.00000000", got.Remaining)
	assert.Equal(t, StatusActive, got.Status)
}

func TestConcurrentReserves(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	o, err := s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "100", Rate: "1000"})
	require.NoError(t, err)

	// 20 goroutines each try to reserve 10; exactly 10 can succeed.
	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reserve(ctx, o.ID, decimal.NewFromInt(10))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 10, succeeded)

	got, _ := s.Get(ctx, o.ID)
	assert.Equal(t, "0.00000000", got.Remaining)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestWithinLimits(t *testing.T) {
	o := &Offer{Remaining: "60", MinAmount: "10", MaxAmount: "50"}
	assert.True(t, o.WithinLimits(decimal.NewFromInt(10)))
	assert.True(t, o.WithinLimits(decimal.NewFromInt(50)))
	assert.False(t, o.WithinLimits(decimal.NewFromInt(9)))
	assert.False(t, o.WithinLimits(decimal.NewFromInt(51)))

	unbounded := &Offer{Remaining: "60"}
	assert.True(t, unbounded.WithinLimits(decimal.NewFromInt(60)))
	assert.False(t, unbounded.WithinLimits(decimal.NewFromInt(61)), "remaining caps the trade")
}

func TestListPagination(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, "usr_a", CreateRequest{Side: "sell", Amount: "10", Rate: "1000"})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	page, err := s.List(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	seen := map[string]bool{}
	for _, o := range page.Items {
		seen[o.ID] = true
	}

	cursor, err := pagination.Decode(page.NextCursor)
	require.NoError(t, err)
	page2, err := s.List(ctx, ListFilter{Limit: 10, Cursor: cursor})
	require.NoError(t, err)
	assert.Len(t, page2.Items, 3)
	assert.Empty(t, page2.NextCursor)
	for _, o := range page2.Items {
		assert.False(t, seen[o.ID], "pages do not overlap")
	}
}
