package users

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterRequest{Email: "Ada@Example.com", DisplayName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.Equal(t, KYCNone, u.KYCStatus)
	assert.False(t, u.KYCVerified)

	got, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	// Duplicate email rejected regardless of case
	_, err = svc.Register(ctx, RegisterRequest{Email: "ada@example.com", DisplayName: "Other"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.Register(ctx, RegisterRequest{Email: "not-an-email", DisplayName: "X"})
	assert.Error(t, err)
}

func TestKYCStatusTransitions(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterRequest{Email: "kyc@example.com", DisplayName: "K"})
	require.NoError(t, err)

	u, err = svc.SetKYCStatus(ctx, u.ID, KYCVerified)
	require.NoError(t, err)
	assert.True(t, u.KYCVerified)

	u, err = svc.SetKYCStatus(ctx, u.ID, KYCRejected)
	require.NoError(t, err)
	assert.False(t, u.KYCVerified)
}

func TestBanAndFreezeGateTrading(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterRequest{Email: "t@example.com", DisplayName: "T"})
	require.NoError(t, err)

	_, err = svc.CheckTradable(ctx, u.ID)
	require.NoError(t, err)

	_, err = svc.SetBanned(ctx, u.ID, true)
	require.NoError(t, err)
	_, err = svc.CheckTradable(ctx, u.ID)
	assert.ErrorIs(t, err, ErrUserBanned)

	_, err = svc.SetBanned(ctx, u.ID, false)
	require.NoError(t, err)
	_, err = svc.SetFundsFrozen(ctx, u.ID, true)
	require.NoError(t, err)
	_, err = svc.CheckTradable(ctx, u.ID)
	assert.ErrorIs(t, err, ErrFundsFrozen)
}

func TestApplyRating_RollingAverage(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterRequest{Email: "r@example.com", DisplayName: "R"})
	require.NoError(t, err)

	require.NoError(t, svc.ApplyRating(ctx, u.ID, 5))
	require.NoError(t, svc.ApplyRating(ctx, u.ID, 4))
	require.NoError(t, svc.ApplyRating(ctx, u.ID, 2))

	got, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.RatingCount)
	assert.InEpsilon(t, (5.0+4.0+2.0)/3.0, got.RatingAverage, 1e-9)

	assert.ErrorIs(t, svc.ApplyRating(ctx, u.ID, 0), ErrInvalidScore)
	assert.ErrorIs(t, svc.ApplyRating(ctx, u.ID, 6), ErrInvalidScore)

	// Average stays within bounds no matter the sequence
	for i := 0; i < 10; i++ {
		require.NoError(t, svc.ApplyRating(ctx, u.ID, 1))
	}
	got, _ = svc.Get(ctx, u.ID)
	assert.False(t, math.IsNaN(got.RatingAverage))
	assert.GreaterOrEqual(t, got.RatingAverage, 1.0)
	assert.LessOrEqual(t, got.RatingAverage, 5.0)
}
