package kyc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcmesh/otcmesh/internal/users"
)

type stubProvider struct {
	verified bool
	err      error
	calls    int
}

func (p *stubProvider) VerifyIdentity(ctx context.Context, identityNumber, fullName string) (bool, error) {
	p.calls++
	return p.verified, p.err
}

func newUser(t *testing.T, svc *users.Service) *users.User {
	t.Helper()
	u, err := svc.Register(context.Background(), users.RegisterRequest{Email: "a@x.com", DisplayName: "a"})
	require.NoError(t, err)
	return u
}

func TestVerifySuccess(t *testing.T) {
	ctx := context.Background()
	userSvc := users.NewService(users.NewMemoryStore())
	u := newUser(t, userSvc)

	svc := NewService(&stubProvider{verified: true}, userSvc)
	out, err := svc.Verify(ctx, u.ID, "1234567890", "Ada Lovelace")
	require.NoError(t, err)
	assert.Equal(t, users.KYCVerified, out.KYCStatus)
	assert.True(t, out.KYCVerified)
}

func TestVerifyRejected(t *testing.T) {
	ctx := context.Background()
	userSvc := users.NewService(users.NewMemoryStore())
	u := newUser(t, userSvc)

	svc := NewService(&stubProvider{verified: false}, userSvc)
	out, err := svc.Verify(ctx, u.ID, "1234567890", "Ada Lovelace")
	require.NoError(t, err)
	assert.Equal(t, users.KYCRejected, out.KYCStatus)
	assert.False(t, out.KYCVerified)
}

func TestVerifyProviderDownLeavesPending(t *testing.T) {
	ctx := context.Background()
	userSvc := users.NewService(users.NewMemoryStore())
	u := newUser(t, userSvc)

	svc := NewService(&stubProvider{err: errors.New("timeout")}, userSvc)
	_, err := svc.Verify(ctx, u.ID, "1234567890", "Ada Lovelace")
	require.ErrorIs(t, err, ErrExternalService)

	got, err := userSvc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, users.KYCPending, got.KYCStatus)
	assert.False(t, got.KYCVerified)
}

func TestVerifyGuards(t *testing.T) {
	ctx := context.Background()
	userSvc := users.NewService(users.NewMemoryStore())
	u := newUser(t, userSvc)
	provider := &stubProvider{verified: true}
	svc := NewService(provider, userSvc)

	_, err := svc.Verify(ctx, u.ID, "", "Ada Lovelace")
	assert.ErrorIs(t, err, ErrMissingFields)
	_, err = svc.Verify(ctx, u.ID, "1234567890", "  ")
	assert.ErrorIs(t, err, ErrMissingFields)
	assert.Zero(t, provider.calls)

	_, err = svc.Verify(ctx, "usr_missing", "1234567890", "Ada Lovelace")
	assert.ErrorIs(t, err, users.ErrUserNotFound)

	_, err = svc.Verify(ctx, u.ID, "1234567890", "Ada Lovelace")
	require.NoError(t, err)
	_, err = svc.Verify(ctx, u.ID, "1234567890", "Ada Lovelace")
	assert.ErrorIs(t, err, ErrAlreadyVerified)
	assert.Equal(t, 1, provider.calls)
}

func TestSandbox(t *testing.T) {
	ctx := context.Background()
	var p Sandbox

	ok, err := p.VerifyIdentity(ctx, "1234567890", "Ada")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = p.VerifyIdentity(ctx, "12345", "Ada")
	assert.False(t, ok)

	ok, _ = p.VerifyIdentity(ctx, "12345abcde", "Ada")
	assert.False(t, ok)
}
