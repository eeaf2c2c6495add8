package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "usr_abc123abc123abc123abc123", "default")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rawKey, "sk_"))
	assert.Equal(t, "usr_abc123abc123abc123abc123", key.UserID)

	got, err := mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	// Bearer prefix is accepted
	got, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
}

func TestValidateKey_Rejections(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, err := mgr.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	_, err = mgr.ValidateKey(ctx, "not_a_key")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = mgr.ValidateKey(ctx, "sk_deadbeef")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "usr_abc123abc123abc123abc123", "default")
	require.NoError(t, err)

	require.NoError(t, mgr.RevokeKey(ctx, key.ID, key.UserID))

	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	assert.ErrorIs(t, mgr.RevokeKey(ctx, "ak_missing", key.UserID), ErrKeyNotFound)
}

func TestExpiredKeyRejected(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "usr_abc123abc123abc123abc123", "short-lived")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	require.NoError(t, store.Update(ctx, key))

	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestRequireAdmin_SecretConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/admin/wallet/credit", nil)
	c.Request.Header.Set("X-Admin-Secret", "s3cret")

	RequireAdmin("s3cret")(c)
	assert.False(t, c.IsAborted())

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/admin/wallet/credit", nil)
	c.Request.Header.Set("X-Admin-Secret", "wrong")

	RequireAdmin("s3cret")(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdmin_DemoMode(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Authenticated request passes when no secret is configured
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/admin/wallet/credit", nil)
	c.Set(ContextKeyAPIKey, &APIKey{UserID: "usr_abc123abc123abc123abc123"})

	RequireAdmin("")(c)
	assert.False(t, c.IsAborted())

	// Unauthenticated request rejected
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/admin/wallet/credit", nil)

	RequireAdmin("")(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
