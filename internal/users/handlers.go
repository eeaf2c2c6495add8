package users

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/otcmesh/otcmesh/internal/logging"
)

// KeyIssuer issues an API key for a newly registered account.
// Implemented by the auth manager; kept as an interface so users doesn't
// import auth.
type KeyIssuer interface {
	IssueKey(ctx context.Context, userID, name string) (rawKey string, err error)
}

// Handler provides HTTP endpoints for accounts.
type Handler struct {
	service *Service
	keys    KeyIssuer
}

// NewHandler creates a new users handler.
func NewHandler(service *Service, keys KeyIssuer) *Handler {
	return &Handler{service: service, keys: keys}
}

// RegisterRoutes sets up public user routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.Register)
	r.GET("/users/:id", h.GetUser)
}

// RegisterAdminRoutes sets up admin-only user routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/ban", h.SetBanned(true))
	r.POST("/users/:id/unban", h.SetBanned(false))
	r.POST("/users/:id/freeze", h.SetFrozen(true))
	r.POST("/users/:id/unfreeze", h.SetFrozen(false))
}

// Register handles POST /v1/users
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email and displayName are required",
		})
		return
	}

	user, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "email_taken",
				"message": "Email is already registered",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "registration_failed",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{"user": user}
	if h.keys != nil {
		// The raw key is shown exactly once, at registration.
		if rawKey, err := h.keys.IssueKey(c.Request.Context(), user.ID, "default"); err == nil {
			resp["apiKey"] = rawKey
		}
	}

	c.JSON(http.StatusCreated, resp)
}

// GetUser handles GET /v1/users/:id
func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "User not found",
			})
			return
		}
		respondUserErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// SetBanned handles POST /v1/admin/users/:id/{ban,unban}
func (h *Handler) SetBanned(banned bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.service.SetBanned(c.Request.Context(), c.Param("id"), banned)
		if err != nil {
			respondUserErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

// SetFrozen handles POST /v1/admin/users/:id/{freeze,unfreeze}
func (h *Handler) SetFrozen(frozen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.service.SetFundsFrozen(c.Request.Context(), c.Param("id"), frozen)
		if err != nil {
			respondUserErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user})
	}
}

func respondUserErr(c *gin.Context, err error) {
	if errors.Is(err, ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found"})
		return
	}
	logging.L(c.Request.Context()).Error("unhandled user error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong, please try again"})
}
