package kyc

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/otcmesh/otcmesh/internal/auth"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/users"
)

// Handler provides HTTP endpoints for identity verification.
type Handler struct {
	service *Service
}

// NewHandler creates a new KYC handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up KYC routes on the authenticated group.
func (h *Handler) RegisterRoutes(authed *gin.RouterGroup) {
	authed.POST("/kyc/verify", h.Verify)
}

// VerifyRequest is the body for POST /v1/kyc/verify
type VerifyRequest struct {
	IdentityNumber string `json:"identityNumber" binding:"required"`
	FullName       string `json:"fullName" binding:"required"`
}

// Verify handles POST /v1/kyc/verify
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "identityNumber and fullName are required",
		})
		return
	}

	u, err := h.service.Verify(c.Request.Context(), auth.GetAuthenticatedUser(c), req.IdentityNumber, req.FullName)
	if err != nil {
		respondKYCErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u, "kycStatus": u.KYCStatus})
}

func respondKYCErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMissingFields):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "identityNumber and fullName are required"})
	case errors.Is(err, ErrAlreadyVerified):
		c.JSON(http.StatusConflict, gin.H{"error": "already_verified", "message": "Account is already verified"})
	case errors.Is(err, ErrExternalService):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error", "message": "Identity provider is unavailable, please retry"})
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found"})
	default:
		logging.L(c.Request.Context()).Error("unhandled kyc error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong, please try again"})
	}
}
