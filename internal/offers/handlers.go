package offers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otcmesh/otcmesh/internal/auth"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/money"
	"github.com/otcmesh/otcmesh/internal/pagination"
)

// Handler provides HTTP endpoints for offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new offers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up offer routes. Listing and reads are public;
// writes require authentication.
func (h *Handler) RegisterRoutes(public, authed *gin.RouterGroup) {
	public.GET("/offers", h.List)
	public.GET("/offers/:id", h.Get)
	authed.POST("/offers", h.Create)
	authed.PUT("/offers/:id", h.Update)
	authed.DELETE("/offers/:id", h.Delete)
}

// Create handles POST /v1/offers
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "side, amount and rate are required",
		})
		return
	}

	offer, err := h.service.Create(c.Request.Context(), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		respondOfferErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// Get handles GET /v1/offers/:id
func (h *Handler) Get(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondOfferErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// List handles GET /v1/offers?side=sell&status=active&cursor=...&limit=20
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is not valid",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	page, err := h.service.List(c.Request.Context(), ListFilter{
		Side:    Side(c.Query("side")),
		Status:  Status(c.Query("status")),
		OwnerID: c.Query("ownerId"),
		Cursor:  cursor,
		Limit:   limit,
	})
	if err != nil {
		respondOfferErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"offers":     page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
	})
}

// Update handles PUT /v1/offers/:id
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body is not valid JSON",
		})
		return
	}

	offer, err := h.service.Update(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		respondOfferErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// Delete handles DELETE /v1/offers/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c)); err != nil {
		respondOfferErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func respondOfferErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Offer not found"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the offer owner may do this"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Offer state does not allow this operation"})
	case errors.Is(err, ErrInvalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": "minAmount must be <= maxAmount must be <= amount"})
	case errors.Is(err, ErrInvalidSide):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_side", "message": "side must be buy or sell"})
	case errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amounts must be positive decimals"})
	default:
		logging.L(c.Request.Context()).Error("unhandled offer error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong, please try again"})
	}
}
