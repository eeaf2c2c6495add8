package ratings

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otcmesh/otcmesh/internal/auth"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/trades"
)

// Handler provides HTTP endpoints for ratings.
type Handler struct {
	service *Service
}

// NewHandler creates a new ratings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up rating routes. Submission requires auth;
// reading a user's received ratings is public.
func (h *Handler) RegisterRoutes(public, authed *gin.RouterGroup) {
	authed.POST("/ratings", h.Submit)
	public.GET("/users/:id/ratings", h.ListForUser)
}

// Submit handles POST /v1/ratings
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tradeId, ratedUserId and score are required",
		})
		return
	}

	rating, err := h.service.Submit(c.Request.Context(), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		respondRatingErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rating": rating})
}

// ListForUser handles GET /v1/users/:id/ratings
func (h *Handler) ListForUser(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.ListForUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondRatingErr(c, err)
		return
	}
	if list == nil {
		list = []*Rating{}
	}
	c.JSON(http.StatusOK, gin.H{"ratings": list, "count": len(list)})
}

func respondRatingErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDuplicateRating):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_rating", "message": "You have already rated this trade"})
	case errors.Is(err, ErrInvalidScore):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_score", "message": "Score must be between 1 and 5"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only trade participants may rate each other"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Trade is not completed"})
	case errors.Is(err, trades.ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Trade not found"})
	default:
		logging.L(c.Request.Context()).Error("unhandled rating error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong, please try again"})
	}
}
