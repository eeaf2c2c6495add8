package messaging

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otcmesh/otcmesh/internal/auth"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/trades"
)

// Handler provides HTTP endpoints for trade chat and direct messages.
type Handler struct {
	service *Service
}

// NewHandler creates a new messaging handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated messaging routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/messages", h.SendToTrade)
	r.GET("/trades/:id/messages", h.ListForTrade)
	r.POST("/messages", h.SendDirect)
	r.GET("/messages/:userId", h.ListConversation)
}

// SendRequest carries a message body.
type SendRequest struct {
	Body string `json:"body" binding:"required"`
}

// DirectSendRequest carries a direct message.
type DirectSendRequest struct {
	RecipientID string `json:"recipientId" binding:"required"`
	Body        string `json:"body" binding:"required"`
}

// SendToTrade handles POST /v1/trades/:id/messages
func (h *Handler) SendToTrade(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body is required"})
		return
	}

	m, err := h.service.SendToTrade(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c), req.Body)
	if err != nil {
		respondMessagingErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// ListForTrade handles GET /v1/trades/:id/messages
func (h *Handler) ListForTrade(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.service.ListForTrade(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c), limit)
	if err != nil {
		respondMessagingErr(c, err)
		return
	}
	if list == nil {
		list = []*Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": list, "count": len(list)})
}

// SendDirect handles POST /v1/messages
func (h *Handler) SendDirect(c *gin.Context) {
	var req DirectSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "recipientId and body are required"})
		return
	}

	m, err := h.service.SendDirect(c.Request.Context(), auth.GetAuthenticatedUser(c), req.RecipientID, req.Body)
	if err != nil {
		respondMessagingErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// ListConversation handles GET /v1/messages/:userId
func (h *Handler) ListConversation(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	list, err := h.service.ListConversation(c.Request.Context(), auth.GetAuthenticatedUser(c), c.Param("userId"), limit)
	if err != nil {
		respondMessagingErr(c, err)
		return
	}
	if list == nil {
		list = []*Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": list, "count": len(list)})
}

func respondMessagingErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You are not part of this conversation"})
	case errors.Is(err, ErrEmptyBody), errors.Is(err, ErrBodyTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
	case errors.Is(err, trades.ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Trade not found"})
	default:
		logging.L(c.Request.Context()).Error("unhandled messaging error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong, please try again"})
	}
}
