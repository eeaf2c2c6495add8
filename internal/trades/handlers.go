package trades

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otcmesh/otcmesh/internal/auth"
	"github.com/otcmesh/otcmesh/internal/ledger"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/money"
	"github.com/otcmesh/otcmesh/internal/offers"
	"github.com/otcmesh/otcmesh/internal/users"
)

// Handler provides HTTP endpoints for trades and disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new trades handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.Create)
	r.GET("/trades", h.ListMine)
	r.GET("/trades/:id", h.Get)
	r.POST("/trades/:id/confirm-payment", h.ConfirmPayment)
	r.POST("/trades/:id/release-funds", h.ReleaseFunds)
	r.POST("/trades/:id/cancel", h.Cancel)
	r.POST("/trades/:id/dispute", h.RaiseDispute)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// Create handles POST /v1/trades
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "offerId and amount are required",
		})
		return
	}

	trade, err := h.service.Create(c.Request.Context(), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		respondTradeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": trade})
}

// Get handles GET /v1/trades/:id. Participants only.
func (h *Handler) Get(c *gin.Context) {
	trade, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTradeErr(c, err)
		return
	}
	if !trade.Participant(auth.GetAuthenticatedUser(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only trade participants may view this trade",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// ListMine handles GET /v1/trades?limit=50
func (h *Handler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := h.service.ListForUser(c.Request.Context(), auth.GetAuthenticatedUser(c), limit)
	if err != nil {
		respondTradeErr(c, err)
		return
	}
	if trades == nil {
		trades = []*Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// ConfirmPayment handles POST /v1/trades/:id/confirm-payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	trade, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c))
	if err != nil {
		respondTradeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// ReleaseFunds handles POST /v1/trades/:id/release-funds
func (h *Handler) ReleaseFunds(c *gin.Context) {
	trade, err := h.service.ReleaseFunds(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c))
	if err != nil {
		respondTradeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// CancelRequest carries an optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req)

	trade, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c), req.Reason)
	if err != nil {
		respondTradeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// RaiseDispute handles POST /v1/trades/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "category and reason are required",
		})
		return
	}

	trade, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		respondTradeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// ListDisputes handles GET /v1/admin/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	disputed, err := h.service.ListDisputed(c.Request.Context(), limit)
	if err != nil {
		respondTradeErr(c, err)
		return
	}
	if disputed == nil {
		disputed = []*Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputed, "count": len(disputed)})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "action and adminNotes are required",
		})
		return
	}

	trade, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		respondTradeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

func respondTradeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTradeNotFound), errors.Is(err, offers.ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Resource not found"})
	case errors.Is(err, ErrSelfTrade):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_trade", "message": "Cannot trade on your own offer"})
	case errors.Is(err, ErrAmountOutOfRange), errors.Is(err, offers.ErrAmountOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_out_of_range", "message": "Amount is outside the offer's limits"})
	case errors.Is(err, offers.ErrOfferNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "offer_not_active", "message": "Offer is not active"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You may not perform this action on this trade"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Trade state does not allow this transition"})
	case errors.Is(err, ErrDeadlineExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "deadline_expired", "message": "Payment deadline has passed; cancel or dispute instead"})
	case errors.Is(err, ErrAlreadyDisputed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_disputed", "message": "Trade is already in disputed state"})
	case errors.Is(err, ErrAdminNotesRequired), errors.Is(err, ErrInvalidResolution), errors.Is(err, ErrDisputeReason):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrKYCCapExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": "kyc_required", "message": "Amount exceeds the limit for unverified accounts"})
	case errors.Is(err, users.ErrUserBanned), errors.Is(err, users.ErrFundsFrozen):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_restricted", "message": "Account is not allowed to trade"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Seller balance cannot cover the settlement"})
	case errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a positive decimal"})
	default:
		logging.L(c.Request.Context()).Error("unhandled trade error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong, please try again"})
	}
}
