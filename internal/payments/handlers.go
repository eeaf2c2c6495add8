package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"

	"github.com/otcmesh/otcmesh/internal/auth"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/metrics"
	"github.com/otcmesh/otcmesh/internal/money"
)

// Handler provides HTTP endpoints for deposits and gateway webhooks.
type Handler struct {
	service  *Service
	paystack *Paystack
	stripe   *Stripe
}

// NewHandler creates a new payments handler. The gateway clients may be
// nil when the corresponding provider is not configured; their webhook
// routes then reject everything.
func NewHandler(service *Service, paystack *Paystack, stripeGw *Stripe) *Handler {
	return &Handler{service: service, paystack: paystack, stripe: stripeGw}
}

// RegisterRoutes sets up authenticated deposit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/deposits", h.InitializeDeposit)
	r.POST("/wallet/deposits/:reference/verify", h.VerifyDeposit)
}

// RegisterWebhookRoutes sets up unauthenticated gateway callback routes.
// Authenticity comes from signature verification, not API keys.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/paystack", h.PaystackWebhook)
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// DepositRequest starts a fiat deposit.
type DepositRequest struct {
	Amount string `json:"amount" binding:"required"`
	Email  string `json:"email" binding:"required"`
}

// InitializeDeposit handles POST /v1/wallet/deposits
func (h *Handler) InitializeDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and email are required",
		})
		return
	}

	result, err := h.service.InitializeDeposit(c.Request.Context(), auth.GetAuthenticatedUser(c), req.Email, req.Amount)
	if err != nil {
		respondPaymentErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposit": result, "gateway": h.service.GatewayName()})
}

// VerifyDeposit handles POST /v1/wallet/deposits/:reference/verify
// The client-driven fallback when a webhook is delayed.
func (h *Handler) VerifyDeposit(c *gin.Context) {
	tx, err := h.service.SettleDeposit(c.Request.Context(), auth.GetAuthenticatedUser(c), c.Param("reference"))
	if err != nil {
		respondPaymentErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// PaystackWebhook handles POST /v1/webhooks/paystack
func (h *Handler) PaystackWebhook(c *gin.Context) {
	if h.paystack == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Provider not configured"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	if !h.paystack.VerifyWebhookSignature(body, c.GetHeader("x-paystack-signature")) {
		metrics.PaymentWebhooksTotal.WithLabelValues("paystack", "invalid_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed event"})
		return
	}

	ctx := c.Request.Context()
	switch event.Event {
	case "charge.success":
		if event.Data.Metadata.UserID == "" {
			logging.L(ctx).Warn("paystack charge without user metadata", "reference", event.Data.Reference)
			break
		}
		_, err := h.service.CreditVerified(ctx, event.Data.Metadata.UserID, &VerifyResult{
			Reference: event.Data.Reference,
			Status:    "success",
			Amount:    MajorUnits(event.Data.Amount),
		})
		if err != nil {
			// Non-2xx makes the gateway retry; idempotency absorbs replays.
			metrics.PaymentWebhooksTotal.WithLabelValues("paystack", "credit_failed").Inc()
			logging.L(ctx).Error("failed to credit paystack deposit",
				"reference", event.Data.Reference, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "credit failed"})
			return
		}
		metrics.PaymentWebhooksTotal.WithLabelValues("paystack", "ok").Inc()
	case "charge.failed":
		logging.L(ctx).Info("paystack charge failed", "reference", event.Data.Reference)
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// StripeWebhook handles POST /v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.stripe == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Provider not configured"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	event, err := h.stripe.ConstructWebhookEvent(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		metrics.PaymentWebhooksTotal.WithLabelValues("stripe", "invalid_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	}

	ctx := c.Request.Context()
	if event.Type == "payment_intent.succeeded" {
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed event"})
			return
		}
		userID := intent.Metadata["user_id"]
		if userID == "" {
			logging.L(ctx).Warn("stripe intent without user metadata", "reference", intent.ID)
		} else {
			_, err := h.service.CreditVerified(ctx, userID, &VerifyResult{
				Reference: intent.ID,
				Status:    "success",
				Amount:    MajorUnits(intent.Amount),
			})
			if err != nil {
				metrics.PaymentWebhooksTotal.WithLabelValues("stripe", "credit_failed").Inc()
				logging.L(ctx).Error("failed to credit stripe deposit", "reference", intent.ID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "credit failed"})
				return
			}
			metrics.PaymentWebhooksTotal.WithLabelValues("stripe", "ok").Inc()
		}
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func respondPaymentErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a positive fiat decimal"})
	case errors.Is(err, ErrNotSuccessful):
		c.JSON(http.StatusConflict, gin.H{"error": "payment_not_successful", "message": "Payment has not succeeded yet"})
	case errors.Is(err, ErrUnknownReference), errors.Is(err, ErrNotPayer):
		// Not distinguishable from an unknown reference; the response
		// must not confirm that someone else's reference exists.
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment reference not found"})
	case errors.Is(err, ErrExternalService):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error", "message": "Payment provider is unavailable, try again later"})
	default:
		logging.L(c.Request.Context()).Error("unhandled payment error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong, please try again"})
	}
}
