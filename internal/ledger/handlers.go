package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otcmesh/otcmesh/internal/auth"
	"github.com/otcmesh/otcmesh/internal/idgen"
	"github.com/otcmesh/otcmesh/internal/logging"
	"github.com/otcmesh/otcmesh/internal/money"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up authenticated wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/balance", h.GetBalance)
	r.GET("/wallet/transactions", h.GetHistory)
	r.POST("/wallet/swap", h.Swap)
	r.POST("/wallet/withdrawals", h.RequestWithdrawal)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/credit", h.AdminCredit)
	r.POST("/ledger/debit", h.AdminDebit)
	r.GET("/ledger/users/:id/balance", h.AdminGetBalance)
	r.GET("/withdrawals", h.ListPendingWithdrawals)
	r.POST("/withdrawals/:id/approve", h.ApproveWithdrawal)
	r.POST("/withdrawals/:id/reject", h.RejectWithdrawal)
}

// GetBalance handles GET /v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := auth.GetAuthenticatedUser(c)
	bal, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		respondLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /v1/wallet/transactions?limit=50
func (h *Handler) GetHistory(c *gin.Context) {
	userID := auth.GetAuthenticatedUser(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit > 200 {
		limit = 200
	}

	txs, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		respondLedgerErr(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// SwapRequest converts between a user's fiat and stable balances at a
// client-quoted rate. Both legs are provided explicitly so the server
// never invents a price.
type SwapRequest struct {
	FromCurrency string `json:"fromCurrency" binding:"required"`
	FromAmount   string `json:"fromAmount" binding:"required"`
	ToAmount     string `json:"toAmount" binding:"required"`
}

// Swap handles POST /v1/wallet/swap
func (h *Handler) Swap(c *gin.Context) {
	userID := auth.GetAuthenticatedUser(c)

	var req SwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "fromCurrency, fromAmount and toAmount are required",
		})
		return
	}
	if !money.ValidCurrency(req.FromCurrency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_currency",
			"message": "fromCurrency must be fiat or stable",
		})
		return
	}

	reference := "swap_" + idgen.Hex(12)
	err := h.ledger.Swap(c.Request.Context(), userID, money.Currency(req.FromCurrency), req.FromAmount, req.ToAmount, reference, "balance_swap")
	if err != nil {
		respondLedgerErr(c, err)
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		respondLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference": reference, "balance": bal})
}

// WithdrawalRequest asks to move funds off-platform. The debit happens
// immediately; payout waits for admin approval.
type WithdrawalRequest struct {
	Currency    string `json:"currency" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

// RequestWithdrawal handles POST /v1/wallet/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	userID := auth.GetAuthenticatedUser(c)

	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currency, amount and destination are required",
		})
		return
	}
	if !money.ValidCurrency(req.Currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_currency",
			"message": "currency must be fiat or stable",
		})
		return
	}

	reference := "wd_" + idgen.Hex(12)
	tx, err := h.ledger.RequestWithdrawal(c.Request.Context(), userID, money.Currency(req.Currency), req.Amount, reference, req.Destination)
	if err != nil {
		respondLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": tx})
}

// AdminMutationRequest credits or debits an arbitrary account.
type AdminMutationRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
	Reason    string `json:"reason"`
}

// AdminCredit handles POST /v1/admin/ledger/credit
func (h *Handler) AdminCredit(c *gin.Context) {
	h.adminMutate(c, true)
}

// AdminDebit handles POST /v1/admin/ledger/debit
func (h *Handler) AdminDebit(c *gin.Context) {
	h.adminMutate(c, false)
}

func (h *Handler) adminMutate(c *gin.Context, credit bool) {
	var req AdminMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId, currency, amount and reference are required",
		})
		return
	}
	if !money.ValidCurrency(req.Currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_currency",
			"message": "currency must be fiat or stable",
		})
		return
	}

	var (
		tx  *Transaction
		err error
	)
	if credit {
		tx, err = h.ledger.Credit(c.Request.Context(), req.UserID, money.Currency(req.Currency), req.Amount, TxAdminCredit, req.Reference, req.Reason)
	} else {
		tx, err = h.ledger.Debit(c.Request.Context(), req.UserID, money.Currency(req.Currency), req.Amount, TxAdminDebit, req.Reference, req.Reason)
	}
	if errors.Is(err, ErrDuplicateReference) {
		// Replay of a settled reference: report the original row.
		c.JSON(http.StatusOK, gin.H{"transaction": tx, "duplicate": true})
		return
	}
	if err != nil {
		respondLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// AdminGetBalance handles GET /v1/admin/ledger/users/:id/balance
func (h *Handler) AdminGetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// ListPendingWithdrawals handles GET /v1/admin/withdrawals
func (h *Handler) ListPendingWithdrawals(c *gin.Context) {
	txs, err := h.ledger.PendingWithdrawals(c.Request.Context(), 100)
	if err != nil {
		respondLedgerErr(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": txs, "count": len(txs)})
}

// ApproveWithdrawal handles POST /v1/admin/withdrawals/:id/approve
func (h *Handler) ApproveWithdrawal(c *gin.Context) {
	if err := h.ledger.ApproveWithdrawal(c.Request.Context(), c.Param("id")); err != nil {
		respondLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

// RejectWithdrawal handles POST /v1/admin/withdrawals/:id/reject
func (h *Handler) RejectWithdrawal(c *gin.Context) {
	if err := h.ledger.RejectWithdrawal(c.Request.Context(), c.Param("id")); err != nil {
		respondLedgerErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func respondLedgerErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Balance is too low for this operation",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal at the currency scale",
		})
	case errors.Is(err, ErrMissingReference):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_reference",
			"message": "A transaction reference is required",
		})
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
	case errors.Is(err, ErrWithdrawalNotPending), errors.Is(err, ErrInvalidStatusChange):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Withdrawal is not pending",
		})
	default:
		logging.L(c.Request.Context()).Error("unhandled ledger error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong, please try again",
		})
	}
}
