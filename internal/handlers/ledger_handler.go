package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"shield-backend/internal/middleware"
	"shield-backend/internal/repository"
	"shield-backend/internal/services"
	"shield-backend/internal/types"
)

// LedgerHandler serves the shielded-balance operations: shield, transfer,
// unshield, plus balance and audit reads.
type LedgerHandler struct {
	orchestrator *services.TransferOrchestrator
	balances     repository.BalanceRepository
	transactions repository.TransactionRepository
	hub          *services.WebSocketHub
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(
	orchestrator *services.TransferOrchestrator,
	balances repository.BalanceRepository,
	transactions repository.TransactionRepository,
	hub *services.WebSocketHub,
) *LedgerHandler {
	return &LedgerHandler{
		orchestrator: orchestrator,
		balances:     balances,
		transactions: transactions,
		hub:          hub,
	}
}

// statusFor maps the error taxonomy onto HTTP statuses. Conflict tells the
// client to re-read and retry; gateway errors mark upstream (prover/chain)
// failures the client cannot fix by changing the request.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidInput),
		errors.Is(err, types.ErrMalformedAddress),
		errors.Is(err, types.ErrFieldOverflow):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, types.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrProvingService),
		errors.Is(err, types.ErrChainSubmission):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"success": false, "error": err.Error()})
}

type shieldRequest struct {
	TokenAddress string `json:"token_address" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
}

// Shield deposits a public amount into the shielded pool.
func (h *LedgerHandler) Shield(c *gin.Context) {
	var req shieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	balance, err := h.orchestrator.Shield(c.Request.Context(), middleware.UserID(c), req.TokenAddress, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": balance})
}

type transferRequest struct {
	BalanceID       string `json:"balance_id" binding:"required"`
	RecipientUserID string `json:"recipient_user_id" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
}

// Transfer spends a balance towards another user.
func (h *LedgerHandler) Transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	recipientBalance, err := h.orchestrator.Transfer(
		c.Request.Context(), req.BalanceID, middleware.UserID(c), req.RecipientUserID, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}

	// The recipient's record is theirs; the sender only learns the amount
	// went through.
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"recipient_balance_id": recipientBalance.ID,
		"amount":               recipientBalance.Amount,
	}})
}

type unshieldRequest struct {
	BalanceID        string `json:"balance_id" binding:"required"`
	RecipientAddress string `json:"recipient_address" binding:"required"`
}

// Unshield withdraws a balance's full remaining amount to a public address.
func (h *LedgerHandler) Unshield(c *gin.Context) {
	var req unshieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	balance, err := h.orchestrator.Unshield(
		c.Request.Context(), req.BalanceID, middleware.UserID(c), req.RecipientAddress)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": balance})
}

// ListBalances returns the authenticated user's balances. Blindings and
// proof internals are stripped by the model's serialization rules.
func (h *LedgerHandler) ListBalances(c *gin.Context) {
	balances, err := h.balances.FindByUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": balances})
}

// GetBalance returns one balance, owner only.
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	balance, err := h.balances.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if balance.UserID != middleware.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "balance not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": balance})
}

// ListAllBalances returns every balance record, for operator audit.
func (h *LedgerHandler) ListAllBalances(c *gin.Context) {
	balances, err := h.balances.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": balances})
}

// ListAllTransactions returns the full audit log, for operator audit.
func (h *LedgerHandler) ListAllTransactions(c *gin.Context) {
	rows, err := h.transactions.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rows})
}

// ListTransactions returns the user's audit rows.
func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	rows, err := h.transactions.FindByUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rows})
}

// Subscribe upgrades to a websocket session receiving balance-changed
// pushes.
func (h *LedgerHandler) Subscribe(c *gin.Context) {
	userID := middleware.UserID(c)
	logrus.WithField("user_id", userID).Debug("websocket subscribe")
	h.hub.HandleConnection(c.Writer, c.Request, userID)
}
