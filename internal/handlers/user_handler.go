package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"shield-backend/internal/repository"
	"shield-backend/internal/utils"
)

// UserHandler serves the account directory reads: the user listing used to
// pick transfer recipients, and wallet-address lookup. Secrets never appear
// here; the model's serialization rules strip them.
type UserHandler struct {
	users repository.UserRepository
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users repository.UserRepository) *UserHandler {
	return &UserHandler{users: users}
}

// List returns all registered users.
func (h *UserHandler) List(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": users})
}

// GetByWallet resolves a user by wallet address.
func (h *UserHandler) GetByWallet(c *gin.Context) {
	wallet := c.Param("walletAddress")
	if !utils.IsEvmAddress(wallet) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "not a valid EVM address"})
		return
	}

	user, err := h.users.GetByWalletAddress(c.Request.Context(), wallet)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": user})
}
