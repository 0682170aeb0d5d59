package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"shield-backend/internal/middleware"
	"shield-backend/internal/models"
	"shield-backend/internal/repository"
	"shield-backend/internal/types"
	"shield-backend/internal/utils"
)

// AuthHandler serves registration, login and 2FA enrollment.
type AuthHandler struct {
	users repository.UserRepository
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(users repository.UserRepository) *AuthHandler {
	return &AuthHandler{users: users}
}

type registerRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Password      string `json:"password" binding:"required,min=8"`
}

// Register creates an account. The shielded private address is drawn server
// side and never leaves the database unencrypted contexts.
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if !utils.IsEvmAddress(req.WalletAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "wallet_address is not a valid EVM address"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to hash password"})
		return
	}

	privateAddress, err := utils.NewPrivateAddress()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to derive private address"})
		return
	}

	user := &models.User{
		ID:             uuid.NewString(),
		WalletAddress:  req.WalletAddress,
		PrivateAddress: privateAddress,
		PasswordHash:   string(hash),
		IsActive:       true,
	}
	if err := h.users.Create(c.Request.Context(), user); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrInvalidInput) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	logrus.WithFields(logrus.Fields{
		"user_id": user.ID,
		"wallet":  user.WalletAddress,
	}).Info("user registered")

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": user})
}

type loginRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Password      string `json:"password" binding:"required"`
	TOTPCode      string `json:"totp_code"`
}

// Login verifies credentials (and TOTP when enrolled) and issues a JWT.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	user, err := h.users.GetByWalletAddress(c.Request.Context(), req.WalletAddress)
	if err != nil || !user.IsActive {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid credentials"})
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid credentials"})
		return
	}
	if user.TOTPSecret != "" && !totp.Validate(req.TOTPCode, user.TOTPSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid two-factor code"})
		return
	}

	token, err := middleware.IssueToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"token": token, "user": user}})
}

// EnrollTOTP generates a TOTP secret for the authenticated user. The secret
// takes effect immediately; the client confirms by logging in with a code.
func (h *AuthHandler) EnrollTOTP(c *gin.Context) {
	user, err := h.users.GetByID(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "shield-backend",
		AccountName: user.WalletAddress,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to generate TOTP secret"})
		return
	}

	user.TOTPSecret = key.Secret()
	if err := h.users.Update(c.Request.Context(), user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"otpauth_url": key.URL()}})
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.users.GetByID(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": user})
}
