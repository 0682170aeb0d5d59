package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"shield-backend/internal/config"
)

// ContextUserID is the gin context key the auth middleware stores the
// authenticated user's ID under.
const ContextUserID = "userID"

// Claims is the JWT payload issued at login.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// IssueToken signs a JWT for the user.
func IssueToken(userID string) (string, error) {
	expiry := time.Duration(config.AppConfig.Auth.TokenExpiry) * time.Hour
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "shield-backend",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.Auth.JWTSecret))
}

// RequireAuth validates the Bearer token and stores the user ID in the
// request context.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Authentication required",
				"message": "Provide a token as: Authorization: Bearer <token>",
			})
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(config.AppConfig.Auth.JWTSecret), nil
		})
		if err != nil || !token.Valid || claims.UserID == "" {
			logrus.WithError(err).WithField("path", c.Request.URL.Path).Warn("rejected invalid JWT")
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Next()
	}
}

// UserID reads the authenticated user ID set by RequireAuth.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
