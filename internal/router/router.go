package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shield-backend/internal/handlers"
	"shield-backend/internal/middleware"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Setup wires all routes.
func Setup(auth *handlers.AuthHandler, users *handlers.UserHandler, ledger *handlers.LedgerHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/auth/register", auth.Register)
		api.POST("/auth/login", auth.Login)

		authed := api.Group("", middleware.RequireAuth())
		{
			authed.GET("/auth/me", auth.Me)
			authed.POST("/auth/totp/enroll", auth.EnrollTOTP)

			authed.POST("/ledger/shield", ledger.Shield)
			authed.POST("/ledger/transfer", ledger.Transfer)
			authed.POST("/ledger/unshield", ledger.Unshield)

			authed.GET("/users", users.List)
			authed.GET("/user/:walletAddress", users.GetByWallet)

			authed.GET("/balances", ledger.ListBalances)
			authed.GET("/balances/:id", ledger.GetBalance)
			authed.GET("/transactions", ledger.ListTransactions)

			authed.GET("/admin/balances", ledger.ListAllBalances)
			authed.GET("/admin/transactions", ledger.ListAllTransactions)

			authed.GET("/ws", ledger.Subscribe)
		}
	}

	return r
}
