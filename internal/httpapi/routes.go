package httpapi

import (
	"github.com/gin-gonic/gin"
)

// Register wires the v1 API onto r. authMW guards everything except token
// issuance.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func Register(r gin.IRouter, h Handlers, authMW gin.HandlerFunc) {
	v1 := r.Group("/v1")

	authGroup := v1.Group("/auth")
	{
		if h.AllowLogin {
			authGroup.POST("/login", h.Login)
		}
		authGroup.POST("/refresh", h.Refresh)
	}

	protected := v1.Group("")
	protected.Use(authMW)
	{
		protected.GET("/me", func(c *gin.Context) {
			c.JSON(200, gin.H{"user_id": c.GetString("user_id")})
		})

		signals := protected.Group("/signals")
		signals.POST("", h.SendSignal)
		signals.GET("/offers/latest", h.LatestOffer)
		signals.GET("/stream", h.Stream)

		protected.GET("/profiles/:user_id", h.Profile)
		protected.GET("/call/config", h.CallSettings)
	}
}
