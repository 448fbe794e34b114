package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/partnerhub/messaging-backend/internal/handler"
	"github.com/partnerhub/messaging-backend/internal/middleware"
	"github.com/partnerhub/messaging-backend/pkg/jwt"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Options carries the route level settings
type Options struct {
	RedisClient   *redis.Client
	SendPerMinute int
}

// Setup configures all API routes
func Setup(
	router *gin.Engine,
	messageHandler *handler.MessageHandler,
	wsHandler *handler.WSHandler,
	jwtManager *jwt.Manager,
	opts Options,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "messaging-backend",
			"time":    time.Now().Unix(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Realtime channel; browsers pass the token as a query parameter
	router.GET("/ws", middleware.JWTAuth(jwtManager), wsHandler.Connect)

	messages := router.Group("/api/messages", middleware.JWTAuth(jwtManager))
	{
		messages.POST("/send",
			middleware.RateLimitPerUser(opts.RedisClient, "ratelimit:send", opts.SendPerMinute),
			messageHandler.Send)

		messages.GET("/conversations", messageHandler.ListConversations)
		messages.GET("/conversation/:partnerId", messageHandler.GetConversation)
		messages.PUT("/conversation/:partnerId/read", messageHandler.MarkConversationRead)

		messages.GET("/partnership/:partnershipId", messageHandler.GetPartnershipMessages)
		messages.POST("/partnership/:partnershipId/system",
			middleware.RequireRole(middleware.RolePlatform),
			messageHandler.AppendSystem)

		messages.GET("/unread/count", messageHandler.UnreadCount)
		messages.GET("/presence/:userId", messageHandler.Presence)

		messages.PUT("/:id/read", messageHandler.MarkRead)
	}
}
