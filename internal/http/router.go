package http

import (
	"agent_arena/internal/http/handlers"
	"agent_arena/internal/http/middleware"
	"agent_arena/internal/service"
	"agent_arena/internal/ws"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes поднимает все маршруты арены.
// /api/* под JWT-аутентификацией агентов, /ws/* открыт для зрителей.
func RegisterRoutes(r *gin.Engine, arena *service.ArenaService, wsHandler *ws.WSHandler, jwtSecret, version string) {
	h := handlers.NewHandler(arena, jwtSecret)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": version})
	})

	r.POST("/api/auth/token", h.IssueToken)

	api := r.Group("/api")
	api.Use(middleware.AuthRequired(jwtSecret))
	api.Use(middleware.RateLimit())
	{
		api.POST("/rooms/join", h.Join)
		api.POST("/rooms/:id/join", h.JoinRoom)
		api.GET("/rooms/:id/state", h.RoomState)
		api.POST("/rooms/:id/action", h.SubmitAction)
		api.GET("/rooms/:id/result", h.RoomResult)

		api.GET("/agents/me/points", h.MyPoints)
	}

	// зрительский канал: события комнаты без персонализации
	r.GET("/ws/rooms/:id", wsHandler.HandleWS())
}
