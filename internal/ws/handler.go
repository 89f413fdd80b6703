package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agent_arena/internal/engine"
	"agent_arena/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// зрительский канал открытый, Origin не проверяем
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler апгрейдит зрительские подключения к комнатам
type WSHandler struct {
	hub *Hub
	eng *engine.Engine
}

func NewWSHandler(hub *Hub, eng *engine.Engine) *WSHandler {
	return &WSHandler{hub: hub, eng: eng}
}

// HandleWS - GET /ws/rooms/:id. Комната должна существовать, статус любой:
// к завершенной игре тоже можно подключиться (реплей живых событий уже не
// будет, но подписка валидна).
func (h *WSHandler) HandleWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("id")
		if _, err := h.eng.GetRoom(c.Request.Context(), roomID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "комната не найдена"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("не удалось апгрейдить соединение", "room_id", roomID, "error", err)
			return
		}

		client := NewClient(roomID, conn, h.hub)
		go client.Run()
	}
}
