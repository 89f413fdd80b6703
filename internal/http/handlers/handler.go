package handlers

import (
	"agent_arena/internal/service"

	"github.com/gin-gonic/gin"
)

// Handler - корень HTTP-слоя. Вся игровая логика за фасадом ArenaService,
// хендлеры только парсят запрос и маппят ошибки на статусы.
type Handler struct {
	Arena     *service.ArenaService
	JWTSecret string
}

func NewHandler(arena *service.ArenaService, jwtSecret string) *Handler {
	return &Handler{Arena: arena, JWTSecret: jwtSecret}
}

// agent_id кладет auth-мидлварь после проверки токена
func getAgentID(c *gin.Context) (string, bool) {
	v, ok := c.Get("agent_id")
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
