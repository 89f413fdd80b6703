package handlers

import (
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// допустимый идентификатор агента: без пробелов и спецсимволов,
// чтобы он безопасно жил в ключах локов и логах
var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,64}$`)

type tokenRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Name    string `json:"name"`
}

// Выдача bearer-токена агенту. Аутентификация по секрету платформы
// остается за периметром (reverse proxy / API gateway), здесь только
// выпуск сессии на сутки.
func (h *Handler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
		return
	}
	if !agentIDPattern.MatchString(req.AgentID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent_id"})
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"agent_id": req.AgentID,
		"iat":      now.Unix(),
		"exp":      now.Add(24 * time.Hour).Unix(),
	}
	if req.Name != "" {
		claims["name"] = req.Name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(h.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"agent_id":   req.AgentID,
		"expires_at": now.Add(24 * time.Hour).Unix(),
	})
}
