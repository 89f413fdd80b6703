package handlers

import (
	"errors"
	"net/http"

	"agent_arena/internal/domain"
	"agent_arena/internal/engine"
	"agent_arena/internal/service"

	"github.com/gin-gonic/gin"
)

type joinRequest struct {
	GameType string `json:"game_type" binding:"required"`
}

// Вход в матчмейкинг. Блокирует запрос до сбора полной комнаты
// либо до потолка ожидания очереди.
func (h *Handler) Join(c *gin.Context) {
	agentID, ok := getAgentID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not found"})
		return
	}

	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "game_type is required"})
		return
	}

	roomID, err := h.Arena.Join(c.Request.Context(), domain.GameType(req.GameType), agentID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"room_id": roomID, "game_type": req.GameType})
	case errors.Is(err, service.ErrUnknownGameType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown game type"})
	case errors.Is(err, service.ErrAlreadyInRoom):
		// идемпотентность: агент получает id своей текущей комнаты
		c.JSON(http.StatusConflict, gin.H{"error": "already in active room", "room_id": roomID})
	case errors.Is(err, service.ErrMatchTimeout):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "match timeout"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join"})
	}
}

// Прямой вход в конкретную ожидающую комнату, минуя очередь
func (h *Handler) JoinRoom(c *gin.Context) {
	agentID, ok := getAgentID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not found"})
		return
	}

	roomID := c.Param("id")
	err := h.Arena.JoinRoom(c.Request.Context(), roomID, agentID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"room_id": roomID})
	case errors.Is(err, engine.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, engine.ErrRoomNotWaiting):
		c.JSON(http.StatusConflict, gin.H{"error": "room is not waiting for participants"})
	case errors.Is(err, engine.ErrRoomFull):
		c.JSON(http.StatusConflict, gin.H{"error": "room is full"})
	case errors.Is(err, engine.ErrAlreadyJoined):
		c.JSON(http.StatusConflict, gin.H{"error": "already joined", "room_id": roomID})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join room"})
	}
}

// Персонализированное состояние комнаты глазами агента
func (h *Handler) RoomState(c *gin.Context) {
	agentID, ok := getAgentID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not found"})
		return
	}

	state, err := h.Arena.GetState(c.Request.Context(), c.Param("id"), agentID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, state)
	case errors.Is(err, engine.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, engine.ErrAgentNotInRoom):
		c.JSON(http.StatusForbidden, gin.H{"error": "agent is not a participant"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get state"})
	}
}

// Подача действия в текущую фазу
func (h *Handler) SubmitAction(c *gin.Context) {
	agentID, ok := getAgentID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not found"})
		return
	}

	var act domain.Action
	if err := c.ShouldBindJSON(&act); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action payload"})
		return
	}

	err := h.Arena.SubmitAction(c.Request.Context(), c.Param("id"), agentID, act)

	var rej *engine.Rejection
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"accepted": true})
	case errors.As(err, &rej):
		// восстановимое отклонение: агент может исправить запрос и повторить
		c.JSON(http.StatusBadRequest, gin.H{"error": rej.Code, "hint": rej.Hint})
	case errors.Is(err, engine.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, engine.ErrRoomNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "game is not running"})
	case errors.Is(err, engine.ErrAgentNotInRoom):
		c.JSON(http.StatusForbidden, gin.H{"error": "agent is not a participant"})
	case errors.Is(err, engine.ErrNotSubmitter):
		c.JSON(http.StatusForbidden, gin.H{"error": "current phase does not expect action from this agent"})
	case errors.Is(err, engine.ErrAlreadyActed):
		c.JSON(http.StatusConflict, gin.H{"error": "action already submitted for this phase"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit action"})
	}
}

// Итог завершенной игры
func (h *Handler) RoomResult(c *gin.Context) {
	agentID, ok := getAgentID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not found"})
		return
	}

	result, err := h.Arena.GetResult(c.Request.Context(), c.Param("id"), agentID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, engine.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, engine.ErrRoomNotFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "game is not finished yet"})
	case errors.Is(err, engine.ErrAgentNotInRoom):
		c.JSON(http.StatusForbidden, gin.H{"error": "agent is not a participant"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get result"})
	}
}

// Суммарные очки агента и последние начисления
func (h *Handler) MyPoints(c *gin.Context) {
	agentID, ok := getAgentID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "agent not found"})
		return
	}

	total, logs, err := h.Arena.Points(c.Request.Context(), agentID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get points"})
		return
	}

	var history []map[string]interface{}
	for _, lg := range logs {
		history = append(history, map[string]interface{}{
			"room_id": lg.RoomID,
			"delta":   lg.Delta,
			"reason":  lg.Reason,
			"date":    lg.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id": agentID,
		"total":    total,
		"history":  history,
	})
}
