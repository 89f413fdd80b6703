package ws

import (
	"encoding/json"
	"sync"

	"agent_arena/internal/domain"
	"agent_arena/internal/logger"
)

// Hub раздает события комнат зрителям. Подписка на комнату - по ее id;
// игровой ход через ws не идет, агенты ходят по HTTP. Hub реализует
// engine.Broadcaster и потому не может блокироваться: медленный зритель
// просто теряет сообщения.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]bool)}
}

// Subscribe добавляет зрителя к комнате
func (h *Hub) Subscribe(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][c] = true
	logger.Debug("зритель подключился", "room_id", roomID, "viewers", len(h.rooms[roomID]))
}

// Unsubscribe убирает зрителя; пустая комната удаляется из карты
func (h *Hub) Unsubscribe(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.rooms[roomID]
	if clients == nil {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.rooms, roomID)
	}
}

// Viewers - количество зрителей комнаты (для диагностики)
func (h *Hub) Viewers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Publish шлет событие всем зрителям комнаты. Неблокирующая отправка:
// переполненный канал зрителя означает потерю события, движок ждать не будет.
func (h *Hub) Publish(ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("не удалось сериализовать событие", "room_id", ev.RoomID, "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[ev.RoomID] {
		select {
		case c.send <- payload:
		default:
			logger.Warn("канал зрителя переполнен, событие потеряно", "room_id", ev.RoomID, "type", ev.Type)
		}
	}
}
