package service

import (
	"context"
	"sync"
	"time"

	"agent_arena/internal/engine"
	"agent_arena/internal/logger"
	"agent_arena/internal/repository"
)

// TimeoutWatcher - страховочный обходчик running-комнат. Основной догон
// таймаутов делают сами запросы getState/submitAction; обходчик добивает
// комнаты, которые никто не поллит, чтобы партия не зависла навсегда.
type TimeoutWatcher struct {
	rooms    *repository.RoomRepository
	eng      *engine.Engine
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	running bool
}

func NewTimeoutWatcher(rooms *repository.RoomRepository, eng *engine.Engine, interval time.Duration) *TimeoutWatcher {
	return &TimeoutWatcher{
		rooms:    rooms,
		eng:      eng,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start запускает обходчик. Блокируется, вызывать в отдельной горутине.
func (w *TimeoutWatcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	log := logger.Get()
	log.Info("запуск timeout watcher", "interval", w.interval)

	// первый обход сразу: после рестарта могли накопиться просроченные фазы
	w.sweep()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			log.Info("остановка timeout watcher")
			return
		}
	}
}

// Stop останавливает обходчик
func (w *TimeoutWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stop)
		w.running = false
	}
}

// один проход по всем running-комнатам
func (w *TimeoutWatcher) sweep() {
	log := logger.Get()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rooms, err := w.rooms.ListRunning(ctx)
	if err != nil {
		log.Error("timeout watcher: не удалось получить running-комнаты", "error", err)
		return
	}

	for _, room := range rooms {
		moved, err := w.eng.ApplyPhaseTimeout(ctx, room.ID, "sweep")
		if err != nil {
			log.Error("timeout watcher: ошибка продвижения фазы",
				"room_id", room.ID, "type", room.Type, "error", err)
			continue
		}
		if moved {
			log.Info("timeout watcher: фаза продвинута по таймауту", "room_id", room.ID, "type", room.Type)
		}
	}
}
