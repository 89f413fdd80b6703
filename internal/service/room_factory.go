package service

import (
	"context"
	"errors"
	"time"

	"agent_arena/internal/domain"
	"agent_arena/internal/engine"
	"agent_arena/internal/logger"
	"agent_arena/internal/metrics"
	"agent_arena/internal/repository"
)

// ensureRetries - сколько раз перечитать waiting-комнату после проигранной
// гонки создания (23505 на частичном уникальном индексе)
const ensureRetries = 3

// RoomFactory создает комнаты. Уникальность "одна waiting-комната на тип"
// держит частичный индекс в БД, сериализацию создания - распределенный лок.
type RoomFactory struct {
	rooms *repository.RoomRepository
	eng   *engine.Engine
	locks engine.Locker
}

func NewRoomFactory(rooms *repository.RoomRepository, eng *engine.Engine, locks engine.Locker) *RoomFactory {
	return &RoomFactory{rooms: rooms, eng: eng, locks: locks}
}

// EnsureWaitingRoom возвращает waiting-комнату типа, создавая ее при
// отсутствии. Проигравший гонку создания просто перечитывает комнату
// победителя. Вызывающая сторона обязана держать join-лок типа.
func (f *RoomFactory) EnsureWaitingRoom(ctx context.Context, gameType domain.GameType, cfg map[string]interface{}) (*domain.Room, error) {
	room, err := f.rooms.GetWaitingByType(ctx, gameType)
	if err != nil {
		return nil, err
	}
	if room != nil {
		return room, nil
	}

	for attempt := 0; attempt < ensureRetries; attempt++ {
		room, err = f.rooms.CreateWaiting(ctx, gameType, cfg)
		if err == nil {
			logger.Info("создана waiting-комната", "room_id", room.ID, "type", gameType)
			metrics.RoomsCreated.WithLabelValues(string(gameType), "direct").Inc()
			return room, nil
		}
		if !errors.Is(err, repository.ErrWaitingRoomExists) {
			return nil, err
		}
		// гонку выиграл другой процесс - берем его комнату
		room, err = f.rooms.GetWaitingByType(ctx, gameType)
		if err != nil {
			return nil, err
		}
		if room != nil {
			return room, nil
		}
		// комнату победителя успели заполнить и запустить, пробуем создать снова
	}
	return nil, errors.New("не удалось получить waiting-комнату после нескольких попыток")
}

// CreateForBatch создает running-комнату сразу для полного батча из очереди:
// комната, участники и начальное состояние пишутся одной транзакцией,
// промежуточного waiting-состояния снаружи не видно.
func (f *RoomFactory) CreateForBatch(ctx context.Context, gameType domain.GameType, agentIDs []string) (*domain.Room, error) {
	bp, err := f.eng.Blueprint(gameType)
	if err != nil {
		return nil, err
	}

	key := "create_" + string(gameType)
	if err := f.locks.Acquire(ctx, key, 10*time.Second); err != nil {
		return nil, err
	}
	defer f.locks.Release(ctx, key)

	st := bp.Setup(agentIDs, time.Now().UTC())
	room, err := f.rooms.CreateRunningBatch(ctx, gameType, agentIDs, st, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	logger.Info("создана комната из батча очереди", "room_id", room.ID, "type", gameType, "agents", len(agentIDs))
	metrics.RoomsCreated.WithLabelValues(string(gameType), "queue").Inc()
	return room, nil
}
