package service

import (
	"context"
	"errors"
	"time"

	"agent_arena/internal/domain"
	"agent_arena/internal/engine"
	"agent_arena/internal/logger"
	"agent_arena/internal/matchmaking"
	"agent_arena/internal/repository"
)

var (
	ErrUnknownGameType = errors.New("неизвестный тип игры")
	// агент уже состоит в активной комнате; ее id возвращается вместе с ошибкой
	ErrAlreadyInRoom = errors.New("агент уже в активной комнате")
	// матч не собрался за отведенное время ожидания
	ErrMatchTimeout = errors.New("не удалось собрать матч за отведенное время")
)

// ArenaService - вход в матчмейкинг и фасад над движком для HTTP-слоя.
type ArenaService struct {
	queue   *matchmaking.Queue
	parts   *repository.ParticipantRepository
	points  *repository.PointLogRepository
	factory *RoomFactory
	eng     *engine.Engine
	locks   engine.Locker

	waitTimeout time.Duration
}

func NewArenaService(
	queue *matchmaking.Queue,
	parts *repository.ParticipantRepository,
	points *repository.PointLogRepository,
	factory *RoomFactory,
	eng *engine.Engine,
	locks engine.Locker,
	waitTimeout time.Duration,
) *ArenaService {
	return &ArenaService{
		queue:       queue,
		parts:       parts,
		points:      points,
		factory:     factory,
		eng:         eng,
		locks:       locks,
		waitTimeout: waitTimeout,
	}
}

// Join ставит агента в очередь типа и блокируется, пока не соберется полный
// батч либо не истечет таймаут ожидания. Батч закрывает тот, чей join довел
// очередь до требуемого размера: он же создает комнату и будит остальных.
func (s *ArenaService) Join(ctx context.Context, gameType domain.GameType, agentID string) (string, error) {
	if !gameType.Valid() {
		return "", ErrUnknownGameType
	}

	// агент с незавершенной игрой в очередь не встает
	if roomID, err := s.parts.ActiveRoomID(ctx, agentID); err != nil {
		return "", err
	} else if roomID != "" {
		return roomID, ErrAlreadyInRoom
	}

	required := matchmaking.RequiredCount(gameType)
	entry, size := s.queue.Enqueue(gameType, agentID)
	logger.Debug("агент в очереди", "type", gameType, "agent_id", agentID, "depth", size)

	if size >= required {
		s.tryBatch(ctx, gameType, required)
	}

	timer := time.NewTimer(s.waitTimeout)
	defer timer.Stop()

	select {
	case <-entry.Wake:
		return entry.Slot.RoomID, nil
	case <-ctx.Done():
		s.queue.RemoveSelf(gameType, entry.Slot)
		// Deliver мог успеть раньше RemoveSelf - тогда комната уже есть
		select {
		case <-entry.Wake:
			return entry.Slot.RoomID, nil
		default:
		}
		return "", ctx.Err()
	case <-timer.C:
		s.queue.RemoveSelf(gameType, entry.Slot)
		select {
		case <-entry.Wake:
			return entry.Slot.RoomID, nil
		default:
		}
		logger.Info("таймаут ожидания матча", "type", gameType, "agent_id", agentID)
		return "", ErrMatchTimeout
	}
}

// пытается забрать полный батч и создать по нему комнату
func (s *ArenaService) tryBatch(ctx context.Context, gameType domain.GameType, required int) {
	batch := s.queue.PopN(gameType, required)
	if batch == nil {
		return
	}

	agentIDs := make([]string, 0, len(batch))
	seen := map[string]bool{}
	for _, e := range batch {
		if seen[e.AgentID] {
			// дубликат в батче: уникализируем и ждем следующего агента
			logger.Warn("дубликат агента в батче", "type", gameType, "agent_id", e.AgentID)
			s.queue.PutBackUnique(gameType, batch)
			return
		}
		seen[e.AgentID] = true
		agentIDs = append(agentIDs, e.AgentID)
	}

	room, err := s.factory.CreateForBatch(ctx, gameType, agentIDs)
	if err != nil {
		logger.Error("не удалось создать комнату для батча", "type", gameType, "error", err)
		s.queue.PutBack(gameType, batch)
		return
	}
	matchmaking.Deliver(batch, room.ID)
}

// JoinRoom - прямое вступление в конкретную waiting-комнату в обход очереди.
// Join-лок типа сериализует конкурентные вступления: комната не может
// переполниться, а игру запускает ровно один из вступивших.
func (s *ArenaService) JoinRoom(ctx context.Context, roomID, agentID string) error {
	room, err := s.eng.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	key := "join_" + string(room.Type)
	if err := s.locks.Acquire(ctx, key, 10*time.Second); err != nil {
		return err
	}
	defer s.locks.Release(ctx, key)

	// свежее чтение под локом
	room, err = s.eng.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	return s.eng.Join(ctx, room, agentID)
}

// JoinWaiting находит или создает waiting-комнату типа и вступает в нее.
// Синхронной альтернативы ожиданию матча у этого пути нет: агент получает
// room_id сразу и дальше поллит getState.
func (s *ArenaService) JoinWaiting(ctx context.Context, gameType domain.GameType, agentID string) (string, error) {
	if !gameType.Valid() {
		return "", ErrUnknownGameType
	}
	if roomID, err := s.parts.ActiveRoomID(ctx, agentID); err != nil {
		return "", err
	} else if roomID != "" {
		return roomID, ErrAlreadyInRoom
	}

	key := "join_" + string(gameType)
	if err := s.locks.Acquire(ctx, key, 10*time.Second); err != nil {
		return "", err
	}
	defer s.locks.Release(ctx, key)

	room, err := s.factory.EnsureWaitingRoom(ctx, gameType, map[string]interface{}{})
	if err != nil {
		return "", err
	}
	if err := s.eng.Join(ctx, room, agentID); err != nil {
		return "", err
	}
	return room.ID, nil
}

// GetState - состояние комнаты глазами агента
func (s *ArenaService) GetState(ctx context.Context, roomID, agentID string) (map[string]interface{}, error) {
	return s.eng.GetState(ctx, roomID, agentID)
}

// SubmitAction - действие агента в текущей фазе
func (s *ArenaService) SubmitAction(ctx context.Context, roomID, agentID string, act domain.Action) error {
	return s.eng.SubmitAction(ctx, roomID, agentID, act)
}

// GetResult - итог завершенной игры глазами агента
func (s *ArenaService) GetResult(ctx context.Context, roomID, agentID string) (map[string]interface{}, error) {
	return s.eng.GetResult(ctx, roomID, agentID)
}

// Points - сумма очков агента и последние начисления
func (s *ArenaService) Points(ctx context.Context, agentID string, limit int) (int, []*domain.PointLog, error) {
	total, err := s.points.TotalPoints(ctx, agentID)
	if err != nil {
		return 0, nil, err
	}
	logs, err := s.points.ListByAgent(ctx, agentID, limit)
	if err != nil {
		return 0, nil, err
	}
	return total, logs, nil
}
