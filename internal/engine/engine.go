package engine

import (
	"context"
	"fmt"
	"time"

	"agent_arena/internal/domain"
	"agent_arena/internal/logger"
	"agent_arena/internal/metrics"
)

// Хранилище комнат. Движок читает свежее состояние под локом комнаты и
// заменяет state-блоб целиком.
type RoomStore interface {
	GetByID(ctx context.Context, id string) (*domain.Room, error)
	UpdateState(ctx context.Context, roomID string, st *domain.State) error
	MarkRunning(ctx context.Context, roomID string, st *domain.State) error
	MarkFinished(ctx context.Context, roomID string, st *domain.State) error
}

type ParticipantStore interface {
	Add(ctx context.Context, roomID, agentID string) error
	ListByRoom(ctx context.Context, roomID string) ([]*domain.Participant, error)
	SetResult(ctx context.Context, roomID, agentID, result string, points int) error
}

type PointStore interface {
	Add(ctx context.Context, log *domain.PointLog) error
}

// Именованный лок, работающий между процессами (таблица room_locks).
type Locker interface {
	Acquire(ctx context.Context, key string, maxWait time.Duration) error
	Release(ctx context.Context, key string)
}

// Канал зрительских событий, fire-and-forget.
type Broadcaster interface {
	Publish(ev domain.Event)
}

// Engine - общий интерпретатор фазовых графов. Один экземпляр обслуживает все
// типы игр; вся сериализация мутаций комнаты - через лок room_<id>.
type Engine struct {
	blueprints map[domain.GameType]*Blueprint
	rooms      RoomStore
	parts      ParticipantStore
	points     PointStore
	locks      Locker
	broadcast  Broadcaster

	phaseTimeout time.Duration // общий дедлайн фазы, если blueprint не задал свой
	lockWait     time.Duration
	now          func() time.Time
}

func New(rooms RoomStore, parts ParticipantStore, points PointStore, locks Locker, broadcast Broadcaster, phaseTimeout time.Duration) *Engine {
	return &Engine{
		blueprints:   Registry(),
		rooms:        rooms,
		parts:        parts,
		points:       points,
		locks:        locks,
		broadcast:    broadcast,
		phaseTimeout: phaseTimeout,
		lockWait:     10 * time.Second,
		now:          time.Now,
	}
}

// SetClock подменяет источник времени (тесты таймаутов)
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Blueprint(t domain.GameType) (*Blueprint, error) {
	bp, ok := e.blueprints[t]
	if !ok {
		return nil, fmt.Errorf("нет blueprint для типа игры %q", t)
	}
	return bp, nil
}

func roomLockKey(roomID string) string { return "room_" + roomID }

// GetRoom возвращает комнату по id, отсутствие - ErrRoomNotFound
func (e *Engine) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := e.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// действующий дедлайн фазы: конфиг комнаты > blueprint > общий
func (e *Engine) phaseDeadline(room *domain.Room, ph *Phase) time.Duration {
	if d, ok := room.PhaseTimeoutOverride(); ok {
		return d
	}
	if ph.Timeout > 0 {
		return ph.Timeout
	}
	return e.phaseTimeout
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// набор требуемых отправителей полностью покрыт pending-действиями
func covered(st *domain.State, required []string) bool {
	for _, id := range required {
		if _, ok := st.Pending[id]; !ok {
			return false
		}
	}
	return true
}

func missing(st *domain.State, required []string) []string {
	var out []string
	for _, id := range required {
		if _, ok := st.Pending[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Join добавляет агента в waiting-комнату и запускает игру при полном составе.
// Вызывающая сторона обязана держать join-лок типа игры.
func (e *Engine) Join(ctx context.Context, room *domain.Room, agentID string) error {
	bp, err := e.Blueprint(room.Type)
	if err != nil {
		return err
	}
	if room.Status != domain.StatusWaiting {
		return ErrRoomNotWaiting
	}

	participants, err := e.parts.ListByRoom(ctx, room.ID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p.AgentID == agentID {
			return ErrAlreadyJoined
		}
	}
	if len(participants) >= bp.RequiredAgents {
		return ErrRoomFull
	}

	if err := e.parts.Add(ctx, room.ID, agentID); err != nil {
		return err
	}
	if len(participants)+1 >= bp.RequiredAgents {
		return e.Start(ctx, room)
	}
	return nil
}

// Start переводит набранную waiting-комнату в running с начальным состоянием.
func (e *Engine) Start(ctx context.Context, room *domain.Room) error {
	bp, err := e.Blueprint(room.Type)
	if err != nil {
		return err
	}
	participants, err := e.parts.ListByRoom(ctx, room.ID)
	if err != nil {
		return err
	}
	agentIDs := make([]string, 0, len(participants))
	for _, p := range participants {
		agentIDs = append(agentIDs, p.AgentID)
	}

	st := bp.Setup(agentIDs, e.now().UTC())
	if err := e.rooms.MarkRunning(ctx, room.ID, st); err != nil {
		return err
	}
	room.Status = domain.StatusRunning
	room.State = st

	logger.Info("игра началась", "room_id", room.ID, "type", room.Type, "agents", len(agentIDs))
	e.broadcast.Publish(domain.Event{
		RoomID:  room.ID,
		Type:    domain.EventStateUpdate,
		Payload: map[string]interface{}{"phase": st.Phase, "status": string(domain.StatusRunning)},
	})
	return nil
}

// SubmitAction подает действие агента в текущей фазе. Если после записи набор
// отправителей покрыт (или дедлайн уже истек и недостающие добиваются
// действиями по умолчанию), фаза разрешается синхронно.
func (e *Engine) SubmitAction(ctx context.Context, roomID, agentID string, act domain.Action) error {
	room, err := e.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return ErrRoomNotFound
	}
	bp, err := e.Blueprint(room.Type)
	if err != nil {
		return err
	}
	if room.Status != domain.StatusRunning {
		return ErrRoomNotRunning
	}

	key := roomLockKey(roomID)
	if err := e.locks.Acquire(ctx, key, e.lockWait); err != nil {
		return err
	}
	defer e.locks.Release(ctx, key)

	// свежее чтение под локом: другой податель мог только что разрешить фазу
	room, err = e.rooms.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return ErrRoomNotFound
	}
	if room.Status != domain.StatusRunning || room.State == nil {
		return ErrRoomNotRunning
	}

	st := room.State.Clone()
	ph := bp.phase(st.Phase)
	if ph == nil || ph.Terminal {
		return ErrRoomNotRunning
	}

	required := ph.Required(st)
	if !contains(required, agentID) {
		if _, ok := st.Agents[agentID]; !ok {
			metrics.ActionsRejected.WithLabelValues(string(room.Type), "not_in_room").Inc()
			return ErrAgentNotInRoom
		}
		metrics.ActionsRejected.WithLabelValues(string(room.Type), "not_submitter").Inc()
		return ErrNotSubmitter
	}
	if _, dup := st.Pending[agentID]; dup {
		metrics.ActionsRejected.WithLabelValues(string(room.Type), "already_acted").Inc()
		return ErrAlreadyActed
	}

	validated, err := ph.Validate(st, agentID, act)
	if err != nil {
		metrics.ActionsRejected.WithLabelValues(string(room.Type), "validation").Inc()
		return err
	}
	st.Pending[agentID] = validated

	done := covered(st, required)
	if !done {
		// сам опоздавший добил набор: дедлайн истек - остальных добиваем
		// действиями по умолчанию и двигаем фазу здесь же
		entered := time.Unix(st.EnteredAt, 0)
		if e.now().Sub(entered) >= e.phaseDeadline(room, ph) {
			lost := missing(st, required)
			for _, id := range lost {
				st.Pending[id] = bp.DefaultAction(st, id)
			}
			logger.Info("таймаут фазы при подаче действия", "room_id", roomID, "phase", st.Phase, "defaulted", lost)
			metrics.TimeoutsForced.WithLabelValues(string(room.Type), "submit").Inc()
			done = true
		}
	}

	if done {
		return e.resolve(ctx, bp, room, st)
	}

	if err := e.rooms.UpdateState(ctx, roomID, st); err != nil {
		return err
	}
	e.broadcast.Publish(domain.Event{
		RoomID: roomID,
		Type:   domain.EventStateUpdate,
		Payload: map[string]interface{}{
			"phase":     st.Phase,
			"submitted": len(st.Pending),
			"required":  len(required),
		},
	})
	return nil
}

// resolve двигает фазу: вызывает переход blueprint-а на склонированном
// состоянии и записывает блоб целиком. При входе в терминальную фазу
// комната финализируется.
func (e *Engine) resolve(ctx context.Context, bp *Blueprint, room *domain.Room, st *domain.State) error {
	ph := bp.phase(st.Phase)
	ended := st.Phase

	next := ph.Resolve(st)
	nextPh := bp.phase(next)
	if nextPh == nil {
		return fmt.Errorf("blueprint %s: переход из %q в неизвестную фазу %q", bp.Type, ended, next)
	}

	st.Phase = next
	st.Pending = map[string]domain.Action{}
	st.EnteredAt = e.now().Unix()
	metrics.PhasesResolved.WithLabelValues(string(bp.Type)).Inc()

	if nextPh.Terminal {
		return e.finalize(ctx, bp, room, st)
	}

	if err := e.rooms.UpdateState(ctx, room.ID, st); err != nil {
		return err
	}
	var lastEntry map[string]interface{}
	if n := len(st.History); n > 0 {
		lastEntry = st.History[n-1]
	}
	e.broadcast.Publish(domain.Event{
		RoomID: room.ID,
		Type:   domain.EventRoundEnd,
		Payload: map[string]interface{}{
			"ended_phase": ended,
			"phase":       st.Phase,
			"round":       st.Round,
			"log":         lastEntry,
		},
	})
	return nil
}

// finalize пишет итоги участников и поинт-логи, помечает комнату finished и
// шлет терминальное событие. После этого никакой submit не проходит.
func (e *Engine) finalize(ctx context.Context, bp *Blueprint, room *domain.Room, st *domain.State) error {
	results := bp.Results(st)

	if err := e.rooms.MarkFinished(ctx, room.ID, st); err != nil {
		return err
	}

	for _, res := range results {
		tag := domain.ResultLose
		if res.Rank == 1 {
			tag = domain.ResultWin
		}
		if err := e.parts.SetResult(ctx, room.ID, res.AgentID, tag, res.Points); err != nil {
			logger.Error("не удалось записать итог участника", "room_id", room.ID, "agent_id", res.AgentID, "error", err)
		}
		if res.Points > 0 {
			err := e.points.Add(ctx, &domain.PointLog{
				AgentID: res.AgentID,
				RoomID:  room.ID,
				Delta:   res.Points,
				Reason:  fmt.Sprintf("%s_rank_%d", room.Type, res.Rank),
			})
			if err != nil {
				logger.Error("не удалось записать поинт-лог", "room_id", room.ID, "agent_id", res.AgentID, "error", err)
			}
		}
		// battle/ox: маркер первого места с delta=0 (выборки агентов, очки не дублируются)
		if res.Rank == 1 && (room.Type == domain.TypeBattle || room.Type == domain.TypeOX) {
			_ = e.points.Add(ctx, &domain.PointLog{
				AgentID: res.AgentID,
				RoomID:  room.ID,
				Delta:   0,
				Reason:  fmt.Sprintf("%s_first_place", room.Type),
			})
		}
	}

	var winnerID string
	if len(results) > 0 {
		winnerID = results[0].AgentID
	}
	logger.Info("игра завершена", "room_id", room.ID, "type", room.Type, "winner", winnerID)
	e.broadcast.Publish(domain.Event{
		RoomID: room.ID,
		Type:   domain.EventGameEnd,
		Payload: map[string]interface{}{
			"winner_id": winnerID,
			"results":   results,
		},
	})
	return nil
}

// ApplyPhaseTimeout принудительно двигает просроченную фазу, подставляя
// недостающим отправителям действия по умолчанию. Безопасно вызывается из
// трех мест (обход супервизора, getState, submitAction): все берут один лок
// комнаты, продвижение выполнит ровно один, остальные увидят уже новую фазу
// и выйдут по no-op. Возвращает true, если что-то продвинул.
func (e *Engine) ApplyPhaseTimeout(ctx context.Context, roomID, trigger string) (bool, error) {
	room, err := e.rooms.GetByID(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room == nil || room.Status != domain.StatusRunning || room.State == nil {
		return false, nil
	}
	bp, err := e.Blueprint(room.Type)
	if err != nil {
		return false, err
	}

	// дешевая проверка до лока; решение все равно перепроверяется под локом
	if !e.phaseExpired(room, bp) {
		return false, nil
	}

	key := roomLockKey(roomID)
	if err := e.locks.Acquire(ctx, key, e.lockWait); err != nil {
		return false, err
	}
	defer e.locks.Release(ctx, key)

	room, err = e.rooms.GetByID(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room == nil || room.Status != domain.StatusRunning || room.State == nil {
		return false, nil
	}
	if !e.phaseExpired(room, bp) {
		return false, nil
	}

	st := room.State.Clone()
	ph := bp.phase(st.Phase)
	required := ph.Required(st)
	lost := missing(st, required)
	for _, id := range lost {
		st.Pending[id] = bp.DefaultAction(st, id)
	}

	logger.Info("принудительное продвижение фазы", "room_id", roomID, "phase", st.Phase, "trigger", trigger, "defaulted", lost)
	metrics.TimeoutsForced.WithLabelValues(string(room.Type), trigger).Inc()

	if err := e.resolve(ctx, bp, room, st); err != nil {
		return false, err
	}
	return true, nil
}

// фаза просрочена и набор отправителей не покрыт
func (e *Engine) phaseExpired(room *domain.Room, bp *Blueprint) bool {
	st := room.State
	ph := bp.phase(st.Phase)
	if ph == nil || ph.Terminal {
		return false
	}
	required := ph.Required(st)
	if covered(st, required) {
		return false
	}
	entered := time.Unix(st.EnteredAt, 0)
	return e.now().Sub(entered) >= e.phaseDeadline(room, ph)
}

// GetState возвращает проекцию состояния с точки зрения агента.
//
// ВНИМАНИЕ: чтение с побочной записью. Если дедлайн фазы истек, а набор
// отправителей не покрыт, вызов сперва выполняет тот же таймаут-догон, что и
// супервизор, и только потом строит проекцию. Полящийся бот не даст комнате
// зависнуть, даже если супервизор выключен.
func (e *Engine) GetState(ctx context.Context, roomID, agentID string) (map[string]interface{}, error) {
	room, err := e.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	bp, err := e.Blueprint(room.Type)
	if err != nil {
		return nil, err
	}

	participants, err := e.parts.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	isMember := false
	names := make([]string, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.AgentID)
		if p.AgentID == agentID {
			isMember = true
		}
	}
	if !isMember {
		return nil, ErrAgentNotInRoom
	}

	// ленивый старт: полный состав набрался, а старт потерялся (слияние
	// комнат, упавший процесс) - запускаем под локом комнаты
	if room.Status == domain.StatusWaiting && len(participants) >= bp.RequiredAgents {
		key := roomLockKey(roomID)
		if err := e.locks.Acquire(ctx, key, e.lockWait); err != nil {
			return nil, err
		}
		room, err = e.rooms.GetByID(ctx, roomID)
		if err == nil && room != nil && room.Status == domain.StatusWaiting {
			err = e.Start(ctx, room)
		}
		e.locks.Release(ctx, key)
		if err != nil {
			return nil, err
		}
		room, err = e.rooms.GetByID(ctx, roomID)
		if err != nil {
			return nil, err
		}
	}

	if room.Status == domain.StatusRunning && room.State != nil && e.phaseExpired(room, bp) {
		if _, err := e.ApplyPhaseTimeout(ctx, roomID, "get_state"); err != nil {
			return nil, err
		}
		room, err = e.rooms.GetByID(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if room == nil {
			return nil, ErrRoomNotFound
		}
	}

	st := room.State
	if st == nil {
		st = domain.NewState("waiting", e.now().Unix())
	}
	return bp.Project(room, st, agentID, names), nil
}

// GetResult - проекция завершенной игры; до finished - ошибка.
func (e *Engine) GetResult(ctx context.Context, roomID, agentID string) (map[string]interface{}, error) {
	room, err := e.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	if room.Status != domain.StatusFinished {
		return nil, ErrRoomNotFinished
	}
	return e.GetState(ctx, roomID, agentID)
}
