package engine

import (
	"errors"
	"fmt"
	"time"

	"agent_arena/internal/domain"
)

// Ошибки состояния, возвращаемые движком вызывающей стороне.
// Гонки создания и инфраструктурные повторы наружу не выходят.
var (
	ErrRoomNotFound    = errors.New("комната не найдена")
	ErrRoomNotRunning  = errors.New("игра не идет")
	ErrRoomNotWaiting  = errors.New("комната не ждет участников")
	ErrRoomNotFinished = errors.New("игра еще не закончена")
	ErrRoomFull        = errors.New("комната уже заполнена")
	ErrAlreadyJoined   = errors.New("агент уже участвует в игре")
	ErrAgentNotInRoom  = errors.New("агент не участвует в этой игре")
	ErrNotSubmitter    = errors.New("текущая фаза не требует действия от этого агента")
	ErrAlreadyActed    = errors.New("действие в этой фазе уже подано")
)

// Rejection - отклонение действия валидатором фазы. Восстановимо: агент может
// исправить запрос и повторить, фаза при этом не двигается.
type Rejection struct {
	Code string
	Hint string
}

func (r *Rejection) Error() string {
	if r.Hint != "" {
		return fmt.Sprintf("%s: %s", r.Code, r.Hint)
	}
	return r.Code
}

func reject(code, hint string) error {
	return &Rejection{Code: code, Hint: hint}
}

// Phase - узел фазового графа. Фаза разрешается, когда множество требуемых
// отправителей полностью покрыто pending-действиями (или по таймауту с
// подстановкой действий по умолчанию).
type Phase struct {
	// дедлайн фазы; 0 - берется общий таймаут движка.
	// Конфиг комнаты phase_timeout_seconds перекрывает и то и другое.
	Timeout time.Duration
	// терминальная фаза завершает комнату; Required/Resolve у нее нет
	Terminal bool
	// подмножество участников, чьи действия нужны фазе.
	// Инвариант: ключи pending всегда подмножество этого набора.
	Required func(st *domain.State) []string
	// проверяет и нормализует сырое действие; ошибка *Rejection возвращается
	// агенту без побочных эффектов
	Validate func(st *domain.State, agentID string, act domain.Action) (domain.Action, error)
	// чистый переход: мутирует склонированное состояние (включая History)
	// по собранным st.Pending и возвращает имя следующей фазы
	Resolve func(st *domain.State) string
}

// Blueprint - декларативное описание одной игры. Вся конкурентная механика и
// таймауты живут в общем движке, игра поставляет только функции узлов.
type Blueprint struct {
	Type           domain.GameType
	RequiredAgents int
	Initial        string
	Phases         map[string]*Phase

	// начальное состояние партии для набранного состава
	Setup func(agentIDs []string, now time.Time) *domain.State
	// действие, подставляемое за несдавшего агента при таймауте фазы;
	// по построению всегда проходит Validate
	DefaultAction func(st *domain.State, agentID string) domain.Action
	// проекция состояния с точки зрения агента (свою роль видно, чужие - нет)
	Project func(room *domain.Room, st *domain.State, agentID string, names []string) map[string]interface{}
	// итоговые места и очки; вызывается один раз в терминальной фазе
	Results func(st *domain.State) []domain.GameResult
}

func (b *Blueprint) phase(name string) *Phase {
	return b.Phases[name]
}

// Registry собирает blueprint-ы всех игр.
func Registry() map[domain.GameType]*Blueprint {
	return map[domain.GameType]*Blueprint{
		domain.TypeBattle: BattleBlueprint(),
		domain.TypeOX:     OXBlueprint(),
		domain.TypeMafia:  MafiaBlueprint(),
		domain.TypeTrial:  TrialBlueprint(),
	}
}
