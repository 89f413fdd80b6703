package domain

import "time"

// Тип игры. Для каждого типа есть свой blueprint в internal/engine.
type GameType string

const (
	TypeBattle GameType = "battle"
	TypeOX     GameType = "ox"
	TypeMafia  GameType = "mafia"
	TypeTrial  GameType = "trial"
)

// проверяет, что тип игры известен
func (t GameType) Valid() bool {
	switch t {
	case TypeBattle, TypeOX, TypeMafia, TypeTrial:
		return true
	}
	return false
}

type RoomStatus string

const (
	StatusWaiting  RoomStatus = "waiting"  // набор участников
	StatusRunning  RoomStatus = "running"  // игра идет
	StatusFinished RoomStatus = "finished" // терминальная фаза достигнута
)

// Room - одна партия. State принадлежит исключительно движку этого типа игры,
// хранилище видит его как непрозрачный jsonb-блоб.
// Инвариант: на тип игры не более одной комнаты в статусе waiting
// (частичный уникальный индекс в БД).
type Room struct {
	ID         string                 `db:"id" json:"id"`
	Type       GameType               `db:"type" json:"type"`
	Status     RoomStatus             `db:"status" json:"status"`
	State      *State                 `db:"state" json:"state,omitempty"`
	Config     map[string]interface{} `db:"config" json:"config,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
	StartedAt  *time.Time             `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time             `db:"finished_at" json:"finished_at,omitempty"`
}

// переопределение таймаута фазы из конфига комнаты (секунды, ставится в тестах)
func (r *Room) PhaseTimeoutOverride() (time.Duration, bool) {
	if r.Config == nil {
		return 0, false
	}
	v, ok := r.Config["phase_timeout_seconds"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n) * time.Second, true
	case int:
		return time.Duration(n) * time.Second, true
	case int64:
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// Итог участника. Пишется один раз при завершении комнаты.
const (
	ResultWin  = "win"
	ResultLose = "lose"
)

type Participant struct {
	ID           string    `db:"id" json:"id"`
	RoomID       string    `db:"room_id" json:"room_id"`
	AgentID      string    `db:"agent_id" json:"agent_id"`
	JoinedAt     time.Time `db:"joined_at" json:"joined_at"`
	Result       *string   `db:"result" json:"result,omitempty"` // win | lose | nil
	PointsEarned int       `db:"points_earned" json:"points_earned"`
}

// Начисление очков. Правило: 1 очко победного места = 1 coin,
// delta=0 используется как маркер первого места для battle/ox.
type PointLog struct {
	ID        string    `db:"id" json:"id"`
	AgentID   string    `db:"agent_id" json:"agent_id"`
	RoomID    string    `db:"room_id" json:"room_id"`
	Delta     int       `db:"delta" json:"delta"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Итоговая строка результата игры, которую считает blueprint.
type GameResult struct {
	AgentID string `json:"agent_id"`
	Rank    int    `json:"rank"`
	Points  int    `json:"points"`
}

// Событие для зрителей. Отправляется fire-and-forget в ws-хаб.
type Event struct {
	RoomID  string                 `json:"room_id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

const (
	EventStateUpdate = "state_update"
	EventRoundEnd    = "round_end"
	EventGameEnd     = "game_end"
)
