package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"agent_arena/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// сигнал гонки создания: другая горутина/процесс уже закоммитил waiting-комнату этого типа
var ErrWaitingRoomExists = errors.New("waiting-комната этого типа уже существует")

const pgUniqueViolation = "23505"

type RoomRepository struct {
	db *pgxpool.Pool
}

func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

const roomColumns = `id, type, status, state, config, created_at, started_at, finished_at`

func scanRoom(row pgx.Row) (*domain.Room, error) {
	var r domain.Room
	var stateRaw, configRaw []byte
	if err := row.Scan(&r.ID, &r.Type, &r.Status, &stateRaw, &configRaw, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	if len(stateRaw) > 0 {
		r.State = &domain.State{}
		if err := json.Unmarshal(stateRaw, r.State); err != nil {
			return nil, err
		}
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &r.Config); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// создает новую waiting-комнату; при нарушении частичного уникального индекса
// возвращает ErrWaitingRoomExists (значит, кто-то успел раньше - это не сбой)
func (r *RoomRepository) CreateWaiting(ctx context.Context, gameType domain.GameType, cfg map[string]interface{}) (*domain.Room, error) {
	room := &domain.Room{
		ID:     uuid.NewString(),
		Type:   gameType,
		Status: domain.StatusWaiting,
		Config: cfg,
	}
	configRaw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO rooms (id, type, status, config)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, room.ID, room.Type, room.Status, configRaw).Scan(&room.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrWaitingRoomExists
		}
		return nil, err
	}
	return room, nil
}

// создает комнату сразу в статусе running со всеми участниками и начальным
// состоянием одной транзакцией. Комната никогда не бывает waiting, поэтому
// частичный уникальный индекс не затрагивается - единственный путь для батча
// из очереди.
func (r *RoomRepository) CreateRunningBatch(ctx context.Context, gameType domain.GameType, agentIDs []string, st *domain.State, cfg map[string]interface{}) (*domain.Room, error) {
	now := time.Now().UTC()
	room := &domain.Room{
		ID:        uuid.NewString(),
		Type:      gameType,
		Status:    domain.StatusRunning,
		State:     st,
		Config:    cfg,
		CreatedAt: now,
		StartedAt: &now,
	}
	stateRaw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	configRaw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO rooms (id, type, status, state, config, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, room.ID, room.Type, room.Status, stateRaw, configRaw, now); err != nil {
		return nil, err
	}

	for _, agentID := range agentIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO room_participants (id, room_id, agent_id)
			VALUES ($1, $2, $3)
		`, uuid.NewString(), room.ID, agentID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return room, nil
}

// получает комнату по id; nil без ошибки, если не найдена
func (r *RoomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	room, err := scanRoom(r.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// свежее чтение waiting-комнаты типа. Вызывается под локом фабрики,
// поэтому кэшированных чтений здесь быть не должно.
func (r *RoomRepository) GetWaitingByType(ctx context.Context, gameType domain.GameType) (*domain.Room, error) {
	room, err := scanRoom(r.db.QueryRow(ctx, `
		SELECT `+roomColumns+` FROM rooms WHERE type = $1 AND status = $2
	`, gameType, domain.StatusWaiting))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// все running-комнаты (обход супервизора таймаутов)
func (r *RoomRepository) ListRunning(ctx context.Context) ([]*domain.Room, error) {
	rows, err := r.db.Query(ctx, `SELECT `+roomColumns+` FROM rooms WHERE status = $1`, domain.StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

// атомарная замена всего state-блоба. Частичных обновлений состояния не бывает.
func (r *RoomRepository) UpdateState(ctx context.Context, roomID string, st *domain.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `UPDATE rooms SET state = $2 WHERE id = $1`, roomID, raw)
	return err
}

// переводит waiting -> running вместе с начальным состоянием игры
func (r *RoomRepository) MarkRunning(ctx context.Context, roomID string, st *domain.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE rooms SET status = $2, state = $3, started_at = now()
		WHERE id = $1 AND status = $4
	`, roomID, domain.StatusRunning, raw, domain.StatusWaiting)
	return err
}

// финализация: терминальное состояние + статус finished
func (r *RoomRepository) MarkFinished(ctx context.Context, roomID string, st *domain.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE rooms SET status = $2, state = $3, finished_at = now()
		WHERE id = $1
	`, roomID, domain.StatusFinished, raw)
	return err
}
