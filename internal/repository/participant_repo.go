package repository

import (
	"context"
	"errors"

	"agent_arena/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrAlreadyParticipant = errors.New("агент уже участвует в этой комнате")

type ParticipantRepository struct {
	db *pgxpool.Pool
}

func NewParticipantRepository(db *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

// добавляет участника; повторное добавление того же агента - ErrAlreadyParticipant
func (r *ParticipantRepository) Add(ctx context.Context, roomID, agentID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO room_participants (id, room_id, agent_id)
		VALUES ($1, $2, $3)
	`, uuid.NewString(), roomID, agentID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyParticipant
		}
		return err
	}
	return nil
}

// участники комнаты в порядке входа
func (r *ParticipantRepository) ListByRoom(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, room_id, agent_id, joined_at, result, points_earned
		FROM room_participants
		WHERE room_id = $1
		ORDER BY joined_at
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.RoomID, &p.AgentID, &p.JoinedAt, &p.Result, &p.PointsEarned); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// запись об участии агента в комнате; nil без ошибки, если не найдена
func (r *ParticipantRepository) Get(ctx context.Context, roomID, agentID string) (*domain.Participant, error) {
	var p domain.Participant
	err := r.db.QueryRow(ctx, `
		SELECT id, room_id, agent_id, joined_at, result, points_earned
		FROM room_participants
		WHERE room_id = $1 AND agent_id = $2
	`, roomID, agentID).Scan(&p.ID, &p.RoomID, &p.AgentID, &p.JoinedAt, &p.Result, &p.PointsEarned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// активная комната агента (waiting или running); пустая строка, если нет.
// Используется проверкой "уже в игре" при join.
func (r *ParticipantRepository) ActiveRoomID(ctx context.Context, agentID string) (string, error) {
	var roomID string
	err := r.db.QueryRow(ctx, `
		SELECT p.room_id
		FROM room_participants p
		JOIN rooms g ON g.id = p.room_id
		WHERE p.agent_id = $1 AND g.status IN ($2, $3)
		LIMIT 1
	`, agentID, domain.StatusWaiting, domain.StatusRunning).Scan(&roomID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return roomID, nil
}

// пишет итог участника. Вызывается один раз при финализации комнаты.
func (r *ParticipantRepository) SetResult(ctx context.Context, roomID, agentID, result string, points int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE room_participants
		SET result = $3, points_earned = $4
		WHERE room_id = $1 AND agent_id = $2
	`, roomID, agentID, result, points)
	return err
}
