package repository

import (
	"context"

	"agent_arena/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PointLogRepository struct {
	db *pgxpool.Pool
}

func NewPointLogRepository(db *pgxpool.Pool) *PointLogRepository {
	return &PointLogRepository{db: db}
}

// добавляет запись начисления
func (r *PointLogRepository) Add(ctx context.Context, log *domain.PointLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO point_logs (id, agent_id, room_id, delta, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, log.ID, log.AgentID, log.RoomID, log.Delta, log.Reason).Scan(&log.CreatedAt)
}

// последние начисления агента
func (r *PointLogRepository) ListByAgent(ctx context.Context, agentID string, limit int) ([]*domain.PointLog, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, agent_id, room_id, delta, reason, created_at
		FROM point_logs
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PointLog
	for rows.Next() {
		var l domain.PointLog
		if err := rows.Scan(&l.ID, &l.AgentID, &l.RoomID, &l.Delta, &l.Reason, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// сумма очков агента (1 очко = 1 coin)
func (r *PointLogRepository) TotalPoints(ctx context.Context, agentID string) (int, error) {
	var total int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM point_logs WHERE agent_id = $1
	`, agentID).Scan(&total)
	return total, err
}
