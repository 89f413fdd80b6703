package db

import (
	"context"
	"time"

	"agent_arena/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect открывает пул соединений к Postgres и проверяет его пингом.
func Connect(databaseURL string) *pgxpool.Pool {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("неверный DATABASE_URL", "error", err)
	}
	cfg.MaxConns = 16

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		logger.Fatal("не удалось создать пул соединений", "error", err)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("БД недоступна", "error", err)
	}

	logger.Info("подключение к БД установлено")
	return pool
}

// Migrate создает схему, если ее нет. Ключевой момент - частичный уникальный
// индекс: на тип игры не больше одной комнаты в статусе waiting, это та самая
// гарантия, на которую опирается фабрика комнат при гонке создания.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id UUID PRIMARY KEY,
			type VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'waiting',
			state JSONB,
			config JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ix_rooms_one_waiting_per_type
			ON rooms (type) WHERE status = 'waiting'`,
		`CREATE INDEX IF NOT EXISTS ix_rooms_status ON rooms (status)`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			id UUID PRIMARY KEY,
			room_id UUID NOT NULL REFERENCES rooms(id),
			agent_id VARCHAR(64) NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			result VARCHAR(8),
			points_earned INT NOT NULL DEFAULT 0,
			CONSTRAINT uq_room_agent UNIQUE (room_id, agent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_participants_agent ON room_participants (agent_id)`,
		`CREATE TABLE IF NOT EXISTS point_logs (
			id UUID PRIMARY KEY,
			agent_id VARCHAR(64) NOT NULL,
			room_id UUID NOT NULL,
			delta INT NOT NULL,
			reason VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_point_logs_agent ON point_logs (agent_id)`,
		// таблица именованных локов: строка существует, пока секция удерживается
		`CREATE TABLE IF NOT EXISTS room_locks (
			lock_key VARCHAR(64) PRIMARY KEY,
			owner VARCHAR(64) NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	logger.Info("схема БД инициализирована")
	return nil
}
