package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"agent_arena/internal/logger"
	"agent_arena/internal/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Именованный лок на строке таблицы room_locks. Работает между независимыми
// процессами: строка существует, пока секция удерживается; строка старше
// порога считается протухшей (держатель умер посреди секции) и снимается
// принудительно.
//
// Захват: INSERT (PK отклонит второго), при конфликте - ограниченные повторы
// с короткой паузой. Освобождение: DELETE.

var ErrLockTimeout = errors.New("не удалось захватить лок за отведенное время")

const (
	lockRetryDelay  = 250 * time.Millisecond
	maxLockAttempts = 60
)

type LockRepository struct {
	db         *pgxpool.Pool
	owner      string // метка держателя в логах и строках (pid + случайный суффикс)
	staleAfter time.Duration
}

func NewLockRepository(db *pgxpool.Pool, staleAfter time.Duration) *LockRepository {
	return &LockRepository{
		db:         db,
		owner:      fmt.Sprintf("pid%d-%s", os.Getpid(), uuid.NewString()[:8]),
		staleAfter: staleAfter,
	}
}

// Acquire захватывает лок с ключом key, ожидая не дольше maxWait.
// Протухшие чужие строки снимаются с предупреждением в логе.
func (r *LockRepository) Acquire(ctx context.Context, key string, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		_, err := r.db.Exec(ctx, `
			INSERT INTO room_locks (lock_key, owner) VALUES ($1, $2)
		`, key, r.owner)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
			return err
		}

		// лок занят: если строка старше порога, держатель умер - снимаем
		tag, delErr := r.db.Exec(ctx, `
			DELETE FROM room_locks
			WHERE lock_key = $1 AND acquired_at < now() - $2::interval
		`, key, r.staleAfter.String())
		if delErr == nil && tag.RowsAffected() > 0 {
			logger.Warn("лок снят принудительно (протух)", "key", key, "stale_after", r.staleAfter)
			metrics.LocksForced.Inc()
			continue // сразу пробуем захватить снова
		}

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	return ErrLockTimeout
}

// Release снимает лок. Ошибки только логируются: потерянный ряд все равно
// снимет механизм протухания.
func (r *LockRepository) Release(ctx context.Context, key string) {
	if _, err := r.db.Exec(ctx, `DELETE FROM room_locks WHERE lock_key = $1 AND owner = $2`, key, r.owner); err != nil {
		logger.Warn("ошибка освобождения лока", "key", key, "error", err)
	}
}
