package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Счетчики ядра арены. Экспортируются через /metrics (promhttp в main).
var (
	RoomsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_rooms_created_total",
		Help: "Созданные комнаты по типу игры и пути создания (batch/waiting)",
	}, []string{"type", "path"})

	PhasesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_phases_resolved_total",
		Help: "Разрешенные фазы по типу игры",
	}, []string{"type"})

	TimeoutsForced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_phase_timeouts_total",
		Help: "Принудительные продвижения фаз по таймауту",
	}, []string{"type", "trigger"}) // trigger: sweep | get_state | submit

	ActionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_actions_rejected_total",
		Help: "Отклоненные действия по причине",
	}, []string{"type", "reason"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_queue_depth",
		Help: "Текущая глубина очереди матчмейкинга по типу игры",
	}, []string{"type"})

	LocksForced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_locks_force_released_total",
		Help: "Принудительно снятые протухшие локи",
	})
)
