package matchmaking

import (
	"sync"

	"agent_arena/internal/domain"
	"agent_arena/internal/metrics"
)

// Требуемое количество участников по типу игры (столько должно собраться,
// чтобы очередь выдала батч и появилась комната).
var requiredCounts = map[domain.GameType]int{
	domain.TypeBattle: 4,
	domain.TypeOX:     5,
	domain.TypeMafia:  6,
	domain.TypeTrial:  5,
}

// RequiredCount возвращает требуемое число участников. Неизвестный тип - 4.
func RequiredCount(gameType domain.GameType) int {
	if n, ok := requiredCounts[gameType]; ok {
		return n
	}
	return 4
}

// Slot - слот результата ожидающего агента. RoomID записывается ДО закрытия
// wake-канала, закрытие канала дает happens-before, поэтому ждущая сторона
// читает RoomID без дополнительной синхронизации. Идентичность слота (указатель)
// используется для удаления собственной записи при таймауте.
type Slot struct {
	RoomID string
}

// Entry - запись очереди. Живет только пока агент ждет матч.
type Entry struct {
	AgentID string
	Wake    chan struct{}
	Slot    *Slot
}

// Queue - in-process FIFO ожидающих агентов, по одной на тип игры.
// Все операции выполняются под одним мьютексом и не блокируют
// (микросекунды); блокирует только сам агент на своем wake-канале.
type Queue struct {
	mu     sync.Mutex
	byType map[domain.GameType][]*Entry
}

func NewQueue() *Queue {
	return &Queue{byType: make(map[domain.GameType][]*Entry)}
}

// Enqueue добавляет агента в очередь типа. Если агент уже ждет этот тип,
// возвращается его существующая запись (повторный join разделяет то же
// ожидание - оба запроса получат один game_id, дубликата в очереди нет).
// Третий результат - размер очереди после добавления.
func (q *Queue) Enqueue(gameType domain.GameType, agentID string) (*Entry, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.byType[gameType] {
		if e.AgentID == agentID {
			return e, len(q.byType[gameType])
		}
	}

	e := &Entry{
		AgentID: agentID,
		Wake:    make(chan struct{}),
		Slot:    &Slot{},
	}
	q.byType[gameType] = append(q.byType[gameType], e)
	size := len(q.byType[gameType])
	metrics.QueueDepth.WithLabelValues(string(gameType)).Set(float64(size))
	return e, size
}

// PopN атомарно забирает ровно n записей в порядке FIFO.
// Если записей меньше n - не забирает ничего и возвращает nil
// (частичных батчей не бывает).
func (q *Queue) PopN(gameType domain.GameType, n int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.byType[gameType]
	if len(queue) < n {
		return nil
	}
	popped := queue[:n:n]
	rest := queue[n:]
	if len(rest) == 0 {
		delete(q.byType, gameType)
	} else {
		q.byType[gameType] = rest
	}
	metrics.QueueDepth.WithLabelValues(string(gameType)).Set(float64(len(rest)))
	return popped
}

// PutBack возвращает забранные записи в начало очереди в исходном порядке
// (батч не смог образовать комнату и должен ждать дальше).
func (q *Queue) PutBack(gameType domain.GameType, entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.byType[gameType] = append(append([]*Entry{}, entries...), q.byType[gameType]...)
	metrics.QueueDepth.WithLabelValues(string(gameType)).Set(float64(len(q.byType[gameType])))
}

// PutBackUnique - как PutBack, но оставляет только первую запись на agent_id.
// Используется, когда в батче оказался дубликат: [A,A,B,C] -> [A,B,C],
// и следующий уникальный агент D доведет батч до валидного размера.
func (q *Queue) PutBackUnique(gameType domain.GameType, entries []*Entry) {
	seen := make(map[string]bool, len(entries))
	uniq := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if !seen[e.AgentID] {
			seen[e.AgentID] = true
			uniq = append(uniq, e)
		}
	}
	q.PutBack(gameType, uniq)
}

// RemoveSelf удаляет ровно собственную запись по идентичности слота.
// Вызывается агентом при его локальном таймауте ожидания; по позиции удалять
// нельзя - очередь могла измениться конкурентно.
func (q *Queue) RemoveSelf(gameType domain.GameType, slot *Slot) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.byType[gameType]
	out := queue[:0]
	for _, e := range queue {
		if e.Slot != slot {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		delete(q.byType, gameType)
	} else {
		q.byType[gameType] = out
	}
	metrics.QueueDepth.WithLabelValues(string(gameType)).Set(float64(len(out)))
}

// Size - текущая глубина очереди типа (для диагностики)
func (q *Queue) Size(gameType domain.GameType) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byType[gameType])
}

// Deliver записывает roomID в слоты и будит всех ожидающих из батча.
func Deliver(entries []*Entry, roomID string) {
	for _, e := range entries {
		e.Slot.RoomID = roomID
		close(e.Wake)
	}
}
