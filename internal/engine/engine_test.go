package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agent_arena/internal/domain"
)

// ── in-memory фейки хранилищ ─────────────────────────────────────────

type memStore struct {
	mu      sync.Mutex
	rooms   map[string]*domain.Room
	parts   map[string][]*domain.Participant
	points  []*domain.PointLog
	results map[string]string // roomID+"/"+agentID -> result
	pts     map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		rooms:   map[string]*domain.Room{},
		parts:   map[string][]*domain.Participant{},
		results: map[string]string{},
		pts:     map[string]int{},
	}
}

func (m *memStore) GetByID(_ context.Context, id string) (*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	cp.State = r.State.Clone()
	return &cp, nil
}

func (m *memStore) UpdateState(_ context.Context, roomID string, st *domain.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return errors.New("нет такой комнаты")
	}
	r.State = st.Clone()
	return nil
}

func (m *memStore) MarkRunning(_ context.Context, roomID string, st *domain.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomID]
	r.Status = domain.StatusRunning
	r.State = st.Clone()
	return nil
}

func (m *memStore) MarkFinished(_ context.Context, roomID string, st *domain.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[roomID]
	r.Status = domain.StatusFinished
	r.State = st.Clone()
	return nil
}

func (m *memStore) Add(_ context.Context, roomID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[roomID] = append(m.parts[roomID], &domain.Participant{RoomID: roomID, AgentID: agentID})
	return nil
}

func (m *memStore) ListByRoom(_ context.Context, roomID string) ([]*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Participant(nil), m.parts[roomID]...), nil
}

func (m *memStore) SetResult(_ context.Context, roomID, agentID, result string, points int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[roomID+"/"+agentID] = result
	m.pts[roomID+"/"+agentID] = points
	return nil
}

type pointSink struct {
	mu   sync.Mutex
	logs []*domain.PointLog
}

func (p *pointSink) Add(_ context.Context, log *domain.PointLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, log)
	return nil
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return errors.New("лок уже взят")
	}
	l.held[key] = true
	return nil
}

func (l *memLocker) Release(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

type eventSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *eventSink) Publish(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

// ── хелперы ──────────────────────────────────────────────────────────

type testEnv struct {
	eng    *Engine
	store  *memStore
	points *pointSink
	events *eventSink
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  newMemStore(),
		points: &pointSink{},
		events: &eventSink{},
		now:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	env.eng = New(env.store, env.store, env.points, &memLocker{}, env.events, 45*time.Second)
	env.eng.SetClock(func() time.Time { return env.now })
	return env
}

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

// создает running-комнату с уже расставленными агентами
func (env *testEnv) startRoom(t *testing.T, gt domain.GameType, agents ...string) *domain.Room {
	t.Helper()
	room := &domain.Room{ID: "room-" + string(gt), Type: gt, Status: domain.StatusWaiting, Config: map[string]interface{}{}}
	env.store.rooms[room.ID] = room
	for _, a := range agents {
		if err := env.store.Add(context.Background(), room.ID, a); err != nil {
			t.Fatalf("не удалось добавить участника: %v", err)
		}
	}
	if err := env.eng.Start(context.Background(), room); err != nil {
		t.Fatalf("не удалось запустить игру: %v", err)
	}
	return env.store.rooms[room.ID]
}

func (env *testEnv) state(t *testing.T, roomID string) *domain.State {
	t.Helper()
	r, err := env.store.GetByID(context.Background(), roomID)
	if err != nil || r == nil {
		t.Fatalf("комната пропала: %v", err)
	}
	return r.State
}

func (env *testEnv) submit(t *testing.T, roomID, agentID string, act domain.Action) {
	t.Helper()
	if err := env.eng.SubmitAction(context.Background(), roomID, agentID, act); err != nil {
		t.Fatalf("submit %s/%s: %v", agentID, act.Type, err)
	}
}

// ── battle ───────────────────────────────────────────────────────────

func TestBattleRoundResolvesWhenAllSubmitted(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	st := env.state(t, room.ID)
	if st.Phase != "collect" || st.Round != 1 {
		t.Fatalf("ожидалась фаза collect раунда 1, получили %s/%d", st.Phase, st.Round)
	}

	env.submit(t, room.ID, "a", domain.Action{Type: "charge"})
	env.submit(t, room.ID, "b", domain.Action{Type: "charge"})
	env.submit(t, room.ID, "c", domain.Action{Type: "attack", TargetID: "a"})

	st = env.state(t, room.ID)
	if len(st.Pending) != 3 {
		t.Fatalf("ожидалось 3 pending-действия, получили %d", len(st.Pending))
	}

	env.submit(t, room.ID, "d", domain.Action{Type: "defend"})

	st = env.state(t, room.ID)
	if st.Round != 2 {
		t.Fatalf("раунд должен был продвинуться до 2, получили %d", st.Round)
	}
	if len(st.Pending) != 0 {
		t.Fatalf("pending должен очищаться при смене фазы")
	}
	if len(st.History) != 1 {
		t.Fatalf("ожидалась 1 запись истории, получили %d", len(st.History))
	}
	if st.Agents["a"].HP != 3 {
		t.Fatalf("атака на a должна снять 1 hp, hp=%d", st.Agents["a"].HP)
	}
	if st.Agents["b"].Energy != 1 {
		t.Fatalf("charge должен дать 1 энергии, energy=%d", st.Agents["b"].Energy)
	}
}

func TestBattleRejectsInvalidActions(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	err := env.eng.SubmitAction(context.Background(), room.ID, "a", domain.Action{Type: "attack"})
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Code != "ATTACK_NEEDS_TARGET" {
		t.Fatalf("ожидался реджект ATTACK_NEEDS_TARGET, получили %v", err)
	}

	err = env.eng.SubmitAction(context.Background(), room.ID, "a", domain.Action{Type: "attack", TargetID: "ghost"})
	if !errors.As(err, &rej) || rej.Code != "INVALID_TARGET" {
		t.Fatalf("ожидался реджект INVALID_TARGET, получили %v", err)
	}

	// реджект не записывает действие: повторная подача валидного проходит
	env.submit(t, room.ID, "a", domain.Action{Type: "charge"})
	err = env.eng.SubmitAction(context.Background(), room.ID, "a", domain.Action{Type: "charge"})
	if !errors.Is(err, ErrAlreadyActed) {
		t.Fatalf("ожидался ErrAlreadyActed, получили %v", err)
	}
}

func TestBattleDefendStreakLimit(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	for i := 0; i < 3; i++ {
		env.submit(t, room.ID, "a", domain.Action{Type: "defend"})
		env.submit(t, room.ID, "b", domain.Action{Type: "charge"})
		env.submit(t, room.ID, "c", domain.Action{Type: "charge"})
		env.submit(t, room.ID, "d", domain.Action{Type: "charge"})
	}

	err := env.eng.SubmitAction(context.Background(), room.ID, "a", domain.Action{Type: "defend"})
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Code != "DEFEND_STREAK_LIMIT" {
		t.Fatalf("четвертая защита подряд должна отклоняться, получили %v", err)
	}
}

func TestBattleUnknownActionDegradesToCharge(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	env.submit(t, room.ID, "a", domain.Action{Type: "dance"})
	st := env.state(t, room.ID)
	if st.Pending["a"].Type != "charge" {
		t.Fatalf("незнакомый тип должен деградировать в charge, получили %q", st.Pending["a"].Type)
	}
}

func TestBattleFinishesAndAwardsWinner(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	// b, c, d фокусят a; a копит. Через два раунда a мертв (3+3 урона ≥ 4 hp),
	// дальше фокус на b, потом на c, пока не останется один
	targets := []string{"a", "b", "c"}
	for len(env.state(t, room.ID).AliveAgents()) > 1 && env.state(t, room.ID).Phase == "collect" {
		st := env.state(t, room.ID)
		var target string
		for _, tgt := range targets {
			if ag := st.Agents[tgt]; ag != nil && ag.Alive {
				target = tgt
				break
			}
		}
		for _, id := range st.AliveAgents() {
			if id == target {
				env.submit(t, room.ID, id, domain.Action{Type: "charge"})
			} else {
				env.submit(t, room.ID, id, domain.Action{Type: "attack", TargetID: target})
			}
		}
	}

	r, _ := env.store.GetByID(context.Background(), room.ID)
	if r.Status != domain.StatusFinished {
		t.Fatalf("игра должна была завершиться, статус %s", r.Status)
	}
	if r.State.Phase != "end" {
		t.Fatalf("ожидалась терминальная фаза end, получили %s", r.State.Phase)
	}
	if env.store.results[room.ID+"/d"] != domain.ResultWin {
		t.Fatalf("выживший d должен победить, результат %q", env.store.results[room.ID+"/d"])
	}
	if env.store.pts[room.ID+"/d"] != 60 {
		t.Fatalf("победитель баттла получает 60 очков, получили %d", env.store.pts[room.ID+"/d"])
	}

	// поинт-логи: 60 победителю + маркер первого места с delta=0
	var rankLog, markLog bool
	for _, l := range env.points.logs {
		if l.AgentID == "d" && l.Delta == 60 && l.Reason == "battle_rank_1" {
			rankLog = true
		}
		if l.AgentID == "d" && l.Delta == 0 && l.Reason == "battle_first_place" {
			markLog = true
		}
	}
	if !rankLog || !markLog {
		t.Fatalf("ожидались логи battle_rank_1 и battle_first_place, получили %+v", env.points.logs)
	}

	// терминальная фаза окончательна
	err := env.eng.SubmitAction(context.Background(), room.ID, "d", domain.Action{Type: "charge"})
	if !errors.Is(err, ErrRoomNotRunning) {
		t.Fatalf("submit в завершенную игру должен падать с ErrRoomNotRunning, получили %v", err)
	}
}

// ── таймауты ─────────────────────────────────────────────────────────

func TestPhaseTimeoutInjectsDefaults(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	env.submit(t, room.ID, "a", domain.Action{Type: "charge"})
	env.advance(46 * time.Second)

	moved, err := env.eng.ApplyPhaseTimeout(context.Background(), room.ID, "sweep")
	if err != nil {
		t.Fatalf("таймаут фазы: %v", err)
	}
	if !moved {
		t.Fatalf("просроченная фаза должна была продвинуться")
	}

	st := env.state(t, room.ID)
	if st.Round != 2 {
		t.Fatalf("раунд должен был продвинуться, получили %d", st.Round)
	}
	// несдавшие получили charge: у всех по 1 энергии
	for _, id := range []string{"b", "c", "d"} {
		if st.Agents[id].Energy != 1 {
			t.Fatalf("агент %s должен был получить charge по умолчанию", id)
		}
	}
}

func TestPhaseTimeoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	env.advance(46 * time.Second)
	moved, err := env.eng.ApplyPhaseTimeout(context.Background(), room.ID, "sweep")
	if err != nil || !moved {
		t.Fatalf("первый вызов должен продвинуть фазу: moved=%v err=%v", moved, err)
	}
	moved, err = env.eng.ApplyPhaseTimeout(context.Background(), room.ID, "sweep")
	if err != nil {
		t.Fatalf("повторный вызов: %v", err)
	}
	if moved {
		t.Fatalf("повторный вызов не должен продвигать фазу второй раз")
	}
	if st := env.state(t, room.ID); st.Round != 2 {
		t.Fatalf("фаза продвинулась дважды: round=%d", st.Round)
	}
}

func TestPhaseTimeoutNotBeforeDeadline(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	env.advance(44 * time.Second)
	moved, err := env.eng.ApplyPhaseTimeout(context.Background(), room.ID, "sweep")
	if err != nil {
		t.Fatalf("таймаут фазы: %v", err)
	}
	if moved {
		t.Fatalf("до дедлайна фаза двигаться не должна")
	}
}

func TestRoomConfigOverridesPhaseTimeout(t *testing.T) {
	env := newTestEnv(t)
	room := &domain.Room{
		ID: "r-cfg", Type: domain.TypeBattle, Status: domain.StatusWaiting,
		Config: map[string]interface{}{"phase_timeout_seconds": float64(10)},
	}
	env.store.rooms[room.ID] = room
	for _, a := range []string{"a", "b", "c", "d"} {
		_ = env.store.Add(context.Background(), room.ID, a)
	}
	if err := env.eng.Start(context.Background(), room); err != nil {
		t.Fatalf("старт: %v", err)
	}

	env.advance(11 * time.Second)
	moved, err := env.eng.ApplyPhaseTimeout(context.Background(), room.ID, "sweep")
	if err != nil || !moved {
		t.Fatalf("конфиг комнаты должен перекрывать общий таймаут: moved=%v err=%v", moved, err)
	}
}

func TestGetStateCatchesUpExpiredPhase(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	env.advance(50 * time.Second)
	out, err := env.eng.GetState(context.Background(), room.ID, "a")
	if err != nil {
		t.Fatalf("getState: %v", err)
	}
	if out["round"].(int) != 2 {
		t.Fatalf("getState должен был догнать просроченную фазу, round=%v", out["round"])
	}
}

func TestLateSubmitTriggersTimeoutResolve(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	env.advance(50 * time.Second)
	// опоздавший a подает сам - недостающие b,c,d добиваются charge, раунд идет
	env.submit(t, room.ID, "a", domain.Action{Type: "charge"})

	st := env.state(t, room.ID)
	if st.Round != 2 {
		t.Fatalf("подача после дедлайна должна продвигать раунд, round=%d", st.Round)
	}
}

// ── права на подачу ──────────────────────────────────────────────────

func TestSubmitFromOutsiderFails(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	err := env.eng.SubmitAction(context.Background(), room.ID, "stranger", domain.Action{Type: "charge"})
	if !errors.Is(err, ErrAgentNotInRoom) {
		t.Fatalf("ожидался ErrAgentNotInRoom, получили %v", err)
	}
}

func TestGetStateRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	_, err := env.eng.GetState(context.Background(), room.ID, "stranger")
	if !errors.Is(err, ErrAgentNotInRoom) {
		t.Fatalf("ожидался ErrAgentNotInRoom, получили %v", err)
	}
}

// ── ox ───────────────────────────────────────────────────────────────

func TestOXSoleMinorityScoring(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"o1", "o2", "o3", "o4", "x1"}
	room := env.startRoom(t, domain.TypeOX, agents...)

	for _, id := range agents {
		choice := "O"
		if id == "x1" {
			choice = "X"
		}
		env.submit(t, room.ID, id, domain.Action{Type: "first_choice", Choice: choice})
	}

	st := env.state(t, room.ID)
	if st.Phase != "switch" {
		t.Fatalf("после первых выборов ожидалась фаза switch, получили %s", st.Phase)
	}

	for _, id := range agents {
		env.submit(t, room.ID, id, domain.Action{Type: "switch"})
	}

	st = env.state(t, room.ID)
	if st.Round != 2 || st.Phase != "first_choice" {
		t.Fatalf("ожидался раунд 2 фазы first_choice, получили %d/%s", st.Round, st.Phase)
	}
	if st.Agents["x1"].RoundPoints != 12 {
		t.Fatalf("единственный в меньшинстве получает 12 очков, получили %d", st.Agents["x1"].RoundPoints)
	}
	for _, id := range []string{"o1", "o2", "o3", "o4"} {
		if st.Agents[id].RoundPoints != 0 {
			t.Fatalf("большинство очков не получает, %s имеет %d", id, st.Agents[id].RoundPoints)
		}
	}
}

func TestOXSwitchFlipsChoiceOnce(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"o1", "o2", "o3", "x1", "x2"}
	room := env.startRoom(t, domain.TypeOX, agents...)

	for _, id := range agents {
		choice := "O"
		if strings.HasPrefix(id, "x") {
			choice = "X"
		}
		env.submit(t, room.ID, id, domain.Action{Type: "first_choice", Choice: choice})
	}
	// o1 разворачивается в X: меньшинство становится {x1,x2,o1}... нет, 2 O против 3 X
	env.submit(t, room.ID, "o1", domain.Action{Type: "switch", UseSwitch: true})
	for _, id := range []string{"o2", "o3", "x1", "x2"} {
		env.submit(t, room.ID, id, domain.Action{Type: "switch"})
	}

	st := env.state(t, room.ID)
	if st.Agents["o1"].SwitchAvailable {
		t.Fatalf("разворот расходуется навсегда")
	}
	// меньшинство O (o2,o3): по majority*2 = 6 каждому
	if st.Agents["o2"].RoundPoints != 6 || st.Agents["o3"].RoundPoints != 6 {
		t.Fatalf("меньшинство из двух получает по 6, получили %d/%d",
			st.Agents["o2"].RoundPoints, st.Agents["o3"].RoundPoints)
	}

	// второй разворот отклоняется
	for _, id := range agents {
		env.submit(t, room.ID, id, domain.Action{Type: "first_choice", Choice: "O"})
	}
	err := env.eng.SubmitAction(context.Background(), room.ID, "o1", domain.Action{Type: "switch", UseSwitch: true})
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Code != "SWITCH_NOT_AVAILABLE" {
		t.Fatalf("второй разворот должен отклоняться, получили %v", err)
	}
}

func TestOXTieAwardsNothing(t *testing.T) {
	env := newTestEnv(t)
	// нечетное число игроков ничью по голосам не дает, но разворот может:
	// 3 O и 2 X, один O разворачивается -> ничьей все равно нет (2/3).
	// Ничью моделируем напрямую через FinalChoice в resolve.
	st := domain.NewState("switch", env.now.Unix())
	for _, id := range []string{"a", "b", "c", "d"} {
		st.Agents[id] = &domain.AgentState{SwitchAvailable: true}
	}
	st.Agents["a"].FirstChoice = "O"
	st.Agents["b"].FirstChoice = "O"
	st.Agents["c"].FirstChoice = "X"
	st.Agents["d"].FirstChoice = "X"
	st.Round = 1
	st.Data["questions"] = []string{"q1", "q2", "q3", "q4", "q5"}
	for id := range st.Agents {
		st.Pending[id] = domain.Action{Type: "switch"}
	}

	oxResolveSwitch(st)
	for id, ag := range st.Agents {
		if ag.RoundPoints != 0 {
			t.Fatalf("при ничьей очки не начисляются, %s получил %d", id, ag.RoundPoints)
		}
	}
}

func TestOXGameFinishesAfterFiveRounds(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"o1", "o2", "o3", "o4", "x1"}
	room := env.startRoom(t, domain.TypeOX, agents...)

	for round := 1; round <= 5; round++ {
		for _, id := range agents {
			choice := "O"
			if id == "x1" {
				choice = "X"
			}
			env.submit(t, room.ID, id, domain.Action{Type: "first_choice", Choice: choice})
		}
		for _, id := range agents {
			env.submit(t, room.ID, id, domain.Action{Type: "switch"})
		}
	}

	r, _ := env.store.GetByID(context.Background(), room.ID)
	if r.Status != domain.StatusFinished {
		t.Fatalf("после 5 раундов игра должна завершиться, статус %s", r.Status)
	}
	// x1 пять раз в одиночном меньшинстве: первое место и 60 очков
	if env.store.results[room.ID+"/x1"] != domain.ResultWin || env.store.pts[room.ID+"/x1"] != 60 {
		t.Fatalf("x1 должен победить с 60 очками, получили %s/%d",
			env.store.results[room.ID+"/x1"], env.store.pts[room.ID+"/x1"])
	}
}

// ── mafia ────────────────────────────────────────────────────────────

func TestMafiaFullGame(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	room := env.startRoom(t, domain.TypeMafia, agents...)

	st := env.state(t, room.ID)
	wolves := st.AgentsWithRole(roleWolf)
	if len(wolves) != 1 {
		t.Fatalf("ожидался ровно один волк, получили %d", len(wolves))
	}
	wolf := wolves[0]
	if st.Agents[wolf].SecretWord == st.DataString("citizen_word") {
		t.Fatalf("волк должен получить слово волка")
	}

	for _, phase := range []string{"hint_1", "hint_2", "hint_3"} {
		if got := env.state(t, room.ID).Phase; got != phase {
			t.Fatalf("ожидалась фаза %s, получили %s", phase, got)
		}
		for _, id := range agents {
			env.submit(t, room.ID, id, domain.Action{Type: "hint", Text: "подсказка от " + id})
		}
	}

	if got := env.state(t, room.ID).Phase; got != "vote" {
		t.Fatalf("после подсказок ожидалось голосование, получили %s", got)
	}

	// все голосуют за волка (кроме самого волка - он за соседа)
	for _, id := range agents {
		target := wolf
		if id == wolf {
			for _, other := range agents {
				if other != wolf {
					target = other
					break
				}
			}
		}
		env.submit(t, room.ID, id, domain.Action{Type: "vote", TargetID: target, Reason: "подозрительно"})
	}

	r, _ := env.store.GetByID(context.Background(), room.ID)
	if r.Status != domain.StatusFinished || r.State.Phase != "result" {
		t.Fatalf("после голосования игра должна завершиться, статус %s фаза %s", r.Status, r.State.Phase)
	}
	if r.State.DataString("winner") != roleCitizen {
		t.Fatalf("изгнание волка - победа горожан, получили %s", r.State.DataString("winner"))
	}
	for _, id := range agents {
		want, wantPts := domain.ResultWin, 20
		if id == wolf {
			want, wantPts = domain.ResultLose, 0
		}
		if env.store.results[room.ID+"/"+id] != want || env.store.pts[room.ID+"/"+id] != wantPts {
			t.Fatalf("агент %s: ожидалось %s/%d, получили %s/%d",
				id, want, wantPts, env.store.results[room.ID+"/"+id], env.store.pts[room.ID+"/"+id])
		}
	}
}

func TestMafiaSelfVoteRejected(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	room := env.startRoom(t, domain.TypeMafia, agents...)

	for i := 0; i < 3; i++ {
		for _, id := range agents {
			env.submit(t, room.ID, id, domain.Action{Type: "hint", Text: "x"})
		}
	}

	err := env.eng.SubmitAction(context.Background(), room.ID, "m1", domain.Action{Type: "vote", TargetID: "m1"})
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Code != "CANNOT_VOTE_SELF" {
		t.Fatalf("голос за себя должен отклоняться, получили %v", err)
	}
}

func TestMafiaWolfWinsWhenCitizenEliminated(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	room := env.startRoom(t, domain.TypeMafia, agents...)

	st := env.state(t, room.ID)
	wolf := st.AgentsWithRole(roleWolf)[0]
	var citizen string
	for _, id := range agents {
		if id != wolf {
			citizen = id
			break
		}
	}

	for i := 0; i < 3; i++ {
		for _, id := range agents {
			env.submit(t, room.ID, id, domain.Action{Type: "hint", Text: "x"})
		}
	}
	// все голосуют за невиновного
	for _, id := range agents {
		target := citizen
		if id == citizen {
			target = wolf
		}
		env.submit(t, room.ID, id, domain.Action{Type: "vote", TargetID: target})
	}

	r, _ := env.store.GetByID(context.Background(), room.ID)
	if r.State.DataString("winner") != roleWolf {
		t.Fatalf("изгнание горожанина - победа волка, получили %s", r.State.DataString("winner"))
	}
	if env.store.pts[room.ID+"/"+wolf] != 30 {
		t.Fatalf("победивший волк получает 30 очков, получили %d", env.store.pts[room.ID+"/"+wolf])
	}
}

// ── trial ────────────────────────────────────────────────────────────

func TestTrialFullGame(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"t1", "t2", "t3", "t4", "t5"}
	room := env.startRoom(t, domain.TypeTrial, agents...)

	st := env.state(t, room.ID)
	jurors := st.AgentsWithRole(roleJuror)
	pros := st.AgentsWithRole(rolePros)
	def := st.AgentsWithRole(roleDefense)
	if len(jurors) != 3 || len(pros) != 1 || len(def) != 1 {
		t.Fatalf("ожидались роли 3/1/1, получили %d/%d/%d", len(jurors), len(pros), len(def))
	}

	for _, id := range agents {
		env.submit(t, room.ID, id, domain.Action{Type: "ready"})
	}

	// прокурор в фазе присяжных подавать не может
	if got := env.state(t, room.ID).Phase; got != "jury_first" {
		t.Fatalf("ожидалась фаза jury_first, получили %s", got)
	}
	err := env.eng.SubmitAction(context.Background(), room.ID, pros[0], domain.Action{Type: "vote", Verdict: "GUILTY"})
	if !errors.Is(err, ErrNotSubmitter) {
		t.Fatalf("не-присяжный в фазе голосования должен получать ErrNotSubmitter, получили %v", err)
	}

	vote := func(verdicts map[string]string) {
		for _, j := range jurors {
			env.submit(t, room.ID, j, domain.Action{Type: "vote", Verdict: verdicts[j]})
		}
	}
	argue := func() {
		env.submit(t, room.ID, pros[0], domain.Action{Type: "speak", Text: "обвинение настаивает"})
		env.submit(t, room.ID, def[0], domain.Action{Type: "speak", Text: "защита возражает"})
	}

	all := map[string]string{jurors[0]: "GUILTY", jurors[1]: "GUILTY", jurors[2]: "NOT_GUILTY"}
	vote(all) // jury_first
	argue()   // argument_1
	vote(all) // jury_second
	argue()   // argument_2

	// присяжный в фазе прений подавать не может
	if got := env.state(t, room.ID).Phase; got != "jury_final" {
		t.Fatalf("ожидалась фаза jury_final, получили %s", got)
	}
	vote(all) // jury_final: 2 GUILTY из 3

	r, _ := env.store.GetByID(context.Background(), room.ID)
	if r.Status != domain.StatusFinished || r.State.Phase != "verdict" {
		t.Fatalf("после финального голосования суд должен завершиться, статус %s фаза %s", r.Status, r.State.Phase)
	}
	if r.State.DataString("verdict") != verdictGuilty || r.State.DataString("winner_team") != rolePros {
		t.Fatalf("2 из 3 GUILTY - вердикт GUILTY и победа прокурора, получили %s/%s",
			r.State.DataString("verdict"), r.State.DataString("winner_team"))
	}

	// очки: прокурор и присяжные, голосовавшие GUILTY
	winners := map[string]bool{pros[0]: true, jurors[0]: true, jurors[1]: true}
	for _, id := range agents {
		wantPts := 0
		if winners[id] {
			wantPts = 20
		}
		if env.store.pts[room.ID+"/"+id] != wantPts {
			t.Fatalf("агент %s: ожидалось %d очков, получили %d", id, wantPts, env.store.pts[room.ID+"/"+id])
		}
	}
}

func TestTrialJuryTimeoutAcquits(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"t1", "t2", "t3", "t4", "t5"}
	room := env.startRoom(t, domain.TypeTrial, agents...)

	for _, id := range agents {
		env.submit(t, room.ID, id, domain.Action{Type: "ready"})
	}

	// присяжные молчат: таймаут голосует NOT_GUILTY за всех
	env.advance(46 * time.Second)
	moved, err := env.eng.ApplyPhaseTimeout(context.Background(), room.ID, "sweep")
	if err != nil || !moved {
		t.Fatalf("таймаут jury_first: moved=%v err=%v", moved, err)
	}
	if got := env.state(t, room.ID).Phase; got != "argument_1" {
		t.Fatalf("ожидалась фаза argument_1, получили %s", got)
	}

	hist := env.state(t, room.ID).History
	last := hist[len(hist)-1]
	for _, v := range logEvents(last["votes"]) {
		if v["verdict"] != verdictAcquit {
			t.Fatalf("молчание присяжного трактуется как NOT_GUILTY, получили %v", v["verdict"])
		}
	}
}

// ── события ──────────────────────────────────────────────────────────

func TestBroadcastEventSequence(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	room := env.startRoom(t, domain.TypeMafia, agents...)

	for i := 0; i < 3; i++ {
		for _, id := range agents {
			env.submit(t, room.ID, id, domain.Action{Type: "hint", Text: "x"})
		}
	}
	st := env.state(t, room.ID)
	wolf := st.AgentsWithRole(roleWolf)[0]
	for _, id := range agents {
		target := wolf
		if id == wolf {
			target = agents[0]
			if wolf == agents[0] {
				target = agents[1]
			}
		}
		env.submit(t, room.ID, id, domain.Action{Type: "vote", TargetID: target})
	}

	types := env.events.types()
	if len(types) == 0 || types[len(types)-1] != domain.EventGameEnd {
		t.Fatalf("последним событием должен быть game_end, получили %v", types)
	}
	var roundEnds int
	for _, tp := range types {
		if tp == domain.EventRoundEnd {
			roundEnds++
		}
	}
	if roundEnds != 3 {
		t.Fatalf("три фазы подсказок - три round_end, получили %d", roundEnds)
	}
}

// ── join / старт ─────────────────────────────────────────────────────

func TestJoinStartsRoomWhenFull(t *testing.T) {
	env := newTestEnv(t)
	room := &domain.Room{ID: "r-join", Type: domain.TypeBattle, Status: domain.StatusWaiting, Config: map[string]interface{}{}}
	env.store.rooms[room.ID] = room

	for _, id := range []string{"a", "b", "c"} {
		if err := env.eng.Join(context.Background(), room, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	r, _ := env.store.GetByID(context.Background(), room.ID)
	if r.Status != domain.StatusWaiting {
		t.Fatalf("до полного состава комната ждет, статус %s", r.Status)
	}

	if err := env.eng.Join(context.Background(), room, "d"); err != nil {
		t.Fatalf("join d: %v", err)
	}
	r, _ = env.store.GetByID(context.Background(), room.ID)
	if r.Status != domain.StatusRunning {
		t.Fatalf("четвертый участник запускает игру, статус %s", r.Status)
	}

	if err := env.eng.Join(context.Background(), room, "e"); !errors.Is(err, ErrRoomNotWaiting) {
		t.Fatalf("join в запущенную игру: ожидался ErrRoomNotWaiting, получили %v", err)
	}
}

func TestJoinDuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	room := &domain.Room{ID: "r-dup", Type: domain.TypeBattle, Status: domain.StatusWaiting, Config: map[string]interface{}{}}
	env.store.rooms[room.ID] = room

	if err := env.eng.Join(context.Background(), room, "a"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := env.eng.Join(context.Background(), room, "a"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("повторный join: ожидался ErrAlreadyJoined, получили %v", err)
	}
}

func TestGetStateLazyStartsFullWaitingRoom(t *testing.T) {
	env := newTestEnv(t)
	room := &domain.Room{ID: "r-lazy", Type: domain.TypeBattle, Status: domain.StatusWaiting, Config: map[string]interface{}{}}
	env.store.rooms[room.ID] = room
	for _, a := range []string{"a", "b", "c", "d"} {
		_ = env.store.Add(context.Background(), room.ID, a)
	}

	out, err := env.eng.GetState(context.Background(), room.ID, "a")
	if err != nil {
		t.Fatalf("getState: %v", err)
	}
	if out["gameStatus"] != string(domain.StatusRunning) {
		t.Fatalf("getState должен лениво запускать набранную комнату, статус %v", out["gameStatus"])
	}
}

func TestGetResultBeforeFinishFails(t *testing.T) {
	env := newTestEnv(t)
	room := env.startRoom(t, domain.TypeBattle, "a", "b", "c", "d")

	_, err := env.eng.GetResult(context.Background(), room.ID, "a")
	if !errors.Is(err, ErrRoomNotFinished) {
		t.Fatalf("ожидался ErrRoomNotFinished, получили %v", err)
	}
}
