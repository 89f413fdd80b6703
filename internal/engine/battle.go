package engine

import (
	"time"

	"agent_arena/internal/domain"
)

// Параметры баттла: 4 агента, до 15 раундов, газ сужает арену с 8 раунда.
const (
	battleAgents    = 4
	battleMaxRounds = 15
	battleStartHP   = 4
	battleMaxEnergy = 3
	maxDefendStreak = 3
	gasRandomStart  = 8
	gasAllStart     = 11
)

// BattleBlueprint - королевская битва на выживание. Единственная игровая фаза
// collect собирает действия живых агентов и сама же применяет раунд при
// разрешении; отдельной фазы apply в графе нет.
func BattleBlueprint() *Blueprint {
	bp := &Blueprint{
		Type:           domain.TypeBattle,
		RequiredAgents: battleAgents,
		Initial:        "collect",
	}

	bp.Phases = map[string]*Phase{
		"collect": {
			Required: func(st *domain.State) []string {
				return st.AliveAgents()
			},
			Validate: battleValidate,
			Resolve:  battleApplyRound,
		},
		"end": {Terminal: true},
	}

	bp.Setup = func(agentIDs []string, now time.Time) *domain.State {
		order := append([]string(nil), agentIDs...)
		shuffleStrings(order)

		st := domain.NewState("collect", now.Unix())
		st.Round = 1
		st.Data["action_order"] = order
		for i, id := range order {
			st.Agents[id] = &domain.AgentState{
				Order: i,
				Alive: true,
				HP:    battleStartHP,
			}
		}
		return st
	}

	// несдавший живой агент копит энергию
	bp.DefaultAction = func(st *domain.State, agentID string) domain.Action {
		return domain.Action{Type: "charge"}
	}

	bp.Project = battleProject
	bp.Results = battleResults
	return bp
}

func battleValidate(st *domain.State, agentID string, act domain.Action) (domain.Action, error) {
	ag := st.Agents[agentID]
	if ag == nil || !ag.Alive {
		return domain.Action{}, reject("AGENT_DEAD", "мертвые не ходят")
	}
	switch act.Type {
	case "defend":
		if ag.DefendStreak >= maxDefendStreak {
			return domain.Action{}, reject("DEFEND_STREAK_LIMIT", "третья защита подряд недоступна")
		}
		return domain.Action{Type: "defend"}, nil
	case "attack":
		if act.TargetID == "" {
			return domain.Action{}, reject("ATTACK_NEEDS_TARGET", "укажите target_id")
		}
		t := st.Agents[act.TargetID]
		if t == nil || !t.Alive {
			return domain.Action{}, reject("INVALID_TARGET", "цель не существует или мертва")
		}
		return domain.Action{Type: "attack", TargetID: act.TargetID}, nil
	case "charge":
		return domain.Action{Type: "charge"}, nil
	}
	// незнакомый тип тихо деградирует в charge, чтобы кривой бот не стопорил раунд
	return domain.Action{Type: "charge"}, nil
}

// применяет собранный раунд: действия в порядке очереди, смерти, газ.
// Возвращает следующую фазу (collect или терминальный end).
func battleApplyRound(st *domain.State) string {
	var log []map[string]interface{}

	order := st.DataStrings("action_order")
	var alive []string
	for _, id := range order {
		if ag := st.Agents[id]; ag != nil && ag.Alive {
			alive = append(alive, id)
		}
	}
	defenders := map[string]bool{}
	for id, act := range st.Pending {
		if act.Type == "defend" {
			defenders[id] = true
		}
	}

	for _, id := range alive {
		ag := st.Agents[id]
		if !ag.Alive {
			log = append(log, map[string]interface{}{"agent_id": id, "type": "skip", "reason": "dead_before_action"})
			continue
		}
		act, ok := st.Pending[id]
		if !ok {
			act = domain.Action{Type: "charge"}
		}
		switch act.Type {
		case "charge":
			if ag.Energy < battleMaxEnergy {
				ag.Energy++
			}
			ag.DefendStreak = 0
			log = append(log, map[string]interface{}{"agent_id": id, "type": "charge", "energy_after": ag.Energy})
		case "defend":
			ag.DefendStreak++
			log = append(log, map[string]interface{}{"agent_id": id, "type": "defend", "streak": ag.DefendStreak})
		case "attack":
			tg := st.Agents[act.TargetID]
			ag.DefendStreak = 0
			dmg := 1 + ag.Energy
			ag.Energy = 0
			ag.AttackCount++
			switch {
			case tg == nil || !tg.Alive:
				log = append(log, map[string]interface{}{"agent_id": id, "type": "attack_invalid", "target_id": act.TargetID})
			case defenders[act.TargetID]:
				log = append(log, map[string]interface{}{"agent_id": id, "type": "attack_blocked", "target_id": act.TargetID, "damage": dmg})
			default:
				tg.HP -= dmg
				log = append(log, map[string]interface{}{"agent_id": id, "type": "attack_hit", "target_id": act.TargetID, "damage": dmg, "target_hp_after": tg.HP})
			}
		}
	}

	log = battleProcessDeaths(st, log)
	log = battleApplyGas(st, log)
	st.History = append(st.History, map[string]interface{}{"round": st.Round, "log": log})

	if len(st.AliveAgents()) <= 1 || st.Round >= battleMaxRounds {
		return "end"
	}

	st.Round++
	// очередь ходов сдвигается: живые по кругу
	var nextOrder []string
	for _, id := range order {
		if ag := st.Agents[id]; ag != nil && ag.Alive {
			nextOrder = append(nextOrder, id)
		}
	}
	if len(nextOrder) > 0 {
		nextOrder = append(nextOrder[1:], nextOrder[0])
	}
	st.Data["action_order"] = nextOrder
	return "collect"
}

// смерти раунда. При одновременной гибели нескольких выживает один:
// с наибольшим attack_count, при равенстве - случайный, остается с 1 hp.
func battleProcessDeaths(st *domain.State, log []map[string]interface{}) []map[string]interface{} {
	var dead []string
	for _, id := range st.DataStrings("action_order") {
		if ag := st.Agents[id]; ag != nil && ag.Alive && ag.HP <= 0 {
			dead = append(dead, id)
		}
	}
	// action_order уже сузили до живых, добираем остальных (газ бьет и вне очереди)
	for id, ag := range st.Agents {
		if ag.Alive && ag.HP <= 0 && !contains(dead, id) {
			dead = append(dead, id)
		}
	}
	if len(dead) == 0 {
		return log
	}
	if len(dead) == 1 {
		ag := st.Agents[dead[0]]
		ag.Alive = false
		ag.HP = 0
		return append(log, map[string]interface{}{"type": "death", "agent_id": dead[0]})
	}

	maxAtk := 0
	for _, id := range dead {
		if c := st.Agents[id].AttackCount; c > maxAtk {
			maxAtk = c
		}
	}
	var top []string
	for _, id := range dead {
		if st.Agents[id].AttackCount == maxAtk {
			top = append(top, id)
		}
	}
	survivor := pickString(top)
	for _, id := range dead {
		if id == survivor {
			continue
		}
		st.Agents[id].Alive = false
		st.Agents[id].HP = 0
		log = append(log, map[string]interface{}{"type": "death", "agent_id": id, "reason": "simultaneous_defeat"})
	}
	st.Agents[survivor].HP = 1
	reason := "attack_count"
	if len(top) > 1 {
		reason = "random"
	}
	return append(log, map[string]interface{}{"type": "simultaneous_survival", "agent_id": survivor, "reason": reason})
}

// газ: с 8 раунда бьет случайного живого, с 11 - всех
func battleApplyGas(st *domain.State, log []map[string]interface{}) []map[string]interface{} {
	alive := st.AliveAgents()
	if len(alive) == 0 {
		return log
	}
	switch {
	case st.Round >= gasAllStart:
		for _, id := range alive {
			st.Agents[id].HP--
			log = append(log, map[string]interface{}{"type": "gas_all", "agent_id": id, "hp_after": st.Agents[id].HP})
		}
		log = battleProcessDeaths(st, log)
	case st.Round >= gasRandomStart:
		victim := pickString(alive)
		st.Agents[victim].HP--
		log = append(log, map[string]interface{}{"type": "gas_random", "agent_id": victim, "hp_after": st.Agents[victim].HP})
		log = battleProcessDeaths(st, log)
	}
	return log
}

func battleGasInfo(round int) map[string]interface{} {
	switch {
	case round < gasRandomStart:
		return map[string]interface{}{"status": "safe", "rounds_until_gas": gasRandomStart - round}
	case round < gasAllStart:
		return map[string]interface{}{"status": "random_gas", "rounds_until_all_gas": gasAllStart - round}
	}
	return map[string]interface{}{"status": "all_gas"}
}

func battleProject(room *domain.Room, st *domain.State, agentID string, names []string) map[string]interface{} {
	ag := st.Agents[agentID]

	others := []map[string]interface{}{}
	for id, s := range st.Agents {
		if id == agentID || s == nil {
			continue
		}
		others = append(others, map[string]interface{}{
			"id": id, "name": id,
			"hp": s.HP, "energy": s.Energy,
			"alive": s.Alive, "attack_count": s.AttackCount,
		})
	}

	allowed := []string{"attack", "charge"}
	if ag == nil || ag.DefendStreak < maxDefendStreak {
		allowed = append(allowed, "defend")
	}

	order := st.DataStrings("action_order")
	myPos := -1
	for i, id := range order {
		if id == agentID {
			myPos = i
			break
		}
	}

	var lastRound map[string]interface{}
	if n := len(st.History); n > 0 {
		lastRound = st.History[n-1]
	}

	out := map[string]interface{}{
		"gameStatus":   string(room.Status),
		"gameType":     string(domain.TypeBattle),
		"round":        st.Round,
		"maxRounds":    battleMaxRounds,
		"phase":        st.Phase,
		"action_order": order,
		"my_position":  myPos,
		"self": map[string]interface{}{
			"id":            agentID,
			"name":          agentID,
			"hp":            agentHP(ag),
			"energy":        agentEnergy(ag),
			"defend_streak": agentDefendStreak(ag),
			"attack_count":  agentAttackCount(ag),
			"isAlive":       ag == nil || ag.Alive,
		},
		"other_agents":    others,
		"allowed_actions": allowed,
		"last_round":      lastRound,
		"gas_info":        battleGasInfo(st.Round),
	}
	if st.Phase == "end" {
		results := battleResults(st)
		out["result"] = resultFor(results, agentID)
	}
	return out
}

func agentHP(a *domain.AgentState) int {
	if a == nil {
		return 0
	}
	return a.HP
}

func agentEnergy(a *domain.AgentState) int {
	if a == nil {
		return 0
	}
	return a.Energy
}

func agentDefendStreak(a *domain.AgentState) int {
	if a == nil {
		return 0
	}
	return a.DefendStreak
}

func agentAttackCount(a *domain.AgentState) int {
	if a == nil {
		return 0
	}
	return a.AttackCount
}

func resultFor(results []domain.GameResult, agentID string) map[string]interface{} {
	for _, r := range results {
		if r.AgentID == agentID {
			return map[string]interface{}{"isWinner": r.Rank == 1, "rank": r.Rank, "points": r.Points}
		}
	}
	return nil
}

// Итоги: выживший - победитель (60 очков), остальные ранжируются по порядку
// гибели с конца. Если живых несколько (лимит раундов) или ноль (газ добил
// всех), победитель - максимальный attack_count, при равенстве случайный.
func battleResults(st *domain.State) []domain.GameResult {
	var alive, dead []string
	for id, ag := range st.Agents {
		if ag.Alive {
			alive = append(alive, id)
		} else {
			dead = append(dead, id)
		}
	}

	pickByAttack := func(pool []string) string {
		maxAtk := -1
		for _, id := range pool {
			if c := st.Agents[id].AttackCount; c > maxAtk {
				maxAtk = c
			}
		}
		var top []string
		for _, id := range pool {
			if st.Agents[id].AttackCount == maxAtk {
				top = append(top, id)
			}
		}
		return pickString(top)
	}

	var winner string
	switch {
	case len(alive) == 1:
		winner = alive[0]
	case len(alive) > 1:
		winner = pickByAttack(alive)
	default:
		all := make([]string, 0, len(st.Agents))
		for id := range st.Agents {
			all = append(all, id)
		}
		winner = pickByAttack(all)
	}

	results := []domain.GameResult{{AgentID: winner, Rank: 1, Points: 60}}
	rank := 2
	for _, id := range alive {
		if id != winner {
			results = append(results, domain.GameResult{AgentID: id, Rank: rank})
			rank++
		}
	}
	// погибшие в обратном хронологическом порядке: кто дольше жил, тот выше
	deathOrder := deathOrderFromHistory(st, dead)
	for i := len(deathOrder) - 1; i >= 0; i-- {
		if deathOrder[i] == winner {
			continue
		}
		results = append(results, domain.GameResult{AgentID: deathOrder[i], Rank: rank})
		rank++
	}
	return results
}

// восстанавливает порядок гибели по history; не нашедшиеся там идут в конец
func deathOrderFromHistory(st *domain.State, dead []string) []string {
	seen := map[string]bool{}
	var order []string
	for _, entry := range st.History {
		for _, ev := range logEvents(entry["log"]) {
			if t, _ := ev["type"].(string); t != "death" {
				continue
			}
			id, _ := ev["agent_id"].(string)
			if id != "" && !seen[id] && contains(dead, id) {
				seen[id] = true
				order = append(order, id)
			}
		}
	}
	for _, id := range dead {
		if !seen[id] {
			order = append(order, id)
		}
	}
	return order
}

// лог раунда из history: в памяти это []map, после jsonb - []interface{}
func logEvents(v interface{}) []map[string]interface{} {
	switch t := v.(type) {
	case []map[string]interface{}:
		return t
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for _, e := range t {
			if m, ok := e.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
