package engine

import (
	"sort"
	"strings"
	"time"

	"agent_arena/internal/domain"
)

const (
	trialAgents    = 5
	maxSpeechLen   = 200
	trialWinPts    = 20
	rolePros       = "PROSECUTOR"
	roleDefense    = "DEFENSE"
	roleJuror      = "JUROR"
	verdictGuilty  = "GUILTY"
	verdictAcquit  = "NOT_GUILTY"
	guiltyMajority = 2 // из трех присяжных
)

type trialCase struct {
	ID              string   `json:"case_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	EvidenceFor     []string `json:"evidence_for"`
	EvidenceAgainst []string `json:"evidence_against"`
}

// Дела для слушаний. Факты намеренно двусмысленные, исход решает риторика.
var trialCases = []trialCase{
	{
		ID:          "case_001",
		Title:       "Дело о ночном деплое",
		Description: "Обвиняемый выкатил релиз в пятницу вечером без ревью. Продакшен упал на четыре часа.",
		EvidenceFor: []string{
			"CI был зеленый на момент деплоя",
			"Дежурный подтвердил, что релиз согласовали устно",
		},
		EvidenceAgainst: []string{
			"Правила команды прямо запрещают пятничные релизы",
			"Откат занял четыре часа из-за пропущенной миграции",
		},
	},
	{
		ID:          "case_002",
		Title:       "Дело о съеденном обеде",
		Description: "Из офисного холодильника исчез подписанный контейнер с обедом. Обвиняемого видели у холодильника в обеденный перерыв.",
		EvidenceFor: []string{
			"На контейнере не было фамилии, только инициалы",
			"Обвиняемый утверждает, что перепутал со своим",
		},
		EvidenceAgainst: []string{
			"Инициалы не совпадают с инициалами обвиняемого",
			"Это третий случай за месяц",
		},
	},
	{
		ID:          "case_003",
		Title:       "Дело о скопированном коде",
		Description: "В проекте обвиняемого нашли фрагмент, совпадающий с чужой закрытой библиотекой.",
		EvidenceFor: []string{
			"Фрагмент тривиален и мог быть написан независимо",
			"Обвиняемый не имел доступа к исходникам библиотеки",
		},
		EvidenceAgainst: []string{
			"Совпадают даже имена внутренних переменных",
			"Обвиняемый ранее работал в компании-владельце",
		},
	},
}

var (
	trialJuryPhases = map[string]string{
		"jury_first":  "argument_1",
		"jury_second": "argument_2",
		"jury_final":  "verdict",
	}
	trialArgPhases = map[string]string{
		"argument_1": "jury_second",
		"argument_2": "jury_final",
	}
)

// TrialBlueprint - модельный суд без судьи: прокурор, защитник и трое
// присяжных. Чередование голосований и прений:
// opening -> jury_first -> argument_1 -> jury_second -> argument_2 ->
// jury_final -> verdict. Действий в каждой фазе ждут только те роли,
// которым фаза адресована; остальным submit запрещен.
func TrialBlueprint() *Blueprint {
	bp := &Blueprint{
		Type:           domain.TypeTrial,
		RequiredAgents: trialAgents,
		Initial:        "opening",
	}

	allAgents := func(st *domain.State) []string {
		out := make([]string, 0, len(st.Agents))
		for id := range st.Agents {
			out = append(out, id)
		}
		return out
	}
	jurors := func(st *domain.State) []string { return st.AgentsWithRole(roleJuror) }
	sides := func(st *domain.State) []string { return st.AgentsWithRole(rolePros, roleDefense) }

	juryPhase := func(name string) *Phase {
		return &Phase{
			Required: jurors,
			Validate: func(st *domain.State, agentID string, act domain.Action) (domain.Action, error) {
				if act.Type != "vote" {
					return domain.Action{}, reject("JURY_VOTE_REQUIRES_VOTE", `ожидается {"type":"vote","verdict":"GUILTY"|"NOT_GUILTY"}`)
				}
				return domain.Action{Type: "vote", Verdict: normalizeVerdict(act.Verdict)}, nil
			},
			Resolve: func(st *domain.State) string {
				votes := []map[string]interface{}{}
				for _, id := range sortedPendingIDs(st) {
					votes = append(votes, map[string]interface{}{"agent_id": id, "verdict": st.Pending[id].Verdict})
				}
				st.History = append(st.History, map[string]interface{}{"phase": name, "votes": votes})
				if name == "jury_final" {
					trialFinalVerdict(st)
				}
				return trialJuryPhases[name]
			},
		}
	}
	argPhase := func(name string) *Phase {
		return &Phase{
			Required: sides,
			Validate: func(st *domain.State, agentID string, act domain.Action) (domain.Action, error) {
				if act.Type != "speak" {
					return domain.Action{}, reject("ARGUMENT_REQUIRES_SPEAK", `ожидается {"type":"speak","text":"..."} (до 200 символов)`)
				}
				return domain.Action{Type: "speak", Text: trimClip(act.Text, maxSpeechLen)}, nil
			},
			Resolve: func(st *domain.State) string {
				speeches := []map[string]interface{}{}
				for _, id := range sortedPendingIDs(st) {
					role := ""
					if ag := st.Agents[id]; ag != nil {
						role = ag.Role
					}
					speeches = append(speeches, map[string]interface{}{"agent_id": id, "role": role, "text": st.Pending[id].Text})
				}
				st.History = append(st.History, map[string]interface{}{"phase": name, "speeches": speeches})
				return trialArgPhases[name]
			},
		}
	}

	bp.Phases = map[string]*Phase{
		"opening": {
			Required: allAgents,
			Validate: func(st *domain.State, agentID string, act domain.Action) (domain.Action, error) {
				if act.Type != "ready" && act.Type != "pass" {
					return domain.Action{}, reject("OPENING_REQUIRES_READY", `отправьте {"type":"ready"}`)
				}
				return domain.Action{Type: "ready"}, nil
			},
			Resolve: func(st *domain.State) string {
				st.History = append(st.History, map[string]interface{}{"phase": "opening", "case_revealed": true})
				return "jury_first"
			},
		},
		"jury_first":  juryPhase("jury_first"),
		"argument_1":  argPhase("argument_1"),
		"jury_second": juryPhase("jury_second"),
		"argument_2":  argPhase("argument_2"),
		"jury_final":  juryPhase("jury_final"),
		"verdict":     {Terminal: true},
	}

	bp.Setup = func(agentIDs []string, now time.Time) *domain.State {
		c := trialCases[secureRandInt(int64(len(trialCases)))]
		order := append([]string(nil), agentIDs...)
		shuffleStrings(order)
		roles := []string{rolePros, roleDefense, roleJuror, roleJuror, roleJuror}
		shuffleStrings(roles)

		st := domain.NewState("opening", now.Unix())
		st.Data["case"] = map[string]interface{}{
			"case_id":          c.ID,
			"title":            c.Title,
			"description":      c.Description,
			"evidence_for":     append([]string(nil), c.EvidenceFor...),
			"evidence_against": append([]string(nil), c.EvidenceAgainst...),
		}
		for i, id := range order {
			st.Agents[id] = &domain.AgentState{Role: roles[i]}
		}
		return st
	}

	// молчание трактуется против обвинения: присяжный по умолчанию оправдывает
	bp.DefaultAction = func(st *domain.State, agentID string) domain.Action {
		switch {
		case st.Phase == "opening":
			return domain.Action{Type: "ready"}
		case trialJuryPhases[st.Phase] != "":
			return domain.Action{Type: "vote", Verdict: verdictAcquit}
		}
		return domain.Action{Type: "speak", Text: ""}
	}

	bp.Project = trialProject
	bp.Results = trialResults
	return bp
}

func normalizeVerdict(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v != verdictGuilty && v != verdictAcquit {
		return verdictAcquit
	}
	return v
}

// финальный вердикт: виновен при двух и более голосах GUILTY из трех.
// Финальные голоса присяжных фиксируются в их состоянии для начисления очков.
func trialFinalVerdict(st *domain.State) {
	guilty := 0
	for id, act := range st.Pending {
		if act.Type != "vote" {
			continue
		}
		if ag := st.Agents[id]; ag != nil {
			ag.Vote = act.Verdict
		}
		if act.Verdict == verdictGuilty {
			guilty++
		}
	}
	verdict := verdictAcquit
	winner := roleDefense
	if guilty >= guiltyMajority {
		verdict = verdictGuilty
		winner = rolePros
	}
	st.Data["verdict"] = verdict
	st.Data["winner_team"] = winner

	agents := []map[string]interface{}{}
	ids := make([]string, 0, len(st.Agents))
	for id := range st.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		agents = append(agents, map[string]interface{}{
			"agent_id":   id,
			"role":       st.Agents[id].Role,
			"final_vote": st.Agents[id].Vote,
		})
	}
	st.History = append(st.History, map[string]interface{}{
		"phase":       "verdict",
		"verdict":     verdict,
		"winner_team": winner,
		"agents":      agents,
	})
}

// подсказка агенту: какой тип действия ждет текущая фаза от его роли
func trialGuidance(phase, role string) (string, string) {
	switch {
	case phase == "opening":
		return "ready", `Подтвердите готовность: {"type": "ready"}`
	case trialJuryPhases[phase] != "":
		if role == roleJuror {
			return "vote", `Вынесите вердикт: {"type": "vote", "verdict": "GUILTY"} или {"type": "vote", "verdict": "NOT_GUILTY"}`
		}
		return "", "Голосуют только присяжные, дождитесь следующей фазы."
	case trialArgPhases[phase] != "":
		if role == rolePros || role == roleDefense {
			return "speak", `Изложите довод: {"type": "speak", "text": "одно предложение"} (до 200 символов)`
		}
		return "", "Выступают только стороны, дождитесь следующей фазы."
	case phase == "verdict":
		return "", "Процесс завершен."
	}
	return "", "Дождитесь следующей фазы."
}

func trialProject(room *domain.Room, st *domain.State, agentID string, names []string) map[string]interface{} {
	ag := st.Agents[agentID]
	role := ""
	if ag != nil {
		role = ag.Role
	}

	participants := []map[string]interface{}{}
	for _, id := range names {
		r := ""
		if a := st.Agents[id]; a != nil {
			r = a.Role
		}
		// чужие роли публичны: суд открытый, скрывать нечего
		participants = append(participants, map[string]interface{}{"id": id, "name": id, "role": r})
	}

	var allowed []string
	switch {
	case st.Phase == "opening":
		allowed = []string{"ready"}
	case trialJuryPhases[st.Phase] != "" && role == roleJuror:
		allowed = []string{"vote"}
	case trialArgPhases[st.Phase] != "" && (role == rolePros || role == roleDefense):
		allowed = []string{"speak"}
	}

	var required []string
	if ph := trialRequired(st); ph != nil {
		required = ph
	}
	expected, instruction := trialGuidance(st.Phase, role)

	out := map[string]interface{}{
		"gameStatus":         string(room.Status),
		"gameType":           string(domain.TypeTrial),
		"phase":              st.Phase,
		"case":               st.Data["case"],
		"self":               map[string]interface{}{"id": agentID, "name": agentID, "role": role},
		"participants":       participants,
		"history":            st.History,
		"allowed_actions":    allowed,
		"expected_action":    expected,
		"action_instruction": instruction,
		"phase_submissions": map[string]interface{}{
			"submitted": len(st.Pending),
			"total":     len(required),
		},
	}
	if room.Status == domain.StatusFinished {
		verdict := st.DataString("verdict")
		winner := st.DataString("winner_team")
		pts := 0
		if trialIsWinner(st, agentID, winner) {
			pts = trialWinPts
		}
		out["result"] = map[string]interface{}{
			"points":      pts,
			"verdict":     verdict,
			"winner_team": winner,
		}
	}
	return out
}

func trialRequired(st *domain.State) []string {
	switch {
	case st.Phase == "opening":
		out := make([]string, 0, len(st.Agents))
		for id := range st.Agents {
			out = append(out, id)
		}
		return out
	case trialJuryPhases[st.Phase] != "":
		return st.AgentsWithRole(roleJuror)
	case trialArgPhases[st.Phase] != "":
		return st.AgentsWithRole(rolePros, roleDefense)
	}
	return nil
}

// победители: выигравшая сторона и присяжные, чей финальный голос совпал с
// вердиктом
func trialIsWinner(st *domain.State, agentID, winner string) bool {
	ag := st.Agents[agentID]
	if ag == nil {
		return false
	}
	switch winner {
	case rolePros:
		return ag.Role == rolePros || (ag.Role == roleJuror && ag.Vote == verdictGuilty)
	case roleDefense:
		return ag.Role == roleDefense || (ag.Role == roleJuror && ag.Vote == verdictAcquit)
	}
	return false
}

func trialResults(st *domain.State) []domain.GameResult {
	winner := st.DataString("winner_team")
	if winner == "" {
		winner = roleDefense
	}

	ids := make([]string, 0, len(st.Agents))
	for id := range st.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []domain.GameResult
	for _, id := range ids {
		if trialIsWinner(st, id, winner) {
			results = append(results, domain.GameResult{AgentID: id, Rank: 1, Points: trialWinPts})
		}
	}
	for _, id := range ids {
		if !trialIsWinner(st, id, winner) {
			results = append(results, domain.GameResult{AgentID: id, Rank: 2})
		}
	}
	return results
}
