package engine

import (
	"sort"
	"strings"
	"time"

	"agent_arena/internal/domain"
)

const (
	oxAgents        = 5
	oxMaxRounds     = 5
	oxMaxCommentLen = 100
	oxSoleMinority  = 12
)

// Пул утверждений раунда. Вопрос - провокация для O/X, правильного ответа нет.
var oxQuestions = []string{
	"ИИ способен судить справедливее человека",
	"Технический прогресс всегда во благо",
	"Удаленная работа эффективнее офисной",
	"Через десять лет большинство кода будут писать машины",
	"Анонимность в сети приносит больше вреда, чем пользы",
	"Универсальный базовый доход неизбежен",
	"Коллекционные NFT вернутся в моду",
	"Человечество колонизирует Марс до 2100 года",
}

// OXBlueprint - игра меньшинства. Каждый раунд два узла: first_choice (выбор
// O/X с комментарием) и switch (единственный за игру разворот выбора). Подсчет
// очков происходит при разрешении switch, отдельной фазы reveal в графе нет:
// чужие первые выборы открываются проекцией начиная с фазы switch.
func OXBlueprint() *Blueprint {
	bp := &Blueprint{
		Type:           domain.TypeOX,
		RequiredAgents: oxAgents,
		Initial:        "first_choice",
	}

	allAgents := func(st *domain.State) []string {
		out := make([]string, 0, len(st.Agents))
		for id := range st.Agents {
			out = append(out, id)
		}
		return out
	}

	bp.Phases = map[string]*Phase{
		"first_choice": {
			Required: allAgents,
			Validate: func(st *domain.State, agentID string, act domain.Action) (domain.Action, error) {
				if act.Type != "first_choice" {
					return domain.Action{}, reject("FIRST_CHOICE_PHASE", "ожидается действие first_choice")
				}
				return domain.Action{
					Type:    "first_choice",
					Choice:  normalizeChoice(act.Choice),
					Comment: trimClip(act.Comment, oxMaxCommentLen),
				}, nil
			},
			Resolve: oxResolveFirstChoice,
		},
		"switch": {
			Required: allAgents,
			Validate: func(st *domain.State, agentID string, act domain.Action) (domain.Action, error) {
				if act.Type != "switch" {
					return domain.Action{}, reject("SWITCH_PHASE", "ожидается действие switch")
				}
				ag := st.Agents[agentID]
				if act.UseSwitch && (ag == nil || !ag.SwitchAvailable) {
					return domain.Action{}, reject("SWITCH_NOT_AVAILABLE", "разворот уже израсходован")
				}
				return domain.Action{
					Type:      "switch",
					UseSwitch: act.UseSwitch,
					Comment:   trimClip(act.Comment, oxMaxCommentLen),
				}, nil
			},
			Resolve: oxResolveSwitch,
		},
		"end": {Terminal: true},
	}

	bp.Setup = func(agentIDs []string, now time.Time) *domain.State {
		qs := append([]string(nil), oxQuestions...)
		shuffleStrings(qs)

		st := domain.NewState("first_choice", now.Unix())
		st.Round = 1
		st.Data["questions"] = qs[:oxMaxRounds]
		for _, id := range agentIDs {
			st.Agents[id] = &domain.AgentState{SwitchAvailable: true}
		}
		return st
	}

	bp.DefaultAction = func(st *domain.State, agentID string) domain.Action {
		if st.Phase == "switch" {
			return domain.Action{Type: "switch"}
		}
		return domain.Action{Type: "first_choice", Choice: "O"}
	}

	bp.Project = oxProject
	bp.Results = oxResults
	return bp
}

func normalizeChoice(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c != "O" && c != "X" {
		return "O"
	}
	return c
}

func trimClip(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > max {
		return string(r[:max])
	}
	return s
}

func oxQuestion(st *domain.State) string {
	qs := st.DataStrings("questions")
	if st.Round >= 1 && st.Round <= len(qs) {
		return qs[st.Round-1]
	}
	return ""
}

func oxResolveFirstChoice(st *domain.State) string {
	for id, act := range st.Pending {
		if ag := st.Agents[id]; ag != nil {
			ag.FirstChoice = act.Choice
			ag.Comment = act.Comment
		}
	}
	return "switch"
}

// разрешение switch: применяем развороты, начисляем очки меньшинству,
// пишем итог раунда в history
func oxResolveSwitch(st *domain.State) string {
	for id, act := range st.Pending {
		ag := st.Agents[id]
		if ag == nil {
			continue
		}
		if act.UseSwitch && ag.SwitchAvailable {
			if ag.FirstChoice == "O" {
				ag.FinalChoice = "X"
			} else {
				ag.FinalChoice = "O"
			}
			ag.SwitchUsed = true
			ag.SwitchAvailable = false
		} else {
			ag.FinalChoice = ag.FirstChoice
			if ag.FinalChoice == "" {
				ag.FinalChoice = "O"
			}
		}
	}

	oCount, xCount := 0, 0
	for _, ag := range st.Agents {
		if ag.FinalChoice == "X" {
			xCount++
		} else {
			oCount++
		}
	}

	minority := ""
	minorityCount, majorityCount := 0, 0
	switch {
	case oCount < xCount:
		minority, minorityCount, majorityCount = "O", oCount, xCount
	case xCount < oCount:
		minority, minorityCount, majorityCount = "X", xCount, oCount
	}
	// единственный в меньшинстве получает фикс, иначе каждому по два очка
	// за голову большинства; при ничьей никто ничего
	points := 0
	if minority != "" {
		if minorityCount == 1 {
			points = oxSoleMinority
		} else {
			points = majorityCount * 2
		}
	}
	for _, ag := range st.Agents {
		if minority != "" && ag.FinalChoice == minority {
			ag.RoundPoints += points
		}
	}

	st.History = append(st.History, map[string]interface{}{
		"round":          st.Round,
		"question":       oxQuestion(st),
		"distribution":   map[string]interface{}{"O": oCount, "X": xCount},
		"minority":       minority,
		"points_awarded": points,
	})

	if st.Round >= oxMaxRounds {
		return "end"
	}
	st.Round++
	for _, ag := range st.Agents {
		ag.FirstChoice = ""
		ag.FinalChoice = ""
		ag.Comment = ""
	}
	return "first_choice"
}

func oxProject(room *domain.Room, st *domain.State, agentID string, names []string) map[string]interface{} {
	ag := st.Agents[agentID]

	// первые выборы видны всем начиная с фазы switch
	reveal := []map[string]interface{}{}
	if st.Phase == "switch" || st.Phase == "end" {
		for _, id := range names {
			a := st.Agents[id]
			if a == nil {
				continue
			}
			choice := a.FirstChoice
			if choice == "" {
				choice = a.FinalChoice
			}
			if choice == "" {
				choice = "O"
			}
			reveal = append(reveal, map[string]interface{}{
				"id": id, "name": id, "choice": choice, "comment": a.Comment,
			})
		}
	}

	scoreboard := oxScoreboard(st)

	var allowed []string
	switch st.Phase {
	case "first_choice":
		allowed = []string{"first_choice"}
	case "switch":
		allowed = []string{"switch"}
	}

	self := map[string]interface{}{
		"id": agentID, "name": agentID,
		"first_choice":     "",
		"switch_available": true,
		"total_points":     0,
	}
	if ag != nil {
		self["first_choice"] = ag.FirstChoice
		self["switch_available"] = ag.SwitchAvailable
		self["total_points"] = ag.RoundPoints
	}

	out := map[string]interface{}{
		"gameStatus":      string(room.Status),
		"gameType":        string(domain.TypeOX),
		"round":           st.Round,
		"maxRounds":       oxMaxRounds,
		"phase":           st.Phase,
		"question":        oxQuestion(st),
		"self":            self,
		"reveal":          reveal,
		"scoreboard":      scoreboard,
		"history":         st.History,
		"allowed_actions": allowed,
	}
	if room.Status == domain.StatusFinished {
		out["result"] = resultFor(oxResults(st), agentID)
	}
	return out
}

func oxScoreboard(st *domain.State) []map[string]interface{} {
	board := make([]map[string]interface{}, 0, len(st.Agents))
	for id, ag := range st.Agents {
		board = append(board, map[string]interface{}{"id": id, "name": id, "points": ag.RoundPoints})
	}
	sort.Slice(board, func(i, j int) bool {
		pi, pj := board[i]["points"].(int), board[j]["points"].(int)
		if pi != pj {
			return pi > pj
		}
		return board[i]["id"].(string) < board[j]["id"].(string)
	})
	return board
}

// места по сумме раундовых очков, 60 за первое место. Раундовые очки служат
// только для ранжирования, в кошелек идут итоговые.
func oxResults(st *domain.State) []domain.GameResult {
	type row struct {
		id  string
		pts int
	}
	rows := make([]row, 0, len(st.Agents))
	for id, ag := range st.Agents {
		rows = append(rows, row{id, ag.RoundPoints})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].pts != rows[j].pts {
			return rows[i].pts > rows[j].pts
		}
		return rows[i].id < rows[j].id
	})
	results := make([]domain.GameResult, 0, len(rows))
	for i, r := range rows {
		pts := 0
		if i == 0 {
			pts = 60
		}
		results = append(results, domain.GameResult{AgentID: r.id, Rank: i + 1, Points: pts})
	}
	return results
}
