package engine

import (
	"sort"
	"time"

	"agent_arena/internal/domain"
)

const (
	mafiaAgents     = 6
	mafiaWolves     = 1
	maxHintLen      = 100
	maxReasonLen    = 100
	citizenWinPts   = 20
	wolfWinPts      = 30
	roleWolf        = "WOLF"
	roleCitizen     = "CITIZEN"
	mafiaHintRounds = 3
)

type wordPair struct {
	Citizen string `json:"citizen_word"`
	Wolf    string `json:"wolf_word"`
}

// Пары близких по смыслу слов. Волк получает похожее слово и не знает, что
// оно отличается от слова горожан.
var mafiaWordPairs = []wordPair{
	{"яблоко", "груша"},
	{"чай", "кофе"},
	{"пицца", "паста"},
	{"море", "озеро"},
	{"кошка", "собака"},
	{"поезд", "трамвай"},
	{"зима", "осень"},
	{"гитара", "скрипка"},
}

// MafiaBlueprint - словесный волк. Три раунда подсказок, потом голосование;
// изгнание одного агента решает исход, фаза result терминальна.
func MafiaBlueprint() *Blueprint {
	bp := &Blueprint{
		Type:           domain.TypeMafia,
		RequiredAgents: mafiaAgents,
		Initial:        "hint_1",
	}

	allAgents := func(st *domain.State) []string {
		out := make([]string, 0, len(st.Agents))
		for id := range st.Agents {
			out = append(out, id)
		}
		return out
	}

	hintPhase := func(next string) *Phase {
		return &Phase{
			Required: allAgents,
			Validate: func(st *domain.State, agentID string, act domain.Action) (domain.Action, error) {
				if act.Type != "hint" {
					return domain.Action{}, reject("HINT_PHASE_REQUIRES_HINT", "ожидается действие hint")
				}
				return domain.Action{Type: "hint", Text: trimClip(act.Text, maxHintLen)}, nil
			},
			Resolve: func(st *domain.State) string {
				hints := []map[string]interface{}{}
				for _, id := range sortedPendingIDs(st) {
					act := st.Pending[id]
					hints = append(hints, map[string]interface{}{
						"agent_id": id, "name": id, "text": act.Text,
					})
				}
				st.History = append(st.History, map[string]interface{}{"phase": st.Phase, "hints": hints})
				return next
			},
		}
	}

	bp.Phases = map[string]*Phase{
		"hint_1": hintPhase("hint_2"),
		"hint_2": hintPhase("hint_3"),
		"hint_3": hintPhase("vote"),
		"vote": {
			Required: allAgents,
			Validate: func(st *domain.State, agentID string, act domain.Action) (domain.Action, error) {
				if act.Type != "vote" {
					return domain.Action{}, reject("VOTE_PHASE_REQUIRES_VOTE", "ожидается действие vote")
				}
				if act.TargetID == agentID {
					return domain.Action{}, reject("CANNOT_VOTE_SELF", "за себя голосовать нельзя")
				}
				if _, ok := st.Agents[act.TargetID]; !ok {
					return domain.Action{}, reject("INVALID_TARGET", "такого агента нет в комнате")
				}
				return domain.Action{Type: "vote", TargetID: act.TargetID, Reason: trimClip(act.Reason, maxReasonLen)}, nil
			},
			Resolve: mafiaResolveVote,
		},
		"result": {Terminal: true},
	}

	bp.Setup = func(agentIDs []string, now time.Time) *domain.State {
		pair := mafiaWordPairs[secureRandInt(int64(len(mafiaWordPairs)))]
		order := append([]string(nil), agentIDs...)
		shuffleStrings(order)

		st := domain.NewState("hint_1", now.Unix())
		st.Round = 1
		st.Data["citizen_word"] = pair.Citizen
		st.Data["wolf_word"] = pair.Wolf
		for i, id := range order {
			role, word := roleCitizen, pair.Citizen
			if i < mafiaWolves {
				role, word = roleWolf, pair.Wolf
			}
			st.Agents[id] = &domain.AgentState{Role: role, SecretWord: word, Alive: true}
		}
		return st
	}

	// молчун при таймауте: пустая подсказка либо голос за случайного соседа
	bp.DefaultAction = func(st *domain.State, agentID string) domain.Action {
		if st.Phase == "vote" {
			var others []string
			for id := range st.Agents {
				if id != agentID {
					others = append(others, id)
				}
			}
			sort.Strings(others)
			return domain.Action{Type: "vote", TargetID: pickString(others)}
		}
		return domain.Action{Type: "hint", Text: ""}
	}

	bp.Project = mafiaProject
	bp.Results = mafiaResults
	return bp
}

func sortedPendingIDs(st *domain.State) []string {
	ids := make([]string, 0, len(st.Pending))
	for id := range st.Pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// подсчет голосов: изгоняется лидер, при равенстве - случайный из лидеров.
// Изгнан волк - победили горожане, иначе волк.
func mafiaResolveVote(st *domain.State) string {
	count := map[string]int{}
	for _, act := range st.Pending {
		if act.Type == "vote" && act.TargetID != "" {
			count[act.TargetID]++
		}
	}

	var eliminated string
	if len(count) == 0 {
		ids := make([]string, 0, len(st.Agents))
		for id := range st.Agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		eliminated = ids[0]
	} else {
		maxVotes := 0
		for _, c := range count {
			if c > maxVotes {
				maxVotes = c
			}
		}
		var leaders []string
		for id, c := range count {
			if c == maxVotes {
				leaders = append(leaders, id)
			}
		}
		sort.Strings(leaders)
		eliminated = pickString(leaders)
	}

	eliminatedRole := roleCitizen
	if ag := st.Agents[eliminated]; ag != nil {
		eliminatedRole = ag.Role
		ag.Alive = false
	}
	winner := roleWolf
	if eliminatedRole == roleWolf {
		winner = roleCitizen
	}

	detail := []map[string]interface{}{}
	for _, id := range sortedPendingIDs(st) {
		act := st.Pending[id]
		detail = append(detail, map[string]interface{}{
			"voter_id": id, "target_id": act.TargetID, "reason": act.Reason,
		})
	}

	st.Data["eliminated_id"] = eliminated
	st.Data["eliminated_role"] = eliminatedRole
	st.Data["winner"] = winner
	st.Data["vote_detail"] = detail
	st.History = append(st.History, map[string]interface{}{
		"phase":           "vote",
		"eliminated_id":   eliminated,
		"eliminated_role": eliminatedRole,
		"winner":          winner,
		"votes":           detail,
	})
	return "result"
}

func mafiaRoundOf(phase string) int {
	switch phase {
	case "hint_1":
		return 1
	case "hint_2":
		return 2
	case "hint_3":
		return 3
	case "vote":
		return 4
	}
	return 5
}

func mafiaProject(room *domain.Room, st *domain.State, agentID string, names []string) map[string]interface{} {
	ag := st.Agents[agentID]

	participants := []map[string]interface{}{}
	for _, id := range names {
		_, submitted := st.Pending[id]
		participants = append(participants, map[string]interface{}{
			"id": id, "name": id, "submitted": submitted,
		})
	}

	var allowed []string
	switch st.Phase {
	case "hint_1", "hint_2", "hint_3":
		allowed = []string{"hint"}
	case "vote":
		allowed = []string{"vote"}
	}

	role, word := roleCitizen, ""
	if ag != nil {
		role, word = ag.Role, ag.SecretWord
	}
	_, selfSubmitted := st.Pending[agentID]

	out := map[string]interface{}{
		"gameStatus": string(room.Status),
		"gameType":   string(domain.TypeMafia),
		"phase":      st.Phase,
		"round":      mafiaRoundOf(st.Phase),
		"self": map[string]interface{}{
			"id": agentID, "name": agentID,
			"role": role, "secretWord": word,
		},
		"participants":    participants,
		"history":         st.History,
		"allowed_actions": allowed,
		"phase_submissions": map[string]interface{}{
			"submitted": len(st.Pending),
			"total":     len(st.Agents),
		},
		"self_submitted": selfSubmitted,
	}
	if st.Phase == "result" {
		winner := st.DataString("winner")
		isWinner := ag != nil && ag.Role == winner
		pts := 0
		if isWinner {
			pts = citizenWinPts
			if winner == roleWolf {
				pts = wolfWinPts
			}
		}
		out["result"] = map[string]interface{}{
			"isWinner":        isWinner,
			"points":          pts,
			"winner":          winner,
			"eliminated_role": st.DataString("eliminated_role"),
			"citizen_word":    st.DataString("citizen_word"),
			"wolf_word":       st.DataString("wolf_word"),
		}
	}
	return out
}

// командный исход: выигравшая сторона целиком получает rank 1 и очки,
// проигравшая rank 2 и ноль
func mafiaResults(st *domain.State) []domain.GameResult {
	winner := st.DataString("winner")
	if winner == "" {
		winner = roleCitizen
	}
	winPts := citizenWinPts
	if winner == roleWolf {
		winPts = wolfWinPts
	}

	ids := make([]string, 0, len(st.Agents))
	for id := range st.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []domain.GameResult
	for _, id := range ids {
		if st.Agents[id].Role == winner {
			results = append(results, domain.GameResult{AgentID: id, Rank: 1, Points: winPts})
		}
	}
	for _, id := range ids {
		if st.Agents[id].Role != winner {
			results = append(results, domain.GameResult{AgentID: id, Rank: 2})
		}
	}
	return results
}
