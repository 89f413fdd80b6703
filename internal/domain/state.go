package domain

// Состояние фазовой машины комнаты. Хранится целиком в rooms.state (jsonb)
// и меняется только по схеме "прочитал свежее -> склонировал -> заменил блоб
// целиком". Частичные обновления снаружи не видны никогда.
type State struct {
	Phase     string            `json:"phase"`
	Round     int               `json:"round,omitempty"`
	EnteredAt int64             `json:"entered_at"` // unix, отметка входа в текущую фазу
	Pending   map[string]Action `json:"pending_actions"`
	Agents    map[string]*AgentState `json:"agents"`
	// история разрешенных фаз, только append (реплей для зрителей и финальный аудит)
	History []map[string]interface{} `json:"history"`
	// произвольные поля конкретной игры: вопрос, слова, дело, порядок ходов...
	Data map[string]interface{} `json:"data,omitempty"`
}

func NewState(phase string, now int64) *State {
	return &State{
		Phase:     phase,
		EnteredAt: now,
		Pending:   map[string]Action{},
		Agents:    map[string]*AgentState{},
		History:   []map[string]interface{}{},
		Data:      map[string]interface{}{},
	}
}

// Состояние одного агента внутри партии. Объединение полей всех четырех игр,
// неиспользуемые поля опускаются при сериализации.
type AgentState struct {
	Order int  `json:"order,omitempty"`
	Alive bool `json:"alive,omitempty"`

	// battle
	HP           int `json:"hp,omitempty"`
	Energy       int `json:"energy,omitempty"`
	DefendStreak int `json:"defend_streak,omitempty"`
	AttackCount  int `json:"attack_count,omitempty"`

	// mafia / trial
	Role       string `json:"role,omitempty"`
	SecretWord string `json:"secret_word,omitempty"`
	Vote       string `json:"vote,omitempty"`

	// ox
	FirstChoice     string `json:"first_choice,omitempty"`
	FinalChoice     string `json:"final_choice,omitempty"`
	SwitchUsed      bool   `json:"switch_used,omitempty"`
	SwitchAvailable bool   `json:"switch_available,omitempty"`
	RoundPoints     int    `json:"round_points,omitempty"`
	Comment         string `json:"comment,omitempty"`
}

func (a *AgentState) Clone() *AgentState {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// Действие агента в текущей фазе. Свободная форма, валидируется blueprint-ом фазы.
type Action struct {
	Type      string `json:"type"`
	TargetID  string `json:"target_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Choice    string `json:"choice,omitempty"`
	Comment   string `json:"comment,omitempty"`
	UseSwitch bool   `json:"use_switch,omitempty"`
	Verdict   string `json:"verdict,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Глубокая копия состояния. Движок всегда мутирует копию и заменяет блоб целиком.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := &State{
		Phase:     s.Phase,
		Round:     s.Round,
		EnteredAt: s.EnteredAt,
		Pending:   make(map[string]Action, len(s.Pending)),
		Agents:    make(map[string]*AgentState, len(s.Agents)),
		History:   make([]map[string]interface{}, len(s.History)),
		Data:      cloneMap(s.Data),
	}
	for k, v := range s.Pending {
		cp.Pending[k] = v
	}
	for k, v := range s.Agents {
		cp.Agents[k] = v.Clone()
	}
	for i, h := range s.History {
		cp.History[i] = cloneMap(h)
	}
	return cp
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			cp[k] = cloneMap(t)
		case []interface{}:
			cp[k] = cloneSlice(t)
		case []string:
			cp[k] = append([]string(nil), t...)
		case []map[string]interface{}:
			out := make([]map[string]interface{}, len(t))
			for i, e := range t {
				out[i] = cloneMap(e)
			}
			cp[k] = out
		default:
			cp[k] = v
		}
	}
	return cp
}

func cloneSlice(s []interface{}) []interface{} {
	cp := make([]interface{}, len(s))
	for i, v := range s {
		switch t := v.(type) {
		case map[string]interface{}:
			cp[i] = cloneMap(t)
		case []interface{}:
			cp[i] = cloneSlice(t)
		default:
			cp[i] = v
		}
	}
	return cp
}

// живые агенты (battle); порядок не определен
func (s *State) AliveAgents() []string {
	out := []string{}
	for id, a := range s.Agents {
		if a != nil && a.Alive {
			out = append(out, id)
		}
	}
	return out
}

// агенты с данной ролью (mafia/trial)
func (s *State) AgentsWithRole(roles ...string) []string {
	out := []string{}
	for id, a := range s.Agents {
		if a == nil {
			continue
		}
		for _, r := range roles {
			if a.Role == r {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// строковый срез из Data (jsonb десериализует массивы как []interface{})
func (s *State) DataStrings(key string) []string {
	switch v := s.Data[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (s *State) DataString(key string) string {
	if v, ok := s.Data[key].(string); ok {
		return v
	}
	return ""
}
