package models

// IncludedAgent is one entry of the ordered rotation list.
type IncludedAgent struct {
	AgentType AgentType `json:"agentType"`
	Order     int       `json:"order"`
}

// Settings is the persisted auto-run state.
type Settings struct {
	Enabled            bool            `json:"enabled"`
	IsInitialized      bool            `json:"isInitialized"`
	IncludedAgents     []IncludedAgent `json:"includedAgents"`
	UserExcludedAgents []AgentType     `json:"userExcludedAgents"`
}

// SettingsPatch is a partial update. Nil fields are left untouched.
type SettingsPatch struct {
	Enabled            *bool
	IsInitialized      *bool
	IncludedAgents     *[]IncludedAgent
	UserExcludedAgents *[]AgentType
}

// Clone returns a deep copy so callers never share slices with the cache.
func (s Settings) Clone() Settings {
	out := s
	if s.IncludedAgents != nil {
		out.IncludedAgents = append([]IncludedAgent(nil), s.IncludedAgents...)
	}
	if s.UserExcludedAgents != nil {
		out.UserExcludedAgents = append([]AgentType(nil), s.UserExcludedAgents...)
	}
	return out
}

// Merge applies a patch on top of s and returns the result. s is not modified.
func (s Settings) Merge(p SettingsPatch) Settings {
	out := s.Clone()
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.IsInitialized != nil {
		out.IsInitialized = *p.IsInitialized
	}
	if p.IncludedAgents != nil {
		out.IncludedAgents = append([]IncludedAgent{}, (*p.IncludedAgents)...)
	}
	if p.UserExcludedAgents != nil {
		out.UserExcludedAgents = append([]AgentType{}, (*p.UserExcludedAgents)...)
	}
	return out
}

// IsUserExcluded reports whether the user explicitly removed agentType.
func (s Settings) IsUserExcluded(agentType AgentType) bool {
	for _, a := range s.UserExcludedAgents {
		if a == agentType {
			return true
		}
	}
	return false
}
