package models

import "strings"

// AgentType identifies a kind of agent (e.g. "trader", "optimus").
type AgentType string

// AgentConfig is the static descriptor of an agent kind, loaded from the
// agents section of the configuration file.
type AgentConfig struct {
	Type                    AgentType `yaml:"type" json:"type"`
	DisplayName             string    `yaml:"display_name" json:"display_name"`
	ServicePublicID         string    `yaml:"service_public_id" json:"service_public_id"`
	HomeChain               string    `yaml:"home_chain" json:"home_chain"`
	ChainID                 int64     `yaml:"chain_id" json:"chain_id"`
	DefaultStakingProgramID string    `yaml:"default_staking_program_id" json:"default_staking_program_id,omitempty"`
	UnderConstruction       bool      `yaml:"under_construction" json:"under_construction,omitempty"`
	GeoRestricted           bool      `yaml:"geo_restricted" json:"geo_restricted,omitempty"`
	Disabled                bool      `yaml:"disabled" json:"disabled,omitempty"`
	RequiredEnvVars         []string  `yaml:"required_env_vars" json:"required_env_vars,omitempty"`
}

// Name returns the human readable agent name.
func (c AgentConfig) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return string(c.Type)
}

// Matches reports whether a middleware service instance belongs to this agent.
func (c AgentConfig) Matches(s Service) bool {
	if c.ServicePublicID == "" || s.ServicePublicID != c.ServicePublicID {
		return false
	}
	return c.HomeChain == "" || strings.EqualFold(c.HomeChain, s.HomeChain)
}

// AgentMeta is the runtime view of a configured agent: the static config
// plus the identifiers of the service instance that backs it.
type AgentMeta struct {
	AgentType         AgentType   `json:"agentType"`
	Config            AgentConfig `json:"config"`
	ServiceConfigID   string      `json:"serviceConfigId"`
	ChainID           int64       `json:"chainId"`
	StakingProgramID  string      `json:"stakingProgramId,omitempty"`
	Multisig          string      `json:"multisig,omitempty"`
	ServiceNFTTokenID int64       `json:"serviceNftTokenId,omitempty"`
	Service           *Service    `json:"-"`
}

// Name returns the display name of the agent.
func (m AgentMeta) Name() string {
	return m.Config.Name()
}

// HasRewardsContext reports whether enough on-chain identifiers are known
// to query rewards eligibility.
func (m AgentMeta) HasRewardsContext() bool {
	return m.Multisig != "" && m.ServiceNFTTokenID > 0 && m.StakingProgramID != ""
}

// FindAgent looks up an agent by type.
func FindAgent(agents []AgentMeta, agentType AgentType) (AgentMeta, bool) {
	for _, a := range agents {
		if a.AgentType == agentType {
			return a, true
		}
	}
	return AgentMeta{}, false
}

// Eligibility describes whether an agent may be started right now.
type Eligibility struct {
	CanRun        bool   `json:"canRun"`
	Reason        string `json:"reason,omitempty"`
	LoadingReason string `json:"loadingReason,omitempty"`
	// Rewards is the cached reward snapshot for the agent ("earned",
	// "not_earned" or "unknown").
	Rewards string `json:"rewards,omitempty"`
}

// Selection is the agent currently selected in the host application.
type Selection struct {
	AgentType       AgentType `json:"agentType"`
	ServiceConfigID string    `json:"serviceConfigId,omitempty"`
	Loading         bool      `json:"loading"`
}
