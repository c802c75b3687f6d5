package models

// DeploymentStatus mirrors the middleware deployment state machine.
type DeploymentStatus int

const (
	DeploymentCreated DeploymentStatus = iota
	DeploymentBuilt
	DeploymentDeploying
	DeploymentDeployed
	DeploymentStopping
	DeploymentStopped
	DeploymentDeleted
)

var deploymentStatusNames = map[DeploymentStatus]string{
	DeploymentCreated:   "created",
	DeploymentBuilt:     "built",
	DeploymentDeploying: "deploying",
	DeploymentDeployed:  "deployed",
	DeploymentStopping:  "stopping",
	DeploymentStopped:   "stopped",
	DeploymentDeleted:   "deleted",
}

func (s DeploymentStatus) String() string {
	if name, ok := deploymentStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsActive reports whether the deployment occupies the runtime.
func (s DeploymentStatus) IsActive() bool {
	switch s {
	case DeploymentDeploying, DeploymentDeployed, DeploymentStopping:
		return true
	}
	return false
}

// Service is a service instance as returned by the middleware API.
type Service struct {
	Name            string                 `json:"name"`
	Hash            string                 `json:"hash"`
	ServicePublicID string                 `json:"service_public_id"`
	ServiceConfigID string                 `json:"service_config_id"`
	HomeChain       string                 `json:"home_chain"`
	ChainConfigs    map[string]ChainConfig `json:"chain_configs"`
	EnvVariables    map[string]EnvVariable `json:"env_variables,omitempty"`
}

// HomeChainData returns the chain data of the service home chain.
func (s Service) HomeChainData() (ChainData, bool) {
	cfg, ok := s.ChainConfigs[s.HomeChain]
	if !ok {
		return ChainData{}, false
	}
	return cfg.ChainData, true
}

// MissingEnvVars returns the names from required that have no value set.
func (s Service) MissingEnvVars(required []string) []string {
	var missing []string
	for _, name := range required {
		if v, ok := s.EnvVariables[name]; !ok || v.Value == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// ChainConfig is the per-chain part of a service.
type ChainConfig struct {
	LedgerConfig LedgerConfig `json:"ledger_config"`
	ChainData    ChainData    `json:"chain_data"`
}

// LedgerConfig names the chain RPC.
type LedgerConfig struct {
	RPC   string `json:"rpc"`
	Chain string `json:"chain"`
}

// ChainData holds on-chain identifiers of a service.
type ChainData struct {
	Instances    []string   `json:"instances,omitempty"`
	Token        int64      `json:"token"`
	Multisig     string     `json:"multisig"`
	Staked       bool       `json:"staked"`
	OnChainState int        `json:"on_chain_state"`
	UserParams   UserParams `json:"user_params"`
}

// UserParams are user supplied chain parameters.
type UserParams struct {
	StakingProgramID string `json:"staking_program_id"`
	UseStaking       bool   `json:"use_staking"`
}

// EnvVariable is one service environment variable.
type EnvVariable struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Value         string `json:"value"`
	ProvisionType string `json:"provision_type,omitempty"`
}

// Deployment is the deployment record of a service.
type Deployment struct {
	Status DeploymentStatus `json:"status"`
}

// FundingRequirements summarizes whether a service has enough funds to run.
type FundingRequirements struct {
	AllowStartAgent  bool `json:"allow_start_agent"`
	IsRefillRequired bool `json:"is_refill_required"`
}
