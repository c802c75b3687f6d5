// Package autorun keeps exactly one agent running at a time, rotating
// through an ordered list of included agents as each one earns its
// staking rewards for the current epoch.
package autorun

import (
	"context"
	"time"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// LogPrefix is prepended to every controller log message.
const LogPrefix = "autorun:"

// Eligibility reasons.
const (
	ReasonLoading             = "Loading"
	ReasonAnotherAgentRunning = "Another agent running"
	ReasonNotConfigured       = "Not configured"
	ReasonUnderConstruction   = "Under construction"
	ReasonRegionRestricted    = "Region restricted"
	ReasonEvicted             = "Evicted"
	ReasonNoSlots             = "No available slots"
	ReasonUpdateRequired      = "Update required"
	ReasonLowBalance          = "Low balance"
	ReasonRequirementsLoading = "Requirements loading"

	LoadingReasonBalances = "Balances"
)

// WaitResult is the outcome of a bounded wait.
type WaitResult int

const (
	WaitSuccess WaitResult = iota
	WaitTimeout
	WaitAborted
)

// OK reports whether the awaited condition was reached.
func (r WaitResult) OK() bool { return r == WaitSuccess }

func (r WaitResult) String() string {
	switch r {
	case WaitSuccess:
		return "ok"
	case WaitTimeout:
		return "timeout"
	default:
		return "aborted"
	}
}

// RewardState is the cached rewards-eligibility snapshot of an agent.
type RewardState int8

const (
	RewardUnknown RewardState = iota
	RewardEarned
	RewardNotEarned
)

// RewardStateOf converts a fetched boolean.
func RewardStateOf(earned bool) RewardState {
	if earned {
		return RewardEarned
	}
	return RewardNotEarned
}

// Known reports whether the snapshot holds a fetched value.
func (s RewardState) Known() bool { return s != RewardUnknown }

func (s RewardState) String() string {
	switch s {
	case RewardEarned:
		return "earned"
	case RewardNotEarned:
		return "not_earned"
	default:
		return "unknown"
	}
}

// StartStatus classifies the outcome of a start attempt.
type StartStatus string

const (
	StartStarted      StartStatus = "started"
	StartAgentBlocked StartStatus = "agent_blocked"
	StartInfraFailed  StartStatus = "infra_failed"
	StartAborted      StartStatus = "aborted"
)

// StartResult is returned by StartAgentWithRetries.
type StartResult struct {
	Status StartStatus `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// BalancesStatus is a snapshot of wallet/funding readiness.
type BalancesStatus struct {
	Ready     bool
	Loading   bool
	UpdatedAt time.Time
}

// AgentCatalog lists the agents that are configured on this machine.
type AgentCatalog interface {
	ConfiguredAgents() []models.AgentMeta
}

// RunningAgentSource reports the agent whose deployment is active, or "".
type RunningAgentSource interface {
	RunningAgent() models.AgentType
}

// SelectionSource owns the host application's selected agent.
type SelectionSource interface {
	Selection() models.Selection
	SelectAgent(agentType models.AgentType)
}

// BalanceSource reports funding readiness and can be asked to refresh.
type BalanceSource interface {
	BalancesStatus() BalancesStatus
	Refetch(ctx context.Context) error
}

// EligibilitySource returns the current eligibility of an agent.
type EligibilitySource interface {
	Eligibility(agentType models.AgentType) models.Eligibility
}

// ServiceControl starts and stops agent deployments.
type ServiceControl interface {
	StartService(ctx context.Context, meta models.AgentMeta) error
	StopDeployment(ctx context.Context, serviceConfigID string) error
	DeploymentStatus(ctx context.Context, serviceConfigID string) (models.DeploymentStatus, error)
}

// RewardsFetcher queries whether an agent earned rewards this epoch.
type RewardsFetcher interface {
	FetchRewardsEligibility(ctx context.Context, meta models.AgentMeta) (bool, error)
}

// Notifier shows a user-facing notification.
type Notifier interface {
	Notify(title, body string)
}

// AgentOrder yields the included agents in rotation order.
type AgentOrder interface {
	OrderedIncludedAgentTypes() []models.AgentType
}

// Logger receives fully formatted controller log lines.
type Logger func(message string)

// Hooks are optional callbacks fired on controller milestones.
type Hooks struct {
	OnAgentStarted     func(agentType models.AgentType)
	OnAgentStopped     func(agentType models.AgentType, confirmed bool)
	OnRotation         func(from models.AgentType)
	OnSkip             func(agentType models.AgentType, reason string)
	OnStartStateChange func(starting bool)
}
