package autorun

import (
	"strings"
	"time"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// NormalizeEligibility folds host-specific states into the controller's
// view: another running agent is a loading state (it will stop during
// rotation), and a lone balances loading reason is cleared once balances
// are ready.
func NormalizeEligibility(e models.Eligibility, balances BalancesStatus) models.Eligibility {
	if e.Reason == ReasonAnotherAgentRunning {
		return models.Eligibility{
			CanRun:        false,
			Reason:        ReasonLoading,
			LoadingReason: ReasonAnotherAgentRunning,
			Rewards:       e.Rewards,
		}
	}
	if e.Reason == ReasonLoading && isOnlyBalancesLoading(e.LoadingReason) && balances.Ready && !balances.Loading {
		return models.Eligibility{CanRun: true, Rewards: e.Rewards}
	}
	return e
}

func isOnlyBalancesLoading(loadingReason string) bool {
	var parts []string
	for _, p := range strings.Split(loadingReason, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return len(parts) == 1 && parts[0] == LoadingReasonBalances
}

// FormatEligibilityReason renders a reason for logs and notifications.
func FormatEligibilityReason(e models.Eligibility) string {
	if e.Reason == ReasonLoading && e.LoadingReason != "" {
		return "Loading: " + e.LoadingReason
	}
	if e.Reason == "" {
		return "unknown"
	}
	return e.Reason
}

// StakingState is the on-chain staking status of a service.
type StakingState int

const (
	StakingUnknown StakingState = iota
	StakingNotStaked
	StakingStaked
	StakingEvicted
)

// StakingDetails is what is known about a service's staking contract.
type StakingDetails struct {
	State                  StakingState
	StakingStartTime       time.Time
	MinimumStakingDuration time.Duration
	ServiceCount           int
	MaxServices            int
}

func (d StakingDetails) eligibleForStaking(now time.Time) bool {
	if d.State != StakingEvicted {
		return true
	}
	if d.StakingStartTime.IsZero() {
		return false
	}
	return now.Sub(d.StakingStartTime) >= d.MinimumStakingDuration
}

func (d StakingDetails) hasNoSlots() bool {
	return d.MaxServices > 0 && d.ServiceCount >= d.MaxServices
}

// EligibilityInputs is everything ComputeEligibility looks at for one agent.
type EligibilityInputs struct {
	Config models.AgentConfig
	// Service is nil when no service instance exists yet.
	Service *models.Service
	// GeoStatus is the region check result ("allowed", "restricted"), or
	// "" when not yet known.
	GeoStatus string
	Staking   *StakingDetails
	// SafeReason is set when the agent wallet cannot be prepared.
	SafeReason       string
	AllowStart       bool
	FundingLoaded    bool
	BalancesLoading  bool
	AnotherIsRunning bool
	Rewards          RewardState
	Now              time.Time
}

// ComputeEligibility decides whether an agent may start. The first
// matching reason wins.
func ComputeEligibility(in EligibilityInputs) models.Eligibility {
	e := computeEligibility(in)
	e.Rewards = in.Rewards.String()
	return e
}

func computeEligibility(in EligibilityInputs) models.Eligibility {
	if in.AnotherIsRunning {
		return blocked(ReasonAnotherAgentRunning)
	}
	if in.Config.UnderConstruction {
		return blocked(ReasonUnderConstruction)
	}
	if in.Config.GeoRestricted {
		if in.GeoStatus == "" {
			return loading("Geo")
		}
		if in.GeoStatus != "allowed" {
			return blocked(ReasonRegionRestricted)
		}
	}
	if in.Staking != nil {
		now := in.Now
		if now.IsZero() {
			now = time.Now()
		}
		if in.Staking.State == StakingEvicted && !in.Staking.eligibleForStaking(now) {
			return blocked(ReasonEvicted)
		}
		if in.Staking.hasNoSlots() && in.Staking.State != StakingStaked {
			return blocked(ReasonNoSlots)
		}
	}
	if in.SafeReason != "" {
		return blocked(in.SafeReason)
	}
	if in.Service != nil && len(in.Config.RequiredEnvVars) > 0 {
		if missing := in.Service.MissingEnvVars(in.Config.RequiredEnvVars); len(missing) > 0 {
			return blocked(ReasonUpdateRequired)
		}
	}
	if !in.FundingLoaded {
		return loading(LoadingReasonBalances)
	}
	if !in.AllowStart {
		if in.BalancesLoading {
			return blocked(ReasonRequirementsLoading)
		}
		return blocked(ReasonLowBalance)
	}
	return models.Eligibility{CanRun: true}
}

func blocked(reason string) models.Eligibility {
	return models.Eligibility{CanRun: false, Reason: reason}
}

func loading(what string) models.Eligibility {
	return models.Eligibility{CanRun: false, Reason: ReasonLoading, LoadingReason: what}
}
