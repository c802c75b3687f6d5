package autorun

import (
	"time"

	"github.com/jordanhubbard/autorun/pkg/config"
)

// Timing holds every delay and timeout used by the controller.
type Timing struct {
	FastPoll time.Duration
	SlowPoll time.Duration

	SelectionTimeout     time.Duration
	BalancesTimeout      time.Duration
	BalancesStaleAfter   time.Duration
	BalancesRefetchEvery time.Duration
	EligibilityTimeout   time.Duration

	RewardsWaitTimeout  time.Duration
	RewardsFetchTimeout time.Duration
	RewardsPoll         time.Duration
	RewardsThrottle     time.Duration

	StartRequestTimeout   time.Duration
	RunningConfirmTimeout time.Duration
	RetryBackoff          []time.Duration

	StopRequestTimeout     time.Duration
	StopConfirmTimeout     time.Duration
	DeploymentCheckTimeout time.Duration
	StopRecoveryAttempts   int
	StopRecoveryDelay      time.Duration

	Cooldown   time.Duration
	StartDelay time.Duration

	ScanLoadingDelay  time.Duration
	ScanBlockedDelay  time.Duration
	ScanEligibleDelay time.Duration

	SleepDriftTolerance time.Duration
}

// DefaultTiming returns the production timings.
func DefaultTiming() Timing {
	return TimingFromConfig(config.DefaultAutoRunConfig())
}

// TimingFromConfig converts the auto_run config section.
func TimingFromConfig(c config.AutoRunConfig) Timing {
	return Timing{
		FastPoll:               c.FastPoll,
		SlowPoll:               c.SlowPoll,
		SelectionTimeout:       c.SelectionTimeout,
		BalancesTimeout:        c.BalancesTimeout,
		BalancesStaleAfter:     c.BalancesStaleAfter,
		BalancesRefetchEvery:   c.BalancesRefetchEvery,
		EligibilityTimeout:     c.EligibilityTimeout,
		RewardsWaitTimeout:     c.RewardsWaitTimeout,
		RewardsFetchTimeout:    c.RewardsFetchTimeout,
		RewardsPoll:            c.RewardsPoll,
		RewardsThrottle:        c.RewardsThrottle,
		StartRequestTimeout:    c.StartRequestTimeout,
		RunningConfirmTimeout:  c.RunningConfirmTimeout,
		RetryBackoff:           append([]time.Duration(nil), c.RetryBackoff...),
		StopRequestTimeout:     c.StopRequestTimeout,
		StopConfirmTimeout:     c.StopConfirmTimeout,
		DeploymentCheckTimeout: c.DeploymentCheckTimeout,
		StopRecoveryAttempts:   c.StopRecoveryAttempts,
		StopRecoveryDelay:      c.StopRecoveryDelay,
		Cooldown:               c.Cooldown,
		StartDelay:             c.StartDelay,
		ScanLoadingDelay:       c.ScanLoadingDelay,
		ScanBlockedDelay:       c.ScanBlockedDelay,
		ScanEligibleDelay:      c.ScanEligibleDelay,
		SleepDriftTolerance:    c.SleepDriftTolerance,
	}
}

// StartRetryPolicy is the per-agent start policy: one attempt per backoff
// entry, each start request bounded by StartRequestTimeout.
func (t Timing) StartRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    len(t.RetryBackoff),
		Backoff:        t.RetryBackoff,
		AttemptTimeout: t.StartRequestTimeout,
	}
}

// StopRetryPolicy is the stop-recovery policy.
func (t Timing) StopRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    t.StopRecoveryAttempts,
		Backoff:        []time.Duration{t.StopRecoveryDelay},
		AttemptTimeout: t.StopRequestTimeout,
	}
}
