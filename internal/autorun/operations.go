package autorun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jordanhubbard/autorun/internal/metrics"
	"github.com/jordanhubbard/autorun/internal/telemetry"
	"github.com/jordanhubbard/autorun/pkg/models"
)

var (
	errStartAborted     = errors.New("start aborted")
	errRunningTimeout   = errors.New("running confirmation timed out")
	errStopNotConfirmed = errors.New("stop not confirmed")
)

const (
	reasonStartInProgress = "start already in progress"
	reasonWaitTimeout     = "wait timeout"
)

// Operations implements the agent-level actions: start with retries,
// stop with recovery, rewards refresh and skip notifications.
type Operations struct {
	signals     *Signals
	catalog     AgentCatalog
	control     ServiceControl
	rewards     RewardsFetcher
	eligibility EligibilitySource
	balances    BalanceSource
	notifier    Notifier
	hooks       Hooks
	timing      Timing
	metrics     *metrics.Metrics

	mu               sync.Mutex
	skipNotified     map[models.AgentType]string
	lastRewardsFetch map[models.AgentType]time.Time
	starting         map[models.AgentType]bool
}

func newOperations(signals *Signals, deps Dependencies, timing Timing) *Operations {
	return &Operations{
		signals:          signals,
		catalog:          deps.Catalog,
		control:          deps.Control,
		rewards:          deps.Rewards,
		eligibility:      deps.Eligibility,
		balances:         deps.Balances,
		notifier:         deps.Notifier,
		hooks:            deps.Hooks,
		timing:           timing,
		metrics:          deps.Metrics,
		skipNotified:     make(map[models.AgentType]string),
		lastRewardsFetch: make(map[models.AgentType]time.Time),
		starting:         make(map[models.AgentType]bool),
	}
}

func (o *Operations) logf(format string, args ...interface{}) {
	o.signals.logf(format, args...)
}

func (o *Operations) findAgent(agentType models.AgentType) (models.AgentMeta, bool) {
	return models.FindAgent(o.catalog.ConfiguredAgents(), agentType)
}

// Eligibility returns the normalized eligibility of agentType.
func (o *Operations) Eligibility(agentType models.AgentType) models.Eligibility {
	return NormalizeEligibility(o.eligibility.Eligibility(agentType), o.balances.BalancesStatus())
}

func (o *Operations) waitForEligibilityReady(ctx context.Context, agentType models.AgentType) WaitResult {
	res := o.signals.WaitForEligibility(ctx, agentType, func() models.Eligibility {
		return o.Eligibility(agentType)
	})
	if res == WaitTimeout {
		o.metrics.RecordWaitTimeout("eligibility")
	}
	return res
}

// NotifySkipOnce tells the user a candidate was skipped, once per agent
// and reason. Empty and loading reasons are not reported.
func (o *Operations) NotifySkipOnce(agentType models.AgentType, reason string) {
	if reason == "" || IsLoadingReason(reason) {
		return
	}
	o.mu.Lock()
	if o.skipNotified[agentType] == reason {
		o.mu.Unlock()
		return
	}
	o.skipNotified[agentType] = reason
	o.mu.Unlock()

	name := string(agentType)
	if meta, ok := o.findAgent(agentType); ok {
		name = meta.Name()
	}
	o.logf("skip %s: %s", agentType, reason)
	o.metrics.RecordSkip(string(agentType), reason)
	if o.notifier != nil {
		o.notifier.Notify(fmt.Sprintf("Agent %s was skipped", name), reason)
	}
	if o.hooks.OnSkip != nil {
		o.hooks.OnSkip(agentType, reason)
	}
}

// ResetSkipNotifications forgets which skips were reported.
func (o *Operations) ResetSkipNotifications() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipNotified = make(map[models.AgentType]string)
}

func (o *Operations) setStartState(starting bool) {
	if o.hooks.OnStartStateChange != nil {
		o.hooks.OnStartStateChange(starting)
	}
}

func (o *Operations) claimStart(agentType models.AgentType) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.starting[agentType] {
		return false
	}
	o.starting[agentType] = true
	return true
}

func (o *Operations) releaseStart(agentType models.AgentType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.starting, agentType)
}

// StartAgentWithRetries selects agentType, waits for it to become
// eligible and starts it with the start retry policy.
func (o *Operations) StartAgentWithRetries(ctx context.Context, agentType models.AgentType) StartResult {
	ctx, span := telemetry.StartSpan(ctx, "autorun.start", attribute.String("agent_type", string(agentType)))
	defer span.End()

	if !o.claimStart(agentType) {
		return StartResult{Status: StartAborted, Reason: reasonStartInProgress}
	}
	defer o.releaseStart(agentType)

	began := time.Now()
	result := o.startAgent(ctx, agentType)

	span.SetAttributes(attribute.String("result", string(result.Status)))
	o.metrics.RecordStart(string(agentType), string(result.Status), time.Since(began).Seconds())
	telemetry.CountStart(ctx, string(agentType), string(result.Status))
	return result
}

func (o *Operations) startAgent(ctx context.Context, agentType models.AgentType) StartResult {
	if !o.signals.Enabled() {
		return StartResult{Status: StartAborted}
	}
	meta, ok := o.findAgent(agentType)
	if !ok {
		o.logf("start %s: not configured", agentType)
		return StartResult{Status: StartAgentBlocked, Reason: ReasonNotConfigured}
	}

	o.signals.SelectAgent(agentType)
	if res := o.signals.WaitForAgentSelection(ctx, agentType, meta.ServiceConfigID); !res.OK() {
		return o.startWaitFailed(agentType, res, "selection")
	}
	if res := o.signals.WaitForBalancesReady(ctx); !res.OK() {
		return o.startWaitFailed(agentType, res, "balances")
	}
	if res := o.waitForEligibilityReady(ctx, agentType); !res.OK() {
		return o.startWaitFailed(agentType, res, "eligibility")
	}

	eligibility := o.Eligibility(agentType)
	if !eligibility.CanRun {
		reason := FormatEligibilityReason(eligibility)
		o.NotifySkipOnce(agentType, reason)
		return StartResult{Status: StartAgentBlocked, Reason: reason}
	}

	o.setStartState(true)
	defer o.setStartState(false)

	policy := o.timing.StartRetryPolicy()
	err := Retry(ctx, policy, o.signals.Sleep, func(attemptCtx context.Context, attempt int) error {
		if !o.signals.Enabled() {
			return Permanent(errStartAborted)
		}
		if o.signals.RunningAgent() == agentType {
			return nil
		}
		o.logf("starting %s (attempt %d/%d)", agentType, attempt+1, policy.MaxAttempts)
		if err := o.control.StartService(attemptCtx, meta); err != nil {
			o.logf("start error for %s: %v", agentType, err)
			return err
		}
		if o.signals.WaitForRunningAgent(ctx, agentType, o.timing.RunningConfirmTimeout).OK() {
			return nil
		}
		if !o.signals.Enabled() {
			return Permanent(errStartAborted)
		}
		o.logf("start timeout for %s (attempt %d)", agentType, attempt+1)
		o.metrics.RecordWaitTimeout("running")
		return errRunningTimeout
	})

	switch {
	case err == nil:
		o.logf("started %s", agentType)
		if o.hooks.OnAgentStarted != nil {
			o.hooks.OnAgentStarted(agentType)
		}
		return StartResult{Status: StartStarted}
	case errors.Is(err, errStartAborted), ctx.Err() != nil:
		return StartResult{Status: StartAborted}
	case errors.Is(err, ErrRetryInterrupted):
		if !o.signals.Enabled() {
			return StartResult{Status: StartAborted}
		}
		o.logf("start retry interrupted for %s", agentType)
		return StartResult{Status: StartInfraFailed, Reason: "retry interrupted"}
	}

	var exhausted *ExhaustedError
	reason := err.Error()
	if errors.As(err, &exhausted) && exhausted.Err != nil {
		reason = exhausted.Err.Error()
	}
	o.logf("failed to start %s after %d attempts: %s", agentType, policy.MaxAttempts, reason)
	if o.notifier != nil {
		o.notifier.Notify(fmt.Sprintf("Failed to start %s", meta.Name()), "Moving to next agent.")
	}
	return StartResult{Status: StartInfraFailed, Reason: reason}
}

// startWaitFailed turns a failed pre-start wait into an aborted result.
// Timeouts carry a reason; a disable or cancelled ctx does not.
func (o *Operations) startWaitFailed(agentType models.AgentType, res WaitResult, wait string) StartResult {
	if res != WaitTimeout {
		return StartResult{Status: StartAborted}
	}
	o.metrics.RecordWaitTimeout(wait)
	o.logf("start %s: %s %s", agentType, wait, reasonWaitTimeout)
	return StartResult{Status: StartAborted, Reason: reasonWaitTimeout + ": " + wait}
}

// StopAgentWithRecovery stops agentType, retrying per the stop policy,
// and reports whether the stop was confirmed. It keeps going after
// auto-run is disabled; only ctx interrupts it.
func (o *Operations) StopAgentWithRecovery(ctx context.Context, agentType models.AgentType, serviceConfigID string) bool {
	ctx, span := telemetry.StartSpan(ctx, "autorun.stop", attribute.String("agent_type", string(agentType)))
	defer span.End()

	policy := o.timing.StopRetryPolicy()
	err := Retry(ctx, policy, SleepUntilDone, func(attemptCtx context.Context, attempt int) error {
		if attempt > 0 {
			o.logf("stop retry for %s (%d/%d)", agentType, attempt+1, policy.MaxAttempts)
		}
		if o.stopAgentOnce(ctx, attemptCtx, agentType, serviceConfigID) {
			return nil
		}
		return errStopNotConfirmed
	})

	confirmed := err == nil
	span.SetAttributes(attribute.Bool("confirmed", confirmed))
	o.metrics.RecordStop(string(agentType), confirmed)
	if o.hooks.OnAgentStopped != nil {
		o.hooks.OnAgentStopped(agentType, confirmed)
	}
	if !confirmed {
		o.logf("stop failed for %s after %d attempts", agentType, policy.MaxAttempts)
	}
	return confirmed
}

// stopAgentOnce issues one stop request (bounded by requestCtx) and then
// waits for the deployment to leave the active states.
func (o *Operations) stopAgentOnce(ctx, requestCtx context.Context, agentType models.AgentType, serviceConfigID string) bool {
	if err := o.control.StopDeployment(requestCtx, serviceConfigID); err != nil {
		o.logf("stop failed for %s: %v", serviceConfigID, err)
	}
	if o.waitForStoppedDeployment(ctx, serviceConfigID) {
		return true
	}
	return o.signals.RunningAgent() != agentType
}

func (o *Operations) waitForStoppedDeployment(ctx context.Context, serviceConfigID string) bool {
	deadline := time.Now().Add(o.timing.StopConfirmTimeout)
	for {
		checkCtx, cancel := context.WithTimeout(ctx, o.timing.DeploymentCheckTimeout)
		status, err := o.control.DeploymentStatus(checkCtx, serviceConfigID)
		cancel()
		if err != nil {
			o.logf("deployment status check failed for %s: %v", serviceConfigID, err)
		} else if !status.IsActive() {
			return true
		}
		if !time.Now().Before(deadline) {
			o.metrics.RecordWaitTimeout("stop")
			return false
		}
		if !SleepUntilDone(ctx, o.timing.SlowPoll) {
			return false
		}
	}
}

// RefreshRewardsEligibility fetches the rewards snapshot of agentType.
// A known snapshot younger than RewardsThrottle is returned without a
// fetch. Missing on-chain identifiers and fetch errors yield RewardUnknown.
func (o *Operations) RefreshRewardsEligibility(ctx context.Context, agentType models.AgentType) RewardState {
	return o.refreshRewards(ctx, agentType, false)
}

// ForceRefreshRewardsEligibility bypasses the throttle.
func (o *Operations) ForceRefreshRewardsEligibility(ctx context.Context, agentType models.AgentType) RewardState {
	return o.refreshRewards(ctx, agentType, true)
}

func (o *Operations) refreshRewards(ctx context.Context, agentType models.AgentType, force bool) RewardState {
	cached := o.signals.Reward(agentType)

	o.mu.Lock()
	last := o.lastRewardsFetch[agentType]
	if !force && cached.Known() && time.Since(last) < o.timing.RewardsThrottle {
		o.mu.Unlock()
		return cached
	}
	o.lastRewardsFetch[agentType] = time.Now()
	o.mu.Unlock()

	meta, ok := o.findAgent(agentType)
	if !ok || !meta.HasRewardsContext() || o.rewards == nil {
		return RewardUnknown
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.timing.RewardsFetchTimeout)
	defer cancel()
	earned, err := o.rewards.FetchRewardsEligibility(fetchCtx, meta)
	if err != nil {
		o.logf("rewards fetch error: %s: %v", agentType, err)
		return RewardUnknown
	}
	state := RewardStateOf(earned)
	o.signals.SetReward(agentType, state)
	return state
}
