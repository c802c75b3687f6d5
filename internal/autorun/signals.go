package autorun

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// SignalKind identifies a change the lifecycle reacts to.
type SignalKind int

const (
	SignalEnabledChanged SignalKind = iota + 1
	SignalRunningChanged
	SignalScanTick
	SignalRewardsTick
)

func (k SignalKind) String() string {
	switch k {
	case SignalEnabledChanged:
		return "enabled_changed"
	case SignalRunningChanged:
		return "running_changed"
	case SignalScanTick:
		return "scan_tick"
	case SignalRewardsTick:
		return "rewards_tick"
	}
	return "unknown"
}

const signalBuffer = 64

// Signals holds the synchronous snapshots shared by the controller and
// the wait primitives built on them. Every wait aborts as soon as
// auto-run is disabled.
type Signals struct {
	timing    Timing
	balances  BalanceSource
	selection SelectionSource
	running   RunningAgentSource
	logger    Logger

	mu       sync.Mutex
	enabled  bool
	disabled chan struct{} // closed while disabled

	rewards map[models.AgentType]RewardState

	scanTimer    *time.Timer
	scanGen      uint64
	scanDelay    time.Duration
	scanAt       time.Time
	scanTick     uint64
	rewardsTick  uint64
	lastRunning  models.AgentType
	signals      chan SignalKind
	droppedCount uint64
}

// NewSignals wires the snapshot sources.
func NewSignals(timing Timing, balances BalanceSource, selection SelectionSource, running RunningAgentSource, logger Logger) *Signals {
	if logger == nil {
		logger = defaultLogger
	}
	closed := make(chan struct{})
	close(closed)
	return &Signals{
		timing:    timing,
		balances:  balances,
		selection: selection,
		running:   running,
		logger:    logger,
		disabled:  closed,
		rewards:   make(map[models.AgentType]RewardState),
		signals:   make(chan SignalKind, signalBuffer),
	}
}

func defaultLogger(message string) {
	log.Printf("[AutoRun] %s", message)
}

func (s *Signals) logf(format string, args ...interface{}) {
	s.logger(LogPrefix + " " + fmt.Sprintf(format, args...))
}

// Signals returns the change notification channel consumed by the lifecycle.
func (s *Signals) Signals() <-chan SignalKind {
	return s.signals
}

func (s *Signals) emit(kind SignalKind) {
	select {
	case s.signals <- kind:
	default:
		s.mu.Lock()
		s.droppedCount++
		s.mu.Unlock()
	}
}

// Enabled reports the current enabled flag.
func (s *Signals) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled flips the enabled flag. Disabling wakes every pending wait
// and clears the scheduled scan.
func (s *Signals) SetEnabled(enabled bool) {
	s.mu.Lock()
	if s.enabled == enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = enabled
	if enabled {
		s.disabled = make(chan struct{})
	} else {
		close(s.disabled)
		s.clearScanLocked()
	}
	s.mu.Unlock()
	s.emit(SignalEnabledChanged)
}

// Done returns a channel closed when auto-run is (or becomes) disabled.
func (s *Signals) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

// RunningAgent returns the agent currently running, or "".
func (s *Signals) RunningAgent() models.AgentType {
	if s.running == nil {
		return ""
	}
	return s.running.RunningAgent()
}

// Selection returns the selected agent.
func (s *Signals) Selection() models.Selection {
	return s.selection.Selection()
}

// SelectAgent asks the host to select agentType.
func (s *Signals) SelectAgent(agentType models.AgentType) {
	s.selection.SelectAgent(agentType)
}

// Reward returns the cached reward snapshot.
func (s *Signals) Reward(agentType models.AgentType) RewardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewards[agentType]
}

// Rewards returns a copy of every known snapshot.
func (s *Signals) Rewards() map[models.AgentType]RewardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.AgentType]RewardState, len(s.rewards))
	for k, v := range s.rewards {
		out[k] = v
	}
	return out
}

// SetReward records a fetched snapshot and bumps the rewards tick.
func (s *Signals) SetReward(agentType models.AgentType, state RewardState) {
	s.mu.Lock()
	s.rewards[agentType] = state
	s.rewardsTick++
	s.mu.Unlock()
	s.emit(SignalRewardsTick)
}

// MarkRewardPending forgets the snapshot so the next read fetches afresh.
func (s *Signals) MarkRewardPending(agentType models.AgentType) {
	s.mu.Lock()
	delete(s.rewards, agentType)
	s.rewardsTick++
	s.mu.Unlock()
	s.emit(SignalRewardsTick)
}

// ScheduleNextScan replaces any pending scan with one firing after delay.
// It is a no-op while disabled.
func (s *Signals) ScheduleNextScan(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.clearScanLocked()
	s.scanGen++
	gen := s.scanGen
	s.scanDelay = delay
	s.scanAt = time.Now().Add(delay)
	s.scanTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.scanGen || !s.enabled {
			s.mu.Unlock()
			return
		}
		s.scanTimer = nil
		s.scanTick++
		s.mu.Unlock()
		s.emit(SignalScanTick)
	})
}

func (s *Signals) clearScanLocked() {
	if s.scanTimer != nil {
		s.scanTimer.Stop()
		s.scanTimer = nil
	}
	s.scanGen++
	s.scanAt = time.Time{}
	s.scanDelay = 0
}

// HasScheduledScan reports whether a scan timer is pending.
func (s *Signals) HasScheduledScan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanTimer != nil
}

// ScheduledScan returns the delay and due time of the pending scan.
func (s *Signals) ScheduledScan() (delay time.Duration, at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanTimer == nil {
		return 0, time.Time{}, false
	}
	return s.scanDelay, s.scanAt, true
}

// ScanTick returns the number of fired scan timers.
func (s *Signals) ScanTick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanTick
}

// WatchRunning polls the running agent and emits SignalRunningChanged on
// every transition until ctx is done.
func (s *Signals) WatchRunning(ctx context.Context) {
	ticker := time.NewTicker(s.timing.FastPoll)
	defer ticker.Stop()
	for {
		current := s.RunningAgent()
		s.mu.Lock()
		changed := current != s.lastRunning
		s.lastRunning = current
		s.mu.Unlock()
		if changed {
			s.emit(SignalRunningChanged)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sleep waits for d. It returns false when auto-run is disabled, ctx is
// done, or the wall clock jumped past the delay (the machine was
// suspended).
func (s *Signals) Sleep(ctx context.Context, d time.Duration) bool {
	done := s.Done()
	select {
	case <-done:
		return false
	default:
	}
	start := time.Now().Round(0)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-done:
		return false
	case <-ctx.Done():
		return false
	}
	if tol := s.timing.SleepDriftTolerance; tol > 0 {
		if elapsed := time.Now().Round(0).Sub(start); elapsed > d+tol {
			s.logf("sleep detected (%s elapsed for %s delay)", elapsed.Round(time.Second), d)
			return false
		}
	}
	return s.Enabled()
}

// SleepUntilDone waits for d ignoring the enabled flag. Used by cleanup
// paths that must finish even after auto-run is disabled.
func SleepUntilDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// poll evaluates cond every interval until it holds, the timeout expires,
// or auto-run is disabled.
func (s *Signals) poll(ctx context.Context, timeout, interval time.Duration, cond func() bool) WaitResult {
	done := s.Done()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return WaitAborted
		default:
		}
		if ctx.Err() != nil {
			return WaitAborted
		}
		if cond() {
			return WaitSuccess
		}
		if !time.Now().Before(deadline) {
			return WaitTimeout
		}
		select {
		case <-done:
			return WaitAborted
		case <-ctx.Done():
			return WaitAborted
		case <-ticker.C:
		}
	}
}

// WaitForAgentSelection waits until agentType is selected and its
// selection has finished loading. A non-empty serviceConfigID must match too.
func (s *Signals) WaitForAgentSelection(ctx context.Context, agentType models.AgentType, serviceConfigID string) WaitResult {
	res := s.poll(ctx, s.timing.SelectionTimeout, s.timing.FastPoll, func() bool {
		sel := s.selection.Selection()
		if sel.Loading || sel.AgentType != agentType {
			return false
		}
		return serviceConfigID == "" || sel.ServiceConfigID == serviceConfigID
	})
	if res == WaitTimeout {
		s.logf("selection wait timeout for %s", agentType)
	}
	return res
}

// WaitForBalancesReady waits for fresh, loaded balances. Stale balances
// trigger a background refetch, repeated every BalancesRefetchEvery.
func (s *Signals) WaitForBalancesReady(ctx context.Context) WaitResult {
	var lastRefetch time.Time
	res := s.poll(ctx, s.timing.BalancesTimeout, s.timing.FastPoll, func() bool {
		st := s.balances.BalancesStatus()
		fresh := !st.UpdatedAt.IsZero() && time.Since(st.UpdatedAt) <= s.timing.BalancesStaleAfter
		if st.Ready && !st.Loading && fresh {
			return true
		}
		if !st.Loading && (lastRefetch.IsZero() || time.Since(lastRefetch) >= s.timing.BalancesRefetchEvery) {
			lastRefetch = time.Now()
			s.refetchBalances(ctx)
		}
		return false
	})
	if res == WaitTimeout {
		s.logf("balances wait timeout")
	}
	return res
}

func (s *Signals) refetchBalances(ctx context.Context) {
	go func() {
		if err := s.balances.Refetch(ctx); err != nil && ctx.Err() == nil {
			s.logf("balances refetch failed: %v", err)
		}
	}()
}

// WaitForRewardsEligibility waits for a known snapshot of agentType and
// returns RewardUnknown on timeout or abort.
func (s *Signals) WaitForRewardsEligibility(ctx context.Context, agentType models.AgentType) RewardState {
	var state RewardState
	s.poll(ctx, s.timing.RewardsWaitTimeout, s.timing.FastPoll, func() bool {
		state = s.Reward(agentType)
		return state.Known()
	})
	return state
}

// WaitForRunningAgent waits until agentType is the running agent.
func (s *Signals) WaitForRunningAgent(ctx context.Context, agentType models.AgentType, timeout time.Duration) WaitResult {
	return s.poll(ctx, timeout, s.timing.SlowPoll, func() bool {
		return s.RunningAgent() == agentType
	})
}

// WaitForEligibility waits until the eligibility returned by get no
// longer reports a plain loading state.
func (s *Signals) WaitForEligibility(ctx context.Context, agentType models.AgentType, get func() models.Eligibility) WaitResult {
	res := s.poll(ctx, s.timing.EligibilityTimeout, s.timing.FastPoll, func() bool {
		return get().Reason != ReasonLoading
	})
	if res == WaitTimeout {
		s.logf("eligibility wait timeout for %s", agentType)
	}
	return res
}

// IsLoadingReason reports whether reason describes a transient state.
func IsLoadingReason(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "loading")
}
