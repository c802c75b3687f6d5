package autorun

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/autorun/internal/metrics"
	"github.com/jordanhubbard/autorun/internal/telemetry"
	"github.com/jordanhubbard/autorun/pkg/models"
)

// Lifecycle reacts to signal changes: it runs the enable/resume flow when
// nothing is running, watches the running agent's rewards and rotates to
// the next agent once they are earned.
type Lifecycle struct {
	signals *Signals
	ops     *Operations
	scanner *Scanner
	order   AgentOrder
	timing  Timing
	metrics *metrics.Metrics
	hooks   Hooks

	// rotating guards both the enable flow and rotations; only one of
	// them runs at a time.
	rotating     atomic.Bool
	hasActivated atomic.Bool

	mu               sync.Mutex
	wasEnabled       bool
	lastRewards      map[models.AgentType]RewardState
	stopBackoffUntil map[models.AgentType]time.Time

	wg sync.WaitGroup
}

func newLifecycle(signals *Signals, ops *Operations, scanner *Scanner, order AgentOrder, timing Timing, m *metrics.Metrics, hooks Hooks) *Lifecycle {
	return &Lifecycle{
		signals:          signals,
		ops:              ops,
		scanner:          scanner,
		order:            order,
		timing:           timing,
		metrics:          m,
		hooks:            hooks,
		lastRewards:      make(map[models.AgentType]RewardState),
		stopBackoffUntil: make(map[models.AgentType]time.Time),
	}
}

func (l *Lifecycle) logf(format string, args ...interface{}) {
	l.signals.logf(format, args...)
}

// Run consumes signals until ctx is done, then waits for in-flight flows.
func (l *Lifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(l.timing.RewardsPoll)
	defer ticker.Stop()
	defer l.wg.Wait()

	l.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-l.signals.Signals():
			switch kind {
			case SignalEnabledChanged:
				l.onEnabledChanged()
				l.reconcile(ctx)
			case SignalRunningChanged, SignalScanTick:
				l.reconcile(ctx)
			case SignalRewardsTick:
				l.spawnRotationCheck(ctx, false)
			}
		case <-ticker.C:
			l.spawnRotationCheck(ctx, true)
		}
	}
}

func (l *Lifecycle) onEnabledChanged() {
	enabled := l.signals.Enabled()
	l.metrics.SetEnabled(enabled)
	if enabled {
		return
	}
	l.hasActivated.Store(false)
	l.mu.Lock()
	l.stopBackoffUntil = make(map[models.AgentType]time.Time)
	l.mu.Unlock()
	l.ops.ResetSkipNotifications()
}

// reconcile is run for every enabled, running-agent and scan-tick change.
func (l *Lifecycle) reconcile(ctx context.Context) {
	running := l.signals.RunningAgent()
	l.metrics.SetRunningAgent(string(running))
	if l.signals.Enabled() && running != "" {
		l.hasActivated.Store(true)
	}
	l.maybeStartFlow(ctx)
	l.spawnRotationCheck(ctx, false)
}

// HasActivated reports whether an agent ran since auto-run was enabled.
func (l *Lifecycle) HasActivated() bool {
	return l.hasActivated.Load()
}

// Busy reports whether an enable flow or rotation is in progress.
func (l *Lifecycle) Busy() bool {
	return l.rotating.Load()
}

func (l *Lifecycle) maybeStartFlow(ctx context.Context) {
	enabled := l.signals.Enabled()
	l.mu.Lock()
	wasEnabled := l.wasEnabled
	l.wasEnabled = enabled
	l.mu.Unlock()

	if !enabled || l.signals.RunningAgent() != "" {
		return
	}
	if !l.rotating.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runStartFlow(ctx, wasEnabled)
	}()
}

// runStartFlow is the enable (first time) or resume flow. It must hold
// the rotating flag on entry and releases it.
func (l *Lifecycle) runStartFlow(ctx context.Context, wasEnabled bool) {
	reachedScan := false
	defer func() {
		l.rotating.Store(false)
		if !reachedScan && l.signals.Enabled() && ctx.Err() == nil &&
			l.signals.RunningAgent() == "" && !l.signals.HasScheduledScan() {
			l.logf("safety net: flow interrupted before scan, retrying in %s", l.timing.Cooldown)
			l.signals.ScheduleNextScan(l.timing.Cooldown)
		}
	}()

	delay := l.timing.Cooldown
	if !wasEnabled {
		delay = l.timing.StartDelay
		l.logf("enabled, starting in %s", delay)
	}
	if !l.signals.Sleep(ctx, delay) {
		return
	}
	if !l.signals.Enabled() || l.signals.RunningAgent() != "" {
		return
	}

	if l.scanner.StartSelectedAgentIfEligible(ctx) {
		reachedScan = true
		return
	}
	if !l.signals.Enabled() || l.signals.RunningAgent() != "" {
		return
	}
	reachedScan = true
	l.scanner.ScanAndStartNext(ctx, l.scanner.PreferredStartFrom())
}

func (l *Lifecycle) spawnRotationCheck(ctx context.Context, force bool) {
	if !l.signals.Enabled() || l.signals.RunningAgent() == "" {
		return
	}
	if !l.rotating.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.checkRotation(ctx, force)
		l.rotating.Store(false)
		// the running agent may have gone away while the check held the guard
		if l.signals.RunningAgent() == "" && !l.signals.HasScheduledScan() {
			l.maybeStartFlow(ctx)
		}
	}()
}

// checkRotation refreshes the running agent's rewards and rotates on a
// transition into "earned". It returns true when a rotation was triggered.
func (l *Lifecycle) checkRotation(ctx context.Context, force bool) bool {
	current := l.signals.RunningAgent()
	if !l.signals.Enabled() || current == "" {
		return false
	}

	var snapshot RewardState
	if force {
		snapshot = l.ops.ForceRefreshRewardsEligibility(ctx, current)
	} else {
		snapshot = l.ops.RefreshRewardsEligibility(ctx, current)
	}
	if !snapshot.Known() {
		snapshot = l.signals.Reward(current)
	}

	// Polls inside a stop backoff window leave the guard alone, so the
	// first earned poll after the window still counts as a transition.
	l.mu.Lock()
	if time.Now().Before(l.stopBackoffUntil[current]) {
		l.mu.Unlock()
		return false
	}
	prev := l.lastRewards[current]
	l.lastRewards[current] = snapshot
	l.mu.Unlock()

	if snapshot != RewardEarned || prev == RewardEarned {
		return false
	}
	if !l.signals.Enabled() {
		return false
	}

	l.logf("rotation triggered: %s earned rewards", current)
	l.metrics.RecordRotation(string(current))
	telemetry.CountRotation(ctx, string(current))
	if l.hooks.OnRotation != nil {
		l.hooks.OnRotation(current)
	}
	l.rotateToNext(ctx, current)
	return true
}

func (l *Lifecycle) rotateToNext(ctx context.Context, current models.AgentType) {
	ctx, span := telemetry.StartSpan(ctx, "autorun.rotate", attribute.String("from", string(current)))
	defer span.End()

	var others []models.AgentType
	for _, a := range l.order.OrderedIncludedAgentTypes() {
		if a != current {
			others = append(others, a)
		}
	}
	if len(others) == 0 {
		l.logf("no other agents, keeping %s running, rescan in %s", current, l.timing.ScanEligibleDelay)
		l.signals.ScheduleNextScan(l.timing.ScanEligibleDelay)
		return
	}

	states := l.refreshAll(ctx, others)
	anyNotEarned := false
	for _, st := range states {
		if st == RewardNotEarned {
			anyNotEarned = true
			break
		}
	}
	if !anyNotEarned {
		l.logf("all other agents earned or unknown, keeping %s running, rescan in %s", current, l.timing.ScanEligibleDelay)
		l.signals.ScheduleNextScan(l.timing.ScanEligibleDelay)
		return
	}

	meta, ok := l.ops.findAgent(current)
	if !ok || !l.signals.Enabled() {
		return
	}

	if !l.ops.StopAgentWithRecovery(ctx, current, meta.ServiceConfigID) {
		l.logf("stop timeout for %s, aborting rotation", current)
		l.mu.Lock()
		delete(l.lastRewards, current)
		l.stopBackoffUntil[current] = time.Now().Add(l.timing.ScanBlockedDelay)
		l.mu.Unlock()
		l.logf("reset rewards guard for %s, scheduling rescan in %s", current, l.timing.ScanBlockedDelay)
		l.signals.ScheduleNextScan(l.timing.ScanBlockedDelay)
		return
	}

	l.mu.Lock()
	delete(l.stopBackoffUntil, current)
	l.mu.Unlock()

	if !l.signals.Sleep(ctx, l.timing.Cooldown) {
		if l.signals.Enabled() && ctx.Err() == nil {
			l.logf("cooldown after stopping %s interrupted, rescan in %s", current, l.timing.Cooldown)
			l.signals.ScheduleNextScan(l.timing.Cooldown)
		}
		return
	}
	l.scanner.ScanAndStartNext(ctx, current)
}

// refreshAll refreshes rewards of agents in parallel, falling back to the
// cached snapshot when a refresh yields nothing.
func (l *Lifecycle) refreshAll(ctx context.Context, agents []models.AgentType) []RewardState {
	states := make([]RewardState, len(agents))
	var g errgroup.Group
	for i, a := range agents {
		g.Go(func() error {
			st := l.ops.RefreshRewardsEligibility(ctx, a)
			if !st.Known() {
				st = l.signals.Reward(a)
			}
			states[i] = st
			return nil
		})
	}
	_ = g.Wait()
	return states
}

// StopCurrentRunningAgent stops whatever agent is running.
func (l *Lifecycle) StopCurrentRunningAgent(ctx context.Context) bool {
	current := l.signals.RunningAgent()
	if current == "" {
		return true
	}
	meta, ok := l.ops.findAgent(current)
	if !ok {
		l.logf("cannot stop %s: not configured", current)
		return false
	}
	return l.ops.StopAgentWithRecovery(ctx, current, meta.ServiceConfigID)
}
