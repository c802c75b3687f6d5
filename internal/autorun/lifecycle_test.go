package autorun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/autorun/pkg/models"
)

func TestRotationTriggersOnceForConsecutiveEarnedPolls(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setRunning("a")
	h.setReward("a", true)
	h.setReward("b", true)
	c, logs := enabledController(t, h, staticOrder{"a", "b"})
	ctx := context.Background()

	assert.True(t, c.Lifecycle.checkRotation(ctx, true))
	assert.False(t, c.Lifecycle.checkRotation(ctx, true))

	assert.Equal(t, 1, logs.count("rotation triggered: a earned rewards"))
	assert.Equal(t, 1, logs.count("all other agents earned or unknown, keeping a running"))
	assert.Empty(t, h.stops())
	delay, ok := scheduledDelay(c)
	require.True(t, ok)
	assert.Equal(t, testTiming().ScanEligibleDelay, delay)
}

func TestRotationWithSingleAgentKeepsItRunning(t *testing.T) {
	h := newFakeHost("a")
	h.setRunning("a")
	h.setReward("a", true)
	c, _ := enabledController(t, h, staticOrder{"a"})

	assert.True(t, c.Lifecycle.checkRotation(context.Background(), true))

	assert.Empty(t, h.stops())
	assert.Equal(t, models.AgentType("a"), h.RunningAgent())
	delay, ok := scheduledDelay(c)
	require.True(t, ok)
	assert.Equal(t, testTiming().ScanEligibleDelay, delay)
}

func TestRotationStopsCurrentAndStartsNext(t *testing.T) {
	h := newFakeHost("a", "b", "c")
	h.setRunning("a")
	h.setReward("a", true)
	h.setReward("b", false)
	h.setReward("c", false)
	c, _ := enabledController(t, h, staticOrder{"a", "b", "c"})

	assert.True(t, c.Lifecycle.checkRotation(context.Background(), true))

	assert.Equal(t, []string{"sc-a"}, h.stops())
	assert.Equal(t, []models.AgentType{"b"}, h.starts())
	assert.Equal(t, models.AgentType("b"), h.RunningAgent())
}

func TestRotationNotTriggeredWhileNotEarned(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setRunning("a")
	h.setReward("a", false)
	c, logs := enabledController(t, h, staticOrder{"a", "b"})

	assert.False(t, c.Lifecycle.checkRotation(context.Background(), true))
	assert.Zero(t, logs.count("rotation triggered"))
}

func TestRotationStopFailureBacksOff(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setRunning("a")
	h.stopIgnored = true
	h.setReward("a", true)
	h.setReward("b", false)
	timing := testTiming()
	timing.ScanBlockedDelay = 40 * time.Millisecond
	c, logs := enabledControllerWithTiming(t, h, staticOrder{"a", "b"}, timing)
	ctx := context.Background()

	assert.True(t, c.Lifecycle.checkRotation(ctx, true))
	assert.Len(t, h.stops(), 3)
	assert.Equal(t, 1, logs.count("stop timeout for a, aborting rotation"))
	assert.Equal(t, 1, logs.count("reset rewards guard for a"))
	delay, _ := scheduledDelay(c)
	assert.Equal(t, timing.ScanBlockedDelay, delay)

	// the guard was reset but the backoff window suppresses another attempt
	assert.False(t, c.Lifecycle.checkRotation(ctx, true))
	assert.Len(t, h.stops(), 3)
	assert.Empty(t, h.starts())

	h.mu.Lock()
	h.stopIgnored = false
	h.mu.Unlock()
	time.Sleep(timing.ScanBlockedDelay)

	// the poll inside the window must not have re-armed the guard
	assert.True(t, c.Lifecycle.checkRotation(ctx, true))
	assert.Equal(t, []string{"sc-a", "sc-a", "sc-a", "sc-a"}, h.stops())
	assert.Equal(t, []models.AgentType{"b"}, h.starts())
	assert.Equal(t, models.AgentType("b"), h.RunningAgent())
	assert.Equal(t, 2, logs.count("rotation triggered: a earned rewards"))
}

func TestRotationInterruptedCooldownSchedulesScan(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setRunning("a")
	h.setReward("a", true)
	h.setReward("b", false)
	timing := testTiming()
	timing.Cooldown = 50 * time.Millisecond
	timing.SleepDriftTolerance = time.Nanosecond
	c, logs := enabledControllerWithTiming(t, h, staticOrder{"a", "b"}, timing)

	assert.True(t, c.Lifecycle.checkRotation(context.Background(), true))

	assert.Equal(t, []string{"sc-a"}, h.stops())
	assert.Empty(t, h.starts())
	assert.Equal(t, models.AgentType(""), h.RunningAgent())
	assert.Equal(t, 1, logs.count("cooldown after stopping a interrupted"))
	delay, ok := scheduledDelay(c)
	require.True(t, ok, "nothing is running, a scan must be pending")
	assert.Equal(t, timing.Cooldown, delay)
}

func TestRewardsPollTriggersRotation(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setRunning("a")
	h.setReward("a", false)
	h.setReward("b", false)
	timing := testTiming()
	timing.RewardsPoll = 20 * time.Millisecond
	c, logs := enabledControllerWithTiming(t, h, staticOrder{"a", "b"}, timing)
	runLifecycle(t, c)

	require.Eventually(t, func() bool { return h.rewardFetches("a") > 0 }, time.Second, time.Millisecond)
	assert.Empty(t, h.stops())

	h.setReward("a", true)

	require.Eventually(t, func() bool { return h.RunningAgent() == "b" }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"sc-a"}, h.stops())
	assert.Equal(t, []models.AgentType{"b"}, h.starts())
	assert.Equal(t, 1, logs.count("rotation triggered: a earned rewards"))
}

func TestDisableClearsStopBackoff(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setRunning("a")
	h.stopIgnored = true
	h.setReward("a", true)
	h.setReward("b", false)
	c, _ := enabledController(t, h, staticOrder{"a", "b"})
	ctx := context.Background()

	require.True(t, c.Lifecycle.checkRotation(ctx, true))

	c.SetEnabled(false)
	c.Lifecycle.onEnabledChanged()
	c.SetEnabled(true)

	assert.True(t, c.Lifecycle.checkRotation(ctx, true), "backoff is forgotten after a disable")
}

func runLifecycle(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		c.SetEnabled(false)
		cancel()
		<-done
	})
}

func TestEnableStartsSelectedAgent(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setReward("a", false)
	h.setReward("b", false)
	h.SelectAgent("b")
	c := newTestController(h, staticOrder{"a", "b"}, &logCapture{})
	runLifecycle(t, c)

	c.SetEnabled(true)

	require.Eventually(t, func() bool { return h.RunningAgent() == "b" }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []models.AgentType{"b"}, h.starts())
	require.Eventually(t, c.Lifecycle.HasActivated, time.Second, time.Millisecond)
}

func TestEnableFallsBackToScanWhenSelectedIsBlocked(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setEligibility("b", models.Eligibility{Reason: ReasonLowBalance})
	h.setReward("a", false)
	h.SelectAgent("b")
	c := newTestController(h, staticOrder{"a", "b"}, &logCapture{})
	runLifecycle(t, c)

	c.SetEnabled(true)

	require.Eventually(t, func() bool { return h.RunningAgent() == "a" }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []models.AgentType{"a"}, h.starts())
}

func TestDisableDuringStartDelayStartsNothing(t *testing.T) {
	h := newFakeHost("a")
	h.setReward("a", false)
	timing := testTiming()
	timing.StartDelay = 200 * time.Millisecond
	c := NewController(testDeps(h, staticOrder{"a"}, &logCapture{}), timing)
	runLifecycle(t, c)

	c.SetEnabled(true)
	time.Sleep(20 * time.Millisecond)
	c.SetEnabled(false)
	time.Sleep(300 * time.Millisecond)

	assert.Empty(t, h.starts())
	assert.Zero(t, h.selections("a"))
	assert.False(t, c.Signals.HasScheduledScan())
}

// observedEnabled reports whether the lifecycle has seen auto-run enabled,
// so the next start flow is a resume rather than a first enable.
func observedEnabled(l *Lifecycle) func() bool {
	return func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.wasEnabled
	}
}

func TestResumeRestartsSelectedAgentAfterCooldown(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setRunning("a")
	h.setReward("a", false)
	h.setReward("b", false)
	h.SelectAgent("a")
	timing := testTiming()
	timing.StartDelay = time.Hour
	c, logs := enabledControllerWithTiming(t, h, staticOrder{"a", "b"}, timing)
	runLifecycle(t, c)
	require.Eventually(t, observedEnabled(c.Lifecycle), time.Second, time.Millisecond)

	h.setRunning("") // stopped outside the controller

	require.Eventually(t, func() bool { return h.RunningAgent() == "a" }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []models.AgentType{"a"}, h.starts())
	assert.Zero(t, logs.count("enabled, starting in"))
}

func TestResumeFallsBackToScanWhenSelectedIsBlocked(t *testing.T) {
	h := newFakeHost("a", "b")
	h.setRunning("a")
	h.setEligibility("a", models.Eligibility{Reason: ReasonLowBalance})
	h.setReward("a", false)
	h.setReward("b", false)
	h.SelectAgent("a")
	timing := testTiming()
	timing.StartDelay = time.Hour
	c, _ := enabledControllerWithTiming(t, h, staticOrder{"a", "b"}, timing)
	runLifecycle(t, c)
	require.Eventually(t, observedEnabled(c.Lifecycle), time.Second, time.Millisecond)

	h.setRunning("")

	require.Eventually(t, func() bool { return h.RunningAgent() == "b" }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []models.AgentType{"b"}, h.starts())
}

func TestStartFlowInterruptedBeforeScanSchedulesRetry(t *testing.T) {
	h := newFakeHost("a")
	h.setReward("a", false)
	timing := testTiming()
	timing.Cooldown = 50 * time.Millisecond
	timing.SleepDriftTolerance = time.Nanosecond
	c, logs := enabledControllerWithTiming(t, h, staticOrder{"a"}, timing)

	require.True(t, c.Lifecycle.rotating.CompareAndSwap(false, true))
	c.Lifecycle.runStartFlow(context.Background(), true)

	assert.False(t, c.Lifecycle.Busy())
	assert.Empty(t, h.starts())
	assert.Equal(t, 1, logs.count("safety net: flow interrupted before scan"))
	delay, ok := scheduledDelay(c)
	require.True(t, ok)
	assert.Equal(t, timing.Cooldown, delay)
}

func TestStartFlowInterruptedByDisableSchedulesNothing(t *testing.T) {
	h := newFakeHost("a")
	timing := testTiming()
	timing.Cooldown = 50 * time.Millisecond
	c, logs := enabledControllerWithTiming(t, h, staticOrder{"a"}, timing)

	require.True(t, c.Lifecycle.rotating.CompareAndSwap(false, true))
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.SetEnabled(false)
	}()
	c.Lifecycle.runStartFlow(context.Background(), true)

	assert.Empty(t, h.starts())
	assert.Zero(t, logs.count("safety net"))
	assert.False(t, c.Signals.HasScheduledScan())
}

func TestStopCurrentRunningAgent(t *testing.T) {
	h := newFakeHost("a")
	h.setRunning("a")
	c := newTestController(h, staticOrder{"a"}, &logCapture{})

	assert.True(t, c.StopCurrentRunningAgent(context.Background()))
	assert.Equal(t, []string{"sc-a"}, h.stops())

	assert.True(t, c.StopCurrentRunningAgent(context.Background()), "nothing running is a success")
	assert.Len(t, h.stops(), 1)
}

func TestCanSyncSelection(t *testing.T) {
	h := newFakeHost("a")
	c := newTestController(h, staticOrder{"a"}, &logCapture{})

	assert.False(t, c.CanSyncSelection("a"), "disabled")

	c.SetEnabled(true)
	defer c.SetEnabled(false)
	assert.False(t, c.CanSyncSelection("a"), "nothing ran yet")
	assert.False(t, c.CanSyncSelection(""))

	h.setRunning("a")
	assert.True(t, c.CanSyncSelection("a"))
}

func TestStatusReportsState(t *testing.T) {
	h := newFakeHost("a")
	h.setRunning("a")
	h.SelectAgent("a")
	c, _ := enabledController(t, h, staticOrder{"a"})
	c.Signals.SetReward("a", RewardNotEarned)
	c.Signals.ScheduleNextScan(time.Hour)

	st := c.Status()

	assert.True(t, st.Enabled)
	assert.Equal(t, models.AgentType("a"), st.RunningAgent)
	assert.Equal(t, models.AgentType("a"), st.SelectedAgent)
	assert.Equal(t, "not_earned", st.Rewards["a"])
	require.NotNil(t, st.NextScanAt)
}
