package autorun

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// fakeHost implements every collaborator the controller needs.
type fakeHost struct {
	mu sync.Mutex

	agents      []models.AgentMeta
	running     models.AgentType
	selection   models.Selection
	eligibility map[models.AgentType]models.Eligibility
	balances    BalancesStatus

	// freshReads, when positive, is how many BalancesStatus reads report
	// fresh balances before they go stale.
	freshReads   int
	balanceReads int

	rewards     map[models.AgentType]bool
	rewardErr   map[models.AgentType]error
	rewardCalls map[models.AgentType]int

	startErrs    map[models.AgentType][]error
	startCalls   []models.AgentType
	startBlock   chan struct{}
	noRunOnStart bool

	deployments map[string]models.DeploymentStatus
	stopCalls   []string
	stopIgnored bool

	selectCalls   map[models.AgentType]int
	refetchCalls  int
	notifications []string
}

func newFakeHost(agentTypes ...models.AgentType) *fakeHost {
	h := &fakeHost{
		eligibility: make(map[models.AgentType]models.Eligibility),
		balances:    BalancesStatus{Ready: true, UpdatedAt: time.Now()},
		rewards:     make(map[models.AgentType]bool),
		rewardErr:   make(map[models.AgentType]error),
		rewardCalls: make(map[models.AgentType]int),
		startErrs:   make(map[models.AgentType][]error),
		deployments: make(map[string]models.DeploymentStatus),
		selectCalls: make(map[models.AgentType]int),
	}
	for _, a := range agentTypes {
		h.agents = append(h.agents, testMeta(a))
	}
	return h
}

func testMeta(agentType models.AgentType) models.AgentMeta {
	return models.AgentMeta{
		AgentType:         agentType,
		Config:            models.AgentConfig{Type: agentType, DisplayName: strings.ToUpper(string(agentType))},
		ServiceConfigID:   "sc-" + string(agentType),
		Multisig:          "0xsafe",
		ServiceNFTTokenID: 7,
		StakingProgramID:  "pearl_beta",
	}
}

func (h *fakeHost) ConfiguredAgents() []models.AgentMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.AgentMeta(nil), h.agents...)
}

func (h *fakeHost) RunningAgent() models.AgentType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *fakeHost) setRunning(agentType models.AgentType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = agentType
	if agentType != "" {
		h.deployments["sc-"+string(agentType)] = models.DeploymentDeployed
	}
}

func (h *fakeHost) Selection() models.Selection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.selection
}

func (h *fakeHost) SelectAgent(agentType models.AgentType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.selectCalls[agentType]++
	h.selection = models.Selection{AgentType: agentType, ServiceConfigID: "sc-" + string(agentType)}
}

func (h *fakeHost) BalancesStatus() BalancesStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balanceReads++
	if h.freshReads > 0 && h.balanceReads > h.freshReads {
		return BalancesStatus{Ready: true, UpdatedAt: time.Now().Add(-2 * time.Hour)}
	}
	return h.balances
}

func (h *fakeHost) Refetch(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refetchCalls++
	return nil
}

func (h *fakeHost) Eligibility(agentType models.AgentType) models.Eligibility {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.eligibility[agentType]; ok {
		return e
	}
	return models.Eligibility{CanRun: true}
}

func (h *fakeHost) setEligibility(agentType models.AgentType, e models.Eligibility) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eligibility[agentType] = e
}

func (h *fakeHost) setReward(agentType models.AgentType, earned bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rewards[agentType] = earned
}

func (h *fakeHost) FetchRewardsEligibility(ctx context.Context, meta models.AgentMeta) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rewardCalls[meta.AgentType]++
	if err := h.rewardErr[meta.AgentType]; err != nil {
		return false, err
	}
	earned, ok := h.rewards[meta.AgentType]
	if !ok {
		return false, errors.New("no rewards data")
	}
	return earned, nil
}

func (h *fakeHost) StartService(ctx context.Context, meta models.AgentMeta) error {
	h.mu.Lock()
	h.startCalls = append(h.startCalls, meta.AgentType)
	block := h.startBlock
	h.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if errs := h.startErrs[meta.AgentType]; len(errs) > 0 {
		h.startErrs[meta.AgentType] = errs[1:]
		return errs[0]
	}
	if !h.noRunOnStart {
		h.running = meta.AgentType
		h.deployments[meta.ServiceConfigID] = models.DeploymentDeployed
	}
	return nil
}

func (h *fakeHost) StopDeployment(ctx context.Context, serviceConfigID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopCalls = append(h.stopCalls, serviceConfigID)
	if h.stopIgnored {
		return nil
	}
	h.deployments[serviceConfigID] = models.DeploymentStopped
	if h.running != "" && "sc-"+string(h.running) == serviceConfigID {
		h.running = ""
	}
	return nil
}

func (h *fakeHost) DeploymentStatus(ctx context.Context, serviceConfigID string) (models.DeploymentStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.deployments[serviceConfigID]; ok {
		return st, nil
	}
	return models.DeploymentBuilt, nil
}

func (h *fakeHost) Notify(title, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, title)
}

func (h *fakeHost) starts() []models.AgentType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.AgentType(nil), h.startCalls...)
}

func (h *fakeHost) stops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.stopCalls...)
}

func (h *fakeHost) notified() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notifications...)
}

func (h *fakeHost) rewardFetches(agentType models.AgentType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rewardCalls[agentType]
}

func (h *fakeHost) selections(agentType models.AgentType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.selectCalls[agentType]
}

// staticOrder is a fixed rotation order.
type staticOrder []models.AgentType

func (o staticOrder) OrderedIncludedAgentTypes() []models.AgentType { return o }

// logCapture records controller log lines.
type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (c *logCapture) log(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, message)
}

func (c *logCapture) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func testTiming() Timing {
	return Timing{
		FastPoll:               time.Millisecond,
		SlowPoll:               time.Millisecond,
		SelectionTimeout:       200 * time.Millisecond,
		BalancesTimeout:        200 * time.Millisecond,
		BalancesStaleAfter:     time.Hour,
		BalancesRefetchEvery:   50 * time.Millisecond,
		EligibilityTimeout:     50 * time.Millisecond,
		RewardsWaitTimeout:     50 * time.Millisecond,
		RewardsFetchTimeout:    100 * time.Millisecond,
		RewardsPoll:            time.Hour,
		RewardsThrottle:        time.Hour,
		StartRequestTimeout:    time.Second,
		RunningConfirmTimeout:  50 * time.Millisecond,
		RetryBackoff:           []time.Duration{2 * time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond},
		StopRequestTimeout:     100 * time.Millisecond,
		StopConfirmTimeout:     10 * time.Millisecond,
		DeploymentCheckTimeout: 50 * time.Millisecond,
		StopRecoveryAttempts:   3,
		StopRecoveryDelay:      2 * time.Millisecond,
		Cooldown:               5 * time.Millisecond,
		StartDelay:             10 * time.Millisecond,
		ScanLoadingDelay:       30 * time.Second,
		ScanBlockedDelay:       10 * time.Minute,
		ScanEligibleDelay:      30 * time.Minute,
	}
}

func newTestController(h *fakeHost, order AgentOrder, logs *logCapture) *Controller {
	return NewController(testDeps(h, order, logs), testTiming())
}

func testDeps(h *fakeHost, order AgentOrder, logs *logCapture) Dependencies {
	return Dependencies{
		Catalog:     h,
		Control:     h,
		Rewards:     h,
		Eligibility: h,
		Balances:    h,
		Selection:   h,
		Running:     h,
		Notifier:    h,
		Order:       order,
		Logger:      logs.log,
	}
}

func scheduledDelay(c *Controller) (time.Duration, bool) {
	d, _, ok := c.Signals.ScheduledScan()
	return d, ok
}
