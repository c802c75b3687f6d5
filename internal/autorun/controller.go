package autorun

import (
	"context"
	"time"

	"github.com/jordanhubbard/autorun/internal/metrics"
	"github.com/jordanhubbard/autorun/pkg/models"
)

// Dependencies are the collaborators the controller drives.
type Dependencies struct {
	Catalog     AgentCatalog
	Control     ServiceControl
	Rewards     RewardsFetcher
	Eligibility EligibilitySource
	Balances    BalanceSource
	Selection   SelectionSource
	Running     RunningAgentSource
	Notifier    Notifier
	Order       AgentOrder
	Hooks       Hooks
	Metrics     *metrics.Metrics
	Logger      Logger
}

// Controller composes signals, operations, scanner and lifecycle.
type Controller struct {
	Signals    *Signals
	Operations *Operations
	Scanner    *Scanner
	Lifecycle  *Lifecycle
}

// NewController wires a controller. deps.Order must be set.
func NewController(deps Dependencies, timing Timing) *Controller {
	signals := NewSignals(timing, deps.Balances, deps.Selection, deps.Running, deps.Logger)
	ops := newOperations(signals, deps, timing)
	scanner := newScanner(signals, ops, deps.Order, timing, deps.Metrics)
	lifecycle := newLifecycle(signals, ops, scanner, deps.Order, timing, deps.Metrics, deps.Hooks)
	return &Controller{
		Signals:    signals,
		Operations: ops,
		Scanner:    scanner,
		Lifecycle:  lifecycle,
	}
}

// Run blocks until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	go c.Signals.WatchRunning(ctx)
	c.Lifecycle.Run(ctx)
}

// SetEnabled turns auto-run on or off.
func (c *Controller) SetEnabled(enabled bool) {
	c.Signals.SetEnabled(enabled)
}

// Enabled reports whether auto-run is on.
func (c *Controller) Enabled() bool {
	return c.Signals.Enabled()
}

// StopCurrentRunningAgent stops the running agent, if any.
func (c *Controller) StopCurrentRunningAgent(ctx context.Context) bool {
	return c.Lifecycle.StopCurrentRunningAgent(ctx)
}

// CanSyncSelection reports whether the host selection should follow
// currentAgent.
func (c *Controller) CanSyncSelection(currentAgent models.AgentType) bool {
	if !c.Enabled() || currentAgent == "" {
		return false
	}
	return c.Lifecycle.HasActivated() || c.Signals.RunningAgent() != ""
}

// Status is a point-in-time view of the controller.
type Status struct {
	Enabled       bool                        `json:"enabled"`
	RunningAgent  models.AgentType            `json:"runningAgent,omitempty"`
	SelectedAgent models.AgentType            `json:"selectedAgent,omitempty"`
	Busy          bool                        `json:"busy"`
	HasActivated  bool                        `json:"hasActivated"`
	NextScanAt    *time.Time                  `json:"nextScanAt,omitempty"`
	Rewards       map[models.AgentType]string `json:"rewards"`
}

// Status reports the controller state.
func (c *Controller) Status() Status {
	st := Status{
		Enabled:       c.Enabled(),
		RunningAgent:  c.Signals.RunningAgent(),
		SelectedAgent: c.Signals.Selection().AgentType,
		Busy:          c.Lifecycle.Busy(),
		HasActivated:  c.Lifecycle.HasActivated(),
		Rewards:       make(map[models.AgentType]string),
	}
	if _, at, ok := c.Signals.ScheduledScan(); ok {
		st.NextScanAt = &at
	}
	for agentType, state := range c.Signals.Rewards() {
		st.Rewards[agentType] = state.String()
	}
	return st
}
