package autorun

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jordanhubbard/autorun/internal/metrics"
	"github.com/jordanhubbard/autorun/internal/telemetry"
	"github.com/jordanhubbard/autorun/pkg/models"
)

// candidateOutcome is the result of evaluating one scan candidate.
type candidateOutcome int

const (
	outcomeStarted candidateOutcome = iota
	outcomeAborted
	outcomeRetrySoon
	outcomeLoading
	outcomeBlocked
	outcomeEarned
)

// Scanner walks the included agents in order and starts the first one
// that can run and has not earned rewards yet.
type Scanner struct {
	signals *Signals
	ops     *Operations
	order   AgentOrder
	timing  Timing
	metrics *metrics.Metrics
}

func newScanner(signals *Signals, ops *Operations, order AgentOrder, timing Timing, m *metrics.Metrics) *Scanner {
	return &Scanner{signals: signals, ops: ops, order: order, timing: timing, metrics: m}
}

func (s *Scanner) logf(format string, args ...interface{}) {
	s.signals.logf(format, args...)
}

// FindNextInOrder returns the agent after current (wrapping), skipping
// current itself. An empty or unknown current starts from the head.
func (s *Scanner) FindNextInOrder(current models.AgentType) (models.AgentType, bool) {
	return findNextInOrder(s.order.OrderedIncludedAgentTypes(), current)
}

func findNextInOrder(order []models.AgentType, current models.AgentType) (models.AgentType, bool) {
	if len(order) == 0 {
		return "", false
	}
	start := 0
	if current != "" {
		for i, a := range order {
			if a == current {
				start = i + 1
				break
			}
		}
	}
	for i := 0; i < len(order); i++ {
		candidate := order[(start+i)%len(order)]
		if candidate != current {
			return candidate, true
		}
	}
	return "", false
}

// PreferredStartFrom returns the agent before the selected one so a scan
// begins at the selected agent, or "" for "start at the head".
func (s *Scanner) PreferredStartFrom() models.AgentType {
	order := s.order.OrderedIncludedAgentTypes()
	if len(order) <= 1 {
		return ""
	}
	selected := s.signals.Selection().AgentType
	for i, a := range order {
		if a == selected {
			return order[(i-1+len(order))%len(order)]
		}
	}
	return ""
}

// ScanAndStartNext walks candidates after startFrom, at most once each,
// and starts the first runnable one. When nothing starts it schedules the
// next scan: loading beats blocked beats earned.
func (s *Scanner) ScanAndStartNext(ctx context.Context, startFrom models.AgentType) bool {
	ctx, span := telemetry.StartSpan(ctx, "autorun.scan", attribute.String("start_from", string(startFrom)))
	defer span.End()
	began := time.Now()

	started, outcome := s.scan(ctx, startFrom)

	span.SetAttributes(attribute.Bool("started", started), attribute.String("outcome", outcome))
	s.metrics.RecordScan(outcome)
	telemetry.ObserveScan(ctx, time.Since(began), started)
	return started
}

func (s *Scanner) scan(ctx context.Context, startFrom models.AgentType) (bool, string) {
	if !s.signals.Enabled() {
		return false, "disabled"
	}

	order := s.order.OrderedIncludedAgentTypes()
	candidate, ok := findNextInOrder(order, startFrom)
	if !ok {
		s.logf("no candidates, rescan in %s", s.timing.ScanEligibleDelay)
		s.signals.ScheduleNextScan(s.timing.ScanEligibleDelay)
		return false, "empty"
	}

	visited := make(map[models.AgentType]bool, len(order))
	var sawLoading, sawBlocked, sawEarned bool

	for !visited[candidate] {
		visited[candidate] = true
		if !s.signals.Enabled() {
			return false, "aborted"
		}

		switch s.evaluate(ctx, candidate) {
		case outcomeStarted:
			return true, "started"
		case outcomeAborted:
			return false, "aborted"
		case outcomeRetrySoon:
			s.signals.ScheduleNextScan(s.timing.ScanLoadingDelay)
			return false, "retry"
		case outcomeLoading:
			sawLoading = true
		case outcomeBlocked:
			sawBlocked = true
		case outcomeEarned:
			sawEarned = true
		}

		next, ok := findNextInOrder(order, candidate)
		if !ok {
			break
		}
		candidate = next
	}

	delay := s.timing.ScanBlockedDelay
	outcome := "blocked"
	switch {
	case sawLoading:
		delay, outcome = s.timing.ScanLoadingDelay, "loading"
	case sawBlocked:
		delay, outcome = s.timing.ScanBlockedDelay, "blocked"
	case sawEarned:
		delay, outcome = s.timing.ScanEligibleDelay, "earned"
	}
	s.logf("scan complete, no agent started (%s), rescan in %s", outcome, delay)
	s.signals.ScheduleNextScan(delay)
	return false, outcome
}

// evaluate runs the per-candidate pipeline: select, refresh rewards,
// wait for balances and eligibility, then start.
func (s *Scanner) evaluate(ctx context.Context, candidate models.AgentType) candidateOutcome {
	meta, ok := s.ops.findAgent(candidate)
	if !ok {
		s.logf("skip %s: %s", candidate, ReasonNotConfigured)
		return outcomeBlocked
	}

	s.signals.SelectAgent(candidate)
	s.signals.MarkRewardPending(candidate)
	if res := s.signals.WaitForAgentSelection(ctx, candidate, meta.ServiceConfigID); !res.OK() {
		return s.waitFailed(res, "selection")
	}
	s.ops.RefreshRewardsEligibility(ctx, candidate)
	if res := s.signals.WaitForAgentSelection(ctx, candidate, meta.ServiceConfigID); !res.OK() {
		return s.waitFailed(res, "selection")
	}
	if res := s.signals.WaitForBalancesReady(ctx); !res.OK() {
		return s.waitFailed(res, "balances")
	}

	switch s.ops.waitForEligibilityReady(ctx, candidate) {
	case WaitAborted:
		return outcomeAborted
	case WaitTimeout:
		s.logf("%s eligibility still loading, moving on", candidate)
		return outcomeLoading
	}

	eligibility := s.ops.Eligibility(candidate)
	if !eligibility.CanRun {
		reason := FormatEligibilityReason(eligibility)
		if IsLoadingReason(reason) {
			s.logf("%s still loading (%s), moving on", candidate, reason)
			return outcomeLoading
		}
		s.ops.NotifySkipOnce(candidate, reason)
		return outcomeBlocked
	}

	if s.signals.WaitForRewardsEligibility(ctx, candidate) == RewardEarned {
		s.logf("%s already earned rewards this epoch, skipping", candidate)
		return outcomeEarned
	}

	result := s.ops.StartAgentWithRetries(ctx, candidate)
	switch result.Status {
	case StartStarted:
		return outcomeStarted
	case StartAborted:
		if !s.signals.Enabled() || ctx.Err() != nil {
			return outcomeAborted
		}
		s.logf("start of %s did not complete (%s), rescan in %s", candidate, abortReason(result.Reason), s.timing.ScanLoadingDelay)
		return outcomeRetrySoon
	case StartInfraFailed:
		s.logf("start of %s failed (%s), rescan in %s", candidate, result.Reason, s.timing.ScanLoadingDelay)
		return outcomeRetrySoon
	default:
		if IsLoadingReason(result.Reason) {
			return outcomeLoading
		}
		return outcomeBlocked
	}
}

func abortReason(reason string) string {
	if reason == "" {
		return "aborted"
	}
	return reason
}

func (s *Scanner) waitFailed(res WaitResult, wait string) candidateOutcome {
	if res == WaitAborted {
		return outcomeAborted
	}
	s.metrics.RecordWaitTimeout(wait)
	s.logf("%s wait timeout, rescan in %s", wait, s.timing.ScanLoadingDelay)
	return outcomeRetrySoon
}

// StartSelectedAgentIfEligible starts the currently selected agent when
// it is included, configured, has not earned rewards and can run.
func (s *Scanner) StartSelectedAgentIfEligible(ctx context.Context) bool {
	if !s.signals.Enabled() {
		return false
	}
	selected := s.signals.Selection().AgentType
	if selected == "" {
		return false
	}
	included := false
	for _, a := range s.order.OrderedIncludedAgentTypes() {
		if a == selected {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	if _, ok := s.ops.findAgent(selected); !ok {
		return false
	}
	if s.signals.Reward(selected) == RewardEarned {
		return false
	}

	switch s.evaluate(ctx, selected) {
	case outcomeStarted:
		return true
	case outcomeRetrySoon, outcomeLoading:
		s.signals.ScheduleNextScan(s.timing.ScanLoadingDelay)
	}
	return false
}
