// Package host adapts the middleware API into the collaborators the
// auto-run controller consumes: the agent catalog, the running agent,
// balances readiness, the selection pointer, eligibility and service
// control.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jordanhubbard/autorun/internal/autorun"
	"github.com/jordanhubbard/autorun/pkg/models"
)

// Backend is the subset of the middleware client the host needs.
type Backend interface {
	ListServices(ctx context.Context) ([]models.Service, error)
	DeploymentStatus(ctx context.Context, serviceConfigID string) (models.DeploymentStatus, error)
	StartService(ctx context.Context, serviceConfigID string) error
	StopDeployment(ctx context.Context, serviceConfigID string) error
	FundingRequirements(ctx context.Context, serviceConfigID string) (models.FundingRequirements, error)
	HasSafe(ctx context.Context, chain string) (bool, error)
	CreateSafe(ctx context.Context, chain string) error
}

// GeoSource reports region eligibility per agent type.
type GeoSource interface {
	Fetch(ctx context.Context) (map[models.AgentType]string, error)
}

// Options tunes polling.
type Options struct {
	PollActive time.Duration
	PollIdle   time.Duration
	GeoRefresh time.Duration
}

type agentState struct {
	meta          models.AgentMeta
	deployment    models.DeploymentStatus
	funding       models.FundingRequirements
	fundingLoaded bool
	err           error
}

// Host polls the middleware and answers the controller's questions from
// the last snapshot.
type Host struct {
	backend Backend
	geo     GeoSource
	configs []models.AgentConfig
	opts    Options

	refreshGroup singleflight.Group
	kickCh       chan struct{}

	mu         sync.RWMutex
	agents     map[models.AgentType]*agentState
	order      []models.AgentType
	running    models.AgentType
	selection  models.Selection
	geoStatus  map[models.AgentType]string
	refreshing bool
	loaded     bool
	updatedAt  time.Time
	rewards    func(models.AgentType) autorun.RewardState
}

var (
	_ autorun.AgentCatalog       = (*Host)(nil)
	_ autorun.ServiceControl     = (*Host)(nil)
	_ autorun.EligibilitySource  = (*Host)(nil)
	_ autorun.BalanceSource      = (*Host)(nil)
	_ autorun.SelectionSource    = (*Host)(nil)
	_ autorun.RunningAgentSource = (*Host)(nil)
)

// New creates a host for the configured agents. geo may be nil when no
// agent is geo restricted.
func New(backend Backend, geo GeoSource, configs []models.AgentConfig, opts Options) *Host {
	if opts.PollActive <= 0 {
		opts.PollActive = 5 * time.Second
	}
	if opts.PollIdle <= 0 {
		opts.PollIdle = 15 * time.Second
	}
	if opts.GeoRefresh <= 0 {
		opts.GeoRefresh = 10 * time.Minute
	}
	return &Host{
		backend:   backend,
		geo:       geo,
		configs:   configs,
		opts:      opts,
		kickCh:    make(chan struct{}, 1),
		agents:    make(map[models.AgentType]*agentState),
		geoStatus: make(map[models.AgentType]string),
	}
}

// SetRewardsView lets eligibility carry the controller's reward snapshot.
func (h *Host) SetRewardsView(fn func(models.AgentType) autorun.RewardState) {
	h.mu.Lock()
	h.rewards = fn
	h.mu.Unlock()
}

// Run polls until ctx is cancelled.
func (h *Host) Run(ctx context.Context) {
	h.refreshGeo(ctx)
	geoTicker := time.NewTicker(h.opts.GeoRefresh)
	defer geoTicker.Stop()

	for {
		if err := h.Refetch(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[Host] refresh failed: %v", err)
		}

		timer := time.NewTimer(h.pollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-geoTicker.C:
			timer.Stop()
			h.refreshGeo(ctx)
		case <-h.kickCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (h *Host) pollInterval() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.running != "" {
		return h.opts.PollActive
	}
	return h.opts.PollIdle
}

// kick asks the poll loop to refresh now.
func (h *Host) kick() {
	select {
	case h.kickCh <- struct{}{}:
	default:
	}
}

func (h *Host) refreshGeo(ctx context.Context) {
	if h.geo == nil {
		return
	}
	statuses, err := h.geo.Fetch(ctx)
	if err != nil {
		log.Printf("[Host] geo eligibility fetch failed: %v", err)
		return
	}
	h.mu.Lock()
	h.geoStatus = statuses
	h.mu.Unlock()
}

// Refetch refreshes services, deployments and funding. Concurrent calls
// share one round trip.
func (h *Host) Refetch(ctx context.Context) error {
	_, err, _ := h.refreshGroup.Do("refresh", func() (interface{}, error) {
		return nil, h.refresh(ctx)
	})
	return err
}

func (h *Host) refresh(ctx context.Context) error {
	h.mu.Lock()
	h.refreshing = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.refreshing = false
		h.mu.Unlock()
	}()

	services, err := h.backend.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}

	h.mu.RLock()
	prev := h.agents
	h.mu.RUnlock()

	var order []models.AgentType
	states := make(map[models.AgentType]*agentState)
	for _, cfg := range h.configs {
		for i := range services {
			if !cfg.Matches(services[i]) {
				continue
			}
			svc := services[i]
			states[cfg.Type] = &agentState{meta: buildMeta(cfg, &svc)}
			order = append(order, cfg.Type)
			break
		}
	}

	// A failing service keeps its previous deployment status; the other
	// services still refresh.
	var g errgroup.Group
	var fetchMu sync.Mutex
	for agentType, st := range states {
		id := st.meta.ServiceConfigID
		g.Go(func() error {
			status, derr := h.backend.DeploymentStatus(ctx, id)
			funding, ferr := h.backend.FundingRequirements(ctx, id)
			fetchMu.Lock()
			defer fetchMu.Unlock()
			if derr != nil {
				st.err = fmt.Errorf("deployment %s: %w", id, derr)
				if old, ok := prev[agentType]; ok && old.meta.ServiceConfigID == id {
					status = old.deployment
				}
				log.Printf("[Host] %v", st.err)
			}
			st.deployment = status
			if ferr == nil {
				st.funding = funding
				st.fundingLoaded = true
			} else {
				log.Printf("[Host] funding requirements for %s failed: %v", id, ferr)
			}
			return nil
		})
	}
	_ = g.Wait()

	var running models.AgentType
	allFunded := true
	for _, agentType := range order {
		st := states[agentType]
		if running == "" && st.deployment.IsActive() {
			running = agentType
		}
		if !st.fundingLoaded {
			allFunded = false
		}
	}

	h.mu.Lock()
	h.agents = states
	h.order = order
	if running != h.running {
		log.Printf("[Host] running agent changed: %q -> %q", h.running, running)
	}
	h.running = running
	h.loaded = allFunded
	h.updatedAt = time.Now()
	if sel, ok := states[h.selection.AgentType]; ok {
		h.selection.ServiceConfigID = sel.meta.ServiceConfigID
	}
	h.mu.Unlock()
	return nil
}

// Health reports the services whose deployment status could not be read
// on the last refresh.
func (h *Host) Health() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var errs []error
	for _, agentType := range h.order {
		if err := h.agents[agentType].err; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildMeta(cfg models.AgentConfig, svc *models.Service) models.AgentMeta {
	meta := models.AgentMeta{
		AgentType:        cfg.Type,
		Config:           cfg,
		ServiceConfigID:  svc.ServiceConfigID,
		ChainID:          cfg.ChainID,
		StakingProgramID: cfg.DefaultStakingProgramID,
		Service:          svc,
	}
	if data, ok := svc.HomeChainData(); ok {
		meta.Multisig = data.Multisig
		meta.ServiceNFTTokenID = data.Token
		if data.UserParams.StakingProgramID != "" {
			meta.StakingProgramID = data.UserParams.StakingProgramID
		}
	}
	return meta
}

// ConfiguredAgents lists agents that have a service instance, in
// configuration order.
func (h *Host) ConfiguredAgents() []models.AgentMeta {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.AgentMeta, 0, len(h.order))
	for _, agentType := range h.order {
		out = append(out, h.agents[agentType].meta)
	}
	return out
}

// RunningAgent returns the agent whose deployment is active, or "".
func (h *Host) RunningAgent() models.AgentType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// BalancesStatus reports whether funding requirements are loaded.
func (h *Host) BalancesStatus() autorun.BalancesStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return autorun.BalancesStatus{
		Ready:     h.loaded,
		Loading:   h.refreshing,
		UpdatedAt: h.updatedAt,
	}
}

// Selection returns the selected agent.
func (h *Host) Selection() models.Selection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.selection
}

// SelectAgent points the selection at agentType.
func (h *Host) SelectAgent(agentType models.AgentType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sel := models.Selection{AgentType: agentType}
	if st, ok := h.agents[agentType]; ok {
		sel.ServiceConfigID = st.meta.ServiceConfigID
	}
	h.selection = sel
}

// Eligibility computes whether agentType may start now.
func (h *Host) Eligibility(agentType models.AgentType) models.Eligibility {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st, ok := h.agents[agentType]
	if !ok {
		return models.Eligibility{Reason: autorun.ReasonNotConfigured}
	}
	in := autorun.EligibilityInputs{
		Config:           st.meta.Config,
		Service:          st.meta.Service,
		GeoStatus:        h.geoStatus[agentType],
		Staking:          stakingDetails(st.meta.Service),
		AllowStart:       st.funding.AllowStartAgent,
		FundingLoaded:    st.fundingLoaded,
		BalancesLoading:  h.refreshing,
		AnotherIsRunning: h.running != "" && h.running != agentType,
		Rewards:          autorun.RewardUnknown,
		Now:              time.Now(),
	}
	if h.rewards != nil {
		in.Rewards = h.rewards(agentType)
	}
	return autorun.ComputeEligibility(in)
}

func stakingDetails(svc *models.Service) *autorun.StakingDetails {
	if svc == nil {
		return nil
	}
	data, ok := svc.HomeChainData()
	if !ok || !data.UserParams.UseStaking {
		return nil
	}
	state := autorun.StakingNotStaked
	if data.Staked {
		state = autorun.StakingStaked
	}
	return &autorun.StakingDetails{State: state}
}

// StartService creates the master safe on the agent's chain if needed,
// then deploys the service.
func (h *Host) StartService(ctx context.Context, meta models.AgentMeta) error {
	if meta.ServiceConfigID == "" {
		return fmt.Errorf("no service instance for %s", meta.AgentType)
	}
	chain := meta.Config.HomeChain
	if chain == "" && meta.Service != nil {
		chain = meta.Service.HomeChain
	}
	if chain != "" {
		has, err := h.backend.HasSafe(ctx, chain)
		if err != nil {
			return fmt.Errorf("check safe on %s: %w", chain, err)
		}
		if !has {
			log.Printf("[Host] creating safe on %s for %s", chain, meta.AgentType)
			if err := h.backend.CreateSafe(ctx, chain); err != nil {
				return fmt.Errorf("create safe on %s: %w", chain, err)
			}
		}
	}
	if err := h.backend.StartService(ctx, meta.ServiceConfigID); err != nil {
		return err
	}
	h.kick()
	return nil
}

// StopDeployment stops a service deployment.
func (h *Host) StopDeployment(ctx context.Context, serviceConfigID string) error {
	if err := h.backend.StopDeployment(ctx, serviceConfigID); err != nil {
		return err
	}
	h.kick()
	return nil
}

// DeploymentStatus queries the live deployment status of a service.
func (h *Host) DeploymentStatus(ctx context.Context, serviceConfigID string) (models.DeploymentStatus, error) {
	return h.backend.DeploymentStatus(ctx, serviceConfigID)
}
