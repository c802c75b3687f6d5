package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/autorun/internal/autorun"
	"github.com/jordanhubbard/autorun/pkg/models"
)

type fakeBackend struct {
	mu          sync.Mutex
	services    []models.Service
	deployments map[string]models.DeploymentStatus
	funding     map[string]models.FundingRequirements
	safes       map[string]bool
	started     []string
	stopped     []string
	createdSafe []string
	listErr     error
	statusErr   map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		deployments: map[string]models.DeploymentStatus{},
		funding:     map[string]models.FundingRequirements{},
		safes:       map[string]bool{},
		statusErr:   map[string]error{},
	}
}

func (f *fakeBackend) ListServices(ctx context.Context) ([]models.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Service(nil), f.services...), f.listErr
}

func (f *fakeBackend) DeploymentStatus(ctx context.Context, id string) (models.DeploymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[id]; err != nil {
		return models.DeploymentCreated, err
	}
	return f.deployments[id], nil
}

func (f *fakeBackend) StartService(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	f.deployments[id] = models.DeploymentDeployed
	return nil
}

func (f *fakeBackend) StopDeployment(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	f.deployments[id] = models.DeploymentStopped
	return nil
}

func (f *fakeBackend) FundingRequirements(ctx context.Context, id string) (models.FundingRequirements, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.funding[id]
	if !ok {
		return models.FundingRequirements{}, errors.New("not found")
	}
	return req, nil
}

func (f *fakeBackend) HasSafe(ctx context.Context, chain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.safes[chain], nil
}

func (f *fakeBackend) CreateSafe(ctx context.Context, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdSafe = append(f.createdSafe, chain)
	f.safes[chain] = true
	return nil
}

type staticGeo map[models.AgentType]string

func (g staticGeo) Fetch(ctx context.Context) (map[models.AgentType]string, error) {
	return g, nil
}

var testConfigs = []models.AgentConfig{
	{Type: "trader", ServicePublicID: "valory/trader", HomeChain: "gnosis", ChainID: 100},
	{Type: "modius", ServicePublicID: "valory/modius", HomeChain: "mode", ChainID: 34443, GeoRestricted: true},
	{Type: "optimus", ServicePublicID: "valory/optimus", HomeChain: "optimism"},
}

func seededBackend() *fakeBackend {
	b := newFakeBackend()
	b.services = []models.Service{
		{
			ServiceConfigID: "sc-trader", ServicePublicID: "valory/trader", HomeChain: "gnosis",
			ChainConfigs: map[string]models.ChainConfig{
				"gnosis": {ChainData: models.ChainData{Token: 42, Multisig: "0xabc", UserParams: models.UserParams{StakingProgramID: "pearl_beta"}}},
			},
		},
		{ServiceConfigID: "sc-modius", ServicePublicID: "valory/modius", HomeChain: "mode"},
		{ServiceConfigID: "sc-other", ServicePublicID: "someone/else", HomeChain: "gnosis"},
	}
	b.funding["sc-trader"] = models.FundingRequirements{AllowStartAgent: true}
	b.funding["sc-modius"] = models.FundingRequirements{AllowStartAgent: false}
	return b
}

func TestRefreshBuildsCatalog(t *testing.T) {
	h := New(seededBackend(), nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))

	agents := h.ConfiguredAgents()
	require.Len(t, agents, 2)
	assert.Equal(t, models.AgentType("trader"), agents[0].AgentType)
	assert.Equal(t, "sc-trader", agents[0].ServiceConfigID)
	assert.Equal(t, "0xabc", agents[0].Multisig)
	assert.Equal(t, int64(42), agents[0].ServiceNFTTokenID)
	assert.Equal(t, "pearl_beta", agents[0].StakingProgramID)
	assert.True(t, agents[0].HasRewardsContext())
	assert.Equal(t, models.AgentType("modius"), agents[1].AgentType)

	status := h.BalancesStatus()
	assert.True(t, status.Ready)
	assert.False(t, status.Loading)
	assert.False(t, status.UpdatedAt.IsZero())
}

func TestRunningAgentFromActiveDeployment(t *testing.T) {
	b := seededBackend()
	b.deployments["sc-modius"] = models.DeploymentDeploying
	h := New(b, nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))
	assert.Equal(t, models.AgentType("modius"), h.RunningAgent())

	b.deployments["sc-modius"] = models.DeploymentStopped
	require.NoError(t, h.Refetch(context.Background()))
	assert.Equal(t, models.AgentType(""), h.RunningAgent())
}

func TestBalancesNotReadyUntilFundingLoads(t *testing.T) {
	b := seededBackend()
	delete(b.funding, "sc-modius")
	h := New(b, nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))
	assert.False(t, h.BalancesStatus().Ready)

	e := h.Eligibility("modius")
	assert.False(t, e.CanRun)
}

func TestRefreshErrorKeepsSnapshot(t *testing.T) {
	b := seededBackend()
	h := New(b, nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))

	b.listErr = errors.New("boom")
	assert.Error(t, h.Refetch(context.Background()))
	assert.Len(t, h.ConfiguredAgents(), 2)
}

func TestDeploymentStatusErrorKeepsOtherServices(t *testing.T) {
	b := seededBackend()
	h := New(b, nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))
	first := h.BalancesStatus().UpdatedAt
	require.NoError(t, h.Health())

	b.mu.Lock()
	b.statusErr["sc-trader"] = errors.New("timeout")
	b.funding["sc-trader"] = models.FundingRequirements{AllowStartAgent: false}
	b.deployments["sc-modius"] = models.DeploymentDeployed
	b.mu.Unlock()
	time.Sleep(time.Millisecond)

	require.NoError(t, h.Refetch(context.Background()))

	status := h.BalancesStatus()
	assert.True(t, status.Ready)
	assert.True(t, status.UpdatedAt.After(first), "balances keep advancing")
	assert.Len(t, h.ConfiguredAgents(), 2)
	assert.Equal(t, models.AgentType("modius"), h.RunningAgent())
	h.mu.RLock()
	assert.False(t, h.agents["trader"].funding.AllowStartAgent, "funding of the failing service still refreshes")
	h.mu.RUnlock()
	assert.ErrorContains(t, h.Health(), "deployment sc-trader: timeout")

	b.mu.Lock()
	delete(b.statusErr, "sc-trader")
	b.mu.Unlock()
	require.NoError(t, h.Refetch(context.Background()))
	assert.NoError(t, h.Health())
}

func TestDeploymentStatusErrorKeepsPreviousStatus(t *testing.T) {
	b := seededBackend()
	b.deployments["sc-trader"] = models.DeploymentDeployed
	h := New(b, nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))
	require.Equal(t, models.AgentType("trader"), h.RunningAgent())

	b.mu.Lock()
	b.statusErr["sc-trader"] = errors.New("timeout")
	b.mu.Unlock()

	require.NoError(t, h.Refetch(context.Background()))
	assert.Equal(t, models.AgentType("trader"), h.RunningAgent())
}

func TestEligibility(t *testing.T) {
	b := seededBackend()
	h := New(b, staticGeo{"modius": "allowed"}, testConfigs, Options{})
	h.refreshGeo(context.Background())
	require.NoError(t, h.Refetch(context.Background()))

	assert.True(t, h.Eligibility("trader").CanRun)
	assert.Equal(t, autorun.ReasonLowBalance, h.Eligibility("modius").Reason)
	assert.Equal(t, autorun.ReasonNotConfigured, h.Eligibility("optimus").Reason)

	b.deployments["sc-trader"] = models.DeploymentDeployed
	require.NoError(t, h.Refetch(context.Background()))
	assert.Equal(t, autorun.ReasonAnotherAgentRunning, h.Eligibility("modius").Reason)
	assert.True(t, h.Eligibility("trader").CanRun)
}

func TestEligibilityGeoUnknownIsLoading(t *testing.T) {
	b := seededBackend()
	b.funding["sc-modius"] = models.FundingRequirements{AllowStartAgent: true}
	h := New(b, nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))

	e := h.Eligibility("modius")
	assert.Equal(t, autorun.ReasonLoading, e.Reason)
	assert.Equal(t, "Geo", e.LoadingReason)
}

func TestEligibilityCarriesRewards(t *testing.T) {
	h := New(seededBackend(), nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))
	h.SetRewardsView(func(models.AgentType) autorun.RewardState { return autorun.RewardEarned })
	assert.Equal(t, "earned", h.Eligibility("trader").Rewards)
}

func TestSelectAgent(t *testing.T) {
	h := New(seededBackend(), nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))

	h.SelectAgent("trader")
	assert.Equal(t, models.Selection{AgentType: "trader", ServiceConfigID: "sc-trader"}, h.Selection())
}

func TestStartServiceCreatesSafe(t *testing.T) {
	b := seededBackend()
	h := New(b, nil, testConfigs, Options{})
	require.NoError(t, h.Refetch(context.Background()))
	meta, ok := models.FindAgent(h.ConfiguredAgents(), "trader")
	require.True(t, ok)

	require.NoError(t, h.StartService(context.Background(), meta))
	assert.Equal(t, []string{"gnosis"}, b.createdSafe)
	assert.Equal(t, []string{"sc-trader"}, b.started)

	require.NoError(t, h.StartService(context.Background(), meta))
	assert.Equal(t, []string{"gnosis"}, b.createdSafe, "safe is created once")
}

func TestStartServiceWithoutInstance(t *testing.T) {
	h := New(newFakeBackend(), nil, testConfigs, Options{})
	err := h.StartService(context.Background(), models.AgentMeta{AgentType: "optimus"})
	assert.Error(t, err)
}

func TestStopDeployment(t *testing.T) {
	b := seededBackend()
	h := New(b, nil, testConfigs, Options{})
	require.NoError(t, h.StopDeployment(context.Background(), "sc-trader"))
	status, err := h.DeploymentStatus(context.Background(), "sc-trader")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStopped, status)
}
