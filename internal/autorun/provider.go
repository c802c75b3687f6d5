package autorun

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// SettingsStore persists auto-run settings. Load returns nil when nothing
// was stored yet.
type SettingsStore interface {
	Load(ctx context.Context) (*models.Settings, error)
	Save(ctx context.Context, settings models.Settings) error
}

// Provider is the public face of auto-run: it owns the persisted
// settings, exposes the derived agent lists and forwards enable changes
// to the controller. The in-memory settings are authoritative; every
// partial update is merged against them and written through.
type Provider struct {
	controller *Controller
	store      SettingsStore
	catalog    AgentCatalog
	selection  SelectionSource
	timing     Timing

	mu           sync.Mutex
	settings     models.Settings
	currentAgent models.AgentType

	saveMu sync.Mutex
}

// NewProvider loads persisted settings and wires a controller around them.
// deps.Order is set to the provider.
func NewProvider(ctx context.Context, store SettingsStore, deps Dependencies, timing Timing) (*Provider, error) {
	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load auto-run settings: %w", err)
	}
	var settings models.Settings
	if loaded != nil {
		settings = loaded.Clone()
		settings.IncludedAgents = NormalizeIncludedAgents(settings.IncludedAgents)
	}

	p := &Provider{
		store:     store,
		catalog:   deps.Catalog,
		selection: deps.Selection,
		timing:    timing,
		settings:  settings,
	}
	deps.Order = p
	p.controller = NewController(deps, timing)
	p.controller.SetEnabled(settings.Enabled)
	return p, nil
}

func (p *Provider) logf(format string, args ...interface{}) {
	p.controller.Signals.logf(format, args...)
}

// Controller returns the wrapped controller.
func (p *Provider) Controller() *Controller {
	return p.controller
}

// Status reports the controller state.
func (p *Provider) Status() Status {
	return p.controller.Status()
}

// StopCurrentRunningAgent stops whatever agent is running.
func (p *Provider) StopCurrentRunningAgent(ctx context.Context) bool {
	return p.controller.StopCurrentRunningAgent(ctx)
}

// Run runs the controller and keeps the included list and selection in
// sync with the configured agents until ctx is done.
func (p *Provider) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.controller.Run(ctx)
	}()

	ticker := time.NewTicker(p.timing.SlowPoll)
	defer ticker.Stop()
	p.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case <-ticker.C:
			p.Sync(ctx)
		}
	}
}

// Settings returns a copy of the authoritative settings.
func (p *Provider) Settings() models.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.Clone()
}

// Enabled reports the persisted enabled flag.
func (p *Provider) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.Enabled
}

// CurrentAgent returns the agent auto-run last saw running.
func (p *Provider) CurrentAgent() models.AgentType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentAgent
}

func (p *Provider) configuredTypes() []models.AgentType {
	metas := p.catalog.ConfiguredAgents()
	out := make([]models.AgentType, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.AgentType)
	}
	return out
}

func (p *Provider) isConfigured(agentType models.AgentType) bool {
	_, ok := models.FindAgent(p.catalog.ConfiguredAgents(), agentType)
	return ok
}

// IncludedAgents returns the included entries of configured agents,
// sorted by order.
func (p *Provider) IncludedAgents() []models.IncludedAgent {
	allowed := make(map[models.AgentType]bool)
	for _, a := range p.configuredTypes() {
		allowed[a] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return SortIncludedAgents(p.settings.IncludedAgents, allowed)
}

// OrderedIncludedAgentTypes is the rotation order. Before the list has
// been initialized every configured agent takes part.
func (p *Provider) OrderedIncludedAgentTypes() []models.AgentType {
	included := p.IncludedAgents()
	if len(included) > 0 {
		return agentTypesOf(included)
	}
	p.mu.Lock()
	initialized := p.settings.IsInitialized
	p.mu.Unlock()
	if initialized {
		return nil
	}
	return p.configuredTypes()
}

// ExcludedAgents returns configured agents outside the rotation.
func (p *Provider) ExcludedAgents() []models.AgentType {
	included := make(map[models.AgentType]bool)
	for _, a := range p.OrderedIncludedAgentTypes() {
		included[a] = true
	}
	var out []models.AgentType
	for _, a := range p.configuredTypes() {
		if !included[a] {
			out = append(out, a)
		}
	}
	return out
}

// EligibilityByAgent returns the normalized eligibility of every
// configured agent.
func (p *Provider) EligibilityByAgent() map[models.AgentType]models.Eligibility {
	out := make(map[models.AgentType]models.Eligibility)
	for _, a := range p.configuredTypes() {
		out[a] = p.controller.Operations.Eligibility(a)
	}
	return out
}

// UpdateAutoRun merges patch into the in-memory settings and writes the
// result through to the store. The cache keeps the merged value even when
// the write fails.
func (p *Provider) UpdateAutoRun(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	p.mu.Lock()
	p.settings = p.settings.Merge(patch)
	p.mu.Unlock()
	return p.persist(ctx)
}

func (p *Provider) persist(ctx context.Context) (models.Settings, error) {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	snapshot := p.Settings()
	if err := p.store.Save(ctx, snapshot); err != nil {
		p.logf("failed to persist settings: %v", err)
		return snapshot, fmt.Errorf("persist auto-run settings: %w", err)
	}
	return snapshot, nil
}

// SetEnabled persists the flag and enables or disables the controller.
func (p *Provider) SetEnabled(ctx context.Context, enabled bool) error {
	_, err := p.UpdateAutoRun(ctx, models.SettingsPatch{Enabled: &enabled})
	p.controller.SetEnabled(enabled)
	p.logf("enabled set to %v", enabled)
	return err
}

// IncludeAgent appends a configured agent to the rotation. Unknown and
// already included agents are ignored.
func (p *Provider) IncludeAgent(ctx context.Context, agentType models.AgentType) error {
	if !p.isConfigured(agentType) {
		return nil
	}
	p.mu.Lock()
	if containsIncluded(p.settings.IncludedAgents, agentType) {
		p.mu.Unlock()
		return nil
	}
	included := AppendIncludedAgents(p.settings.IncludedAgents, agentType)
	excluded := removeAgentType(p.settings.UserExcludedAgents, agentType)
	initialized := true
	p.settings = p.settings.Merge(models.SettingsPatch{
		IncludedAgents:     &included,
		UserExcludedAgents: &excluded,
		IsInitialized:      &initialized,
	})
	p.mu.Unlock()

	p.logf("included %s", agentType)
	_, err := p.persist(ctx)
	return err
}

// ExcludeAgent removes an agent from the rotation without renumbering
// the others. Agents that are not included are ignored.
func (p *Provider) ExcludeAgent(ctx context.Context, agentType models.AgentType) error {
	p.mu.Lock()
	if !containsIncluded(p.settings.IncludedAgents, agentType) {
		p.mu.Unlock()
		return nil
	}
	included := make([]models.IncludedAgent, 0, len(p.settings.IncludedAgents)-1)
	for _, a := range p.settings.IncludedAgents {
		if a.AgentType != agentType {
			included = append(included, a)
		}
	}
	excluded := p.settings.UserExcludedAgents
	if !p.settings.IsUserExcluded(agentType) {
		excluded = append(append([]models.AgentType(nil), excluded...), agentType)
	}
	p.settings = p.settings.Merge(models.SettingsPatch{
		IncludedAgents:     &included,
		UserExcludedAgents: &excluded,
	})
	p.mu.Unlock()

	p.logf("excluded %s", agentType)
	_, err := p.persist(ctx)
	return err
}

// ApplyExternal adopts a snapshot written by another process.
func (p *Provider) ApplyExternal(settings models.Settings) {
	settings = settings.Clone()
	settings.IncludedAgents = NormalizeIncludedAgents(settings.IncludedAgents)

	p.mu.Lock()
	if reflect.DeepEqual(p.settings, settings) {
		p.mu.Unlock()
		return
	}
	p.settings = settings
	p.mu.Unlock()

	p.logf("settings changed externally (enabled=%v, included=%d)", settings.Enabled, len(settings.IncludedAgents))
	p.controller.SetEnabled(settings.Enabled)
}

// Sync seeds and extends the included list from the configured agents,
// tracks the current agent and keeps the selection on it.
func (p *Provider) Sync(ctx context.Context) {
	configured := p.configuredTypes()

	p.mu.Lock()
	next, changed := p.reconcileIncludedLocked(configured)
	if changed {
		p.settings = next
	}
	p.mu.Unlock()
	if changed {
		_, _ = p.persist(ctx)
	}

	if running := p.controller.Signals.RunningAgent(); running != "" {
		p.mu.Lock()
		updated := p.currentAgent != running
		p.currentAgent = running
		p.mu.Unlock()
		if updated {
			p.logf("current agent set to %s", running)
		}
	}

	current := p.CurrentAgent()
	if !p.controller.CanSyncSelection(current) || p.controller.Lifecycle.Busy() || !p.isConfigured(current) {
		return
	}
	if p.selection.Selection().AgentType != current {
		p.selection.SelectAgent(current)
	}
}

func (p *Provider) reconcileIncludedLocked(configured []models.AgentType) (models.Settings, bool) {
	next := p.settings.Clone()
	if len(configured) == 0 {
		return next, false
	}
	if len(next.IncludedAgents) == 0 && !next.IsInitialized {
		next.IncludedAgents = BuildIncludedAgents(configured)
		next.IsInitialized = true
		p.logf("seeded included agents: %v", configured)
		return next, true
	}

	changed := false
	var missing []models.AgentType
	for _, a := range configured {
		if !containsIncluded(next.IncludedAgents, a) && !next.IsUserExcluded(a) {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		next.IncludedAgents = AppendIncludedAgents(next.IncludedAgents, missing...)
		p.logf("appended new agents: %v", missing)
		changed = true
	}
	if !next.IsInitialized {
		next.IsInitialized = true
		changed = true
	}
	return next, changed
}

func removeAgentType(list []models.AgentType, agentType models.AgentType) []models.AgentType {
	out := make([]models.AgentType, 0, len(list))
	for _, a := range list {
		if a != agentType {
			out = append(out, a)
		}
	}
	return out
}
