package autorun

import (
	"sort"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// BuildIncludedAgents numbers agentTypes 0..n-1 in the given order.
func BuildIncludedAgents(agentTypes []models.AgentType) []models.IncludedAgent {
	out := make([]models.IncludedAgent, 0, len(agentTypes))
	for i, a := range agentTypes {
		out = append(out, models.IncludedAgent{AgentType: a, Order: i})
	}
	return out
}

// NormalizeIncludedAgents sorts by order, drops duplicates (first wins)
// and re-sequences orders densely from zero.
func NormalizeIncludedAgents(included []models.IncludedAgent) []models.IncludedAgent {
	sorted := append([]models.IncludedAgent(nil), included...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	seen := make(map[models.AgentType]bool, len(sorted))
	out := make([]models.IncludedAgent, 0, len(sorted))
	for _, a := range sorted {
		if a.AgentType == "" || seen[a.AgentType] {
			continue
		}
		seen[a.AgentType] = true
		out = append(out, models.IncludedAgent{AgentType: a.AgentType, Order: len(out)})
	}
	return out
}

// SortIncludedAgents keeps entries whose type is allowed and sorts them
// by order.
func SortIncludedAgents(included []models.IncludedAgent, allowed map[models.AgentType]bool) []models.IncludedAgent {
	out := make([]models.IncludedAgent, 0, len(included))
	for _, a := range included {
		if allowed[a.AgentType] {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// AppendIncludedAgents adds agentTypes after the current highest order.
func AppendIncludedAgents(included []models.IncludedAgent, agentTypes ...models.AgentType) []models.IncludedAgent {
	maxOrder := -1
	for _, a := range included {
		if a.Order > maxOrder {
			maxOrder = a.Order
		}
	}
	out := append([]models.IncludedAgent(nil), included...)
	for i, a := range agentTypes {
		out = append(out, models.IncludedAgent{AgentType: a, Order: maxOrder + i + 1})
	}
	return out
}

func containsIncluded(included []models.IncludedAgent, agentType models.AgentType) bool {
	for _, a := range included {
		if a.AgentType == agentType {
			return true
		}
	}
	return false
}

func agentTypesOf(included []models.IncludedAgent) []models.AgentType {
	out := make([]models.AgentType, 0, len(included))
	for _, a := range included {
		out = append(out, a.AgentType)
	}
	return out
}
