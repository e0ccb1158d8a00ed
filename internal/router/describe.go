package router

import (
	"sort"
	"time"
)

// TieringConfig is the read-only description served to clients
type TieringConfig struct {
	Tiers  []TierDescription `json:"tiers" yaml:"tiers"`
	Stages map[string]string `json:"stages" yaml:"stages"`
}

// TierDescription describes one tier and its chain
type TierDescription struct {
	Name          string             `json:"name" yaml:"name"`
	Description   string             `json:"description" yaml:"description"`
	ContextTokens int                `json:"context_tokens" yaml:"context_tokens"`
	Chain         []EntryDescription `json:"chain" yaml:"chain"`
}

// EntryDescription describes one chain entry
type EntryDescription struct {
	Provider    string `json:"provider" yaml:"provider"`
	Model       string `json:"model" yaml:"model"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Cost        string `json:"cost,omitempty" yaml:"cost,omitempty"`
	Speed       string `json:"speed,omitempty" yaml:"speed,omitempty"`
	Available   bool   `json:"available" yaml:"available"`
}

// Describe returns the tier to chain mapping with current availability
func (r *Router) Describe() TieringConfig {
	now := r.now()
	names := make([]string, 0, len(r.tiers))
	for name := range r.tiers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := TieringConfig{
		Tiers:  make([]TierDescription, 0, len(names)),
		Stages: make(map[string]string, len(r.stages)),
	}
	for _, name := range names {
		tc := r.tiers[name]
		td := TierDescription{
			Name:          name,
			Description:   tc.Description,
			ContextTokens: tc.ContextTokens,
			Chain:         make([]EntryDescription, 0, len(tc.Chain)),
		}
		for _, e := range tc.Chain {
			td.Chain = append(td.Chain, EntryDescription{
				Provider:    e.Provider,
				Model:       e.Model,
				Description: e.Description,
				Cost:        e.Cost,
				Speed:       e.Speed,
				Available:   r.available(e.Provider, e.Model, now),
			})
		}
		out.Tiers = append(out.Tiers, td)
	}
	for stage, tier := range r.stages {
		out.Stages[stage] = tier
	}
	return out
}

func (r *Router) available(provider, model string, now time.Time) bool {
	p, ok := r.profiles[provider]
	if !ok {
		return false
	}
	_, blocked := p.blockedUntil(model, now)
	return !blocked
}
