// Package catalog holds the configured model list and answers which
// models a given account tier may use.
package catalog

import "strings"

const (
	TierPermissionless = "permissionless"
	TierExtended       = "extended"
	TierPro            = "pro"
)

const DefaultTokenLimit = 128000

var tierRank = map[string]int{
	TierPermissionless: 0,
	TierExtended:       1,
	TierPro:            2,
}

// Model describes one selectable model. Virtual entries are not sent
// upstream themselves; the dispatcher resolves them to Fallback after
// intent detection.
type Model struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	TokenLimit int     `json:"token_limit"`
	Multiplier float64 `json:"multiplier"`
	MinTier    string  `json:"min_tier"`
	Virtual    bool    `json:"virtual,omitempty"`
	Fallback   string  `json:"-"`
}

type Catalog struct {
	models []Model
	byID   map[string]Model
}

func New(models []Model) *Catalog {
	normalized := make([]Model, 0, len(models))
	byID := make(map[string]Model, len(models))
	for _, m := range models {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			continue
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		if m.TokenLimit <= 0 {
			m.TokenLimit = DefaultTokenLimit
		}
		if m.Multiplier <= 0 {
			m.Multiplier = 1
		}
		if _, ok := tierRank[m.MinTier]; !ok {
			m.MinTier = TierPermissionless
		}
		normalized = append(normalized, m)
		byID[m.ID] = m
	}
	return &Catalog{models: normalized, byID: byID}
}

func (c *Catalog) Get(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// ForTier lists the models the tier may use, in configured order.
func (c *Catalog) ForTier(tier string) []Model {
	rank := tierRank[normalizeTier(tier)]
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		if tierRank[m.MinTier] <= rank {
			out = append(out, m)
		}
	}
	return out
}

func (c *Catalog) Allowed(tier, id string) bool {
	m, ok := c.byID[id]
	if !ok {
		return false
	}
	return tierRank[m.MinTier] <= tierRank[normalizeTier(tier)]
}

func (c *Catalog) IDsForTier(tier string) []string {
	models := c.ForTier(tier)
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	return ids
}

// Multiplier is the per-model usage cost factor; unknown ids cost 1x.
func (c *Catalog) Multiplier(id string) float64 {
	if m, ok := c.byID[id]; ok {
		return m.Multiplier
	}
	return 1
}

func normalizeTier(tier string) string {
	if _, ok := tierRank[tier]; ok {
		return tier
	}
	return TierPermissionless
}
