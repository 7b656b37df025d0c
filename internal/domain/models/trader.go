package models

import "time"

// Tier is a tenant access level. Traders carry the minimum tier required
// to run them; a tenant may always run its own traders regardless of tier.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
	TierElite     Tier = "elite"
)

var tierRanks = map[Tier]int{
	TierAnonymous: 0,
	TierFree:      1,
	TierPro:       2,
	TierElite:     3,
}

// Rank returns the position of the tier in the ordered hierarchy.
// Unknown tiers rank above elite so an unrecognized requirement never
// unlocks.
func (t Tier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return len(tierRanks)
}

// Covers reports whether a tenant at tier t may run a trader requiring
// req. An unrecognized tenant tier carries no privileges beyond
// anonymous.
func (t Tier) Covers(req Tier) bool {
	if _, known := tierRanks[t]; !known {
		t = TierAnonymous
	}
	return t.Rank() >= req.Rank()
}

// ParseTier normalizes a stored tier string. Empty input maps to anonymous.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierAnonymous, TierFree, TierPro, TierElite:
		return Tier(s)
	case "":
		return TierAnonymous
	default:
		return Tier(s) // preserved for logging; ranks as unknown
	}
}

// Trader is a user-defined screening rule. The filter source is an opaque
// executable expression compiled by the screening pool; everything else is
// scheduling and access metadata. Immutable during a cycle: reloads replace
// the whole set.
type Trader struct {
	ID              string   `json:"id"`
	OwnerID         string   `json:"owner_id"`
	Name            string   `json:"name"`
	FilterSource    string   `json:"filter_source"`
	RefreshInterval string   `json:"refresh_interval"`
	ExtraTimeframes []string `json:"extra_timeframes"`
	Enabled         bool     `json:"enabled"`
	RequiredTier    Tier     `json:"required_tier"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Timeframes returns the intervals this trader's filter needs as history:
// the refresh interval plus any extra timeframes, deduplicated.
func (t *Trader) Timeframes() []string {
	seen := make(map[string]struct{}, len(t.ExtraTimeframes)+1)
	out := make([]string, 0, len(t.ExtraTimeframes)+1)
	if t.RefreshInterval != "" {
		seen[t.RefreshInterval] = struct{}{}
		out = append(out, t.RefreshInterval)
	}
	for _, tf := range t.ExtraTimeframes {
		if _, ok := seen[tf]; ok {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	return out
}
