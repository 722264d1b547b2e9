package catalog

import (
	"path/filepath"

	"github.com/dyluth/crucible/pkg/blackboard"
)

// Criteria defines filtering criteria for minted skills.
// All filters are ANDed together - a skill must match ALL criteria to pass.
type Criteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	CategoryGlob     string // Glob pattern for skill category, empty = no filter
	Requester        string // Exact match for requester_id, empty = no filter
}

// Matches returns true if the skill matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(s *blackboard.SkillRecord) bool {
	if c.SinceTimestampMs > 0 && s.MintedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && s.MintedAtMs > c.UntilTimestampMs {
		return false
	}

	if c.CategoryGlob != "" {
		matched, err := filepath.Match(c.CategoryGlob, s.Category)
		if err != nil || !matched {
			return false
		}
	}

	if c.Requester != "" && s.RequesterID != c.Requester {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.CategoryGlob != "" ||
		c.Requester != ""
}
