package model

import "time"

// ClientCategory partitions realtime clients into isolated pools. Category
// capacity and broadcast fan-out never cross pool boundaries.
type ClientCategory string

const (
	CategoryCounter ClientCategory = "counter"
	CategoryMobile  ClientCategory = "mobile"
	CategoryAdmin   ClientCategory = "admin"
	CategoryOther   ClientCategory = "other"
)

// ParseClientCategory maps a declared category onto the known set. Anything
// unrecognized lands in the other pool rather than being rejected.
func ParseClientCategory(raw string) ClientCategory {
	switch ClientCategory(raw) {
	case CategoryCounter, CategoryMobile, CategoryAdmin:
		return ClientCategory(raw)
	}
	return CategoryOther
}

// QualityTier grades a connection by its measured round-trip latency.
type QualityTier string

const (
	TierExcellent QualityTier = "excellent"
	TierGood      QualityTier = "good"
	TierPoor      QualityTier = "poor"
	TierCritical  QualityTier = "critical"
)

// Score weights a tier for pool health accounting. Excellent counts full,
// each step down loses a quarter.
func (t QualityTier) Score() float64 {
	switch t {
	case TierExcellent:
		return 1.0
	case TierGood:
		return 0.75
	case TierPoor:
		return 0.5
	}
	return 0.25
}

// TierForLatency buckets a round-trip measurement. Boundaries are inclusive
// on the lower tier, so exactly 100ms is still excellent.
func TierForLatency(rtt time.Duration) QualityTier {
	switch {
	case rtt <= 100*time.Millisecond:
		return TierExcellent
	case rtt <= 300*time.Millisecond:
		return TierGood
	case rtt <= 1000*time.Millisecond:
		return TierPoor
	}
	return TierCritical
}

// Subscription narrows which updates a client receives. An empty EntityTypes
// set means all types; Filter keys match against entity ids.
type Subscription struct {
	EntityTypes []EntityType      `json:"entity_types,omitempty"`
	Filter      map[string]string `json:"filter,omitempty"`
}

// Matches reports whether an update for the given type and id passes the
// subscription.
func (s *Subscription) Matches(entityType EntityType, entityID string) bool {
	if s == nil {
		return true
	}
	if len(s.EntityTypes) > 0 {
		found := false
		for _, t := range s.EntityTypes {
			if t == entityType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if want, ok := s.Filter[string(entityType)]; ok && want != entityID {
		return false
	}
	return true
}

// PoolStats is a point-in-time view of one category pool.
type PoolStats struct {
	Category    ClientCategory      `json:"category"`
	Active      int                 `json:"active"`
	Capacity    int                 `json:"capacity"`
	QueuedItems int                 `json:"queued_items"`
	Health      float64             `json:"health"`
	ByTier      map[QualityTier]int `json:"by_tier"`
}
