package geo

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Tier identifies which search policy produced a candidate set.
type Tier string

const (
	TierPrimary  Tier = "primary"  // 15 km
	TierExpanded Tier = "expanded" // 25 km
	TierWide     Tier = "wide"     // 50 km, last-resort proximity
	TierAdmin    Tier = "admin"    // shared city or postal code
	TierGlobal   Tier = "global"   // all active responders, bounded
)

const (
	primaryRadiusKm  = 15.0
	expandedRadiusKm = 25.0
	wideRadiusKm     = 50.0
	globalLimit      = 100
)

// Responder is the directory summary the matcher ranks.
type Responder struct {
	ID    string
	Name  string
	Phone string
	Email string
	Point Point
}

// Candidate is one ranked responder. DistanceKm is nil for responders found
// through the administrative or global fallbacks, where the responder (or the
// case) has no usable coordinates.
type Candidate struct {
	Responder
	DistanceKm *float64
	Tier       Tier
}

// Finder is the slice of the provider directory the matcher consumes. All
// three queries return only responders in the active-and-verified state.
type Finder interface {
	ActiveNear(ctx context.Context, point Point, radiusKm float64) ([]Responder, error)
	ActiveByCityOrPostalCode(ctx context.Context, city, postalCode string) ([]Responder, error)
	AllActive(ctx context.Context, limit int) ([]Responder, error)
}

// Filters carries the administrative attributes used by the non-radius tiers.
type Filters struct {
	City       string
	PostalCode string
}

// Matcher resolves a case location to a ranked candidate list using tiered
// radius fallback.
type Matcher struct {
	finder Finder
	log    *zap.Logger
}

func NewMatcher(finder Finder, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{finder: finder, log: log}
}

// FindCandidates applies the tier policy in order and stops at the first
// non-empty tier. A tier's query failure falls through to the next tier
// rather than failing the search. Output is deduplicated by responder id and
// sorted ascending by distance where a distance exists.
func (m *Matcher) FindCandidates(ctx context.Context, point Point, filters Filters) []Candidate {
	if point.Valid() {
		for _, tier := range []struct {
			name   Tier
			radius float64
		}{
			{TierPrimary, primaryRadiusKm},
			{TierExpanded, expandedRadiusKm},
			{TierWide, wideRadiusKm},
		} {
			candidates, err := m.radiusTier(ctx, point, tier.radius, tier.name)
			if err != nil {
				m.log.Warn("matcher tier query failed",
					zap.String("tier", string(tier.name)), zap.Error(err))
				continue
			}
			if len(candidates) > 0 {
				return candidates
			}
		}
	}

	if filters.City != "" || filters.PostalCode != "" {
		responders, err := m.finder.ActiveByCityOrPostalCode(ctx, filters.City, filters.PostalCode)
		if err != nil {
			m.log.Warn("matcher admin tier query failed", zap.Error(err))
		} else if len(responders) > 0 {
			return rankWithoutDistance(responders, TierAdmin)
		}
	}

	responders, err := m.finder.AllActive(ctx, globalLimit)
	if err != nil {
		m.log.Warn("matcher global tier query failed", zap.Error(err))
		return nil
	}
	return rankWithoutDistance(responders, TierGlobal)
}

func (m *Matcher) radiusTier(ctx context.Context, point Point, radiusKm float64, tier Tier) ([]Candidate, error) {
	responders, err := m.finder.ActiveNear(ctx, point, radiusKm)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(responders))
	seen := make(map[string]struct{}, len(responders))
	for _, r := range responders {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		if !r.Point.Valid() {
			continue
		}
		// Recheck the boundary at full precision: the directory query is a
		// coarse bound and responders near the edge must not flip in or out
		// on truncated values.
		d := DistanceKm(point, r.Point)
		if d > radiusKm {
			continue
		}
		dist := d
		candidates = append(candidates, Candidate{Responder: r, DistanceKm: &dist, Tier: tier})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return *candidates[i].DistanceKm < *candidates[j].DistanceKm
	})
	return candidates, nil
}

func rankWithoutDistance(responders []Responder, tier Tier) []Candidate {
	candidates := make([]Candidate, 0, len(responders))
	seen := make(map[string]struct{}, len(responders))
	for _, r := range responders {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		candidates = append(candidates, Candidate{Responder: r, Tier: tier})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})
	return candidates
}
