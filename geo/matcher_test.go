package geo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bengaluru city center, used across the matcher tests.
var origin = Point{Longitude: 77.5946, Latitude: 12.9716}

type fakeFinder struct {
	byRadius map[float64][]Responder
	radiusErr map[float64]error
	admin     []Responder
	adminErr  error
	global    []Responder
	globalErr error

	radiusCalls []float64
	adminCalls  int
	globalCalls int
}

func (f *fakeFinder) ActiveNear(_ context.Context, _ Point, radiusKm float64) ([]Responder, error) {
	f.radiusCalls = append(f.radiusCalls, radiusKm)
	if err := f.radiusErr[radiusKm]; err != nil {
		return nil, err
	}
	return f.byRadius[radiusKm], nil
}

func (f *fakeFinder) ActiveByCityOrPostalCode(_ context.Context, _, _ string) ([]Responder, error) {
	f.adminCalls++
	return f.admin, f.adminErr
}

func (f *fakeFinder) AllActive(_ context.Context, limit int) ([]Responder, error) {
	f.globalCalls++
	if f.globalErr != nil {
		return nil, f.globalErr
	}
	if len(f.global) > limit {
		return f.global[:limit], nil
	}
	return f.global, nil
}

// offset returns a point roughly km kilometers east of origin.
func offset(km float64) Point {
	degPerKm := 1.0 / (111.32 * math.Cos(origin.Latitude*math.Pi/180))
	return Point{Longitude: origin.Longitude + km*degPerKm, Latitude: origin.Latitude}
}

func TestDistanceKm_KnownPair(t *testing.T) {
	// Bengaluru to Chennai, roughly 290 km.
	chennai := Point{Longitude: 80.2707, Latitude: 13.0827}
	d := DistanceKm(origin, chennai)
	assert.InDelta(t, 290, d, 10)

	assert.Zero(t, DistanceKm(origin, origin))
}

func TestFindCandidates_PrimaryTierOnly(t *testing.T) {
	f := &fakeFinder{byRadius: map[float64][]Responder{
		15: {
			{ID: "far", Name: "Far Hospital", Point: offset(12)},
			{ID: "near", Name: "Near Hospital", Point: offset(2)},
		},
	}}
	m := NewMatcher(f, nil)

	got := m.FindCandidates(context.Background(), origin, Filters{City: "Bengaluru"})

	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].ID)
	assert.Equal(t, "far", got[1].ID)
	assert.Equal(t, TierPrimary, got[0].Tier)
	require.NotNil(t, got[0].DistanceKm)
	assert.Less(t, *got[0].DistanceKm, *got[1].DistanceKm)
	assert.Equal(t, []float64{15}, f.radiusCalls, "wider tiers must not run")
	assert.Zero(t, f.adminCalls)
}

func TestFindCandidates_FiltersBeyondRadiusAtFullPrecision(t *testing.T) {
	f := &fakeFinder{byRadius: map[float64][]Responder{
		15: {
			{ID: "edge-in", Name: "Edge In", Point: offset(14.9)},
			{ID: "edge-out", Name: "Edge Out", Point: offset(15.4)},
		},
	}}
	m := NewMatcher(f, nil)

	got := m.FindCandidates(context.Background(), origin, Filters{})

	require.Len(t, got, 1)
	assert.Equal(t, "edge-in", got[0].ID)
}

func TestFindCandidates_ExpandsThroughTiers(t *testing.T) {
	f := &fakeFinder{byRadius: map[float64][]Responder{
		50: {{ID: "r1", Name: "Wide Hospital", Point: offset(40)}},
	}}
	m := NewMatcher(f, nil)

	got := m.FindCandidates(context.Background(), origin, Filters{})

	require.Len(t, got, 1)
	assert.Equal(t, TierWide, got[0].Tier)
	assert.Equal(t, []float64{15, 25, 50}, f.radiusCalls)
}

func TestFindCandidates_AdminFallback(t *testing.T) {
	f := &fakeFinder{
		admin: []Responder{
			{ID: "b", Name: "Beta Clinic"},
			{ID: "a", Name: "Alpha Clinic"},
		},
	}
	m := NewMatcher(f, nil)

	got := m.FindCandidates(context.Background(), origin, Filters{City: "Bengaluru"})

	require.Len(t, got, 2)
	assert.Equal(t, TierAdmin, got[0].Tier)
	assert.Equal(t, "Alpha Clinic", got[0].Name, "admin tier sorts by name")
	assert.Nil(t, got[0].DistanceKm)
}

func TestFindCandidates_MissingPointSkipsRadiusTiers(t *testing.T) {
	f := &fakeFinder{
		byRadius: map[float64][]Responder{15: {{ID: "x", Name: "X", Point: offset(1)}}},
		admin:    []Responder{{ID: "c", Name: "City Hospital"}},
	}
	m := NewMatcher(f, nil)

	got := m.FindCandidates(context.Background(), Point{}, Filters{City: "Bengaluru"})

	require.Len(t, got, 1)
	assert.Equal(t, TierAdmin, got[0].Tier)
	assert.Empty(t, f.radiusCalls)
}

func TestFindCandidates_TierErrorFallsThrough(t *testing.T) {
	f := &fakeFinder{
		radiusErr: map[float64]error{15: errors.New("directory unavailable")},
		byRadius:  map[float64][]Responder{25: {{ID: "r", Name: "R", Point: offset(20)}}},
	}
	m := NewMatcher(f, nil)

	got := m.FindCandidates(context.Background(), origin, Filters{})

	require.Len(t, got, 1)
	assert.Equal(t, TierExpanded, got[0].Tier)
}

func TestFindCandidates_GlobalFallbackAndDedupe(t *testing.T) {
	f := &fakeFinder{
		global: []Responder{
			{ID: "dup", Name: "Dup Hospital"},
			{ID: "dup", Name: "Dup Hospital"},
			{ID: "other", Name: "Other Hospital"},
		},
	}
	m := NewMatcher(f, nil)

	got := m.FindCandidates(context.Background(), Point{}, Filters{})

	require.Len(t, got, 2)
	assert.Equal(t, TierGlobal, got[0].Tier)
}

func TestPointValid(t *testing.T) {
	assert.True(t, origin.Valid())
	assert.False(t, Point{}.Valid(), "null island is treated as missing")
	assert.False(t, Point{Longitude: math.NaN(), Latitude: 12}.Valid())
	assert.False(t, Point{Longitude: 200, Latitude: 12}.Valid())
}
