package geo

import "math"

// earthRadiusKm is the mean Earth radius used by the haversine formula.
const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Valid reports whether the point carries usable coordinates. (0, 0) is
// treated as missing: it is the null island default emitted by clients that
// never obtained a fix.
func (p Point) Valid() bool {
	if math.IsNaN(p.Longitude) || math.IsNaN(p.Latitude) {
		return false
	}
	if math.IsInf(p.Longitude, 0) || math.IsInf(p.Latitude, 0) {
		return false
	}
	if p.Longitude == 0 && p.Latitude == 0 {
		return false
	}
	return p.Longitude >= -180 && p.Longitude <= 180 &&
		p.Latitude >= -90 && p.Latitude <= 90
}

// DistanceKm returns the great-circle distance between two points in
// kilometers at full float64 precision. Radius boundaries are compared
// against this value directly, so it is never rounded here.
func DistanceKm(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
