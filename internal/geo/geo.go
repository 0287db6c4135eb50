// Package geo computes straight-line distances between coordinates.
package geo

import "math"

// EarthRadiusMiles is the mean Earth radius used by DistanceMiles.
const EarthRadiusMiles = 3959.0

// DistanceMiles returns the great-circle distance between two points using
// the Haversine formula.
func DistanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push a slightly outside [0, 1] near antipodal points.
	a = math.Min(1, math.Max(0, a))

	return EarthRadiusMiles * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// MilesPerDegreeLatitude is the length of one degree along a meridian.
const MilesPerDegreeLatitude = EarthRadiusMiles * math.Pi / 180

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
