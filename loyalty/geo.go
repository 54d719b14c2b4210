/*
geo.go - Great-circle distance utilities

PURPOSE:
  Pure haversine distance computation shared by the confidence scorer
  and the nearby-store lookup. No failure modes: non-finite input
  produces NaN, which callers must filter before use.
*/
package loyalty

import (
	"math"
	"sort"
)

const earthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two
// coordinate pairs. Non-finite inputs yield NaN.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// DistanceMiles is DistanceMeters converted to statute miles.
func DistanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	return DistanceMeters(lat1, lon1, lat2, lon2) / 1609.344
}

// StoreDistance pairs a store with its distance from a reference point.
type StoreDistance struct {
	Store  Store
	Meters float64
}

// NearbyStores ranks stores by distance from (lat, lon), nearest first.
// Stores without coordinates and NaN distances are excluded. A limit of
// zero or less means no limit.
func NearbyStores(stores []Store, lat, lon float64, limit int) []StoreDistance {
	var out []StoreDistance
	for _, s := range stores {
		if !s.HasCoordinates() {
			continue
		}
		d := DistanceMeters(lat, lon, *s.Latitude, *s.Longitude)
		if math.IsNaN(d) {
			continue
		}
		out = append(out, StoreDistance{Store: s, Meters: d})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Meters < out[j].Meters })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
