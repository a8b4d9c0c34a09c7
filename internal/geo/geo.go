// Package geo provides the geospatial primitives used by the transaction
// generator and the location rules: great-circle distance, uniform sampling
// inside a disk, a fixed city catalog and IPv6 CIDR handling.
package geo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

const earthRadiusKm = 6371.0

// ErrMalformedCoordinate marks coordinate strings that do not parse as
// decimal degrees. Rules treat it as "rule inapplicable".
var ErrMalformedCoordinate = errors.New("malformed coordinate")

// ParseCoordinate parses a latitude/longitude pair rendered as decimal
// strings. Both values must parse or the pair is rejected.
func ParseCoordinate(lat, lon string) (float64, float64, error) {
	latF, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: latitude %q", ErrMalformedCoordinate, lat)
	}
	lonF, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: longitude %q", ErrMalformedCoordinate, lon)
	}
	return latF, lonF, nil
}

// FormatCoordinate renders a coordinate in the canonical 6-decimal form
// used on persisted transactions.
func FormatCoordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// Haversine returns the great-circle distance in kilometers between two
// points given in decimal degrees, assuming a spherical Earth (R = 6371 km).
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// RandomPointInRadius draws a uniformly distributed point inside the disk of
// the given radius (km) centered on (lat0, lon0). The angular radii are
// approximated as r/111 degrees of latitude and r/(111·cos lat0) degrees of
// longitude; sqrt-of-uniform keeps the density uniform over the disk area.
func RandomPointInRadius(rng *rand.Rand, lat0, lon0, radiusKm float64) (float64, float64) {
	rLat := radiusKm / 111.0
	rLon := radiusKm / (111.0 * math.Cos(toRadians(lat0)))

	theta := rng.Float64() * 2 * math.Pi
	rho := math.Sqrt(rng.Float64())

	lat := lat0 + rho*rLat*math.Cos(theta)
	lon := lon0 + rho*rLon*math.Sin(theta)

	return clampLatitude(lat), wrapLongitude(lon)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func clampLatitude(lat float64) float64 {
	if lat > 90 {
		return 90
	}
	if lat < -90 {
		return -90
	}
	return lat
}

// wrapLongitude normalizes a longitude into [-180, 180).
func wrapLongitude(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
