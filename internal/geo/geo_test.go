package geo_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/geo"
)

func TestHaversine_SamePointIsZero(t *testing.T) {
	d := geo.Haversine(-23.5505, -46.6333, -23.5505, -46.6333)
	assert.InDelta(t, 0.0, d, 1e-9)
}

func TestHaversine_KnownDistances(t *testing.T) {
	// New York -> London, great-circle distance ~5570 km.
	d := geo.Haversine(40.712776, -74.005974, 51.5074, -0.1278)
	assert.InDelta(t, 5570, d, 60)

	// Paris -> London ~343 km.
	d = geo.Haversine(48.8566, 2.3522, 51.5074, -0.1278)
	assert.InDelta(t, 343, d, 15)
}

func TestHaversine_Symmetry(t *testing.T) {
	a := geo.Haversine(-23.5505, -46.6333, 35.6762, 139.6503)
	b := geo.Haversine(35.6762, 139.6503, -23.5505, -46.6333)
	assert.InDelta(t, a, b, 1e-9)
}

func TestParseCoordinate_RoundTrip(t *testing.T) {
	lat, lon, err := geo.ParseCoordinate("40.712776", "-74.005974")
	require.NoError(t, err)
	assert.InDelta(t, 40.712776, lat, 1e-9)
	assert.InDelta(t, -74.005974, lon, 1e-9)
}

func TestParseCoordinate_Malformed(t *testing.T) {
	_, _, err := geo.ParseCoordinate("not-a-number", "-74.0")
	assert.ErrorIs(t, err, geo.ErrMalformedCoordinate)

	_, _, err = geo.ParseCoordinate("40.7", "")
	assert.ErrorIs(t, err, geo.ErrMalformedCoordinate)
}

func TestFormatCoordinate_SixDecimals(t *testing.T) {
	assert.Equal(t, "-23.550500", geo.FormatCoordinate(-23.5505))
	assert.Equal(t, "0.000000", geo.FormatCoordinate(0))
	assert.Equal(t, "151.209300", geo.FormatCoordinate(151.2093))
}

func TestRandomPointInRadius_StaysInsideRadius(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const radius = 40.0
	for i := 0; i < 500; i++ {
		lat, lon := geo.RandomPointInRadius(rng, -23.5505, -46.6333, radius)
		d := geo.Haversine(-23.5505, -46.6333, lat, lon)
		assert.LessOrEqual(t, d, radius*1.001)
	}
}

func TestRandomPointInRadius_HighLatitude(t *testing.T) {
	// Longitude compression near the pole must not push points out of range.
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		lat, lon := geo.RandomPointInRadius(rng, 60.1699, 24.9384, 15)
		d := geo.Haversine(60.1699, 24.9384, lat, lon)
		assert.LessOrEqual(t, d, 15*1.001)
		assert.GreaterOrEqual(t, lat, -90.0)
		assert.LessOrEqual(t, lat, 90.0)
		assert.GreaterOrEqual(t, lon, -180.0)
		assert.Less(t, lon, 180.0)
	}
}

func TestCityCatalog_RegionRanges(t *testing.T) {
	assert.GreaterOrEqual(t, geo.CityCount(), 150)

	br := geo.CitiesIn(geo.RegionBR)
	require.Len(t, br, 30)
	for _, c := range br {
		assert.Equal(t, "BR", c.Country)
	}

	us := geo.CitiesIn(geo.RegionUS)
	require.Len(t, us, 35)
	for _, c := range us {
		assert.Equal(t, "US", c.Country)
	}

	eu := geo.CitiesIn(geo.RegionEU)
	assert.Len(t, eu, 40)

	assert.Nil(t, geo.CitiesIn(geo.Region("ANTARCTICA")))
}

func TestRandomCityIn_UnknownRegion(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, ok := geo.RandomCityIn(rng, geo.Region("XX"))
	assert.False(t, ok)

	c, ok := geo.RandomCityIn(rng, geo.RegionBR)
	require.True(t, ok)
	assert.Equal(t, "BR", c.Country)
	assert.Greater(t, c.UrbanRadiusKm, 0.0)
}

func TestRandomCity_EntriesHaveCoordinates(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		c := geo.RandomCity(rng)
		assert.NotEmpty(t, c.Name)
		assert.NotEmpty(t, c.Country)
		assert.GreaterOrEqual(t, c.Lat, -90.0)
		assert.LessOrEqual(t, c.Lat, 90.0)
		assert.GreaterOrEqual(t, c.Lon, -180.0)
		assert.LessOrEqual(t, c.Lon, 180.0)
	}
}
