package geo

import "math/rand"

// City is one entry of the embedded city catalog. UrbanRadiusKm bounds
// synthetic sampling to a realistic footprint for that city.
type City struct {
	Name          string
	Country       string
	Lat           float64
	Lon           float64
	UrbanRadiusKm float64
}

// Region names a contiguous slice of the city catalog.
type Region string

const (
	RegionBR Region = "BR"
	RegionUS Region = "US"
	RegionEU Region = "EU"
)

// The catalog is ordered so that each named region occupies a contiguous
// index range: BR [0,30), US [30,65), EU [65,105), rest of world after.
var regionRanges = map[Region][2]int{
	RegionBR: {0, 30},
	RegionUS: {30, 65},
	RegionEU: {65, 105},
}

var cities = []City{
	// Brazil
	{"Sao Paulo", "BR", -23.550520, -46.633308, 40},
	{"Rio de Janeiro", "BR", -22.906847, -43.172896, 30},
	{"Brasilia", "BR", -15.793889, -47.882778, 25},
	{"Salvador", "BR", -12.971400, -38.501400, 20},
	{"Fortaleza", "BR", -3.731900, -38.526700, 20},
	{"Belo Horizonte", "BR", -19.916700, -43.934500, 22},
	{"Manaus", "BR", -3.119000, -60.021700, 18},
	{"Curitiba", "BR", -25.428400, -49.273300, 20},
	{"Recife", "BR", -8.047600, -34.877000, 18},
	{"Porto Alegre", "BR", -30.034600, -51.217700, 20},
	{"Belem", "BR", -1.455800, -48.490200, 15},
	{"Goiania", "BR", -16.686900, -49.264800, 16},
	{"Guarulhos", "BR", -23.454500, -46.533300, 14},
	{"Campinas", "BR", -22.909900, -47.062600, 16},
	{"Sao Luis", "BR", -2.529700, -44.302800, 13},
	{"Maceio", "BR", -9.665800, -35.735300, 12},
	{"Natal", "BR", -5.794500, -35.211000, 12},
	{"Campo Grande", "BR", -20.469700, -54.620100, 14},
	{"Teresina", "BR", -5.089200, -42.801900, 12},
	{"Joao Pessoa", "BR", -7.119500, -34.845000, 11},
	{"Florianopolis", "BR", -27.595400, -48.548000, 12},
	{"Vitoria", "BR", -20.315500, -40.312800, 10},
	{"Cuiaba", "BR", -15.601400, -56.097900, 12},
	{"Aracaju", "BR", -10.947200, -37.073100, 10},
	{"Londrina", "BR", -23.304500, -51.169600, 11},
	{"Joinville", "BR", -26.304400, -48.848700, 11},
	{"Niteroi", "BR", -22.883200, -43.103400, 10},
	{"Santos", "BR", -23.961800, -46.332200, 10},
	{"Ribeirao Preto", "BR", -21.177500, -47.810300, 12},
	{"Uberlandia", "BR", -18.918600, -48.277200, 11},
	// United States
	{"New York", "US", 40.712776, -74.005974, 35},
	{"Los Angeles", "US", 34.052200, -118.243700, 45},
	{"Chicago", "US", 41.878100, -87.629800, 30},
	{"Houston", "US", 29.760400, -95.369800, 35},
	{"Phoenix", "US", 33.448400, -112.074000, 30},
	{"Philadelphia", "US", 39.952600, -75.165200, 25},
	{"San Antonio", "US", 29.424100, -98.493600, 25},
	{"San Diego", "US", 32.715700, -117.161100, 22},
	{"Dallas", "US", 32.776700, -96.797000, 30},
	{"San Jose", "US", 37.338200, -121.886300, 18},
	{"Austin", "US", 30.267200, -97.743100, 22},
	{"Jacksonville", "US", 30.332200, -81.655700, 20},
	{"Fort Worth", "US", 32.755500, -97.330800, 20},
	{"Columbus", "US", 39.961200, -82.998800, 18},
	{"Charlotte", "US", 35.227100, -80.843100, 18},
	{"San Francisco", "US", 37.774900, -122.419400, 15},
	{"Indianapolis", "US", 39.768400, -86.158100, 18},
	{"Seattle", "US", 47.606200, -122.332100, 18},
	{"Denver", "US", 39.739200, -104.990300, 20},
	{"Washington", "US", 38.907200, -77.036900, 18},
	{"Boston", "US", 42.360100, -71.058900, 15},
	{"Nashville", "US", 36.162700, -86.781600, 18},
	{"Detroit", "US", 42.331400, -83.045800, 20},
	{"Portland", "US", 45.515200, -122.678400, 16},
	{"Las Vegas", "US", 36.169900, -115.139800, 18},
	{"Memphis", "US", 35.149500, -90.049000, 16},
	{"Miami", "US", 25.761700, -80.191800, 18},
	{"Atlanta", "US", 33.749000, -84.388000, 22},
	{"Minneapolis", "US", 44.977800, -93.265000, 15},
	{"New Orleans", "US", 29.951100, -90.071500, 13},
	{"Salt Lake City", "US", 40.760800, -111.891000, 13},
	{"Kansas City", "US", 39.099700, -94.578600, 15},
	{"Orlando", "US", 28.538300, -81.379200, 15},
	{"Pittsburgh", "US", 40.440600, -79.995900, 13},
	{"Baltimore", "US", 39.290400, -76.612200, 14},
	// Europe
	{"London", "GB", 51.507400, -0.127800, 30},
	{"Paris", "FR", 48.856600, 2.352200, 25},
	{"Berlin", "DE", 52.520000, 13.405000, 22},
	{"Madrid", "ES", 40.416800, -3.703800, 22},
	{"Rome", "IT", 41.902800, 12.496400, 20},
	{"Amsterdam", "NL", 52.367600, 4.904100, 13},
	{"Vienna", "AT", 48.208200, 16.373800, 15},
	{"Lisbon", "PT", 38.722300, -9.139300, 14},
	{"Barcelona", "ES", 41.385100, 2.173400, 18},
	{"Munich", "DE", 48.135100, 11.582000, 15},
	{"Milan", "IT", 45.464200, 9.190000, 16},
	{"Prague", "CZ", 50.075500, 14.437800, 14},
	{"Dublin", "IE", 53.349800, -6.260300, 13},
	{"Brussels", "BE", 50.850300, 4.351700, 12},
	{"Copenhagen", "DK", 55.676100, 12.568300, 12},
	{"Stockholm", "SE", 59.329300, 18.068600, 14},
	{"Oslo", "NO", 59.913900, 10.752200, 12},
	{"Helsinki", "FI", 60.169900, 24.938400, 11},
	{"Warsaw", "PL", 52.229700, 21.012200, 15},
	{"Budapest", "HU", 47.497900, 19.040200, 13},
	{"Athens", "GR", 37.983800, 23.727500, 15},
	{"Zurich", "CH", 47.376900, 8.541700, 10},
	{"Geneva", "CH", 46.204400, 6.143200, 8},
	{"Frankfurt", "DE", 50.110900, 8.682100, 12},
	{"Hamburg", "DE", 53.551100, 9.993700, 14},
	{"Cologne", "DE", 50.937500, 6.960300, 11},
	{"Lyon", "FR", 45.764000, 4.835700, 11},
	{"Marseille", "FR", 43.296500, 5.369800, 12},
	{"Naples", "IT", 40.851800, 14.268100, 12},
	{"Turin", "IT", 45.070300, 7.686900, 11},
	{"Valencia", "ES", 39.469900, -0.376300, 11},
	{"Seville", "ES", 37.389100, -5.984500, 10},
	{"Porto", "PT", 41.157900, -8.629100, 9},
	{"Krakow", "PL", 50.064700, 19.945000, 10},
	{"Bucharest", "RO", 44.426800, 26.102500, 13},
	{"Sofia", "BG", 42.697700, 23.321900, 10},
	{"Belgrade", "RS", 44.786600, 20.448900, 10},
	{"Edinburgh", "GB", 55.953300, -3.188300, 8},
	{"Manchester", "GB", 53.480800, -2.242600, 12},
	{"Rotterdam", "NL", 51.924400, 4.477700, 10},
	// Asia
	{"Tokyo", "JP", 35.676200, 139.650300, 40},
	{"Osaka", "JP", 34.693700, 135.502300, 25},
	{"Seoul", "KR", 37.566500, 126.978000, 30},
	{"Beijing", "CN", 39.904200, 116.407400, 35},
	{"Shanghai", "CN", 31.230400, 121.473700, 40},
	{"Shenzhen", "CN", 22.543100, 114.057900, 25},
	{"Hong Kong", "HK", 22.319300, 114.169400, 15},
	{"Taipei", "TW", 25.033000, 121.565400, 15},
	{"Singapore", "SG", 1.352100, 103.819800, 14},
	{"Bangkok", "TH", 13.756300, 100.501800, 25},
	{"Jakarta", "ID", -6.208800, 106.845600, 30},
	{"Manila", "PH", 14.599500, 120.984200, 22},
	{"Kuala Lumpur", "MY", 3.139000, 101.686900, 18},
	{"Mumbai", "IN", 19.076000, 72.877700, 28},
	{"Delhi", "IN", 28.704100, 77.102500, 32},
	{"Bangalore", "IN", 12.971600, 77.594600, 22},
	{"Dubai", "AE", 25.204800, 55.270800, 22},
	{"Tel Aviv", "IL", 32.085300, 34.781800, 10},
	{"Riyadh", "SA", 24.713600, 46.675300, 22},
	{"Istanbul", "TR", 41.008200, 28.978400, 28},
	// Africa
	{"Cairo", "EG", 30.044400, 31.235700, 28},
	{"Lagos", "NG", 6.524400, 3.379200, 25},
	{"Johannesburg", "ZA", -26.204100, 28.047300, 22},
	{"Cape Town", "ZA", -33.924900, 18.424100, 16},
	{"Nairobi", "KE", -1.292100, 36.821900, 15},
	{"Casablanca", "MA", 33.573100, -7.589800, 14},
	{"Accra", "GH", 5.603700, -0.187000, 13},
	{"Addis Ababa", "ET", 9.030000, 38.740000, 14},
	{"Tunis", "TN", 36.806500, 10.181500, 10},
	{"Dakar", "SN", 14.716700, -17.467700, 10},
	// Oceania
	{"Sydney", "AU", -33.868800, 151.209300, 25},
	{"Melbourne", "AU", -37.813600, 144.963100, 25},
	{"Brisbane", "AU", -27.469800, 153.025100, 18},
	{"Perth", "AU", -31.950500, 115.860500, 16},
	{"Adelaide", "AU", -34.928500, 138.600700, 13},
	{"Auckland", "NZ", -36.848500, 174.763300, 13},
	{"Wellington", "NZ", -41.286600, 174.775600, 8},
	// Latin America (non-BR)
	{"Mexico City", "MX", 19.432600, -99.133200, 30},
	{"Buenos Aires", "AR", -34.603700, -58.381600, 28},
	{"Bogota", "CO", 4.711000, -74.072100, 22},
	{"Lima", "PE", -12.046400, -77.042800, 22},
	{"Santiago", "CL", -33.448900, -70.669300, 20},
	{"Caracas", "VE", 10.480600, -66.903600, 15},
	{"Quito", "EC", -0.180700, -78.467800, 12},
	{"Montevideo", "UY", -34.901100, -56.164500, 12},
	{"Guadalajara", "MX", 20.659700, -103.349600, 15},
	{"Medellin", "CO", 6.244200, -75.581200, 12},
	// Canada
	{"Toronto", "CA", 43.653200, -79.383200, 20},
	{"Montreal", "CA", 45.501700, -73.567300, 18},
	{"Vancouver", "CA", 49.282700, -123.120700, 15},
	{"Calgary", "CA", 51.044700, -114.071900, 13},
	{"Ottawa", "CA", 45.421500, -75.697200, 11},
}

// CityCount returns the size of the catalog.
func CityCount() int {
	return len(cities)
}

// CityAt returns the catalog entry at index i.
func CityAt(i int) City {
	return cities[i]
}

// CitiesIn returns a copy of the entries for a named region.
func CitiesIn(region Region) []City {
	r, ok := regionRanges[region]
	if !ok {
		return nil
	}
	out := make([]City, r[1]-r[0])
	copy(out, cities[r[0]:r[1]])
	return out
}

// RandomCity picks a uniformly random city from the whole catalog.
func RandomCity(rng *rand.Rand) City {
	return cities[rng.Intn(len(cities))]
}

// RandomCityIn picks a uniformly random city from a named region.
// The second return is false for unknown regions.
func RandomCityIn(rng *rand.Rand, region Region) (City, bool) {
	r, ok := regionRanges[region]
	if !ok {
		return City{}, false
	}
	return cities[r[0]+rng.Intn(r[1]-r[0])], true
}
