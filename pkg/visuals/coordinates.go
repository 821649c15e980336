package visuals

import (
	"strings"

	"github.com/paulmach/orb"
)

// centroids maps jurisdiction keys to an approximate [lon, lat] centroid.
// Sub-national keys use ISO 3166-2 codes; lookups fall back to the country
// part of the key.
var centroids = map[string]orb.Point{
	"US":    {-98.58, 39.83},
	"US-CA": {-119.45, 37.17},
	"US-NY": {-75.50, 42.95},
	"US-TX": {-99.34, 31.48},
	"US-FL": {-81.69, 28.63},
	"US-WA": {-120.45, 47.38},
	"US-IL": {-89.20, 40.06},
	"US-NJ": {-74.67, 40.19},
	"US-GA": {-83.44, 32.68},
	"US-AZ": {-111.66, 34.29},
	"US-MA": {-71.81, 42.26},
	"CA":    {-106.35, 56.13},
	"MX":    {-102.55, 23.63},
	"GB":    {-3.44, 55.38},
	"IE":    {-8.24, 53.41},
	"FR":    {2.21, 46.23},
	"DE":    {10.45, 51.17},
	"ES":    {-3.75, 40.46},
	"IT":    {12.57, 41.87},
	"NL":    {5.29, 52.13},
	"NG":    {8.68, 9.08},
	"GH":    {-1.02, 7.95},
	"ZA":    {22.94, -30.56},
	"IN":    {78.96, 20.59},
	"PH":    {121.77, 12.88},
	"CN":    {104.20, 35.86},
	"HK":    {114.11, 22.40},
	"SG":    {103.82, 1.35},
	"JP":    {138.25, 36.20},
	"KH":    {104.99, 12.57},
	"MM":    {95.96, 21.91},
	"TH":    {100.99, 15.87},
	"AE":    {53.85, 23.42},
	"AU":    {133.78, -25.27},
	"BR":    {-51.93, -14.24},
}

// Locate returns the centroid for a jurisdiction key.
func Locate(jurisdiction string) (orb.Point, bool) {
	key := strings.ToUpper(strings.TrimSpace(jurisdiction))
	if p, ok := centroids[key]; ok {
		return p, true
	}
	if i := strings.IndexByte(key, '-'); i > 0 {
		p, ok := centroids[key[:i]]
		return p, ok
	}
	return orb.Point{}, false
}
