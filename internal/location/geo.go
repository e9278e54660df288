package location

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// Quantize rounds a coordinate half away from zero to the given number of decimals.
func Quantize(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Key formats a quantized point the way the serialized location maps do: "lat|long".
func Key(lat, long float64, decimals int) string {
	return strconv.FormatFloat(Quantize(lat, decimals), 'f', decimals, 64) + "|" +
		strconv.FormatFloat(Quantize(long, decimals), 'f', decimals, 64)
}

func ParseKey(key string) (float64, float64, error) {
	latStr, longStr, ok := strings.Cut(key, "|")
	if !ok {
		return 0, 0, fmt.Errorf("invalid location key %q", key)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude in key %q: %w", key, err)
	}
	long, err := strconv.ParseFloat(strings.TrimSpace(longStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude in key %q: %w", key, err)
	}
	return lat, long, nil
}
