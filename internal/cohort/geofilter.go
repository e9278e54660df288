package cohort

import (
	"sort"

	"github.com/session-intent/backend/internal/storage/models"
)

type Bounds struct {
	MinLat  float64
	MaxLat  float64
	MinLong float64
	MaxLong float64
}

func (b Bounds) Contains(lat, long float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && long >= b.MinLong && long <= b.MaxLong
}

const (
	DropOutOfBounds = "out_of_bounds"
	DropInvalidZone = "invalid_zone"
)

// GeoFilter drops sessions outside their country's bounding box or outside the zone allow-list.
type GeoFilter struct {
	bounds map[string]Bounds
	zones  map[string]bool
}

func NewGeoFilter(bounds map[string]Bounds, validZones []string) *GeoFilter {
	zones := make(map[string]bool, len(validZones))
	for _, z := range validZones {
		zones[z] = true
	}
	return &GeoFilter{bounds: bounds, zones: zones}
}

func (f *GeoFilter) InBounds(country string, lat, long float64) bool {
	b, ok := f.bounds[country]
	return ok && b.Contains(lat, long)
}

func (f *GeoFilter) ValidZone(zoneID string) bool {
	return f.zones[zoneID]
}

// Apply returns the sessions passing both checks and the number dropped per reason.
func (f *GeoFilter) Apply(sessions []models.CanonicalSession) ([]models.CanonicalSession, map[string]int) {
	dropped := map[string]int{}
	out := make([]models.CanonicalSession, 0, len(sessions))
	for _, s := range sessions {
		if !f.ValidZone(s.ZoneID) {
			dropped[DropInvalidZone]++
			continue
		}
		if !f.InBounds(s.Country, s.Latitude, s.Longitude) {
			dropped[DropOutOfBounds]++
			continue
		}
		out = append(out, s)
	}
	return out, dropped
}

// FillZoneIDs gives sessions without a zone the zone of the same customer's most recent
// earlier session. Sessions are modified in place; their order is preserved.
func FillZoneIDs(sessions []models.CanonicalSession) int {
	order := make([]int, len(sessions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return sessions[order[a]].Timestamp < sessions[order[b]].Timestamp
	})

	last := make(map[int64]string)
	filled := 0
	for _, i := range order {
		s := &sessions[i]
		if s.ZoneID == "" {
			if z, ok := last[s.CustomerID]; ok {
				s.ZoneID = z
				filled++
			}
			continue
		}
		last[s.CustomerID] = s.ZoneID
	}
	return filled
}
