package location

import (
	"github.com/session-intent/backend/internal/storage/models"
)

// DefaultThresholdKm is the proximity under which two points count as the same place.
const DefaultThresholdKm = 0.2

type Point struct {
	Lat  float64
	Long float64
}

type Nearest struct {
	DistanceKm float64
	Weight     float64
	Index      int
}

type HomeWork struct {
	HasSavedLocation bool
	DistToHome       float64
	HasHome          bool
	DistToWork       float64
	HasWork          bool
	IsHome           bool
	IsWork           bool
}

// Affinity is the full set of location features of one session.
type Affinity struct {
	Nearest         Nearest
	IsFrequentVisit bool
	IsFreq          bool
	DistToTop       []float64
	HomeWork        HomeWork
}

// Engine computes geospatial features of a point against a customer's known locations.
// It holds no mutable state.
type Engine struct {
	thresholdKm float64
	decimals    int
}

func NewEngine(thresholdKm float64, decimals int) *Engine {
	if thresholdKm <= 0 {
		thresholdKm = DefaultThresholdKm
	}
	if decimals <= 0 {
		decimals = 3
	}
	return &Engine{thresholdKm: thresholdKm, decimals: decimals}
}

func (e *Engine) ThresholdKm() float64 {
	return e.thresholdKm
}

// NearestKnownLocation scans every known location and returns the closest one.
// Ties keep the first location in slice order.
func NearestKnownLocation(p Point, locs []KnownLocation) (Nearest, bool) {
	if len(locs) == 0 {
		return Nearest{}, false
	}
	best := Nearest{Index: -1}
	for i, loc := range locs {
		d := HaversineKm(p.Lat, p.Long, loc.Lat, loc.Long)
		if best.Index < 0 || d < best.DistanceKm {
			best = Nearest{DistanceKm: d, Weight: loc.Weight, Index: i}
		}
	}
	return best, true
}

func (e *Engine) IsFrequentVisit(p Point, locs []KnownLocation) bool {
	n, ok := NearestKnownLocation(p, locs)
	return ok && n.DistanceKm <= e.thresholdKm
}

// DistanceToTopK returns distances from p to the k heaviest locations, fewer when the
// customer has fewer locations.
func DistanceToTopK(p Point, locs []KnownLocation, ranked []int, k int) []float64 {
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]float64, 0, k)
	for _, idx := range ranked[:k] {
		out = append(out, HaversineKm(p.Lat, p.Long, locs[idx].Lat, locs[idx].Long))
	}
	return out
}

func (e *Engine) HomeWorkAffinity(p Point, saved models.SavedLocations) HomeWork {
	var hw HomeWork
	if saved.Home != nil {
		hw.HasHome = true
		hw.DistToHome = HaversineKm(p.Lat, p.Long, saved.Home.Lat, saved.Home.Long)
		hw.IsHome = hw.DistToHome <= e.thresholdKm
	}
	if saved.Work != nil {
		hw.HasWork = true
		hw.DistToWork = HaversineKm(p.Lat, p.Long, saved.Work.Lat, saved.Work.Long)
		hw.IsWork = hw.DistToWork <= e.thresholdKm
	}
	hw.HasSavedLocation = hw.HasHome || hw.HasWork
	return hw
}

// IsFromFrequent reports whether a dropoff, quantized like the profile keys, lands exactly
// on one of the known locations. A missing dropoff is never frequent.
func (e *Engine) IsFromFrequent(dropoff Point, ok bool, locs []KnownLocation) bool {
	if !ok || dropoff.Lat == 0 || dropoff.Long == 0 {
		return false
	}
	lat, long := Quantize(dropoff.Lat, e.decimals), Quantize(dropoff.Long, e.decimals)
	for _, loc := range locs {
		if Quantize(loc.Lat, e.decimals) == lat && Quantize(loc.Long, e.decimals) == long {
			return true
		}
	}
	return false
}

// Compute derives every location feature of a session against a finalized profile.
func (e *Engine) Compute(p Point, dropoff Point, hasDropoff bool, profile *Profile) (Affinity, bool) {
	nearest, ok := NearestKnownLocation(p, profile.Locations)
	if !ok {
		return Affinity{}, false
	}
	return Affinity{
		Nearest:         nearest,
		IsFrequentVisit: nearest.DistanceKm <= e.thresholdKm,
		IsFreq:          e.IsFromFrequent(dropoff, hasDropoff, profile.Locations),
		DistToTop:       DistanceToTopK(p, profile.Locations, profile.Ranked(), 2),
		HomeWork:        e.HomeWorkAffinity(p, profile.Saved),
	}, true
}
