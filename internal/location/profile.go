package location

import (
	"sort"

	"github.com/session-intent/backend/internal/storage/models"
)

// KnownLocation is one frequent point of a customer with its visit count.
type KnownLocation struct {
	Lat    float64 `json:"lat"`
	Long   float64 `json:"long"`
	Weight float64 `json:"weight"`
}

// Profile is the per-customer lookup record consulted while computing session features.
// Locations are kept in ascending (lat, long) order, which fixes the nearest-location tie-break.
type Profile struct {
	CustomerID int64                 `json:"customer_id"`
	ValidDate  string                `json:"valid_date"`
	Service    models.Service        `json:"service"`
	Locations  []KnownLocation       `json:"locations"`
	NumTrips   int                   `json:"num_trips"`
	Quantile   float64               `json:"quantile"`
	TrxAmt     int                   `json:"trx_amt"`
	Saved      models.SavedLocations `json:"saved"`
	Hours      HourHistogram         `json:"hours"`
	Week       WeekHistogram         `json:"week"`

	// Derived by Finalize.
	HourWeights HourHistogram `json:"hour_weights"`
	WeekWeights WeekHistogram `json:"week_weights"`
	ranked      []int
}

// Finalize sorts the locations, ranks them by weight and derives the normalized
// histogram weights. It must be called before the profile is shared between workers.
func (p *Profile) Finalize() error {
	sortLocations(p.Locations)
	p.ranked = rankByWeight(p.Locations)

	hours, err := p.Hours.Denoise().Normalize()
	if err != nil {
		return err
	}
	week, err := p.Week.Normalize()
	if err != nil {
		return err
	}
	p.HourWeights = hours
	p.WeekWeights = week
	return nil
}

// Ranked returns location indexes ordered by descending weight. A profile that
// was not finalized gets a fresh ranking on every call and is never written to.
func (p *Profile) Ranked() []int {
	if p.ranked != nil {
		return p.ranked
	}
	return rankByWeight(p.Locations)
}

func sortLocations(locs []KnownLocation) {
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Lat != locs[j].Lat {
			return locs[i].Lat < locs[j].Lat
		}
		return locs[i].Long < locs[j].Long
	})
}

func rankByWeight(locs []KnownLocation) []int {
	idx := make([]int, len(locs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return locs[idx[a]].Weight > locs[idx[b]].Weight
	})
	return idx
}
