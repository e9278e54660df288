package cohort

import (
	"math"
	"sort"

	"github.com/session-intent/backend/internal/storage/models"
)

const DefaultPercentile = 0.8

type Activity struct {
	CustomerID int64
	NumTrips   int
}

type Rank struct {
	CustomerID int64
	NumTrips   int
	Percentile float64
}

// PercentRanks ranks customers by activity: a customer's percentile is the number of
// customers with strictly fewer trips divided by n-1, rounded to two decimals. Customers
// with equal activity share a percentile.
func PercentRanks(activity []Activity) map[int64]Rank {
	sorted := make([]Activity, len(activity))
	copy(sorted, activity)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NumTrips < sorted[j].NumTrips
	})

	out := make(map[int64]Rank, len(sorted))
	n := len(sorted)
	below := 0
	for i, a := range sorted {
		if i > 0 && a.NumTrips != sorted[i-1].NumTrips {
			below = i
		}
		pct := 0.0
		if n > 1 {
			pct = round2(float64(below) / float64(n-1))
		}
		out[a.CustomerID] = Rank{CustomerID: a.CustomerID, NumTrips: a.NumTrips, Percentile: pct}
	}
	return out
}

// Retain keeps the customers whose percentile reaches the threshold.
func Retain(ranks map[int64]Rank, percentile float64) map[int64]Rank {
	out := make(map[int64]Rank)
	for id, r := range ranks {
		if r.Percentile >= percentile {
			out[id] = r
		}
	}
	return out
}

// ActivityFromTrips counts distinct trips per customer, skipping trips rejected by exclude.
func ActivityFromTrips(trips []models.Trip, exclude func(models.Trip) bool) []Activity {
	seen := make(map[int64]map[int64]struct{})
	for _, t := range trips {
		if exclude != nil && exclude(t) {
			continue
		}
		if seen[t.CustomerID] == nil {
			seen[t.CustomerID] = make(map[int64]struct{})
		}
		seen[t.CustomerID][t.BookingID] = struct{}{}
	}
	out := make([]Activity, 0, len(seen))
	for id, bookings := range seen {
		out = append(out, Activity{CustomerID: id, NumTrips: len(bookings)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
