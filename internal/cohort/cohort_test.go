package cohort

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/session-intent/backend/internal/storage/models"
)

func TestPercentRanks_Basic(t *testing.T) {
	ranks := PercentRanks([]Activity{
		{CustomerID: 1, NumTrips: 1},
		{CustomerID: 2, NumTrips: 5},
		{CustomerID: 3, NumTrips: 3},
		{CustomerID: 4, NumTrips: 3},
		{CustomerID: 5, NumTrips: 9},
	})

	assert.Equal(t, 0.0, ranks[1].Percentile)
	assert.Equal(t, 0.25, ranks[3].Percentile)
	assert.Equal(t, 0.25, ranks[4].Percentile)
	assert.Equal(t, 0.75, ranks[2].Percentile)
	assert.Equal(t, 1.0, ranks[5].Percentile)
}

func TestPercentRanks_RoundsToTwoDecimals(t *testing.T) {
	ranks := PercentRanks([]Activity{{1, 1}, {2, 2}, {3, 3}, {4, 4}})
	assert.Equal(t, 0.33, ranks[2].Percentile)
	assert.Equal(t, 0.67, ranks[3].Percentile)
}

func TestPercentRanks_SingleCustomer(t *testing.T) {
	ranks := PercentRanks([]Activity{{CustomerID: 9, NumTrips: 4}})
	assert.Equal(t, 0.0, ranks[9].Percentile)
}

func TestPercentRanks_Monotone(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	var activity []Activity
	for i := 0; i < 300; i++ {
		activity = append(activity, Activity{CustomerID: int64(i), NumTrips: rng.Intn(40)})
	}

	ranks := PercentRanks(activity)
	require.Len(t, ranks, len(activity))
	for _, a := range ranks {
		assert.GreaterOrEqual(t, a.Percentile, 0.0)
		assert.LessOrEqual(t, a.Percentile, 1.0)
		for _, b := range ranks {
			if a.NumTrips > b.NumTrips {
				assert.GreaterOrEqual(t, a.Percentile, b.Percentile)
			}
		}
	}
}

func TestRetain(t *testing.T) {
	ranks := PercentRanks([]Activity{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}, {6, 6}})
	kept := Retain(ranks, DefaultPercentile)

	assert.Len(t, kept, 2)
	assert.Contains(t, kept, int64(5))
	assert.Contains(t, kept, int64(6))
}

func TestActivityFromTrips(t *testing.T) {
	trips := []models.Trip{
		{BookingID: 1, CustomerID: 1},
		{BookingID: 1, CustomerID: 1},
		{BookingID: 2, CustomerID: 1},
		{BookingID: 3, CustomerID: 2, Country: "skip"},
	}

	all := ActivityFromTrips(trips, nil)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].NumTrips)

	filtered := ActivityFromTrips(trips, func(t models.Trip) bool { return t.Country == "skip" })
	require.Len(t, filtered, 1)
	assert.Equal(t, int64(1), filtered[0].CustomerID)
}

func testFilter() *GeoFilter {
	return NewGeoFilter(map[string]Bounds{
		"United Arab Emirates": {MinLat: 22.5, MaxLat: 27, MinLong: 52.2, MaxLong: 56.5},
	}, []string{"1", "21"})
}

func TestGeoFilter_Apply(t *testing.T) {
	f := testFilter()

	sessions := []models.CanonicalSession{
		{SessionID: "ok", Country: "United Arab Emirates", Latitude: 25.2, Longitude: 55.3, ZoneID: "1"},
		{SessionID: "far", Country: "United Arab Emirates", Latitude: 40, Longitude: 55.3, ZoneID: "1"},
		{SessionID: "zone", Country: "United Arab Emirates", Latitude: 25.2, Longitude: 55.3, ZoneID: "999"},
		{SessionID: "country", Country: "Atlantis", Latitude: 25.2, Longitude: 55.3, ZoneID: "21"},
	}

	kept, dropped := f.Apply(sessions)
	require.Len(t, kept, 1)
	assert.Equal(t, "ok", kept[0].SessionID)
	assert.Equal(t, 2, dropped[DropOutOfBounds])
	assert.Equal(t, 1, dropped[DropInvalidZone])
}

func TestGeoFilter_BoundsInclusive(t *testing.T) {
	f := testFilter()
	assert.True(t, f.InBounds("United Arab Emirates", 22.5, 52.2))
	assert.True(t, f.InBounds("United Arab Emirates", 27, 56.5))
	assert.False(t, f.InBounds("United Arab Emirates", 27.01, 56.5))
}

func TestFillZoneIDs(t *testing.T) {
	sessions := []models.CanonicalSession{
		{SessionID: "c", CustomerID: 1, Timestamp: 30},
		{SessionID: "a", CustomerID: 1, Timestamp: 10, ZoneID: "21"},
		{SessionID: "x", CustomerID: 2, Timestamp: 15},
		{SessionID: "b", CustomerID: 1, Timestamp: 20, ZoneID: "1"},
	}

	filled := FillZoneIDs(sessions)
	assert.Equal(t, 1, filled)
	assert.Equal(t, "1", sessions[0].ZoneID)
	assert.Equal(t, "", sessions[2].ZoneID)
}
