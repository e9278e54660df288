package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/session-intent/backend/internal/cohort"
	"github.com/session-intent/backend/internal/location"
	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/internal/temporal"
	"github.com/session-intent/backend/pkg/config"
)

const uae = "United Arab Emirates"

var (
	day      = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	pointA   = location.Point{Lat: 25.2, Long: 55.3}
	pointB   = location.Point{Lat: 25.1, Long: 55.2}
	errBoom  = errors.New("warehouse unavailable")
	dayStamp = func(h, m int) int64 { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute).Unix() }
)

type fakeSource struct {
	mu         sync.Mutex
	events     []models.RawEvent
	bookings   []models.Booking
	trips      []models.Trip
	trx        map[int64]int
	saved      map[int64]models.SavedLocations
	tripCalls  int
	eventsErr  error
	tripWindow [2]time.Time
}

func (f *fakeSource) Events(ctx context.Context, d time.Time) ([]models.RawEvent, error) {
	return f.events, f.eventsErr
}

func (f *fakeSource) Bookings(ctx context.Context, d time.Time) ([]models.Booking, error) {
	return f.bookings, nil
}

func (f *fakeSource) Trips(ctx context.Context, from, to time.Time) ([]models.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripCalls++
	f.tripWindow = [2]time.Time{from, to}
	return f.trips, nil
}

func (f *fakeSource) TransactionCounts(ctx context.Context, from, to time.Time) (map[int64]int, error) {
	return f.trx, nil
}

func (f *fakeSource) SavedLocations(ctx context.Context, asOf time.Time) (map[int64]models.SavedLocations, error) {
	return f.saved, nil
}

type memoryCache struct {
	profiles map[string]map[int64]*location.Profile
}

func (c *memoryCache) LoadProfiles(ctx context.Context, service models.Service, validDate string) (map[int64]*location.Profile, bool, error) {
	p, ok := c.profiles[string(service)+validDate]
	return p, ok, nil
}

func (c *memoryCache) SaveProfiles(ctx context.Context, service models.Service, validDate string, profiles map[int64]*location.Profile) error {
	c.profiles[string(service)+validDate] = profiles
	return nil
}

type recordingSink struct {
	runs []models.PipelineRun
	rows int
}

func (s *recordingSink) SaveDay(ctx context.Context, run models.PipelineRun, sessions []models.CanonicalSession, profiles map[int64]*location.Profile, rows []models.FeatureRow) error {
	s.runs = append(s.runs, run)
	s.rows += len(rows)
	return nil
}

func trip(id, customer int64, pickup, dropoff location.Point) models.Trip {
	return models.Trip{
		BookingID:   id,
		CustomerID:  customer,
		Country:     uae,
		CreatedAt:   day.Add(-16 * time.Hour), // Saturday 12:00 in Dubai
		PickupLat:   pickup.Lat,
		PickupLong:  pickup.Long,
		DropoffLat:  dropoff.Lat,
		DropoffLong: dropoff.Long,
		HasPickup:   true,
	}
}

func newSource() *fakeSource {
	src := &fakeSource{
		trx:   map[int64]int{1: 10},
		saved: map[int64]models.SavedLocations{1: {Home: &models.Coordinate{Lat: pointA.Lat, Long: pointA.Long}}},
	}
	for i := int64(1); i <= 5; i++ {
		src.trips = append(src.trips, trip(i, 1, pointA, pointB))
	}
	src.trips = append(src.trips, trip(6, 2, pointA, pointB))
	for i := int64(7); i <= 11; i++ {
		src.trips = append(src.trips, trip(i, 3, pointA, pointA))
	}

	src.events = []models.RawEvent{
		{SessionID: "s1", CustomerID: 1, Timestamp: dayStamp(8, 30), Country: uae, Latitude: pointA.Lat, Longitude: pointA.Long, ZoneID: "1", BookingID: 100},
		{SessionID: "s1", CustomerID: 1, Timestamp: dayStamp(8, 0), Country: uae, Latitude: pointA.Lat, Longitude: pointA.Long, ZoneID: "1"},
		{SessionID: "s2", CustomerID: 1, Timestamp: dayStamp(9, 0), Country: uae, Latitude: 25.2005, Longitude: 55.3},
		{SessionID: "s3", CustomerID: 2, Timestamp: dayStamp(9, 10), Country: uae, Latitude: pointA.Lat, Longitude: pointA.Long, ZoneID: "21"},
		{SessionID: "s4", CustomerID: 1, Timestamp: dayStamp(9, 20), Country: uae, Latitude: pointA.Lat, Longitude: pointA.Long, ZoneID: "999"},
		{SessionID: "s5", CustomerID: 1, Timestamp: dayStamp(9, 30), Country: uae, Latitude: 40, Longitude: 55.3, ZoneID: "1"},
	}
	src.bookings = []models.Booking{
		{BookingID: 100, CustomerID: 1, TripEnded: true, DropoffLat: pointB.Lat, DropoffLong: pointB.Long},
	}
	return src
}

func testOptions() Options {
	return Options{
		Service:     models.ServiceRide,
		Workers:     4,
		Percentile:  0.5,
		HorizonDays: 60,
		Build:       location.DefaultBuildOptions(models.ServiceRide),
		ThresholdKm: 0.2,
		Zones: []temporal.Zone{
			{Country: uae, Timezone: "Asia/Dubai", Weekend: []time.Weekday{time.Saturday, time.Sunday}},
		},
		Bounds:     map[string]cohort.Bounds{uae: {MinLat: 22.5, MaxLat: 27, MinLong: 52.2, MaxLong: 56.5}},
		ValidZones: config.DefaultValidZoneIDs(),
	}
}

func TestRunDay(t *testing.T) {
	src := newSource()
	sink := &recordingSink{}
	p, err := New(src, testOptions(), WithSink(sink), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	res, err := p.RunDay(context.Background(), day.Add(13*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "2024-03-10", res.Run.ValidDate)
	assert.Equal(t, 6, res.Run.EventsIn)
	assert.Equal(t, 3, res.Run.SessionsOut)
	assert.Equal(t, 2, res.Run.RowsOut)
	assert.Equal(t, 1, res.Run.Dropped[cohort.DropInvalidZone])
	assert.Equal(t, 1, res.Run.Dropped[cohort.DropOutOfBounds])
	assert.Equal(t, 1, res.Run.Dropped[DropNoProfile])
	assert.NotEmpty(t, res.Run.ID)

	assert.Equal(t, day.AddDate(0, 0, -61), src.tripWindow[0])
	assert.Equal(t, day, src.tripWindow[1])

	require.Len(t, res.Profiles, 1)
	profile := res.Profiles[1]
	assert.Equal(t, 5, profile.NumTrips)
	assert.Equal(t, 0.5, profile.Quantile)
	assert.Equal(t, 10, profile.TrxAmt)

	require.Len(t, res.Rows, 2)
	booked, plain := res.Rows[0], res.Rows[1]

	assert.Equal(t, "s1", booked.SessionID)
	assert.True(t, booked.RH)
	assert.True(t, booked.TripEnded)
	assert.Equal(t, 12, booked.Hour)
	assert.Equal(t, 7, booked.Weekday)
	assert.True(t, booked.IsWeekend)
	assert.Equal(t, 0.0, booked.MinDistToKnownLoc)
	assert.True(t, booked.IsFrequentVisit)
	assert.True(t, booked.IsFreq)
	assert.InDelta(t, 1.0, booked.KnownLocOcc, 1e-12)
	require.NotNil(t, booked.DistToTop2)
	require.NotNil(t, booked.RHFrac)
	assert.InDelta(t, 0.5, *booked.RHFrac, 1e-12)
	assert.True(t, booked.IsHome)
	require.NotNil(t, booked.DistToHome)
	assert.Nil(t, booked.DistToWork)
	assert.Equal(t, 0.0, booked.NormWeek)
	assert.InDelta(t, 1/math.Sqrt(3), booked.NormHour, 1e-12)

	assert.Equal(t, "s2", plain.SessionID)
	assert.Equal(t, "1", plain.ZoneID)
	assert.False(t, plain.RH)
	assert.False(t, plain.IsFreq)
	assert.True(t, plain.IsFrequentVisit)
	assert.Greater(t, plain.MinDistToKnownLoc, 0.0)

	require.Len(t, sink.runs, 1)
	assert.Equal(t, 2, sink.rows)
}

func TestRunDay_UsesProfileCache(t *testing.T) {
	src := newSource()
	cache := &memoryCache{profiles: map[string]map[int64]*location.Profile{}}
	p, err := New(src, testOptions(), WithCache(cache))
	require.NoError(t, err)

	first, err := p.RunDay(context.Background(), day)
	require.NoError(t, err)
	second, err := p.RunDay(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 1, src.tripCalls)
	assert.Equal(t, first.Rows, second.Rows)
}

func TestRunDay_SourceError(t *testing.T) {
	src := newSource()
	src.eventsErr = errBoom
	p, err := New(src, testOptions())
	require.NoError(t, err)

	_, err = p.RunDay(context.Background(), day)
	assert.True(t, errors.Is(err, errBoom))
}

func TestFeatures_UnmappedCountry(t *testing.T) {
	p, err := New(newSource(), testOptions())
	require.NoError(t, err)

	profiles, err := p.BuildProfiles(context.Background(), day)
	require.NoError(t, err)

	sessions := []models.CanonicalSession{
		{SessionID: "x", CustomerID: 1, Timestamp: dayStamp(10, 0), Country: "Atlantis", Latitude: pointA.Lat, Longitude: pointA.Long},
	}
	rows, dropped, err := p.Features(context.Background(), "2024-03-10", sessions, profiles)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, dropped[DropUnmappedCountry])
}

func TestFeatures_WorkerCountDoesNotChangeOutput(t *testing.T) {
	src := newSource()
	var sessions []models.CanonicalSession
	for i := 0; i < 1000; i++ {
		sessions = append(sessions, models.CanonicalSession{
			SessionID:  fmt.Sprintf("s%04d", i),
			CustomerID: int64(1 + i%2),
			Timestamp:  dayStamp(0, i),
			Country:    uae,
			Latitude:   25.1 + float64(i%50)/1000,
			Longitude:  55.2,
			ZoneID:     "1",
		})
	}

	var outputs [][]models.FeatureRow
	for _, workers := range []int{1, 8} {
		opts := testOptions()
		opts.Workers = workers
		p, err := New(src, opts)
		require.NoError(t, err)
		profiles, err := p.BuildProfiles(context.Background(), day)
		require.NoError(t, err)

		rows, dropped, err := p.Features(context.Background(), "2024-03-10", sessions, profiles)
		require.NoError(t, err)
		assert.Equal(t, 500, dropped[DropNoProfile])
		outputs = append(outputs, rows)
	}
	require.Len(t, outputs[0], 500)
	assert.Equal(t, outputs[0], outputs[1])
}

func TestFeatures_Cancelled(t *testing.T) {
	p, err := New(newSource(), testOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sessions := []models.CanonicalSession{{SessionID: "s", CustomerID: 1, Country: uae}}
	_, _, err = p.Features(ctx, "2024-03-10", sessions, map[int64]*location.Profile{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunRange(t *testing.T) {
	sink := &recordingSink{}
	p, err := New(newSource(), testOptions(), WithSink(sink))
	require.NoError(t, err)

	runs, err := p.RunRange(context.Background(), day, day.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "2024-03-12", runs[2].ValidDate)
	assert.Len(t, sink.runs, 3)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			Service:              "food",
			Workers:              2,
			Percentile:           0.8,
			HistoryHorizonDays:   30,
			MinLocationVisits:    4,
			MinDistinctFood:      1,
			ProximityThresholdKm: 0.3,
			QuantizeDecimals:     3,
			UnmatchedBookings:    "standalone",
		},
		Geo: config.GeoConfig{Countries: config.DefaultCountries(), ValidZoneIDs: config.DefaultValidZoneIDs()},
	}

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceFood, opts.Service)
	assert.Equal(t, 4, opts.Build.MinVisits)
	assert.Equal(t, 1, opts.Build.MinDistinct)
	require.Len(t, opts.Zones, 2)
	assert.Equal(t, []time.Weekday{time.Friday, time.Saturday}, opts.Zones[1].Weekend)
	assert.Equal(t, 30.0, opts.Bounds["Jordan"].MinLat)

	from, to := opts.Window(day.Add(5 * time.Hour))
	assert.Equal(t, day, to)
	assert.Equal(t, day.AddDate(0, 0, -31), from)
	assert.Equal(t, 31*24*time.Hour, to.Sub(from))

	cfg.Geo.Countries[0].Weekend = []string{"Caturday"}
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}
