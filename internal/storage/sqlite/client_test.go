package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/session-intent/backend/internal/location"
	"github.com/session-intent/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testProfile(t *testing.T, customerID int64, date string) *location.Profile {
	t.Helper()
	p := &location.Profile{
		CustomerID: customerID,
		ValidDate:  date,
		Service:    models.ServiceRide,
		Locations: []location.KnownLocation{
			{Lat: 25.2, Long: 55.3, Weight: 5},
			{Lat: 25.1, Long: 55.2, Weight: 3},
		},
		NumTrips: 5,
		Quantile: 0.9,
		TrxAmt:   12,
		Saved:    models.SavedLocations{Work: &models.Coordinate{Lat: 25.1, Long: 55.2}},
	}
	p.Hours[8] = 2
	p.Hours[18] = 3
	p.Week[0] = 4
	p.Week[4] = 1
	require.NoError(t, p.Finalize())
	return p
}

func saveDay(t *testing.T, c *Client, date string, withProfiles bool) {
	t.Helper()
	run := models.PipelineRun{
		ID:          "run-" + date,
		ValidDate:   date,
		Service:     models.ServiceRide,
		EventsIn:    3,
		SessionsOut: 2,
		RowsOut:     1,
		Dropped:     map[string]int{"no_profile": 1},
		StartedAt:   time.Unix(1710000000, 0),
		FinishedAt:  time.Unix(1710000060, 0),
	}
	sessions := []models.CanonicalSession{
		{SessionID: "a", CustomerID: 1, Timestamp: 100, ZoneID: "1", Country: "Jordan", Latitude: 31.9, Longitude: 35.9, BookingID: 7, TripEnded: true, IsBooking: true, DropoffLat: 31.95, DropoffLong: 35.91, HasDropoff: true},
		{SessionID: "b", CustomerID: 2, Timestamp: 200, ZoneID: "21", Country: "Jordan", Latitude: 31.8, Longitude: 35.8},
	}
	profiles := map[int64]*location.Profile{}
	if withProfiles {
		profiles[1] = testProfile(t, 1, date)
	}
	top2 := 1.5
	rows := []models.FeatureRow{{ValidDate: date, SessionID: "a", CustomerID: 1, RH: true, DistToTop2: &top2}}
	require.NoError(t, c.SaveDay(context.Background(), run, sessions, profiles, rows))
}

func TestSaveDay_RoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	saveDay(t, c, "2024-03-10", true)

	sessions, err := c.LoadSessions(ctx, models.ServiceRide, "2024-03-10")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].IsBooking)
	assert.True(t, sessions[0].TripEnded)
	assert.True(t, sessions[0].HasDropoff)
	assert.False(t, sessions[1].IsBooking)
	assert.Equal(t, "21", sessions[1].ZoneID)

	profiles, err := c.LoadProfiles(ctx, models.ServiceRide, "2024-03-10")
	require.NoError(t, err)
	require.Contains(t, profiles, int64(1))
	want := testProfile(t, 1, "2024-03-10")
	got := profiles[1]
	assert.Equal(t, want.Locations, got.Locations)
	assert.Equal(t, want.Hours, got.Hours)
	assert.Equal(t, want.Week, got.Week)
	assert.Equal(t, want.HourWeights, got.HourWeights)
	assert.Equal(t, want.Saved, got.Saved)
	assert.Equal(t, 12, got.TrxAmt)
	assert.Equal(t, want.Ranked(), got.Ranked())

	rows, err := c.LoadFeatureRows(ctx, models.ServiceRide, "2024-03-10")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].DistToTop2)
	assert.Equal(t, 1.5, *rows[0].DistToTop2)
	assert.Nil(t, rows[0].RHFrac)

	runs, err := c.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Dropped["no_profile"])
	assert.Equal(t, models.ServiceRide, runs[0].Service)
	assert.Len(t, runs[0].Checksum, 32)
}

func TestSaveDay_ReplacesDate(t *testing.T) {
	c := newTestClient(t)
	saveDay(t, c, "2024-03-10", true)

	first, err := c.ListRuns(context.Background(), 1)
	require.NoError(t, err)

	saveDay(t, c, "2024-03-10", true)

	sessions, err := c.LoadSessions(context.Background(), models.ServiceRide, "2024-03-10")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	second, err := c.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, first[0].Checksum, second[0].Checksum)
}

func TestPairDates(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	saveDay(t, c, "2024-03-10", true)
	saveDay(t, c, "2024-03-11", true)

	dates, err := c.PairDates(ctx, models.ServiceRide, "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-10", "2024-03-11"}, dates)

	dates, err = c.PairDates(ctx, models.ServiceFood, "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestPairDates_EmptyDaysStillPair(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	saveDay(t, c, "2024-03-01", true)
	saveDay(t, c, "2024-03-02", false)

	run := models.PipelineRun{ID: "run-empty", ValidDate: "2024-03-03", Service: models.ServiceRide}
	require.NoError(t, c.SaveDay(ctx, run, nil, nil, nil))

	dates, err := c.PairDates(ctx, models.ServiceRide, "2024-03-01", "2024-03-31")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-01", "2024-03-02", "2024-03-03"}, dates)

	sessions, err := c.LoadSessions(ctx, models.ServiceRide, "2024-03-03")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestPairDates_RowCountMismatch(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	saveDay(t, c, "2024-03-10", true)

	_, err := c.db.Exec(`INSERT INTO day_outputs (valid_date, service, output, row_count) VALUES ('2024-03-11', 'rh', 'sessions', 4)`)
	require.NoError(t, err)

	_, err = c.PairDates(ctx, models.ServiceRide, "2024-03-01", "2024-03-31")
	assert.True(t, errors.Is(err, ErrRowCountMismatch))
}

func TestPairDates_DateMismatch(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	saveDay(t, c, "2024-03-10", false)

	_, err := c.db.Exec(`DELETE FROM day_outputs WHERE valid_date = '2024-03-10' AND output = 'profiles'`)
	require.NoError(t, err)
	_, err = c.db.Exec(`INSERT INTO day_outputs (valid_date, service, output, row_count) VALUES ('2024-03-11', 'rh', 'profiles', 1)`)
	require.NoError(t, err)

	_, err = c.PairDates(ctx, models.ServiceRide, "2024-03-01", "2024-03-31")
	assert.True(t, errors.Is(err, ErrDateMismatch))
}
