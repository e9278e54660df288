package pipeline

import (
	"context"
	"time"

	"github.com/session-intent/backend/internal/location"
	"github.com/session-intent/backend/internal/storage/models"
)

// Source supplies the date-partitioned input tables. Implementations own any retry logic.
type Source interface {
	Events(ctx context.Context, day time.Time) ([]models.RawEvent, error)
	Bookings(ctx context.Context, day time.Time) ([]models.Booking, error)
	// Trips returns completed trips created in [from, to).
	Trips(ctx context.Context, from, to time.Time) ([]models.Trip, error)
	// TransactionCounts returns the number of transactions per customer across all services in [from, to).
	TransactionCounts(ctx context.Context, from, to time.Time) (map[int64]int, error)
	SavedLocations(ctx context.Context, asOf time.Time) (map[int64]models.SavedLocations, error)
}

// ProfileCache holds finalized profiles of one (service, valid date) between runs.
type ProfileCache interface {
	LoadProfiles(ctx context.Context, service models.Service, validDate string) (map[int64]*location.Profile, bool, error)
	SaveProfiles(ctx context.Context, service models.Service, validDate string, profiles map[int64]*location.Profile) error
}

// Sink persists the output of one processed day.
type Sink interface {
	SaveDay(ctx context.Context, run models.PipelineRun, sessions []models.CanonicalSession, profiles map[int64]*location.Profile, rows []models.FeatureRow) error
}
