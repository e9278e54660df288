package location

import (
	"errors"
	"fmt"
	"time"

	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/internal/temporal"
)

var ErrInsufficientHistory = errors.New("customer has too few frequent locations")

// Localizer converts a trip's timestamp into the civil time of its country.
type Localizer interface {
	LocalTime(epochSeconds int64, country string) (time.Time, error)
}

type BuildOptions struct {
	Service     models.Service
	MinVisits   int
	MinDistinct int
	Decimals    int
}

func DefaultBuildOptions(service models.Service) BuildOptions {
	opts := BuildOptions{Service: service, MinVisits: 3, MinDistinct: 2, Decimals: 3}
	if service == models.ServiceFood {
		opts.MinDistinct = 1
	}
	return opts
}

// BuildProfile derives a customer's known locations and usage histograms from the trips of
// the trailing window. Trips must belong to customerID.
func BuildProfile(customerID int64, validDate string, trips []models.Trip, opts BuildOptions, loc Localizer) (*Profile, error) {
	type point struct{ lat, long float64 }

	visits := make(map[point]map[int64]struct{})
	add := func(lat, long float64, booking int64) {
		if lat == 0 || long == 0 {
			return
		}
		p := point{Quantize(lat, opts.Decimals), Quantize(long, opts.Decimals)}
		if visits[p] == nil {
			visits[p] = make(map[int64]struct{})
		}
		visits[p][booking] = struct{}{}
	}

	distinctTrips := make(map[int64]struct{}, len(trips))
	for _, t := range trips {
		distinctTrips[t.BookingID] = struct{}{}
		if opts.Service == models.ServiceRide && t.HasPickup {
			add(t.PickupLat, t.PickupLong, t.BookingID)
		}
		add(t.DropoffLat, t.DropoffLong, t.BookingID)
	}

	frequent := make(map[point]bool)
	profile := &Profile{
		CustomerID: customerID,
		ValidDate:  validDate,
		Service:    opts.Service,
		NumTrips:   len(distinctTrips),
	}
	for p, bookings := range visits {
		if len(bookings) < opts.MinVisits {
			continue
		}
		frequent[p] = true
		profile.Locations = append(profile.Locations, KnownLocation{Lat: p.lat, Long: p.long, Weight: float64(len(bookings))})
	}
	if len(profile.Locations) < opts.MinDistinct || len(profile.Locations) == 0 {
		return nil, fmt.Errorf("%w: customer %d has %d", ErrInsufficientHistory, customerID, len(profile.Locations))
	}

	// Ride usage patterns only count trips that ended at a frequent place; food counts every order.
	counted := make(map[int64]struct{}, len(trips))
	for _, t := range trips {
		if _, dup := counted[t.BookingID]; dup {
			continue
		}
		if opts.Service == models.ServiceRide {
			p := point{Quantize(t.DropoffLat, opts.Decimals), Quantize(t.DropoffLong, opts.Decimals)}
			if !frequent[p] {
				continue
			}
		}
		local, err := loc.LocalTime(t.CreatedAt.Unix(), t.Country)
		if err != nil {
			continue
		}
		counted[t.BookingID] = struct{}{}
		profile.Hours[local.Hour()]++
		profile.Week[temporal.ISOWeekday(local)-1]++
	}
	if len(counted) == 0 {
		return nil, fmt.Errorf("%w: customer %d has no trips to a frequent location", ErrInsufficientHistory, customerID)
	}

	if err := profile.Finalize(); err != nil {
		return nil, err
	}
	return profile, nil
}

// GroupTrips splits a window of trips by customer.
func GroupTrips(trips []models.Trip) map[int64][]models.Trip {
	out := make(map[int64][]models.Trip)
	for _, t := range trips {
		out[t.CustomerID] = append(out[t.CustomerID], t)
	}
	return out
}
