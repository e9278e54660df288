package pipeline

import (
	"github.com/session-intent/backend/internal/location"
	"github.com/session-intent/backend/internal/storage/models"
)

// AssembleRow merges a session with its temporal and location features into one output row.
func AssembleRow(validDate string, s models.CanonicalSession, tf models.TemporalFields, aff location.Affinity, profile *location.Profile) models.FeatureRow {
	row := models.FeatureRow{
		ValidDate:  validDate,
		SessionID:  s.SessionID,
		CustomerID: s.CustomerID,
		Timestamp:  s.Timestamp,
		ZoneID:     s.ZoneID,
		Country:    s.Country,
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		BookingID:  s.BookingID,
		TripEnded:  s.TripEnded,
		RH:         s.IsBooking,

		Hour:      tf.Hour,
		Weekday:   tf.Weekday,
		IsWeekend: tf.IsWeekend,
		MinuteSin: tf.MinuteSin,
		MinuteCos: tf.MinuteCos,

		MinDistToKnownLoc: aff.Nearest.DistanceKm,
		IsFreq:            aff.IsFreq,
		IsFrequentVisit:   aff.IsFrequentVisit,

		HasSavedLocation: aff.HomeWork.HasSavedLocation,
		IsHome:           aff.HomeWork.IsHome,
		IsWork:           aff.HomeWork.IsWork,

		NumTrips: profile.NumTrips,
		Quantile: profile.Quantile,
		NormWeek: profile.WeekWeights.Weight(tf.Weekday),
		NormHour: profile.HourWeights.Weight(tf.Hour),
	}

	if profile.NumTrips > 0 {
		row.KnownLocOcc = aff.Nearest.Weight / float64(profile.NumTrips)
	}
	if len(aff.DistToTop) > 0 {
		row.DistToTop1 = aff.DistToTop[0]
	}
	if len(aff.DistToTop) > 1 {
		row.DistToTop2 = optional(aff.DistToTop[1])
	}
	if aff.HomeWork.HasHome {
		row.DistToHome = optional(aff.HomeWork.DistToHome)
	}
	if aff.HomeWork.HasWork {
		row.DistToWork = optional(aff.HomeWork.DistToWork)
	}
	if profile.TrxAmt > 0 {
		row.RHFrac = optional(float64(profile.NumTrips) / float64(profile.TrxAmt))
	}
	return row
}

func optional(v float64) *float64 {
	return &v
}
