package reconcile

import (
	"sort"

	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/storage/models"
)

// UnmatchedPolicy decides what happens to an event whose booking id is absent from the day's bookings.
type UnmatchedPolicy int

const (
	// UnmatchedAsFailed keeps the booking id and treats the trip as not ended.
	UnmatchedAsFailed UnmatchedPolicy = iota
	// UnmatchedAsStandalone clears the booking id so the event competes as a plain session.
	UnmatchedAsStandalone
)

func (p UnmatchedPolicy) String() string {
	switch p {
	case UnmatchedAsFailed:
		return "failed"
	case UnmatchedAsStandalone:
		return "standalone"
	default:
		return "unknown"
	}
}

type Stats struct {
	EventsIn          int
	BookingRows       int
	StandaloneRows    int
	UnmatchedBookings int
	DemotedBookings   int
	ClaimedStandalone int
	Duplicates        int
	SessionsOut       int
}

type Reconciler struct {
	policy UnmatchedPolicy
	logger *zap.Logger
}

func NewReconciler(policy UnmatchedPolicy, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{policy: policy, logger: logger}
}

// Join attaches each event's booking outcome from the day's booking table.
func (r *Reconciler) Join(events []models.RawEvent, bookings []models.Booking) ([]models.JoinedEvent, int) {
	byID := make(map[int64]models.Booking, len(bookings))
	for _, b := range bookings {
		if b.BookingID == models.NoBooking {
			continue
		}
		byID[b.BookingID] = b
	}

	unmatched := 0
	joined := make([]models.JoinedEvent, 0, len(events))
	for _, ev := range events {
		je := models.JoinedEvent{RawEvent: ev}
		if ev.BookingID != models.NoBooking {
			if b, ok := byID[ev.BookingID]; ok {
				je.TripEnded = b.TripEnded
				je.DropoffLat = b.DropoffLat
				je.DropoffLong = b.DropoffLong
				je.HasDropoff = b.DropoffLat != 0 && b.DropoffLong != 0
			} else {
				unmatched++
				if r.policy == UnmatchedAsStandalone {
					je.BookingID = models.NoBooking
				}
			}
		}
		joined = append(joined, je)
	}
	return joined, unmatched
}

// Reconcile collapses one day's events into exactly one canonical session per session id,
// ordered by timestamp.
func (r *Reconciler) Reconcile(events []models.RawEvent, bookings []models.Booking) ([]models.CanonicalSession, Stats) {
	joined, unmatched := r.Join(events, bookings)
	sessions, stats := r.ReconcileJoined(joined)
	stats.UnmatchedBookings = unmatched

	r.logger.Debug("Sessions reconciled",
		zap.Int("events_in", stats.EventsIn),
		zap.Int("booking_rows", stats.BookingRows),
		zap.Int("standalone_rows", stats.StandaloneRows),
		zap.Int("unmatched_bookings", stats.UnmatchedBookings),
		zap.Int("demoted_bookings", stats.DemotedBookings),
		zap.Int("sessions_out", stats.SessionsOut),
	)
	return sessions, stats
}

func (r *Reconciler) ReconcileJoined(joined []models.JoinedEvent) ([]models.CanonicalSession, Stats) {
	stats := Stats{EventsIn: len(joined)}

	var booked, standalone []models.CanonicalSession
	for _, ev := range joined {
		s := canonical(ev)
		if s.IsBooking {
			booked = append(booked, s)
		} else {
			standalone = append(standalone, s)
		}
	}
	stats.BookingRows = len(booked)
	stats.StandaloneRows = len(standalone)

	// A completed trip beats an uncompleted one; among equals the earliest row wins.
	sortByPriority(booked)
	seenBooking := make(map[int64]bool, len(booked))
	claimed := make(map[string]bool, len(booked))
	kept := make([]models.CanonicalSession, 0, len(joined))
	var demoted []models.CanonicalSession
	for _, s := range booked {
		if seenBooking[s.BookingID] {
			demoted = append(demoted, demote(s))
			continue
		}
		seenBooking[s.BookingID] = true
		claimed[s.SessionID] = true
		kept = append(kept, s)
	}
	stats.DemotedBookings = len(demoted)

	standalone = append(standalone, demoted...)
	sort.SliceStable(standalone, func(i, j int) bool {
		return standalone[i].Timestamp < standalone[j].Timestamp
	})
	type customerSession struct {
		customerID int64
		sessionID  string
	}
	seenStandalone := make(map[customerSession]bool, len(standalone))
	for _, s := range standalone {
		if claimed[s.SessionID] {
			stats.ClaimedStandalone++
			continue
		}
		key := customerSession{s.CustomerID, s.SessionID}
		if seenStandalone[key] {
			continue
		}
		seenStandalone[key] = true
		kept = append(kept, s)
	}

	// Residual duplicates: one session id booked twice or seen under several customers.
	sortByPriority(kept)
	seenSession := make(map[string]bool, len(kept))
	out := make([]models.CanonicalSession, 0, len(kept))
	for _, s := range kept {
		if seenSession[s.SessionID] {
			stats.Duplicates++
			continue
		}
		seenSession[s.SessionID] = true
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].SessionID < out[j].SessionID
	})
	stats.SessionsOut = len(out)
	return out, stats
}

func canonical(ev models.JoinedEvent) models.CanonicalSession {
	return models.CanonicalSession{
		SessionID:   ev.SessionID,
		CustomerID:  ev.CustomerID,
		Timestamp:   ev.Timestamp,
		ZoneID:      ev.ZoneID,
		Country:     ev.Country,
		Latitude:    ev.Latitude,
		Longitude:   ev.Longitude,
		BookingID:   ev.BookingID,
		TripEnded:   ev.BookingID != models.NoBooking && ev.TripEnded,
		IsBooking:   ev.BookingID != models.NoBooking,
		DropoffLat:  ev.DropoffLat,
		DropoffLong: ev.DropoffLong,
		HasDropoff:  ev.HasDropoff,
	}
}

// demote turns a booking row that lost its booking id to another session into a plain session.
func demote(s models.CanonicalSession) models.CanonicalSession {
	s.BookingID = models.NoBooking
	s.IsBooking = false
	s.TripEnded = false
	s.DropoffLat, s.DropoffLong, s.HasDropoff = 0, 0, false
	return s
}

func sortByPriority(sessions []models.CanonicalSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if a.TripEnded != b.TripEnded {
			return a.TripEnded
		}
		if a.IsBooking != b.IsBooking {
			return a.IsBooking
		}
		return a.Timestamp < b.Timestamp
	})
}
