package models

import "time"

// NoBooking is the booking id carried by sessions without an associated booking.
const NoBooking int64 = 0

type Service string

const (
	ServiceRide Service = "rh"
	ServiceFood Service = "food"
)

type RawEvent struct {
	SessionID  string
	CustomerID int64
	Timestamp  int64
	Country    string
	Latitude   float64
	Longitude  float64
	ZoneID     string
	BookingID  int64
}

type Booking struct {
	BookingID   int64
	CustomerID  int64
	TripEnded   bool
	DropoffLat  float64
	DropoffLong float64
}

// JoinedEvent is a RawEvent after the day's Booking table has been joined on booking_id.
type JoinedEvent struct {
	RawEvent
	TripEnded   bool
	DropoffLat  float64
	DropoffLong float64
	HasDropoff  bool
}

type CanonicalSession struct {
	SessionID   string
	CustomerID  int64
	Timestamp   int64
	ZoneID      string
	Country     string
	Latitude    float64
	Longitude   float64
	BookingID   int64
	TripEnded   bool
	IsBooking   bool
	DropoffLat  float64
	DropoffLong float64
	HasDropoff  bool
}

// Trip is one completed historical booking or order used to build a customer profile.
type Trip struct {
	BookingID   int64
	CustomerID  int64
	Country     string
	CreatedAt   time.Time
	PickupLat   float64
	PickupLong  float64
	DropoffLat  float64
	DropoffLong float64
	HasPickup   bool
}

type Coordinate struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

type SavedLocations struct {
	Home *Coordinate `json:"home,omitempty"`
	Work *Coordinate `json:"work,omitempty"`
}

type TemporalFields struct {
	LocalTime time.Time
	Hour      int
	Weekday   int
	IsWeekend bool
	MinuteSin float64
	MinuteCos float64
}

// FeatureRow is one row of the final feature table handed to the classifier.
type FeatureRow struct {
	ValidDate  string  `json:"valid_date"`
	SessionID  string  `json:"session_id"`
	CustomerID int64   `json:"customer_id"`
	Timestamp  int64   `json:"ts"`
	ZoneID     string  `json:"zone_id"`
	Country    string  `json:"country"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	BookingID  int64   `json:"booking_id"`
	TripEnded  bool    `json:"trip_ended"`
	RH         bool    `json:"rh"`

	Hour      int     `json:"hour"`
	Weekday   int     `json:"weekday"`
	IsWeekend bool    `json:"is_weekend"`
	MinuteSin float64 `json:"minute_sin"`
	MinuteCos float64 `json:"minute_cos"`

	MinDistToKnownLoc float64  `json:"min_dist_to_known_loc"`
	KnownLocOcc       float64  `json:"known_loc_occ"`
	IsFreq            bool     `json:"is_freq"`
	IsFrequentVisit   bool     `json:"is_frequent_visit"`
	DistToTop1        float64  `json:"dist_to_top1"`
	DistToTop2        *float64 `json:"dist_to_top2,omitempty"`

	HasSavedLocation bool     `json:"has_saved_location"`
	DistToHome       *float64 `json:"dist_to_home,omitempty"`
	DistToWork       *float64 `json:"dist_to_work,omitempty"`
	IsHome           bool     `json:"is_home"`
	IsWork           bool     `json:"is_work"`

	NumTrips int      `json:"num_trips"`
	Quantile float64  `json:"quantile"`
	RHFrac   *float64 `json:"rh_frac,omitempty"`
	NormWeek float64  `json:"norm_week"`
	NormHour float64  `json:"norm_hour"`
}

type PipelineRun struct {
	ID          string
	ValidDate   string
	Service     Service
	EventsIn    int
	SessionsOut int
	RowsOut     int
	Dropped     map[string]int
	StartedAt   time.Time
	FinishedAt  time.Time
	// Checksum fingerprints the stored feature rows, in order.
	Checksum    string
}
