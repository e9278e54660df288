package temporal

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/session-intent/backend/internal/storage/models"
)

const minutesPerDay = 24 * 60

var ErrUnmappedCountry = errors.New("country has no mapped timezone")

// Zone describes the civil-time rules of one country.
type Zone struct {
	Country  string
	Timezone string
	Weekend  []time.Weekday
}

type zone struct {
	loc     *time.Location
	weekend [7]bool
}

// Normalizer converts epoch timestamps to local civil time for a fixed set of countries.
// It is read-only after construction and safe for concurrent use.
type Normalizer struct {
	zones map[string]zone
}

func NewNormalizer(zones []Zone) (*Normalizer, error) {
	n := &Normalizer{zones: make(map[string]zone, len(zones))}
	for _, z := range zones {
		loc, err := time.LoadLocation(z.Timezone)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %q for %s: %w", z.Timezone, z.Country, err)
		}
		entry := zone{loc: loc}
		for _, d := range z.Weekend {
			entry.weekend[d] = true
		}
		n.zones[z.Country] = entry
	}
	return n, nil
}

// Location returns the timezone mapped to country.
func (n *Normalizer) Location(country string) (*time.Location, bool) {
	z, ok := n.zones[country]
	if !ok {
		return nil, false
	}
	return z.loc, true
}

// LocalTime converts epoch seconds into the country's civil time.
func (n *Normalizer) LocalTime(epochSeconds int64, country string) (time.Time, error) {
	z, ok := n.zones[country]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnmappedCountry, country)
	}
	return time.Unix(epochSeconds, 0).In(z.loc), nil
}

func (n *Normalizer) Normalize(epochSeconds int64, country string) (models.TemporalFields, error) {
	local, err := n.LocalTime(epochSeconds, country)
	if err != nil {
		return models.TemporalFields{}, err
	}

	sin, cos := EncodeCyclical(float64(MinuteOfDay(local)), minutesPerDay)
	return models.TemporalFields{
		LocalTime: local,
		Hour:      local.Hour(),
		Weekday:   ISOWeekday(local),
		IsWeekend: n.zones[country].weekend[local.Weekday()],
		MinuteSin: sin,
		MinuteCos: cos,
	}, nil
}

// MinuteOfDay returns minutes elapsed since local midnight, ignoring seconds.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// ISOWeekday maps Monday..Sunday to 1..7.
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// EncodeCyclical projects value onto the unit circle so that the ends of the period meet.
func EncodeCyclical(value, period float64) (float64, float64) {
	angle := 2 * math.Pi * value / period
	return math.Sin(angle), math.Cos(angle)
}

func ParseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), name) || strings.EqualFold(d.String()[:3], name) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}
