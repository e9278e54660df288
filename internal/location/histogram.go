package location

import (
	"errors"
	"math"
)

const (
	HoursPerDay = 24
	DaysPerWeek = 7
)

var ErrDegenerateNormalization = errors.New("cannot normalize an all-zero vector")

// HourHistogram holds trip counts per local hour, zero-filled.
type HourHistogram [HoursPerDay]float64

// WeekHistogram holds trip counts per ISO weekday; index 0 is Monday.
type WeekHistogram [DaysPerWeek]float64

// Denoise replaces every hour with the sum of itself and both neighbours, wrapping at midnight.
func (h HourHistogram) Denoise() HourHistogram {
	var out HourHistogram
	for i := 0; i < HoursPerDay; i++ {
		prev := (i + HoursPerDay - 1) % HoursPerDay
		next := (i + 1) % HoursPerDay
		out[i] = h[i] + h[prev] + h[next]
	}
	return out
}

func (h HourHistogram) Normalize() (HourHistogram, error) {
	var out HourHistogram
	if err := l2Normalize(h[:], out[:]); err != nil {
		return out, err
	}
	return out, nil
}

func (w WeekHistogram) Normalize() (WeekHistogram, error) {
	var out WeekHistogram
	if err := l2Normalize(w[:], out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// Weight returns the value for an ISO weekday (1 = Monday .. 7 = Sunday).
func (w WeekHistogram) Weight(isoWeekday int) float64 {
	if isoWeekday < 1 || isoWeekday > DaysPerWeek {
		return 0
	}
	return w[isoWeekday-1]
}

func (h HourHistogram) Weight(hour int) float64 {
	if hour < 0 || hour >= HoursPerDay {
		return 0
	}
	return h[hour]
}

// L2Normalize scales v to unit Euclidean norm.
func L2Normalize(v []float64) ([]float64, error) {
	out := make([]float64, len(v))
	if err := l2Normalize(v, out); err != nil {
		return nil, err
	}
	return out, nil
}

func l2Normalize(src, dst []float64) error {
	var sum float64
	for _, x := range src {
		sum += x * x
	}
	if sum == 0 {
		return ErrDegenerateNormalization
	}
	norm := math.Sqrt(sum)
	for i, x := range src {
		dst[i] = x / norm
	}
	return nil
}
