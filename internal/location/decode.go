package location

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/session-intent/backend/internal/storage/models"
)

// DecodeLocations parses a serialized {"lat|long": weight} column.
func DecodeLocations(raw string) ([]KnownLocation, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal locations: %w", err)
	}
	locs := make([]KnownLocation, 0, len(m))
	for key, weight := range m {
		lat, long, err := ParseKey(key)
		if err != nil {
			return nil, err
		}
		locs = append(locs, KnownLocation{Lat: lat, Long: long, Weight: weight})
	}
	sortLocations(locs)
	return locs, nil
}

// EncodeLocations is the inverse of DecodeLocations.
func EncodeLocations(locs []KnownLocation, decimals int) (string, error) {
	m := make(map[string]float64, len(locs))
	for _, loc := range locs {
		m[Key(loc.Lat, loc.Long, decimals)] = loc.Weight
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal locations: %w", err)
	}
	return string(data), nil
}

// DecodeHomeWork parses a serialized {"home":{"lat":..,"long":..},"work":{...}} column.
func DecodeHomeWork(raw string) (models.SavedLocations, error) {
	var saved models.SavedLocations
	if raw == "" || raw == "null" {
		return saved, nil
	}
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return saved, fmt.Errorf("failed to unmarshal home/work coordinates: %w", err)
	}
	return saved, nil
}

func EncodeHomeWork(saved models.SavedLocations) (string, error) {
	if saved.Home == nil && saved.Work == nil {
		return "", nil
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return "", fmt.Errorf("failed to marshal home/work coordinates: %w", err)
	}
	return string(data), nil
}

// DecodeHourHistogram parses a sparse {"hour": count} column; absent hours are zero.
func DecodeHourHistogram(raw string) (HourHistogram, error) {
	var h HourHistogram
	err := decodeSparse(raw, func(k int, v float64) error {
		if k < 0 || k >= HoursPerDay {
			return fmt.Errorf("hour %d out of range", k)
		}
		h[k] = v
		return nil
	})
	return h, err
}

// DecodeWeekHistogram parses a sparse {"weekday": count} column keyed 1 (Monday) .. 7 (Sunday).
func DecodeWeekHistogram(raw string) (WeekHistogram, error) {
	var w WeekHistogram
	err := decodeSparse(raw, func(k int, v float64) error {
		if k < 1 || k > DaysPerWeek {
			return fmt.Errorf("weekday %d out of range", k)
		}
		w[k-1] = v
		return nil
	})
	return w, err
}

func EncodeHourHistogram(h HourHistogram) (string, error) {
	return encodeSparse(h[:], 0)
}

func EncodeWeekHistogram(w WeekHistogram) (string, error) {
	return encodeSparse(w[:], 1)
}

func decodeSparse(raw string, set func(int, float64) error) error {
	if raw == "" || raw == "null" {
		return nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("failed to unmarshal histogram: %w", err)
	}
	for key, v := range m {
		k, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("invalid histogram key %q: %w", key, err)
		}
		if err := set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeSparse(values []float64, base int) (string, error) {
	m := make(map[string]float64)
	for i, v := range values {
		if v != 0 {
			m[strconv.Itoa(i+base)] = v
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal histogram: %w", err)
	}
	return string(data), nil
}
