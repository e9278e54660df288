package pipeline

import (
	"fmt"
	"runtime"
	"time"

	"github.com/session-intent/backend/internal/cohort"
	"github.com/session-intent/backend/internal/location"
	"github.com/session-intent/backend/internal/reconcile"
	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/internal/temporal"
	"github.com/session-intent/backend/pkg/config"
)

const DateLayout = "2006-01-02"

type Options struct {
	Service     models.Service
	Workers     int
	Percentile  float64
	HorizonDays int
	Build       location.BuildOptions
	ThresholdKm float64
	Zones       []temporal.Zone
	Bounds      map[string]cohort.Bounds
	ValidZones  []string
	Unmatched   reconcile.UnmatchedPolicy
}

// OptionsFromConfig translates the pipeline and geo sections of the service configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	service := models.Service(cfg.Pipeline.Service)

	build := location.DefaultBuildOptions(service)
	if cfg.Pipeline.MinLocationVisits > 0 {
		build.MinVisits = cfg.Pipeline.MinLocationVisits
	}
	if cfg.Pipeline.QuantizeDecimals > 0 {
		build.Decimals = cfg.Pipeline.QuantizeDecimals
	}
	switch {
	case service == models.ServiceRide && cfg.Pipeline.MinDistinctRide > 0:
		build.MinDistinct = cfg.Pipeline.MinDistinctRide
	case service == models.ServiceFood && cfg.Pipeline.MinDistinctFood > 0:
		build.MinDistinct = cfg.Pipeline.MinDistinctFood
	}

	opts := Options{
		Service:     service,
		Workers:     cfg.Pipeline.Workers,
		Percentile:  cfg.Pipeline.Percentile,
		HorizonDays: cfg.Pipeline.HistoryHorizonDays,
		Build:       build,
		ThresholdKm: cfg.Pipeline.ProximityThresholdKm,
		Bounds:      make(map[string]cohort.Bounds, len(cfg.Geo.Countries)),
		ValidZones:  cfg.Geo.ValidZoneIDs,
	}
	if cfg.Pipeline.UnmatchedBookings == "standalone" {
		opts.Unmatched = reconcile.UnmatchedAsStandalone
	}

	for _, c := range cfg.Geo.Countries {
		zone := temporal.Zone{Country: c.Name, Timezone: c.Timezone}
		for _, name := range c.Weekend {
			d, err := temporal.ParseWeekday(name)
			if err != nil {
				return Options{}, fmt.Errorf("failed to parse weekend of %s: %w", c.Name, err)
			}
			zone.Weekend = append(zone.Weekend, d)
		}
		opts.Zones = append(opts.Zones, zone)
		opts.Bounds[c.Name] = cohort.Bounds{MinLat: c.MinLat, MaxLat: c.MaxLat, MinLong: c.MinLong, MaxLong: c.MaxLong}
	}
	return opts.withDefaults(), nil
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.HorizonDays <= 0 {
		o.HorizonDays = 60
	}
	if o.ThresholdKm <= 0 {
		o.ThresholdKm = location.DefaultThresholdKm
	}
	if o.Build.Service == "" {
		o.Build = location.DefaultBuildOptions(o.Service)
	}
	return o
}

// Window returns the trailing history window [from, to) used to build profiles for day.
// It spans HorizonDays+1 whole days ending the day before, matching the
// "day between date - (n+1) and date - 1" partitions of the warehouse.
func (o Options) Window(day time.Time) (time.Time, time.Time) {
	to := truncateDay(day)
	return to.AddDate(0, 0, -(o.HorizonDays + 1)), to
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
