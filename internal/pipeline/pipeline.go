package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/session-intent/backend/internal/cohort"
	"github.com/session-intent/backend/internal/location"
	"github.com/session-intent/backend/internal/metrics"
	"github.com/session-intent/backend/internal/reconcile"
	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/internal/temporal"
)

const (
	DropNoProfile        = "no_profile"
	DropUnmappedCountry  = "unmapped_country"
	DropInsufficientHist = "insufficient_history"
)

// Pipeline turns one day of raw events into feature rows. Profiles are built once per day
// and are read-only while the row workers run.
type Pipeline struct {
	src        Source
	opts       Options
	normalizer *temporal.Normalizer
	reconciler *reconcile.Reconciler
	geo        *cohort.GeoFilter
	engine     *location.Engine
	cache      ProfileCache
	sink       Sink
	logger     *zap.Logger
}

type Option func(*Pipeline)

func WithCache(c ProfileCache) Option {
	return func(p *Pipeline) { p.cache = c }
}

func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(src Source, opts Options, options ...Option) (*Pipeline, error) {
	opts = opts.withDefaults()

	normalizer, err := temporal.NewNormalizer(opts.Zones)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal normalizer: %w", err)
	}

	p := &Pipeline{
		src:        src,
		opts:       opts,
		normalizer: normalizer,
		geo:        cohort.NewGeoFilter(opts.Bounds, opts.ValidZones),
		engine:     location.NewEngine(opts.ThresholdKm, opts.Build.Decimals),
		logger:     zap.NewNop(),
	}
	for _, o := range options {
		o(p)
	}
	p.reconciler = reconcile.NewReconciler(opts.Unmatched, p.logger.Named("reconcile"))
	return p, nil
}

type DayResult struct {
	Run      models.PipelineRun
	Sessions []models.CanonicalSession
	Profiles map[int64]*location.Profile
	Rows     []models.FeatureRow
}

// RunDay processes one calendar day end to end and hands the result to the sink, if any.
func (p *Pipeline) RunDay(ctx context.Context, day time.Time) (*DayResult, error) {
	day = truncateDay(day)
	validDate := day.Format(DateLayout)
	service := string(p.opts.Service)

	run := models.PipelineRun{
		ID:        uuid.New().String(),
		ValidDate: validDate,
		Service:   p.opts.Service,
		Dropped:   map[string]int{},
		StartedAt: time.Now(),
	}

	result, err := p.runDay(ctx, day, &run)
	if err != nil {
		metrics.PipelineRuns.WithLabelValues(service, "error").Inc()
		return nil, fmt.Errorf("failed to process %s: %w", validDate, err)
	}
	run.FinishedAt = time.Now()
	result.Run = run

	if p.sink != nil {
		if err := p.sink.SaveDay(ctx, run, result.Sessions, result.Profiles, result.Rows); err != nil {
			metrics.PipelineRuns.WithLabelValues(service, "error").Inc()
			return nil, fmt.Errorf("failed to persist %s: %w", validDate, err)
		}
	}

	metrics.PipelineRuns.WithLabelValues(service, "success").Inc()
	metrics.FeatureRowsWritten.WithLabelValues(service).Add(float64(len(result.Rows)))
	for reason, n := range run.Dropped {
		metrics.RowsDropped.WithLabelValues(reason).Add(float64(n))
	}

	p.logger.Info("Day processed",
		zap.String("valid_date", validDate),
		zap.String("service", service),
		zap.Int("events_in", run.EventsIn),
		zap.Int("sessions_out", run.SessionsOut),
		zap.Int("rows_out", run.RowsOut),
		zap.Any("dropped", run.Dropped),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
	)
	return result, nil
}

func (p *Pipeline) runDay(ctx context.Context, day time.Time, run *models.PipelineRun) (*DayResult, error) {
	events, err := p.src.Events(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	bookings, err := p.src.Bookings(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookings: %w", err)
	}
	run.EventsIn = len(events)

	sessions, dropped := p.Sessions(events, bookings)
	mergeCounts(run.Dropped, dropped)
	run.SessionsOut = len(sessions)

	profiles, err := p.Profiles(ctx, day)
	if err != nil {
		return nil, err
	}

	rows, dropped, err := p.Features(ctx, run.ValidDate, sessions, profiles)
	if err != nil {
		return nil, err
	}
	mergeCounts(run.Dropped, dropped)
	run.RowsOut = len(rows)

	return &DayResult{Sessions: sessions, Profiles: profiles, Rows: rows}, nil
}

// Sessions reconciles a day's events, back-fills missing zones and applies the geographic filters.
func (p *Pipeline) Sessions(events []models.RawEvent, bookings []models.Booking) ([]models.CanonicalSession, map[string]int) {
	defer observe("reconcile", p.opts.Service, time.Now())

	sessions, _ := p.reconciler.Reconcile(events, bookings)
	booked := 0
	for _, s := range sessions {
		if s.IsBooking {
			booked++
		}
	}
	metrics.SessionsReconciled.WithLabelValues("booking").Add(float64(booked))
	metrics.SessionsReconciled.WithLabelValues("standalone").Add(float64(len(sessions) - booked))

	filled := cohort.FillZoneIDs(sessions)
	kept, dropped := p.geo.Apply(sessions)

	p.logger.Debug("Sessions filtered",
		zap.Int("reconciled", len(sessions)),
		zap.Int("zones_filled", filled),
		zap.Int("kept", len(kept)),
	)
	return kept, dropped
}

// Profiles returns the finalized profiles of the customers eligible on day, from the cache
// when it holds them.
func (p *Pipeline) Profiles(ctx context.Context, day time.Time) (map[int64]*location.Profile, error) {
	validDate := truncateDay(day).Format(DateLayout)

	if p.cache != nil {
		profiles, ok, err := p.cache.LoadProfiles(ctx, p.opts.Service, validDate)
		switch {
		case err != nil:
			p.logger.Warn("Profile cache read failed", zap.String("valid_date", validDate), zap.Error(err))
		case ok:
			metrics.CacheHits.WithLabelValues("profiles").Inc()
			return profiles, nil
		default:
			metrics.CacheMisses.WithLabelValues("profiles").Inc()
		}
	}

	profiles, err := p.BuildProfiles(ctx, day)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.SaveProfiles(ctx, p.opts.Service, validDate, profiles); err != nil {
			p.logger.Warn("Profile cache write failed", zap.String("valid_date", validDate), zap.Error(err))
		}
	}
	return profiles, nil
}

// BuildProfiles ranks customers over the trailing window, keeps the active cohort and builds
// a profile for each retained customer with enough history.
func (p *Pipeline) BuildProfiles(ctx context.Context, day time.Time) (map[int64]*location.Profile, error) {
	defer observe("profiles", p.opts.Service, time.Now())

	from, to := p.opts.Window(day)
	validDate := to.Format(DateLayout)

	trips, err := p.src.Trips(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load trips: %w", err)
	}
	trx, err := p.src.TransactionCounts(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction counts: %w", err)
	}
	saved, err := p.src.SavedLocations(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load saved locations: %w", err)
	}

	ranks := cohort.Retain(cohort.PercentRanks(cohort.ActivityFromTrips(trips, nil)), p.opts.Percentile)
	byCustomer := location.GroupTrips(trips)

	ids := make([]int64, 0, len(ranks))
	for id := range ranks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	profiles := make(map[int64]*location.Profile, len(ids))
	insufficient := 0
	for _, id := range ids {
		profile, err := location.BuildProfile(id, validDate, byCustomer[id], p.opts.Build, p.normalizer)
		if errors.Is(err, location.ErrInsufficientHistory) {
			insufficient++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build profile of customer %d: %w", id, err)
		}
		rank := ranks[id]
		profile.NumTrips = rank.NumTrips
		profile.Quantile = rank.Percentile
		profile.TrxAmt = trx[id]
		profile.Saved = saved[id]
		profiles[id] = profile
	}

	metrics.ProfilesBuilt.WithLabelValues(string(p.opts.Service)).Set(float64(len(profiles)))
	metrics.RowsDropped.WithLabelValues(DropInsufficientHist).Add(float64(insufficient))
	p.logger.Info("Profiles built",
		zap.String("valid_date", validDate),
		zap.Int("trips", len(trips)),
		zap.Int("retained", len(ids)),
		zap.Int("profiles", len(profiles)),
		zap.Int("insufficient_history", insufficient),
	)
	return profiles, nil
}

// Features computes one row per session whose customer has a profile. Sessions are split into
// chunks processed by at most Options.Workers goroutines; output keeps the input order.
func (p *Pipeline) Features(ctx context.Context, validDate string, sessions []models.CanonicalSession, profiles map[int64]*location.Profile) ([]models.FeatureRow, map[string]int, error) {
	defer observe("features", p.opts.Service, time.Now())

	rows := make([]models.FeatureRow, len(sessions))
	keep := make([]bool, len(sessions))
	dropped := map[string]int{}
	var mu sync.Mutex

	chunk := chunkSize(len(sessions), p.opts.Workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for start := 0; start < len(sessions); start += chunk {
		start, end := start, min(start+chunk, len(sessions))
		g.Go(func() error {
			local := map[string]int{}
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				row, reason, ok := p.featureRow(validDate, sessions[i], profiles)
				if !ok {
					local[reason]++
					continue
				}
				rows[i], keep[i] = row, true
			}
			mu.Lock()
			mergeCounts(dropped, local)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("failed to compute features: %w", err)
	}

	out := make([]models.FeatureRow, 0, len(sessions))
	for i, row := range rows {
		if keep[i] {
			out = append(out, row)
		}
	}
	return out, dropped, nil
}

func (p *Pipeline) featureRow(validDate string, s models.CanonicalSession, profiles map[int64]*location.Profile) (models.FeatureRow, string, bool) {
	profile, ok := profiles[s.CustomerID]
	if !ok {
		return models.FeatureRow{}, DropNoProfile, false
	}
	tf, err := p.normalizer.Normalize(s.Timestamp, s.Country)
	if err != nil {
		return models.FeatureRow{}, DropUnmappedCountry, false
	}
	point := location.Point{Lat: s.Latitude, Long: s.Longitude}
	dropoff := location.Point{Lat: s.DropoffLat, Long: s.DropoffLong}
	aff, ok := p.engine.Compute(point, dropoff, s.HasDropoff, profile)
	if !ok {
		return models.FeatureRow{}, DropNoProfile, false
	}
	return AssembleRow(validDate, s, tf, aff, profile), "", true
}

// RunRange processes every day in [from, to] in order and stops at the first failure.
func (p *Pipeline) RunRange(ctx context.Context, from, to time.Time) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	for day := truncateDay(from); !day.After(truncateDay(to)); day = day.AddDate(0, 0, 1) {
		res, err := p.RunDay(ctx, day)
		if err != nil {
			return runs, err
		}
		runs = append(runs, res.Run)
	}
	return runs, nil
}

func chunkSize(n, workers int) int {
	size := n / (workers * 4)
	if size < 64 {
		size = 64
	}
	return size
}

func mergeCounts(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}

func observe(stage string, service models.Service, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage, string(service)).Observe(time.Since(start).Seconds())
}
