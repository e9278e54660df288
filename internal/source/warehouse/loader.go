package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/metrics"
	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/pkg/circuitbreaker"
	"github.com/session-intent/backend/pkg/logger"
	"github.com/session-intent/backend/pkg/retry"
)

const dateLayout = "2006-01-02"

// Tables names the warehouse relations the loader reads.
type Tables struct {
	Events         string
	Bookings       string
	Trips          string
	Transactions   string
	SavedLocations string
}

func DefaultTables() Tables {
	return Tables{
		Events:         "session_events",
		Bookings:       "bookings",
		Trips:          "trips",
		Transactions:   "transactions",
		SavedLocations: "saved_locations",
	}
}

type Config struct {
	DSN          string
	Service      models.Service
	QueryTimeout time.Duration
	MaxAttempts  int
	Tables       Tables
}

// Loader reads the date-partitioned input tables of one service.
type Loader struct {
	db      *sql.DB
	service models.Service
	timeout time.Duration
	tables  Tables
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	log     *zap.Logger
}

func NewLoader(cfg Config) (*Loader, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	logger.Info("Connected to warehouse", zap.String("service", string(cfg.Service)))
	return NewLoaderFromDB(db, cfg), nil
}

// NewLoaderFromDB wraps an open handle. Queries use $n placeholders.
func NewLoaderFromDB(db *sql.DB, cfg Config) *Loader {
	if cfg.Service == "" {
		cfg.Service = models.ServiceRide
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Minute
	}
	if cfg.Tables == (Tables{}) {
		cfg.Tables = DefaultTables()
	}

	log := logger.Named("warehouse")

	rc := retry.DefaultConfig()
	rc.Name = "warehouse"
	rc.MaxAttempts = cfg.MaxAttempts
	rc.Retryable = Transient
	rc.Logger = log

	breaker := circuitbreaker.New("warehouse", circuitbreaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		Logger:           log,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &Loader{
		db:      db,
		service: cfg.Service,
		timeout: cfg.QueryTimeout,
		tables:  cfg.Tables,
		retry:   rc,
		breaker: breaker,
		log:     log,
	}
}

func (l *Loader) Close() error {
	return l.db.Close()
}

// Transient reports whether a warehouse error is worth reconnecting for.
func Transient(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			// connection exception, insufficient resources, operator intervention
			return true
		case "40":
			return pqErr.Code == "40001" || pqErr.Code == "40P01"
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (l *Loader) Events(ctx context.Context, day time.Time) ([]models.RawEvent, error) {
	q := fmt.Sprintf(`
		SELECT session_id, customer_id, ts, country, latitude, longitude, zone_id, booking_id
		FROM %s
		WHERE day = $1 AND service = $2
		ORDER BY ts`, l.tables.Events)

	return query(ctx, l, l.tables.Events, q, []any{day.Format(dateLayout), string(l.service)}, func(rows *sql.Rows) (models.RawEvent, error) {
		var (
			e         models.RawEvent
			country   sql.NullString
			zone      sql.NullString
			lat, long sql.NullFloat64
			booking   sql.NullInt64
		)
		if err := rows.Scan(&e.SessionID, &e.CustomerID, &e.Timestamp, &country, &lat, &long, &zone, &booking); err != nil {
			return e, err
		}
		e.Country = country.String
		e.ZoneID = zone.String
		e.Latitude = lat.Float64
		e.Longitude = long.Float64
		e.BookingID = booking.Int64
		return e, nil
	})
}

func (l *Loader) Bookings(ctx context.Context, day time.Time) ([]models.Booking, error) {
	q := fmt.Sprintf(`
		SELECT booking_id, customer_id, trip_ended, dropoff_lat, dropoff_long
		FROM %s
		WHERE day = $1`, l.tables.Bookings)

	return query(ctx, l, l.tables.Bookings, q, []any{day.Format(dateLayout)}, func(rows *sql.Rows) (models.Booking, error) {
		var (
			b         models.Booking
			lat, long sql.NullFloat64
		)
		if err := rows.Scan(&b.BookingID, &b.CustomerID, &b.TripEnded, &lat, &long); err != nil {
			return b, err
		}
		b.DropoffLat = lat.Float64
		b.DropoffLong = long.Float64
		return b, nil
	})
}

func (l *Loader) Trips(ctx context.Context, from, to time.Time) ([]models.Trip, error) {
	q := fmt.Sprintf(`
		SELECT booking_id, customer_id, country, created_at, pickup_lat, pickup_long, dropoff_lat, dropoff_long
		FROM %s
		WHERE service = $1 AND created_at >= $2 AND created_at < $3 AND trip_ended
		ORDER BY created_at`, l.tables.Trips)

	return query(ctx, l, l.tables.Trips, q, []any{string(l.service), from.UTC(), to.UTC()}, func(rows *sql.Rows) (models.Trip, error) {
		var (
			t                 models.Trip
			pickLat, pickLong sql.NullFloat64
			dropLat, dropLong sql.NullFloat64
		)
		if err := rows.Scan(&t.BookingID, &t.CustomerID, &t.Country, &t.CreatedAt, &pickLat, &pickLong, &dropLat, &dropLong); err != nil {
			return t, err
		}
		t.HasPickup = pickLat.Valid && pickLong.Valid && (pickLat.Float64 != 0 || pickLong.Float64 != 0)
		t.PickupLat = pickLat.Float64
		t.PickupLong = pickLong.Float64
		t.DropoffLat = dropLat.Float64
		t.DropoffLong = dropLong.Float64
		return t, nil
	})
}

type customerCount struct {
	id    int64
	count int
}

func (l *Loader) TransactionCounts(ctx context.Context, from, to time.Time) (map[int64]int, error) {
	q := fmt.Sprintf(`
		SELECT customer_id, COUNT(DISTINCT transaction_id)
		FROM %s
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY customer_id`, l.tables.Transactions)

	counts, err := query(ctx, l, l.tables.Transactions, q, []any{from.UTC(), to.UTC()}, func(rows *sql.Rows) (customerCount, error) {
		var c customerCount
		err := rows.Scan(&c.id, &c.count)
		return c, err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[int64]int, len(counts))
	for _, c := range counts {
		out[c.id] = c.count
	}
	return out, nil
}

type savedRow struct {
	customerID int64
	kind       string
	coord      models.Coordinate
}

// SavedLocations returns the latest home and work coordinates saved before asOf.
func (l *Loader) SavedLocations(ctx context.Context, asOf time.Time) (map[int64]models.SavedLocations, error) {
	q := fmt.Sprintf(`
		SELECT customer_id, location_type, latitude, longitude
		FROM %s
		WHERE created_at < $1 AND location_type IN ('home', 'work')
		ORDER BY customer_id, created_at`, l.tables.SavedLocations)

	rows, err := query(ctx, l, l.tables.SavedLocations, q, []any{asOf.UTC()}, func(rows *sql.Rows) (savedRow, error) {
		var r savedRow
		err := rows.Scan(&r.customerID, &r.kind, &r.coord.Lat, &r.coord.Long)
		return r, err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[int64]models.SavedLocations)
	for _, r := range rows {
		saved := out[r.customerID]
		coord := r.coord
		if r.kind == "home" {
			saved.Home = &coord
		} else {
			saved.Work = &coord
		}
		out[r.customerID] = saved
	}
	return out, nil
}

// query runs q through the breaker and retry policy and scans every row with scan.
func query[T any](ctx context.Context, l *Loader, table, q string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	start := time.Now()

	out, err := retry.DoWithResult(ctx, l.retry, func(ctx context.Context) ([]T, error) {
		var result []T
		err := l.breaker.Execute(ctx, func() error {
			qctx, cancel := context.WithTimeout(ctx, l.timeout)
			defer cancel()

			rows, err := l.db.QueryContext(qctx, q, args...)
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				v, err := scan(rows)
				if err != nil {
					return retry.Permanent(fmt.Errorf("failed to scan %s row: %w", table, err))
				}
				result = append(result, v)
			}
			return rows.Err()
		})
		return result, err
	})
	if err != nil {
		metrics.WarehouseQueries.WithLabelValues(table, "error").Inc()
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}

	metrics.WarehouseQueries.WithLabelValues(table, "ok").Inc()
	l.log.Debug("Warehouse query finished",
		zap.String("table", table),
		zap.Int("rows", len(out)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}
