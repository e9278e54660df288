package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/session-intent/backend/internal/location"
	"github.com/session-intent/backend/internal/storage/models"
	"github.com/session-intent/backend/pkg/logger"
	"github.com/session-intent/backend/pkg/utils"
)

var (
	// ErrRowCountMismatch means the session and feature tables cover a different number of dates.
	ErrRowCountMismatch = errors.New("session and feature tables cover a different number of dates")
	// ErrDateMismatch means the two tables disagree on a date at the same position.
	ErrDateMismatch = errors.New("session and feature dates do not match")
)

const decimals = 3

// Outputs recorded per stored day, written even when a day produced no rows.
const (
	outputSessions = "sessions"
	outputProfiles = "profiles"
	outputFeatures = "feature_rows"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		valid_date TEXT NOT NULL,
		service TEXT NOT NULL,
		session_id TEXT NOT NULL,
		customer_id INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		zone_id TEXT,
		country TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		booking_id INTEGER NOT NULL DEFAULT 0,
		trip_ended INTEGER NOT NULL DEFAULT 0,
		dropoff_lat REAL,
		dropoff_long REAL,
		has_dropoff INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (valid_date, service, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_customer ON sessions(valid_date, customer_id);

	CREATE TABLE IF NOT EXISTS profiles (
		valid_date TEXT NOT NULL,
		service TEXT NOT NULL,
		customer_id INTEGER NOT NULL,
		num_trips INTEGER NOT NULL,
		quantile REAL NOT NULL,
		trx_amt INTEGER NOT NULL DEFAULT 0,
		locations TEXT NOT NULL,
		home_work_coords TEXT,
		week_stats TEXT NOT NULL,
		hour_stats TEXT NOT NULL,
		PRIMARY KEY (valid_date, service, customer_id)
	);

	CREATE TABLE IF NOT EXISTS feature_rows (
		valid_date TEXT NOT NULL,
		service TEXT NOT NULL,
		session_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (valid_date, service, session_id)
	);

	CREATE TABLE IF NOT EXISTS day_outputs (
		valid_date TEXT NOT NULL,
		service TEXT NOT NULL,
		output TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		PRIMARY KEY (valid_date, service, output)
	);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		valid_date TEXT NOT NULL,
		service TEXT NOT NULL,
		events_in INTEGER NOT NULL,
		sessions_out INTEGER NOT NULL,
		rows_out INTEGER NOT NULL,
		dropped TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		checksum TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_date ON pipeline_runs(valid_date);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// SaveDay replaces everything stored for (run.ValidDate, run.Service) in one transaction.
func (c *Client) SaveDay(ctx context.Context, run models.PipelineRun, sessions []models.CanonicalSession, profiles map[int64]*location.Profile, rows []models.FeatureRow) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	date, service := run.ValidDate, string(run.Service)
	for _, table := range []string{"sessions", "profiles", "feature_rows", "day_outputs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE valid_date = ? AND service = ?", date, service); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := insertSessions(ctx, tx, date, service, sessions); err != nil {
		return err
	}
	if err := insertProfiles(ctx, tx, date, service, profiles); err != nil {
		return err
	}
	checksum, err := insertFeatureRows(ctx, tx, date, service, rows)
	if err != nil {
		return err
	}
	run.Checksum = checksum
	if err := insertOutputs(ctx, tx, date, service, map[string]int{
		outputSessions: len(sessions),
		outputProfiles: len(profiles),
		outputFeatures: len(rows),
	}); err != nil {
		return err
	}
	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit day: %w", err)
	}

	logger.Debug("Day stored",
		zap.String("valid_date", date),
		zap.String("service", service),
		zap.Int("sessions", len(sessions)),
		zap.Int("profiles", len(profiles)),
		zap.Int("rows", len(rows)),
	)
	return nil
}

func insertOutputs(ctx context.Context, tx *sql.Tx, date, service string, counts map[string]int) error {
	for output, n := range counts {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO day_outputs (valid_date, service, output, row_count) VALUES (?, ?, ?, ?)",
			date, service, output, n)
		if err != nil {
			return fmt.Errorf("failed to record %s output: %w", output, err)
		}
	}
	return nil
}

func insertSessions(ctx context.Context, tx *sql.Tx, date, service string, sessions []models.CanonicalSession) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sessions (valid_date, service, session_id, customer_id, ts, zone_id, country, latitude, longitude,
			booking_id, trip_ended, dropoff_lat, dropoff_long, has_dropoff)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare session insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range sessions {
		_, err := stmt.ExecContext(ctx,
			date, service, s.SessionID, s.CustomerID, s.Timestamp, s.ZoneID, s.Country, s.Latitude, s.Longitude,
			s.BookingID, boolToInt(s.TripEnded), s.DropoffLat, s.DropoffLong, boolToInt(s.HasDropoff),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session %s: %w", s.SessionID, err)
		}
	}
	return nil
}

func insertProfiles(ctx context.Context, tx *sql.Tx, date, service string, profiles map[int64]*location.Profile) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO profiles (valid_date, service, customer_id, num_trips, quantile, trx_amt, locations,
			home_work_coords, week_stats, hour_stats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare profile insert: %w", err)
	}
	defer stmt.Close()

	for id, p := range profiles {
		locs, err := location.EncodeLocations(p.Locations, decimals)
		if err != nil {
			return err
		}
		saved, err := location.EncodeHomeWork(p.Saved)
		if err != nil {
			return err
		}
		week, err := location.EncodeWeekHistogram(p.Week)
		if err != nil {
			return err
		}
		hours, err := location.EncodeHourHistogram(p.Hours)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, date, service, id, p.NumTrips, p.Quantile, p.TrxAmt, locs, saved, week, hours); err != nil {
			return fmt.Errorf("failed to insert profile %d: %w", id, err)
		}
	}
	return nil
}

// insertFeatureRows stores rows in order and returns the digest of their payloads.
func insertFeatureRows(ctx context.Context, tx *sql.Tx, date, service string, rows []models.FeatureRow) (string, error) {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO feature_rows (valid_date, service, session_id, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare feature insert: %w", err)
	}
	defer stmt.Close()

	digest := utils.NewDigest()
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return "", fmt.Errorf("failed to marshal feature row: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, date, service, row.SessionID, string(payload)); err != nil {
			return "", fmt.Errorf("failed to insert feature row %s: %w", row.SessionID, err)
		}
		digest.Add(payload)
	}
	return digest.Sum(), nil
}

func insertRun(ctx context.Context, tx *sql.Tx, run models.PipelineRun) error {
	dropped, err := json.Marshal(run.Dropped)
	if err != nil {
		return fmt.Errorf("failed to marshal drop counts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO pipeline_runs (id, valid_date, service, events_in, sessions_out, rows_out, dropped, started_at, finished_at, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ValidDate, string(run.Service), run.EventsIn, run.SessionsOut, run.RowsOut, string(dropped),
		run.StartedAt.Unix(), run.FinishedAt.Unix(), run.Checksum)
	if err != nil {
		return fmt.Errorf("failed to insert pipeline run: %w", err)
	}
	return nil
}

func (c *Client) LoadSessions(ctx context.Context, service models.Service, date string) ([]models.CanonicalSession, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT session_id, customer_id, ts, zone_id, country, latitude, longitude, booking_id, trip_ended,
			dropoff_lat, dropoff_long, has_dropoff
		FROM sessions
		WHERE valid_date = ? AND service = ?
		ORDER BY ts, session_id
	`, date, string(service))
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.CanonicalSession
	for rows.Next() {
		var s models.CanonicalSession
		var zone sql.NullString
		var ended, hasDropoff int
		err := rows.Scan(&s.SessionID, &s.CustomerID, &s.Timestamp, &zone, &s.Country, &s.Latitude, &s.Longitude,
			&s.BookingID, &ended, &s.DropoffLat, &s.DropoffLong, &hasDropoff)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		s.ZoneID = zone.String
		s.TripEnded = ended == 1
		s.IsBooking = s.BookingID != models.NoBooking
		s.HasDropoff = hasDropoff == 1
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// LoadProfiles decodes the serialized profile columns of a date and finalizes every profile.
func (c *Client) LoadProfiles(ctx context.Context, service models.Service, date string) (map[int64]*location.Profile, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT customer_id, num_trips, quantile, trx_amt, locations, home_work_coords, week_stats, hour_stats
		FROM profiles
		WHERE valid_date = ? AND service = ?
	`, date, string(service))
	if err != nil {
		return nil, fmt.Errorf("failed to get profiles: %w", err)
	}
	defer rows.Close()

	profiles := make(map[int64]*location.Profile)
	for rows.Next() {
		p := &location.Profile{ValidDate: date, Service: service}
		var locs, week, hours string
		var saved sql.NullString
		if err := rows.Scan(&p.CustomerID, &p.NumTrips, &p.Quantile, &p.TrxAmt, &locs, &saved, &week, &hours); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if p.Locations, err = location.DecodeLocations(locs); err != nil {
			return nil, err
		}
		if p.Saved, err = location.DecodeHomeWork(saved.String); err != nil {
			return nil, err
		}
		if p.Week, err = location.DecodeWeekHistogram(week); err != nil {
			return nil, err
		}
		if p.Hours, err = location.DecodeHourHistogram(hours); err != nil {
			return nil, err
		}
		if err := p.Finalize(); err != nil {
			return nil, fmt.Errorf("failed to finalize profile %d: %w", p.CustomerID, err)
		}
		profiles[p.CustomerID] = p
	}
	return profiles, rows.Err()
}

func (c *Client) LoadFeatureRows(ctx context.Context, service models.Service, date string) ([]models.FeatureRow, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT payload FROM feature_rows WHERE valid_date = ? AND service = ? ORDER BY session_id
	`, date, string(service))
	if err != nil {
		return nil, fmt.Errorf("failed to get feature rows: %w", err)
	}
	defer rows.Close()

	var out []models.FeatureRow
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var row models.FeatureRow
		if err := json.Unmarshal([]byte(payload), &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal feature row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *Client) dates(ctx context.Context, output string, service models.Service, from, to string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT valid_date FROM day_outputs WHERE output = ? AND service = ? AND valid_date BETWEEN ? AND ? ORDER BY valid_date",
		output, string(service), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s dates: %w", output, err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// PairDates returns the dates in [from, to] for which both the session and the profile
// outputs were stored, empty days included. Any disagreement between the two aborts
// with ErrRowCountMismatch or ErrDateMismatch.
func (c *Client) PairDates(ctx context.Context, service models.Service, from, to string) ([]string, error) {
	sessionDates, err := c.dates(ctx, outputSessions, service, from, to)
	if err != nil {
		return nil, err
	}
	profileDates, err := c.dates(ctx, outputProfiles, service, from, to)
	if err != nil {
		return nil, err
	}

	if len(sessionDates) != len(profileDates) {
		return nil, fmt.Errorf("%w: %d session dates, %d feature dates", ErrRowCountMismatch, len(sessionDates), len(profileDates))
	}
	for i := range sessionDates {
		if sessionDates[i] != profileDates[i] {
			return nil, fmt.Errorf("%w: %s vs %s", ErrDateMismatch, sessionDates[i], profileDates[i])
		}
	}
	return sessionDates, nil
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, valid_date, service, events_in, sessions_out, rows_out, dropped, started_at, finished_at, checksum
		FROM pipeline_runs
		ORDER BY started_at DESC, valid_date DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []models.PipelineRun
	for rows.Next() {
		var r models.PipelineRun
		var service string
		var dropped sql.NullString
		var startedAt, finishedAt int64
		err := rows.Scan(&r.ID, &r.ValidDate, &service, &r.EventsIn, &r.SessionsOut, &r.RowsOut, &dropped, &startedAt, &finishedAt, &r.Checksum)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Service = models.Service(service)
		r.StartedAt = time.Unix(startedAt, 0)
		r.FinishedAt = time.Unix(finishedAt, 0)
		if dropped.Valid && dropped.String != "" {
			if err := json.Unmarshal([]byte(dropped.String), &r.Dropped); err != nil {
				return nil, fmt.Errorf("failed to unmarshal drop counts: %w", err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
