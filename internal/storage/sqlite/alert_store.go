// Package sqlite persists alert episodes and transition events. It is a
// sink adapter, not a domain layer: the engine never reads from it on the
// frame path.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/stillwater-systems/perimeter/internal/alerts"
	"github.com/stillwater-systems/perimeter/internal/threat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AlertRecord is one persisted alert episode.
type AlertRecord struct {
	AlertID        string
	TrackID        string
	PeakLevel      alerts.Level
	ZoneID         string
	StartUnixNanos int64
	EndUnixNanos   *int64
	Factors        threat.Factors
}

// Store writes alert records to a sqlite database. It implements
// alerts.Sink; write failures are logged and counted against the record,
// never propagated into the pipeline.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the alert database at path and runs
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open alert db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Publish records an alert transition. Opens the episode row on the first
// transition away from SAFE, raises its peak level on escalations, and
// stamps the end time when the episode returns to SAFE. Every transition
// also lands in alert_events.
func (s *Store) Publish(t alerts.Transition) {
	if _, err := s.db.Exec(`
		INSERT INTO alert_events (alert_id, track_id, prev_level, new_level, zone_id, ts_unix_nanos, score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, nullable(t.AlertID), t.TrackID, t.Previous.String(), t.New.String(), nullable(t.ZoneID), t.Timestamp.UnixNano(), t.Score); err != nil {
		log.Printf("alert store: insert event for track %s: %v", t.TrackID, err)
	}

	if t.AlertID == "" {
		return
	}

	switch {
	case t.New > t.Previous:
		if _, err := s.db.Exec(`
			INSERT INTO alerts (alert_id, track_id, peak_level, zone_id, start_unix_nanos, class_weight, zone_sensitivity, proximity, time_multiplier)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(alert_id) DO UPDATE SET
				peak_level = CASE WHEN excluded.peak_level > peak_level THEN excluded.peak_level ELSE peak_level END,
				zone_id = excluded.zone_id,
				class_weight = excluded.class_weight,
				zone_sensitivity = excluded.zone_sensitivity,
				proximity = excluded.proximity,
				time_multiplier = excluded.time_multiplier
		`, t.AlertID, t.TrackID, int(t.New), nullable(t.ZoneID), t.EpisodeStart.UnixNano(),
			t.Factors.ClassWeight, t.Factors.ZoneSensitivity, t.Factors.Proximity, t.Factors.TimeMultiplier); err != nil {
			log.Printf("alert store: upsert alert %s: %v", t.AlertID, err)
		}
	case t.New == alerts.LevelSafe:
		if _, err := s.db.Exec(`
			UPDATE alerts SET end_unix_nanos = ? WHERE alert_id = ? AND end_unix_nanos IS NULL
		`, t.Timestamp.UnixNano(), t.AlertID); err != nil {
			log.Printf("alert store: close alert %s: %v", t.AlertID, err)
		}
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetAlert returns one alert episode by id.
func (s *Store) GetAlert(alertID string) (*AlertRecord, error) {
	row := s.db.QueryRow(`
		SELECT alert_id, track_id, peak_level, COALESCE(zone_id, ''), start_unix_nanos, end_unix_nanos,
		       COALESCE(class_weight, 0), COALESCE(zone_sensitivity, 0), COALESCE(proximity, 0), COALESCE(time_multiplier, 0)
		FROM alerts WHERE alert_id = ?
	`, alertID)
	return scanAlert(row)
}

// GetAlertsInRange returns alert episodes whose start falls in
// [startNanos, endNanos), newest first, capped at limit.
func (s *Store) GetAlertsInRange(startNanos, endNanos int64, limit int) ([]*AlertRecord, error) {
	rows, err := s.db.Query(`
		SELECT alert_id, track_id, peak_level, COALESCE(zone_id, ''), start_unix_nanos, end_unix_nanos,
		       COALESCE(class_weight, 0), COALESCE(zone_sensitivity, 0), COALESCE(proximity, 0), COALESCE(time_multiplier, 0)
		FROM alerts
		WHERE start_unix_nanos >= ? AND start_unix_nanos < ?
		ORDER BY start_unix_nanos DESC
		LIMIT ?
	`, startNanos, endNanos, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var records []*AlertRecord
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetOpenAlerts returns alert episodes without an end timestamp.
func (s *Store) GetOpenAlerts() ([]*AlertRecord, error) {
	rows, err := s.db.Query(`
		SELECT alert_id, track_id, peak_level, COALESCE(zone_id, ''), start_unix_nanos, end_unix_nanos,
		       COALESCE(class_weight, 0), COALESCE(zone_sensitivity, 0), COALESCE(proximity, 0), COALESCE(time_multiplier, 0)
		FROM alerts WHERE end_unix_nanos IS NULL
		ORDER BY start_unix_nanos
	`)
	if err != nil {
		return nil, fmt.Errorf("query open alerts: %w", err)
	}
	defer rows.Close()

	var records []*AlertRecord
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*AlertRecord, error) {
	var rec AlertRecord
	var peak int
	var end sql.NullInt64
	if err := row.Scan(&rec.AlertID, &rec.TrackID, &peak, &rec.ZoneID, &rec.StartUnixNanos, &end,
		&rec.Factors.ClassWeight, &rec.Factors.ZoneSensitivity, &rec.Factors.Proximity, &rec.Factors.TimeMultiplier); err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	rec.PeakLevel = alerts.Level(peak)
	if end.Valid {
		v := end.Int64
		rec.EndUnixNanos = &v
	}
	return &rec, nil
}

// CloseAllOpen stamps every open episode with ts. Used on unclean
// shutdown recovery so restarted deployments never inherit dangling alerts.
func (s *Store) CloseAllOpen(ts time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE alerts SET end_unix_nanos = ? WHERE end_unix_nanos IS NULL`, ts.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("close open alerts: %w", err)
	}
	return res.RowsAffected()
}
