// Package store keeps glucose, meal and insulin history in a local SQLite
// star schema so calibrations can run without the Nightscout site.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS dim_time (
  time_id INTEGER PRIMARY KEY AUTOINCREMENT,
  hour_ts INTEGER NOT NULL UNIQUE,
  date TEXT NOT NULL,
  hour INTEGER NOT NULL,
  dow INTEGER NOT NULL,
  month INTEGER NOT NULL,
  year INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dim_insulin_type (
  insulin_type_id INTEGER PRIMARY KEY AUTOINCREMENT,
  insulin_name TEXT NOT NULL,
  insulin_class TEXT NOT NULL DEFAULT 'unknown',
  UNIQUE (insulin_name, insulin_class)
);

CREATE TABLE IF NOT EXISTS fact_glucose (
  ts INTEGER PRIMARY KEY,
  time_id INTEGER NOT NULL REFERENCES dim_time(time_id),
  sgv REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS fact_meal (
  meal_id INTEGER PRIMARY KEY AUTOINCREMENT,
  source_id TEXT NOT NULL UNIQUE,
  ts INTEGER NOT NULL,
  time_id INTEGER NOT NULL REFERENCES dim_time(time_id),
  carbs REAL NOT NULL,
  protein REAL NOT NULL DEFAULT 0,
  fat REAL NOT NULL DEFAULT 0,
  classification TEXT
);

CREATE TABLE IF NOT EXISTS fact_insulin (
  fact_id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts INTEGER NOT NULL,
  time_id INTEGER NOT NULL REFERENCES dim_time(time_id),
  insulin_type_id INTEGER NOT NULL REFERENCES dim_insulin_type(insulin_type_id),
  units REAL NOT NULL,
  UNIQUE (ts, insulin_type_id)
);

CREATE INDEX IF NOT EXISTS idx_fact_insulin_ts ON fact_insulin (ts);
CREATE INDEX IF NOT EXISTS idx_fact_meal_ts ON fact_meal (ts);
`

// Store is an event source backed by SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// SaveStats counts the rows written by SaveEvents
type SaveStats struct {
	Glucose int `json:"glucose"`
	Meals   int `json:"meals"`
	Doses   int `json:"doses"`
}

// Open opens or creates the database at path and applies the schema
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("database opened", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// transaction executes fn within a database transaction
func (s *Store) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// syntheticMealKey prefixes the keys of meals without a source id
const syntheticMealKey = "ts:"

// mealKeys returns the row key of every meal: its source id, or the timestamp
// plus the meal's position among id-less meals of the same second.
func mealKeys(meals []models.MealEvent) []string {
	keys := make([]string, len(meals))
	seen := make(map[int64]int)
	for i, m := range meals {
		if m.SourceID != "" {
			keys[i] = m.SourceID
			continue
		}
		keys[i] = fmt.Sprintf("%s%d#%d", syntheticMealKey, m.Timestamp, seen[m.Timestamp])
		seen[m.Timestamp]++
	}
	return keys
}

// dims resolves dimension keys inside one transaction
type dims struct {
	tx       *sql.Tx
	times    map[int64]int64
	insulins map[string]int64
}

func (d *dims) timeID(ctx context.Context, ts int64) (int64, error) {
	hour := ts - ts%3600
	if id, ok := d.times[hour]; ok {
		return id, nil
	}

	t := time.Unix(hour, 0).UTC()
	if _, err := d.tx.ExecContext(ctx,
		`INSERT INTO dim_time (hour_ts, date, hour, dow, month, year) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hour_ts) DO NOTHING`,
		hour, t.Format("2006-01-02"), t.Hour(), int(t.Weekday()), int(t.Month()), t.Year()); err != nil {
		return 0, fmt.Errorf("insert dim_time: %w", err)
	}

	var id int64
	if err := d.tx.QueryRowContext(ctx, `SELECT time_id FROM dim_time WHERE hour_ts = ?`, hour).Scan(&id); err != nil {
		return 0, fmt.Errorf("select dim_time: %w", err)
	}
	d.times[hour] = id
	return id, nil
}

func (d *dims) insulinTypeID(ctx context.Context, dose models.InsulinDose) (int64, error) {
	name := dose.Name
	if name == "" {
		name = "Unknown"
	}
	class := dose.Class
	if class == "" {
		class = models.ClassifyInsulin(name)
	}
	key := name + "\x00" + string(class)
	if id, ok := d.insulins[key]; ok {
		return id, nil
	}

	if _, err := d.tx.ExecContext(ctx,
		`INSERT INTO dim_insulin_type (insulin_name, insulin_class) VALUES (?, ?)
		 ON CONFLICT(insulin_name, insulin_class) DO NOTHING`, name, string(class)); err != nil {
		return 0, fmt.Errorf("insert dim_insulin_type: %w", err)
	}

	var id int64
	if err := d.tx.QueryRowContext(ctx,
		`SELECT insulin_type_id FROM dim_insulin_type WHERE insulin_name = ? AND insulin_class = ?`,
		name, string(class)).Scan(&id); err != nil {
		return 0, fmt.Errorf("select dim_insulin_type: %w", err)
	}
	d.insulins[key] = id
	return id, nil
}

// SaveEvents upserts every event of set. Readings are keyed by timestamp,
// meals by source id (or timestamp and position when they have none) and
// doses by timestamp and insulin type, so repeated syncs of the same range
// are idempotent.
func (s *Store) SaveEvents(ctx context.Context, set *models.EventSet) (SaveStats, error) {
	if err := set.Validate(); err != nil {
		return SaveStats{}, err
	}

	var stats SaveStats
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		d := &dims{tx: tx, times: map[int64]int64{}, insulins: map[string]int64{}}

		for _, g := range set.Glucose {
			timeID, err := d.timeID(ctx, g.Timestamp)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO fact_glucose (ts, time_id, sgv) VALUES (?, ?, ?)
				 ON CONFLICT(ts) DO UPDATE SET sgv = excluded.sgv`,
				g.Timestamp, timeID, g.Value); err != nil {
				return fmt.Errorf("upsert glucose: %w", err)
			}
			stats.Glucose++
		}

		keys := mealKeys(set.Meals)
		for i, m := range set.Meals {
			timeID, err := d.timeID(ctx, m.Timestamp)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO fact_meal (source_id, ts, time_id, carbs, protein, fat, classification) VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(source_id) DO UPDATE SET
				   ts = excluded.ts,
				   time_id = excluded.time_id,
				   carbs = excluded.carbs,
				   protein = excluded.protein,
				   fat = excluded.fat,
				   classification = excluded.classification`,
				keys[i], m.Timestamp, timeID, m.Carbs, m.Protein, m.Fat, nullString(m.Classification)); err != nil {
				return fmt.Errorf("upsert meal: %w", err)
			}
			stats.Meals++
		}

		for _, dose := range set.Doses {
			timeID, err := d.timeID(ctx, dose.Timestamp)
			if err != nil {
				return err
			}
			typeID, err := d.insulinTypeID(ctx, dose)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO fact_insulin (ts, time_id, insulin_type_id, units) VALUES (?, ?, ?, ?)
				 ON CONFLICT(ts, insulin_type_id) DO UPDATE SET units = excluded.units`,
				dose.Timestamp, timeID, typeID, dose.Units); err != nil {
				return fmt.Errorf("upsert insulin: %w", err)
			}
			stats.Doses++
		}
		return nil
	})
	if err != nil {
		return SaveStats{}, err
	}

	s.logger.Info("events saved", "glucose", stats.Glucose, "meals", stats.Meals, "doses", stats.Doses)
	return stats, nil
}

// Events reads the events of [from, to) ordered by timestamp
func (s *Store) Events(ctx context.Context, from, to time.Time) (*models.EventSet, error) {
	lo, hi := from.Unix(), to.Unix()
	set := &models.EventSet{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, sgv FROM fact_glucose WHERE ts >= ? AND ts < ? ORDER BY ts`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query glucose: %w", err)
	}
	err = scanRows(rows, func() error {
		var g models.GlucoseReading
		if err := rows.Scan(&g.Timestamp, &g.Value); err != nil {
			return err
		}
		set.Glucose = append(set.Glucose, g)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan glucose: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT source_id, ts, carbs, protein, fat, COALESCE(classification, '') FROM fact_meal
		 WHERE ts >= ? AND ts < ? ORDER BY ts, meal_id`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query meals: %w", err)
	}
	err = scanRows(rows, func() error {
		var m models.MealEvent
		if err := rows.Scan(&m.SourceID, &m.Timestamp, &m.Carbs, &m.Protein, &m.Fat, &m.Classification); err != nil {
			return err
		}
		if strings.HasPrefix(m.SourceID, syntheticMealKey) {
			m.SourceID = ""
		}
		set.Meals = append(set.Meals, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan meals: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT fi.ts, fi.units, dit.insulin_name, dit.insulin_class
		 FROM fact_insulin fi
		 JOIN dim_insulin_type dit ON fi.insulin_type_id = dit.insulin_type_id
		 WHERE fi.ts >= ? AND fi.ts < ? ORDER BY fi.ts, fi.fact_id`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query insulin: %w", err)
	}
	err = scanRows(rows, func() error {
		var d models.InsulinDose
		var class string
		if err := rows.Scan(&d.Timestamp, &d.Units, &d.Name, &class); err != nil {
			return err
		}
		d.Class = models.InsulinClass(class)
		set.Doses = append(set.Doses, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan insulin: %w", err)
	}

	return set, nil
}

// LatestGlucose returns the time of the newest stored reading, zero when empty
func (s *Store) LatestGlucose(ctx context.Context) (time.Time, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM fact_glucose`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("query latest glucose: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}

func scanRows(rows *sql.Rows, scan func() error) error {
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		if err := scan(); err != nil {
			return err
		}
	}
	return rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
