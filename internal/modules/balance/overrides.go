package balance

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// OverridesSchema holds the monthly manual override and tailings moisture tables
const OverridesSchema = `
CREATE TABLE IF NOT EXISTS manual_overrides (
    id INTEGER PRIMARY KEY,
    date TEXT NOT NULL,
    key TEXT NOT NULL,
    value REAL NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(date, key)
);

CREATE TABLE IF NOT EXISTS tailings_moisture_monthly (
    id INTEGER PRIMARY KEY,
    month INTEGER NOT NULL,
    year INTEGER NOT NULL,
    tailings_moisture_pct REAL NOT NULL CHECK (tailings_moisture_pct >= 0 AND tailings_moisture_pct <= 100),
    UNIQUE(month, year)
);
`

// InitOverridesSchema ensures override tables exist
func InitOverridesSchema(db *sql.DB) error {
	_, err := db.Exec(OverridesSchema)
	return err
}

// OverrideRepository handles monthly manual overrides. An override for
// (month, key) beats every other input source for that key.
type OverrideRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOverrideRepository creates a new override repository
func NewOverrideRepository(db *sql.DB, log zerolog.Logger) *OverrideRepository {
	return &OverrideRepository{
		db:  db,
		log: log.With().Str("repo", "overrides").Logger(),
	}
}

// overrideDateKey normalises override dates to the first of the month
func overrideDateKey(date time.Time) string {
	return time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

// Get returns the override value for (month of date, key), or nil
func (r *OverrideRepository) Get(date time.Time, key string) (*float64, error) {
	var value float64
	err := r.db.QueryRow(
		"SELECT value FROM manual_overrides WHERE date = ? AND key = ?",
		overrideDateKey(date), key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read override %s: %w", key, err)
	}
	return &value, nil
}

// Set writes an override value for (month of date, key)
func (r *OverrideRepository) Set(date time.Time, key string, value float64) error {
	query := `
		INSERT INTO manual_overrides (date, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	updatedAt := time.Now().Format("2006-01-02 15:04:05")
	if _, err := r.db.Exec(query, overrideDateKey(date), key, value, updatedAt); err != nil {
		return fmt.Errorf("failed to set override %s: %w", key, err)
	}
	return nil
}

// Delete removes an override
func (r *OverrideRepository) Delete(date time.Time, key string) error {
	if _, err := r.db.Exec(
		"DELETE FROM manual_overrides WHERE date = ? AND key = ?",
		overrideDateKey(date), key,
	); err != nil {
		return fmt.Errorf("failed to delete override %s: %w", key, err)
	}
	return nil
}

// MoistureRepository handles per-month tailings moisture percentages
type MoistureRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMoistureRepository creates a new tailings moisture repository
func NewMoistureRepository(db *sql.DB, log zerolog.Logger) *MoistureRepository {
	return &MoistureRepository{
		db:  db,
		log: log.With().Str("repo", "tailings_moisture").Logger(),
	}
}

// Get returns the moisture percentage for (year, month). Absence means 0:
// tailings retention is only counted for months the operator entered.
func (r *MoistureRepository) Get(year int, month time.Month) (float64, bool, error) {
	var pct float64
	err := r.db.QueryRow(
		"SELECT tailings_moisture_pct FROM tailings_moisture_monthly WHERE year = ? AND month = ?",
		year, int(month),
	).Scan(&pct)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read tailings moisture: %w", err)
	}
	return pct, true, nil
}

// Set writes the moisture percentage for (year, month)
func (r *MoistureRepository) Set(year int, month time.Month, pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("tailings moisture must be within [0,100], got %v", pct)
	}
	query := `
		INSERT INTO tailings_moisture_monthly (month, year, tailings_moisture_pct)
		VALUES (?, ?, ?)
		ON CONFLICT(month, year) DO UPDATE SET tailings_moisture_pct = excluded.tailings_moisture_pct
	`
	if _, err := r.db.Exec(query, int(month), year, pct); err != nil {
		return fmt.Errorf("failed to set tailings moisture: %w", err)
	}
	return nil
}
