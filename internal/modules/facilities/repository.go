package facilities

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Repository handles facility, source and constant database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new facilities repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "facilities").Logger(),
	}
}

const facilityColumns = `facility_code, name, total_capacity, surface_area, is_lined,
	evap_active, pump_start_pct, pump_stop_pct, feeds_to, area_code, active,
	current_volume, min_volume, daily_consumption`

// GetByCode returns a facility by code, or nil when not found
func (r *Repository) GetByCode(code string) (*Facility, error) {
	query := "SELECT " + facilityColumns + " FROM facilities WHERE facility_code = ?"

	rows, err := r.db.Query(query, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, fmt.Errorf("failed to query facility by code: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}

	facility, err := scanFacility(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan facility: %w", err)
	}
	return &facility, nil
}

// GetAllActive returns active facilities ordered by code.
// The stable ordering matters: the pump transfer engine iterates it.
func (r *Repository) GetAllActive() ([]Facility, error) {
	query := "SELECT " + facilityColumns + " FROM facilities WHERE active = 1 ORDER BY facility_code"
	return r.queryFacilities(query)
}

// GetAll returns every facility ordered by code
func (r *Repository) GetAll() ([]Facility, error) {
	query := "SELECT " + facilityColumns + " FROM facilities ORDER BY facility_code"
	return r.queryFacilities(query)
}

func (r *Repository) queryFacilities(query string, args ...interface{}) ([]Facility, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facilities: %w", err)
	}
	defer rows.Close()

	var out []Facility
	for rows.Next() {
		facility, err := scanFacility(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan facility: %w", err)
		}
		out = append(out, facility)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facilities: %w", err)
	}
	return out, nil
}

// Upsert creates or replaces a facility
func (r *Repository) Upsert(f *Facility) error {
	query := `
		INSERT INTO facilities (` + facilityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(facility_code) DO UPDATE SET
			name = excluded.name,
			total_capacity = excluded.total_capacity,
			surface_area = excluded.surface_area,
			is_lined = excluded.is_lined,
			evap_active = excluded.evap_active,
			pump_start_pct = excluded.pump_start_pct,
			pump_stop_pct = excluded.pump_stop_pct,
			feeds_to = excluded.feeds_to,
			area_code = excluded.area_code,
			active = excluded.active,
			current_volume = excluded.current_volume,
			min_volume = excluded.min_volume,
			daily_consumption = excluded.daily_consumption
	`
	_, err := r.db.Exec(query,
		f.Code, f.Name, f.TotalCapacity, f.SurfaceArea, boolToInt(f.IsLined),
		boolToInt(f.EvapActive), f.PumpStartPct, f.PumpStopPct,
		strings.Join(f.FeedsTo, ","), f.AreaCode, boolToInt(f.Active),
		f.CurrentVolume, f.MinVolume, f.DailyConsumption,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert facility %s: %w", f.Code, err)
	}
	return nil
}

// UpdateVolume sets a facility's current volume
func (r *Repository) UpdateVolume(code string, volume float64) error {
	result, err := r.db.Exec("UPDATE facilities SET current_volume = ? WHERE facility_code = ?", volume, code)
	if err != nil {
		return fmt.Errorf("failed to update volume for %s: %w", code, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("facility %s not found", code)
	}
	return nil
}

// GetActiveSourcesByType returns active sources of the given type
func (r *Repository) GetActiveSourcesByType(sourceType SourceType) ([]Source, error) {
	query := `SELECT source_code, name, source_type, area_code, active
		FROM sources WHERE active = 1 AND source_type = ? ORDER BY source_code`

	rows, err := r.db.Query(query, string(sourceType))
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var s Source
		var sourceType string
		var active int
		if err := rows.Scan(&s.Code, &s.Name, &sourceType, &s.AreaCode, &active); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		s.Type = SourceType(sourceType)
		s.Active = active != 0
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}
	return out, nil
}

// UpsertSource creates or replaces a source
func (r *Repository) UpsertSource(s *Source) error {
	query := `
		INSERT INTO sources (source_code, name, source_type, area_code, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_code) DO UPDATE SET
			name = excluded.name,
			source_type = excluded.source_type,
			area_code = excluded.area_code,
			active = excluded.active
	`
	_, err := r.db.Exec(query, s.Code, s.Name, string(s.Type), s.AreaCode, boolToInt(s.Active))
	if err != nil {
		return fmt.Errorf("failed to upsert source %s: %w", s.Code, err)
	}
	return nil
}

// GetConstant returns a constant's value, or the fallback when absent
func (r *Repository) GetConstant(key string, fallback float64) float64 {
	var value float64
	err := r.db.QueryRow("SELECT value FROM constants WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			r.log.Warn().Err(err).Str("key", key).Msg("Failed to read constant, using fallback")
		}
		return fallback
	}
	return value
}

// SetConstant writes a constant; admin surface only
func (r *Repository) SetConstant(key string, value float64, description string) error {
	query := `
		INSERT INTO constants (key, value, description) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, description = excluded.description
	`
	if _, err := r.db.Exec(query, key, value, description); err != nil {
		return fmt.Errorf("failed to set constant %s: %w", key, err)
	}
	return nil
}

func scanFacility(rows *sql.Rows) (Facility, error) {
	var f Facility
	var feedsTo string
	var isLined, evapActive, active int

	err := rows.Scan(
		&f.Code, &f.Name, &f.TotalCapacity, &f.SurfaceArea, &isLined,
		&evapActive, &f.PumpStartPct, &f.PumpStopPct, &feedsTo, &f.AreaCode,
		&active, &f.CurrentVolume, &f.MinVolume, &f.DailyConsumption,
	)
	if err != nil {
		return Facility{}, err
	}

	f.IsLined = isLined != 0
	f.EvapActive = evapActive != 0
	f.Active = active != 0
	if feedsTo != "" {
		f.FeedsTo = strings.Split(feedsTo, ",")
	}
	return f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
