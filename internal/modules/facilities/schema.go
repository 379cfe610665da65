package facilities

import "database/sql"

// Schema for facilities, sources and constants
const Schema = `
CREATE TABLE IF NOT EXISTS facilities (
    facility_code TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    total_capacity REAL NOT NULL,
    surface_area REAL NOT NULL DEFAULT 0,
    is_lined INTEGER NOT NULL DEFAULT 0,
    evap_active INTEGER NOT NULL DEFAULT 1,
    pump_start_pct REAL NOT NULL DEFAULT 70,
    pump_stop_pct REAL NOT NULL DEFAULT 30,
    feeds_to TEXT NOT NULL DEFAULT '',
    area_code TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    current_volume REAL NOT NULL DEFAULT 0,
    min_volume REAL NOT NULL DEFAULT 0,
    daily_consumption REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sources (
    source_code TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    source_type TEXT NOT NULL,
    area_code TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS constants (
    key TEXT PRIMARY KEY,
    value REAL NOT NULL,
    description TEXT NOT NULL DEFAULT ''
);
`

// seedConstants inserts domain defaults without clobbering admin edits
const seedConstants = `
INSERT OR IGNORE INTO constants (key, value, description) VALUES
    ('TSF_RETURN_RATE', 0.56, 'Fraction of gross plant water returned from the TSF'),
    ('MINING_WATER_RATE', 0.18, 'Mining water use per tonne of ore, m3/t'),
    ('ORE_MOISTURE_PCT', 3.4, 'Moisture content of delivered ore, percent'),
    ('ORE_DENSITY', 2.7, 'Ore density, t/m3'),
    ('DEFAULT_MONTHLY_RAINFALL_MM', 60, 'Regional monthly rainfall fallback, mm'),
    ('UNLINED_SEEPAGE_RATE', 0.005, 'Monthly seepage fraction for unlined facilities'),
    ('WATER_PER_TONNE', 0.71, 'Gross plant water use per tonne milled, m3/t'),
    ('DUST_SUPPRESSION_RATE', 0.02, 'Dust suppression water per tonne of ore, m3/t'),
    ('DOMESTIC_WATER_RATE', 0.01, 'Domestic water per tonne of ore, m3/t'),
    ('CLOSURE_ERROR_ALERT_PCT', 5, 'Closure error alert threshold, percent of fresh inflows');
`

// InitSchema ensures facility tables exist and constants are seeded
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	_, err := db.Exec(seedConstants)
	return err
}
