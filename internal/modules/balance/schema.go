package balance

import "database/sql"

// Schema for saved calculations. Breakdown structures are stored as JSON,
// the per-facility opening snapshot as a msgpack blob.
const Schema = `
CREATE TABLE IF NOT EXISTS calculations (
    calc_id INTEGER PRIMARY KEY,
    calc_uuid TEXT NOT NULL,
    calc_date TEXT NOT NULL,
    calc_type TEXT NOT NULL,
    ore_tonnes REAL NOT NULL DEFAULT 0,
    concentrate_tonnes REAL NOT NULL DEFAULT 0,
    plant_gross REAL NOT NULL DEFAULT 0,
    total_inflows REAL NOT NULL DEFAULT 0,
    total_outflows REAL NOT NULL DEFAULT 0,
    fresh_inflows REAL NOT NULL DEFAULT 0,
    storage_change REAL NOT NULL DEFAULT 0,
    seepage_loss REAL NOT NULL DEFAULT 0,
    closure_error_m3 REAL NOT NULL DEFAULT 0,
    closure_error_pct REAL,
    has_low_fresh_inflows INTEGER NOT NULL DEFAULT 0,
    inflows_json TEXT NOT NULL DEFAULT '{}',
    outflows_json TEXT NOT NULL DEFAULT '{}',
    facilities_json TEXT NOT NULL DEFAULT '[]',
    capacity_warnings_json TEXT NOT NULL DEFAULT '[]',
    flags_json TEXT NOT NULL DEFAULT '[]',
    metric_statuses_json TEXT NOT NULL DEFAULT '{}',
    opening_snapshot BLOB,
    created_at TEXT NOT NULL,
    UNIQUE(calc_date, calc_type)
);

CREATE INDEX IF NOT EXISTS idx_calculations_date ON calculations(calc_date);
`

// InitSchema ensures the calculations table exists
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
