package timeseries

import "database/sql"

// Schema for ingested measurements. Each row is tagged with the view kind it
// was ingested into so the two logical repositories stay disjoint.
const Schema = `
CREATE TABLE IF NOT EXISTS measurements (
    id INTEGER PRIMARY KEY,
    kind TEXT NOT NULL,
    date TEXT NOT NULL,
    field TEXT NOT NULL,
    source_code TEXT,
    facility_code TEXT,
    value REAL NOT NULL,
    quality TEXT NOT NULL DEFAULT 'ok'
);

CREATE INDEX IF NOT EXISTS idx_measurements_lookup ON measurements(kind, field, date);
CREATE INDEX IF NOT EXISTS idx_measurements_facility ON measurements(kind, field, facility_code, date);
`

// InitSchema ensures the measurements table exists
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
