package transfers

import "database/sql"

// Schema for applied pump transfer events. The UNIQUE constraint is the
// idempotency guard: one applied transfer per (date, source, destination).
const Schema = `
CREATE TABLE IF NOT EXISTS pump_transfer_events (
    event_id INTEGER PRIMARY KEY,
    event_uuid TEXT NOT NULL,
    calc_date TEXT NOT NULL,
    source_code TEXT NOT NULL,
    dest_code TEXT NOT NULL,
    volume_m3 REAL NOT NULL,
    source_pct_before REAL NOT NULL DEFAULT 0,
    source_pct_after REAL NOT NULL DEFAULT 0,
    dest_pct_before REAL NOT NULL DEFAULT 0,
    dest_pct_after REAL NOT NULL DEFAULT 0,
    applied_at TEXT NOT NULL,
    applied_by TEXT NOT NULL DEFAULT '',
    UNIQUE(calc_date, source_code, dest_code)
);

CREATE INDEX IF NOT EXISTS idx_pump_transfer_events_date ON pump_transfer_events(calc_date);
`

// InitSchema ensures the pump transfer events table exists
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
