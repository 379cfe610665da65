package licensing

import "database/sql"

// Schema for the license record and its audit log
const Schema = `
CREATE TABLE IF NOT EXISTS license_info (
    license_id INTEGER PRIMARY KEY,
    license_key TEXT UNIQUE NOT NULL,
    tier TEXT NOT NULL,
    status TEXT NOT NULL,
    expiry_date TEXT NOT NULL,
    hw_1 TEXT NOT NULL DEFAULT '',
    hw_2 TEXT NOT NULL DEFAULT '',
    hw_3 TEXT NOT NULL DEFAULT '',
    last_online_check TEXT,
    offline_grace_until TEXT,
    transfer_count INTEGER NOT NULL DEFAULT 0,
    activated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS license_audit_log (
    audit_id INTEGER PRIMARY KEY,
    license_id INTEGER NOT NULL DEFAULT 0,
    event_type TEXT NOT NULL,
    event_details TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_license_audit_created ON license_audit_log(created_at);
`

// InitSchema ensures licensing tables exist
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
