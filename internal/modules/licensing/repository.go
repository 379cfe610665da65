package licensing

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const timeLayout = "2006-01-02 15:04:05"

// Repository persists the device license record and its audit trail
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new licensing repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "licensing").Logger(),
	}
}

// Get returns the device license record, or nil when unactivated
func (r *Repository) Get() (*Record, error) {
	row := r.db.QueryRow(`
		SELECT license_id, license_key, tier, status, expiry_date, hw_1, hw_2, hw_3,
			last_online_check, offline_grace_until, transfer_count, activated_at
		FROM license_info ORDER BY license_id LIMIT 1`)

	rec := &Record{}
	var expiry, activatedAt string
	var lastCheck, graceUntil sql.NullString
	var tier string

	err := row.Scan(
		&rec.ID, &rec.Key, &tier, &rec.Status, &expiry,
		&rec.HW1, &rec.HW2, &rec.HW3,
		&lastCheck, &graceUntil, &rec.TransferCount, &activatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read license record: %w", err)
	}

	rec.Tier = Tier(tier)
	if rec.ExpiryDate, err = time.Parse(timeLayout, expiry); err != nil {
		return nil, fmt.Errorf("failed to parse expiry date %q: %w", expiry, err)
	}
	if rec.ActivatedAt, err = time.Parse(timeLayout, activatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse activation date %q: %w", activatedAt, err)
	}
	if lastCheck.Valid {
		if t, err := time.Parse(timeLayout, lastCheck.String); err == nil {
			rec.LastOnlineCheck = &t
		}
	}
	if graceUntil.Valid {
		if t, err := time.Parse(timeLayout, graceUntil.String); err == nil {
			rec.OfflineGraceUntil = &t
		}
	}
	return rec, nil
}

// Save writes the device license record, replacing any existing one
func (r *Repository) Save(rec *Record) error {
	var lastCheck, graceUntil interface{}
	if rec.LastOnlineCheck != nil {
		lastCheck = rec.LastOnlineCheck.UTC().Format(timeLayout)
	}
	if rec.OfflineGraceUntil != nil {
		graceUntil = rec.OfflineGraceUntil.UTC().Format(timeLayout)
	}

	if _, err := r.db.Exec("DELETE FROM license_info WHERE license_key <> ?", rec.Key); err != nil {
		return fmt.Errorf("failed to replace license record: %w", err)
	}

	query := `
		INSERT INTO license_info (
			license_key, tier, status, expiry_date, hw_1, hw_2, hw_3,
			last_online_check, offline_grace_until, transfer_count, activated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(license_key) DO UPDATE SET
			tier = excluded.tier,
			status = excluded.status,
			expiry_date = excluded.expiry_date,
			hw_1 = excluded.hw_1,
			hw_2 = excluded.hw_2,
			hw_3 = excluded.hw_3,
			last_online_check = excluded.last_online_check,
			offline_grace_until = excluded.offline_grace_until,
			transfer_count = excluded.transfer_count,
			activated_at = excluded.activated_at
	`
	result, err := r.db.Exec(query,
		rec.Key, string(rec.Tier), rec.Status,
		rec.ExpiryDate.UTC().Format(timeLayout),
		rec.HW1, rec.HW2, rec.HW3,
		lastCheck, graceUntil, rec.TransferCount,
		rec.ActivatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save license record: %w", err)
	}
	if rec.ID == 0 {
		if id, err := result.LastInsertId(); err == nil {
			rec.ID = id
		}
	}
	return nil
}

// Audit appends one audit log row. Audit failures are logged, never fatal:
// losing an audit row must not block an authorisation decision.
func (r *Repository) Audit(licenseID int64, eventType AuditEventType, details string) {
	_, err := r.db.Exec(
		"INSERT INTO license_audit_log (license_id, event_type, event_details, created_at) VALUES (?, ?, ?, ?)",
		licenseID, string(eventType), details, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		r.log.Error().Err(err).Str("event", string(eventType)).Msg("Failed to write audit log")
	}
}

// AuditEntry is one audit log row
type AuditEntry struct {
	ID        int64          `json:"audit_id"`
	LicenseID int64          `json:"license_id"`
	EventType AuditEventType `json:"event_type"`
	Details   string         `json:"event_details"`
	CreatedAt string         `json:"created_at"`
}

// RecentAudit returns the newest audit entries
func (r *Repository) RecentAudit(limit int) ([]AuditEntry, error) {
	rows, err := r.db.Query(`
		SELECT audit_id, license_id, event_type, event_details, created_at
		FROM license_audit_log ORDER BY audit_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var eventType string
		if err := rows.Scan(&e.ID, &e.LicenseID, &eventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.EventType = AuditEventType(eventType)
		out = append(out, e)
	}
	return out, rows.Err()
}
